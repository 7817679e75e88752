package kvpool

import (
	"errors"
	"testing"
	"time"
)

func TestOptionsWithDefaultsFillsZeroValues(t *testing.T) {
	got := Options{}.withDefaults()

	if got.Max != 10 {
		t.Errorf("Max = %d, want 10", got.Max)
	}
	if got.AcquireTimeout != 5*time.Second {
		t.Errorf("AcquireTimeout = %v, want 5s", got.AcquireTimeout)
	}
	if got.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %v, want 30s", got.CommandTimeout)
	}
	if got.MaxCreateAttempts != 5 {
		t.Errorf("MaxCreateAttempts = %d, want 5", got.MaxCreateAttempts)
	}
}

func TestOptionsWithDefaultsPreservesExplicitValues(t *testing.T) {
	explicit := Options{Min: 2, Max: 20, AcquireTimeout: time.Second}
	got := explicit.withDefaults()

	if got.Min != 2 || got.Max != 20 {
		t.Fatalf("expected explicit Min/Max preserved, got %+v", got)
	}
	if got.AcquireTimeout != time.Second {
		t.Fatalf("expected explicit AcquireTimeout preserved, got %v", got.AcquireTimeout)
	}
}

func TestClassifyBucketsKnownErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errClass
	}{
		{"nil", nil, errClassNone},
		{"reset", errors.New("read tcp: connection reset by peer"), errClassDestroy},
		{"refused", errors.New("dial tcp: connection refused"), errClassDestroy},
		{"closed", errors.New("use of closed network connection"), errClassDestroy},
		{"readonly", errors.New("READONLY You can't write against a read only replica"), errClassReconnect},
		{"other", errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"), errClassOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); got != tc.want {
				t.Errorf("classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
