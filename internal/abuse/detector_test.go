package abuse

import "testing"

func TestKeyBuildersUseSpecNamespace(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"count", countKey("1.2.3.4"), "abuse:count:1.2.3.4"},
		{"ban", banKey("1.2.3.4"), "abuse:ban:1.2.3.4"},
		{"whitelist", whitelistKey("1.2.3.4"), "abuse:whitelist:1.2.3.4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %q, want %q", tc.got, tc.want)
			}
		})
	}
}
