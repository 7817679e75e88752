package facilitator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/x402-foundation/mint-gateway/internal/gwtypes"
)

func TestVerifySendsAuthorizationAndParsesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body settleRequestItem
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.PaymentPayload.FromAddress != "0xabc" {
			t.Fatalf("expected fromAddress 0xabc, got %s", body.PaymentPayload.FromAddress)
		}
		w.Header().Set(headerContentType, mimeApplicationJSON)
		json.NewEncoder(w).Encode(map[string]any{"isValid": true})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{})
	result, err := c.Verify(t.Context(), &gwtypes.PaymentAuthorization{FromAddress: "0xabc"}, gwtypes.PaymentChallenge{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsValid {
		t.Fatal("expected valid result")
	}
}

func TestSettleBatchDemultiplexesByOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req settleRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.WaitForConfirmation {
			t.Error("expected waitForConfirmation to be true")
		}
		resp := settleResponse{}
		// Return results reversed to prove the client demultiplexes by
		// index rather than by response order.
		for i := len(req.Items) - 1; i >= 0; i-- {
			resp.Results = append(resp.Results, settleResponseItem{
				Index:       i,
				Success:     req.Items[i].PaymentPayload.FromAddress == "b",
				Transaction: "0x" + req.Items[i].PaymentPayload.FromAddress,
			})
		}
		w.Header().Set(headerContentType, mimeApplicationJSON)
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, Options{})
	items := []*gwtypes.SettleItem{
		gwtypes.NewSettleItem("a", &gwtypes.PaymentAuthorization{FromAddress: "a"}, gwtypes.PaymentChallenge{}),
		gwtypes.NewSettleItem("b", &gwtypes.PaymentAuthorization{FromAddress: "b"}, gwtypes.PaymentChallenge{}),
	}

	results, err := c.SettleBatch(t.Context(), items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Success {
		t.Fatal("expected first item to fail")
	}
	if !results[1].Success {
		t.Fatal("expected second item to succeed")
	}
	if results[1].TransactionHash != "0xb" {
		t.Fatalf("expected transaction hash 0xb, got %s", results[1].TransactionHash)
	}
}

func TestSettleBatchMismatchedResultCountErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerContentType, mimeApplicationJSON)
		json.NewEncoder(w).Encode(settleResponse{Results: nil})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{})
	items := []*gwtypes.SettleItem{
		gwtypes.NewSettleItem("a", &gwtypes.PaymentAuthorization{}, gwtypes.PaymentChallenge{}),
	}

	if _, err := c.SettleBatch(t.Context(), items); err == nil {
		t.Fatal("expected mismatched result count to error")
	}
}
