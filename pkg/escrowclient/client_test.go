package escrowclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bloom/payment-intent-service/internal/domain"
)

func TestTransferPreApproved_ReturnsOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transfers/pre-approved" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Internal-API-Key"); got != "secret" {
			t.Errorf("expected api key header, got %q", got)
		}
		var in domain.SettlementInstruction
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if in.TotalAmount != 1000 || in.CreatorNetAmount != 975 {
			t.Errorf("unexpected instruction %+v", in)
		}
		_ = json.NewEncoder(w).Encode(domain.SettlementOutcome{Success: false, Reason: "insufficient allowance"})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")
	outcome, err := client.TransferPreApproved(context.Background(), domain.SettlementInstruction{TotalAmount: 1000, CreatorNetAmount: 975})
	if err != nil {
		t.Fatalf("TransferPreApproved returned error: %v", err)
	}
	if outcome.Success || outcome.Reason != "insufficient allowance" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestTransferWithAllowanceProof_SendsPermit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in PermitTransferRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if in.Permit.Nonce != 3 || in.Instruction.IntentID != "abc" {
			t.Errorf("unexpected body %+v", in)
		}
		_ = json.NewEncoder(w).Encode(domain.SettlementOutcome{Success: true, Reference: "tx-1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	outcome, err := client.TransferWithAllowanceProof(context.Background(), domain.SettlementInstruction{IntentID: "abc"}, domain.PermitProof{Nonce: 3})
	if err != nil {
		t.Fatalf("TransferWithAllowanceProof returned error: %v", err)
	}
	if !outcome.Success || outcome.Reference != "tx-1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestSendRefund_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"upstream","message":"ledger unavailable"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	_, err := client.SendRefund(context.Background(), RefundRequest{IntentID: "abc", Amount: 10})
	var errResp *ErrorResponse
	if !errors.As(err, &errResp) {
		t.Fatalf("expected ErrorResponse, got %v", err)
	}
	if errResp.Status != http.StatusBadGateway || errResp.Message != "ledger unavailable" {
		t.Fatalf("unexpected error %+v", errResp)
	}
}

func TestClient_EmptyBaseURL(t *testing.T) {
	client := NewClient("  ", "")
	if _, err := client.SendRefund(context.Background(), RefundRequest{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
