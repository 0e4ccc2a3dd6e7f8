package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestErrorf_PreservesSentinelIdentity(t *testing.T) {
	err := Errorf(ErrDeadlineTooFar, "deadline %d beyond window", 42)
	if !errors.Is(err, ErrDeadlineTooFar) {
		t.Fatalf("expected errors.Is to match sentinel, got %v", err)
	}
	if errors.Is(err, ErrDeadlineExpired) {
		t.Fatal("did not expect match against a different code")
	}
	if CodeOf(err) != CodeDeadlineTooFar {
		t.Fatalf("expected code %d, got %d", CodeDeadlineTooFar, CodeOf(err))
	}
}

func TestCodeOf_UncodedErrorIsInternal(t *testing.T) {
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Fatal("expected uncoded errors to report internal")
	}
	if CodeOf(nil) != CodeOK {
		t.Fatal("expected nil error to report ok")
	}
}

func TestErrorCodeGroups(t *testing.T) {
	cases := map[ErrorCode]string{
		CodeInvalidCreator:         "validation",
		CodeUnauthorizedSigner:     "authorization",
		CodeIntentAlreadyProcessed: "lifecycle",
		CodeInvalidPermit:          "settlement",
		CodeInsufficientReserve:    "refund",
		CodeRateLimited:            "service",
	}
	for code, want := range cases {
		if got := code.Group(); got != want {
			t.Fatalf("code %d: expected group %q, got %q", code, want, got)
		}
	}
}

func TestIntentID_RoundTripsAsHex(t *testing.T) {
	var id IntentID
	for i := range id {
		id[i] = byte(i * 7)
	}
	text := id.String()
	if len(text) != 32 {
		t.Fatalf("expected 32 hex characters, got %d", len(text))
	}
	parsed, err := ParseIntentID("0x" + text)
	if err != nil {
		t.Fatalf("ParseIntentID returned error: %v", err)
	}
	if parsed != id {
		t.Fatalf("expected %s, got %s", id, parsed)
	}
	if _, err := ParseIntentID("abc"); !errors.Is(err, ErrInvalidPaymentRequest) {
		t.Fatalf("expected short id to be rejected, got %v", err)
	}
}

func TestPaymentKind_JSONUsesNames(t *testing.T) {
	body, err := json.Marshal(PaymentRequest{Kind: PaymentKindSubscription})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	_ = json.Unmarshal(body, &decoded)
	if decoded["kind"] != "subscription" {
		t.Fatalf("expected kind name on the wire, got %v", decoded["kind"])
	}

	var req PaymentRequest
	if err := json.Unmarshal([]byte(`{"kind":"pay-per-view"}`), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if req.Kind != PaymentKindPayPerView {
		t.Fatalf("expected pay_per_view, got %s", req.Kind)
	}
	if err := json.Unmarshal([]byte(`{"kind":"lottery"}`), &req); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}

func TestNormalizeAddress(t *testing.T) {
	addr, err := NormalizeAddress(" 0xABCDEF0123456789abcdef0123456789ABCDEF01 ")
	if err != nil {
		t.Fatalf("NormalizeAddress returned error: %v", err)
	}
	if addr != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("unexpected normalized address %s", addr)
	}
	for _, bad := range []string{"", "0x1234", "abcdef0123456789abcdef0123456789abcdef0101", "0xzzcdef0123456789abcdef0123456789abcdef01"} {
		if _, err := NormalizeAddress(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected %q to be rejected, got %v", bad, err)
		}
	}
}

func TestAuthorizationContext_RequireAny(t *testing.T) {
	auth := NewAuthorizationContext("0xAA", "monitor", "bogus", "monitor")
	if len(auth.Capabilities) != 1 {
		t.Fatalf("expected unknown and duplicate capabilities dropped, got %v", auth.Capabilities)
	}
	if err := auth.RequireAny(CapabilityOperator, CapabilityMonitor); err != nil {
		t.Fatalf("expected monitor to satisfy requirement, got %v", err)
	}
	if err := auth.RequireAny(CapabilityAdmin); !errors.Is(err, ErrMissingCapability) {
		t.Fatalf("expected missing capability, got %v", err)
	}
	if !auth.Is("0xaa") {
		t.Fatal("expected subject comparison to ignore case")
	}
}
