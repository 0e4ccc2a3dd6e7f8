package oracleclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQuote_FloorsDecimalAmount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("token_in") != "0xin" || q.Get("token_out") != "0xout" || q.Get("amount_in") != "400000" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"amount_out":"400000.987"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	out, err := client.Quote(context.Background(), "0xin", "0xout", 400000)
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}
	if out != 400000 {
		t.Fatalf("expected floored 400000, got %d", out)
	}
}

func TestQuote_NoLiquidity(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "conflict", status: http.StatusConflict, body: `{"error":"no_liquidity"}`},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, body: `{"error":"no_liquidity"}`},
		{name: "zero quote", status: http.StatusOK, body: `{"amount_out":"0.4"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "").Quote(context.Background(), "a", "b", 1)
			if !errors.Is(err, ErrNoLiquidity) {
				t.Fatalf("expected ErrNoLiquidity, got %v", err)
			}
		})
	}
}

func TestQuote_RejectsMalformedAmount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"amount_out":"lots"}`))
	}))
	defer server.Close()

	if _, err := NewClient(server.URL, "").Quote(context.Background(), "a", "b", 1); err == nil {
		t.Fatal("expected malformed amount to fail")
	}
}
