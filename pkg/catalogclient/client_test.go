package catalogclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/creators/0xcreator":
			_, _ = w.Write([]byte(`{"registered":true,"suspended":false,"subscription_price":5000000}`))
		case "/contents/42":
			_, _ = w.Write([]byte(`{"creator":"0xcreator","active":true,"price":1000000}`))
		case "/contents/500":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestCreator(t *testing.T) {
	server := newCatalogServer(t)
	defer server.Close()
	client := NewClient(server.URL, "")

	creator, err := client.Creator(context.Background(), "0xcreator")
	if err != nil {
		t.Fatalf("Creator returned error: %v", err)
	}
	if !creator.Registered || creator.SubscriptionPrice != 5000000 || creator.Address != "0xcreator" {
		t.Fatalf("unexpected creator %+v", creator)
	}

	unknown, err := client.Creator(context.Background(), "0xnobody")
	if err != nil {
		t.Fatalf("expected unknown creator without error, got %v", err)
	}
	if unknown.Registered {
		t.Fatal("expected unknown creator to be unregistered")
	}
}

func TestContent(t *testing.T) {
	server := newCatalogServer(t)
	defer server.Close()
	client := NewClient(server.URL, "")

	content, err := client.Content(context.Background(), 42)
	if err != nil {
		t.Fatalf("Content returned error: %v", err)
	}
	if content == nil || content.ID != 42 || !content.Active || content.Price != 1000000 {
		t.Fatalf("unexpected content %+v", content)
	}

	missing, err := client.Content(context.Background(), 7)
	if err != nil || missing != nil {
		t.Fatalf("expected nil content for unknown id, got %+v err=%v", missing, err)
	}
	if _, err := client.Content(context.Background(), 500); err == nil {
		t.Fatal("expected server error to surface")
	}
}
