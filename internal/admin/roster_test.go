package admin

import (
	"errors"
	"testing"
)

const (
	signerA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	signerB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestRoster_SeedsAndNormalizes(t *testing.T) {
	r := NewRoster("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", signerB, "not-an-address")
	if r.DefaultSigner() != signerA {
		t.Fatalf("expected normalized default signer, got %q", r.DefaultSigner())
	}
	if !r.IsAuthorized(signerA) || !r.IsAuthorized(signerB) {
		t.Fatal("expected seeded signers to be authorized")
	}
	if len(r.List()) != 2 {
		t.Fatalf("expected invalid seed to be skipped, got %v", r.List())
	}
}

func TestRoster_RemoveKeepsDefaultSigner(t *testing.T) {
	r := NewRoster(signerA)
	if _, err := r.Add(signerB); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if err := r.Remove(signerA); !errors.Is(err, ErrDefaultSignerRemoval) {
		t.Fatalf("expected default signer removal to fail, got %v", err)
	}
	if err := r.Remove(signerB); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if r.IsAuthorized(signerB) {
		t.Fatal("expected removed signer to be unauthorized")
	}
}
