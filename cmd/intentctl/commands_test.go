package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

const testKey = "0x0707070707070707070707070707070707070707070707070707070707070707"

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	address, err := execute(t, addressCmd(), "--key", testKey)
	if err != nil {
		t.Fatalf("address: %v", err)
	}

	digest := "0x" + strings.Repeat("ab", 32)
	signature, err := execute(t, signCmd(), "--key", testKey, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	signer, err := execute(t, verifyCmd(), "--expect", address, digest, signature)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if signer != address {
		t.Fatalf("expected signer %s, got %s", address, signer)
	}

	if _, err := execute(t, verifyCmd(), "--expect", "0x1111111111111111111111111111111111111111", digest, signature); err == nil {
		t.Fatal("expected mismatched signer to fail")
	}
}

func TestLoadKeyRequiresKey(t *testing.T) {
	t.Setenv(keyEnv, "")
	if _, err := execute(t, addressCmd()); err == nil {
		t.Fatal("expected missing key to fail")
	}
}

func TestDeriveIDIsDeterministic(t *testing.T) {
	args := []string{"--payer", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "--creator", "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "--content-id", "7", "--nonce", "0"}

	first, err := execute(t, deriveIDCmd(), args...)
	if err != nil {
		t.Fatalf("derive-id: %v", err)
	}
	second, _ := execute(t, deriveIDCmd(), args...)
	if first != second || len(first) != 32 {
		t.Fatalf("expected stable 32-char id, got %q and %q", first, second)
	}

	third, _ := execute(t, deriveIDCmd(), append(args[:len(args)-1], "1")...)
	if third == first {
		t.Fatal("expected a different nonce to derive a different id")
	}
}
