package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PLATFORM_FEE_BPS")
	unsetEnvWithCleanup(t, "PLATFORM_FEE_PERCENT")
	unsetEnvWithCleanup(t, "OPERATOR_FEE_BPS")
	unsetEnvWithCleanup(t, "STORE_DRIVER")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PlatformFeeBps != 250 || cfg.OperatorFeeBps != 0 {
		t.Fatalf("expected default fees 250/0, got %d/%d", cfg.PlatformFeeBps, cfg.OperatorFeeBps)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected postgres store driver, got %q", cfg.StoreDriver)
	}
	if cfg.MaxDeadlineWindow() != 7*24*time.Hour || cfg.SubscriptionPeriod() != 30*24*time.Hour {
		t.Fatalf("unexpected windows %s %s", cfg.MaxDeadlineWindow(), cfg.SubscriptionPeriod())
	}
	if cfg.ExternalCallTimeout() != 15*time.Second {
		t.Fatalf("expected 15s external timeout, got %s", cfg.ExternalCallTimeout())
	}
}

func TestLoadConfig_PlatformFeePercentOverridesBps(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PLATFORM_FEE_BPS", "100")
	setEnvWithCleanup(t, "PLATFORM_FEE_PERCENT", "3.33")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PlatformFeeBps != 333 {
		t.Fatalf("expected 333 bps from percent, got %d", cfg.PlatformFeeBps)
	}
}

func TestLoadConfig_ClampsFees(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PLATFORM_FEE_PERCENT")
	setEnvWithCleanup(t, "PLATFORM_FEE_BPS", "12000")
	setEnvWithCleanup(t, "OPERATOR_FEE_BPS", "-5")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PlatformFeeBps != 10000 || cfg.OperatorFeeBps != 0 {
		t.Fatalf("expected clamped fees 10000/0, got %d/%d", cfg.PlatformFeeBps, cfg.OperatorFeeBps)
	}
}

func TestLoadConfig_NormalizesAddressesAndSigners(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "ISSUER_ADDRESS", " 0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD ")
	unsetEnvWithCleanup(t, "VERIFYING_CONTRACT")
	unsetEnvWithCleanup(t, "PERMIT_SPENDER")
	setEnvWithCleanup(t, "AUTHORIZED_SIGNERS", "0x01, ,0x02")
	setEnvWithCleanup(t, "INTERNAL_API_KEY", "internal")
	unsetEnvWithCleanup(t, "ESCROW_API_KEY")
	unsetEnvWithCleanup(t, "SERVICE_API_KEY")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.IssuerAddress != "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd" || cfg.VerifyingContract != cfg.IssuerAddress {
		t.Fatalf("unexpected issuer %q contract %q", cfg.IssuerAddress, cfg.VerifyingContract)
	}
	if cfg.PermitSpender != cfg.VerifyingContract {
		t.Fatalf("expected permit spender to default to the verifying contract, got %q", cfg.PermitSpender)
	}
	if signers := cfg.SignerList(); len(signers) != 2 || signers[1] != "0x02" {
		t.Fatalf("unexpected signers %v", signers)
	}
	if cfg.EscrowAPIKey != "internal" {
		t.Fatalf("expected escrow key to fall back to internal key, got %q", cfg.EscrowAPIKey)
	}
}

func TestLoadConfig_UsesClerkJWKSAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "JWT_JWKS_URL")
	setEnvWithCleanup(t, "CLERK_JWKS_URL", "https://issuer.example/.well-known/jwks.json")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.JWKSURL != "https://issuer.example/.well-known/jwks.json" {
		t.Fatalf("expected JWKS url from alias, got %q", cfg.JWKSURL)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
