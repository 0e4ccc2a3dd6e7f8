package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/cobra"

	"github.com/bloom/payment-intent-service/internal/domain"
	"github.com/bloom/payment-intent-service/internal/signing"
)

const keyEnv = "OPERATOR_SIGNING_KEY"

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new secp256k1 signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, encoded, err := signing.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private_key=%s\naddress=%s\n", encoded, signing.AddressFromPublicKey(key.PubKey()))
			return nil
		},
	}
}

func addressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the signer address of a private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadKey(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signing.AddressFromPublicKey(key.PubKey()))
			return nil
		},
	}
	addKeyFlag(cmd)
	return cmd
}

func digestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "digest [intent.json]",
		Short: "Compute the typed signing digest of a stored intent",
		Long: `Reads an intent as returned by GET /intents/{id} (either the bare intent
or the status view wrapping it) and prints the digest the operator signs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := readIntent(args[0])
			if err != nil {
				return err
			}
			d, err := domainFromFlags(cmd)
			if err != nil {
				return err
			}
			digest, err := signing.TypedDigest(d, intent)
			if err != nil {
				return fmt.Errorf("compute digest: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), signing.FormatDigest(digest))
			return nil
		},
	}
	addDomainFlags(cmd)
	return cmd
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [digest]",
		Short: "Sign a 32-byte digest with the operator key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadKey(cmd)
			if err != nil {
				return err
			}
			digest, err := signing.ParseDigest(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signing.SignDigest(key, digest))
			return nil
		},
	}
	addKeyFlag(cmd)
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [digest] [signature]",
		Short: "Recover the signer of a digest signature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := signing.ParseDigest(args[0])
			if err != nil {
				return err
			}
			signer, err := signing.RecoverSigner(digest, args[1])
			if err != nil {
				return fmt.Errorf("recover signer: %w", err)
			}
			expected, _ := cmd.Flags().GetString("expect")
			if expected != "" && !domain.SameAddress(expected, signer) {
				return fmt.Errorf("signature was produced by %s, not %s", signer, strings.ToLower(expected))
			}
			fmt.Fprintln(cmd.OutOrStdout(), signer)
			return nil
		},
	}
	cmd.Flags().String("expect", "", "Fail unless the recovered signer matches this address")
	return cmd
}

func deriveIDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derive-id",
		Short: "Derive the intent identifier for a payer nonce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			payer, _ := flags.GetString("payer")
			creator, _ := flags.GetString("creator")
			contentID, _ := flags.GetUint64("content-id")
			rawKind, _ := flags.GetString("kind")
			nonce, _ := flags.GetUint64("nonce")
			issuer, _ := flags.GetString("issuer")

			kind, err := domain.ParsePaymentKind(rawKind)
			if err != nil {
				return err
			}
			id, err := signing.DeriveIntentID(payer, creator, contentID, kind, nonce, issuer)
			if err != nil {
				return fmt.Errorf("derive id: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return nil
		},
	}
	cmd.Flags().String("payer", "", "Payer address")
	cmd.Flags().String("creator", "", "Creator address")
	cmd.Flags().Uint64("content-id", 0, "Content identifier (pay-per-view only)")
	cmd.Flags().String("kind", "pay_per_view", "Payment kind")
	cmd.Flags().Uint64("nonce", 0, "Payer nonce the intent was created with")
	cmd.Flags().String("issuer", domain.ZeroAddress, "Issuer address")
	_ = cmd.MarkFlagRequired("payer")
	_ = cmd.MarkFlagRequired("creator")
	return cmd
}

func addKeyFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("key", "k", "", "Hex private key (defaults to $"+keyEnv+")")
}

func addDomainFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "PaymentIntents", "Signing domain name")
	cmd.Flags().String("domain-version", "1", "Signing domain version")
	cmd.Flags().Int64("chain-id", 1, "Signing domain chain id")
	cmd.Flags().String("verifying-contract", domain.ZeroAddress, "Signing domain verifying contract")
}

func loadKey(cmd *cobra.Command) (*secp256k1.PrivateKey, error) {
	raw, _ := cmd.Flags().GetString("key")
	if raw == "" {
		raw = os.Getenv(keyEnv)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("no key given; pass --key or set %s", keyEnv)
	}
	return signing.ParsePrivateKey(raw)
}

func domainFromFlags(cmd *cobra.Command) (signing.Domain, error) {
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	version, _ := flags.GetString("domain-version")
	chainID, _ := flags.GetInt64("chain-id")
	contract, _ := flags.GetString("verifying-contract")
	clean, err := domain.NormalizeAddress(contract)
	if err != nil {
		return signing.Domain{}, err
	}
	return signing.Domain{Name: name, Version: version, ChainID: chainID, VerifyingContract: clean}, nil
}

func readIntent(path string) (*domain.Intent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent: %w", err)
	}

	var view struct {
		Intent *domain.Intent `json:"intent"`
	}
	if err := json.Unmarshal(raw, &view); err == nil && view.Intent != nil {
		return view.Intent, nil
	}

	var intent domain.Intent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return &intent, nil
}
