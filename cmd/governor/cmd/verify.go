package cmd

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/governor/internal/config"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
	"github.com/Sentinel-Gate/governor/internal/service"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger chain offline",
	Long: `Replay every ledger entry from sequence 0, checking sequence continuity,
hash links, entry hashes and signatures. Nothing is repaired.

HMAC ledgers need the secret named by ledger.secret_env. Ed25519 ledgers can be
verified with only the public key via --public-key.

Exit status is non-zero when the chain is broken.

Examples:
  governor verify
  governor verify --public-key 3b6a27bc...`,
	RunE: runVerify,
}

var verifyPublicKey string

func init() {
	verifyCmd.Flags().StringVar(&verifyPublicKey, "public-key", "", "hex ed25519 public key (ed25519 ledgers only)")
	rootCmd.AddCommand(verifyCmd)
}

var errChainBroken = errors.New("ledger chain broken")

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false, nil)
	if err != nil {
		return err
	}
	if cfg.Ledger.Backend == config.BackendMemory {
		return errors.New("memory ledgers cannot be verified offline")
	}
	logger := newLogger(cfg)
	ctx := commandContext(cmd)

	verifier, err := offlineVerifier(cfg.Ledger, verifyPublicKey, logger)
	if err != nil {
		return err
	}
	store, err := openLedgerStore(ctx, cfg.Ledger, logger)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	return verifyLedger(ctx, store, verifier, cmd.OutOrStdout())
}

// offlineVerifier prefers an explicit public key over the configured secret.
func offlineVerifier(cfg config.LedgerConfig, publicKey string, logger *slog.Logger) (ledger.Verifier, error) {
	if publicKey == "" {
		return newSigner(cfg, false, logger)
	}
	pub, err := hex.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("--public-key must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	return ledger.NewEd25519Verifier(cfg.KeyID, ed25519.PublicKey(pub)), nil
}

func verifyLedger(ctx context.Context, store ledger.Store, verifier ledger.Verifier, w io.Writer) error {
	res, err := service.VerifyStore(ctx, store, verifier, math.MaxUint64)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("%w at sequence %d: %s", errChainBroken, *res.BrokenAtSequence, res.Reason)
	}
	return nil
}
