package cmd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/governor/internal/config"
	"github.com/Sentinel-Gate/governor/internal/domain/identity"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage actor keys and sign proofs",
	Long: `Manage the actor keyring stored at keyring.path.

Key material is base64 encoded: the shared secret for hmac keys and the public
key for ed25519 keys. Private halves never enter the keyring.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate key material",
	Long: `Print fresh key material as JSON. For hmac the same secret is used to sign
and to register. For ed25519 keep the seed with the agent and register the public key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		alg, err := identity.ParseAlgorithm(keyAlg)
		if err != nil {
			return err
		}
		return generateKey(alg, cmd.OutOrStdout())
	},
}

var keysRegisterCmd = &cobra.Command{
	Use:   "register <actor>",
	Short: "Register a key for an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyring(cmd, func(ctx context.Context, k *identity.Keyring, _ *config.GovernorConfig) error {
			key, err := keyFromFlags()
			if err != nil {
				return err
			}
			if err := k.Register(ctx, args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s/%s\n", args[0], key.ID)
			return nil
		})
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate <actor>",
	Short: "Add a new key and retire the current ones after a grace period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyring(cmd, func(ctx context.Context, k *identity.Keyring, cfg *config.GovernorConfig) error {
			key, err := keyFromFlags()
			if err != nil {
				return err
			}
			grace := config.Duration(cfg.Keyring.RotationGrace)
			if keyGrace != "" {
				if grace, err = time.ParseDuration(keyGrace); err != nil || grace < 0 {
					return fmt.Errorf("invalid --grace %q", keyGrace)
				}
			}
			if err := k.Rotate(ctx, args[0], key, grace); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated %s to %s, previous keys valid for %s\n", args[0], key.ID, grace)
			return nil
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <actor> <key-id>",
	Short: "Revoke a key immediately",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyring(cmd, func(ctx context.Context, k *identity.Keyring, _ *config.GovernorConfig) error {
			if err := k.Revoke(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s/%s\n", args[0], args[1])
			return nil
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list [actor]",
	Short: "List keys and their state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyring(cmd, func(_ context.Context, k *identity.Keyring, _ *config.GovernorConfig) error {
			actors := k.Actors()
			if len(args) == 1 {
				actors = []string{args[0]}
			}
			return listKeys(k, actors, time.Now(), cmd.OutOrStdout())
		})
	},
}

var keysSignCmd = &cobra.Command{
	Use:   "sign <actor>",
	Short: "Sign an actor proof for one request",
	Long: `Print an actor proof as JSON, signed with the secret (hmac) or seed (ed25519)
held base64-encoded in the environment variable named by --secret-env.

Example:
  export AGENT_SECRET=$(governor keys generate | jq -r .secret)
  governor keys sign agent-1 --key-id k1 --secret-env AGENT_SECRET`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alg, err := identity.ParseAlgorithm(keyAlg)
		if err != nil {
			return err
		}
		if keyID == "" {
			return errors.New("--key-id is required")
		}
		secret, err := decodeMaterial(os.Getenv(keySecretEnv))
		if err != nil {
			return fmt.Errorf("%s: %w", keySecretEnv, err)
		}
		nonce := keyNonce
		if nonce == "" {
			nonce = uuid.NewString()
		}
		return signProof(alg, keyID, secret, args[0], nonce, time.Now().UTC(), cmd.OutOrStdout())
	},
}

var (
	keyAlg       string
	keyID        string
	keyMaterial  string
	keyGrace     string
	keySecretEnv string
	keyNonce     string
)

func init() {
	for _, c := range []*cobra.Command{keysGenerateCmd, keysRegisterCmd, keysRotateCmd, keysSignCmd} {
		c.Flags().StringVar(&keyAlg, "alg", "hmac", "hmac or ed25519")
	}
	for _, c := range []*cobra.Command{keysRegisterCmd, keysRotateCmd, keysSignCmd} {
		c.Flags().StringVar(&keyID, "key-id", "", "key identifier")
	}
	for _, c := range []*cobra.Command{keysRegisterCmd, keysRotateCmd} {
		c.Flags().StringVar(&keyMaterial, "material", "", "base64 hmac secret or ed25519 public key")
	}
	keysRotateCmd.Flags().StringVar(&keyGrace, "grace", "", "how long previous keys stay valid (default keyring.rotation_grace)")
	keysSignCmd.Flags().StringVar(&keySecretEnv, "secret-env", "GOVERNOR_ACTOR_SECRET", "environment variable holding the signing material")
	keysSignCmd.Flags().StringVar(&keyNonce, "nonce", "", "proof nonce (default: random UUID)")

	keysCmd.AddCommand(keysGenerateCmd, keysRegisterCmd, keysRotateCmd, keysRevokeCmd, keysListCmd, keysSignCmd)
	rootCmd.AddCommand(keysCmd)
}

// withKeyring opens the persistent keyring and runs fn against it.
func withKeyring(cmd *cobra.Command, fn func(context.Context, *identity.Keyring, *config.GovernorConfig) error) error {
	cfg, err := loadConfig(false, nil)
	if err != nil {
		return err
	}
	if cfg.Keyring.Path == "" {
		return errors.New("keyring.path is not configured")
	}
	ctx := commandContext(cmd)
	k, err := openKeyring(ctx, cfg.Keyring, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		return err
	}
	return fn(ctx, k, cfg)
}

func keyFromFlags() (identity.Key, error) {
	alg, err := identity.ParseAlgorithm(keyAlg)
	if err != nil {
		return identity.Key{}, err
	}
	material, err := decodeMaterial(keyMaterial)
	if err != nil {
		return identity.Key{}, fmt.Errorf("--material: %w", err)
	}
	key := identity.Key{ID: keyID, Algorithm: alg, Material: material}
	return key, key.Validate()
}

func decodeMaterial(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty key material")
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not base64: %w", err)
	}
	return b, nil
}

// generatedKey is printed by "keys generate".
type generatedKey struct {
	Algorithm identity.Algorithm `json:"algorithm"`
	Secret    []byte             `json:"secret,omitempty"`
	Seed      []byte             `json:"seed,omitempty"`
	PublicKey []byte             `json:"publicKey,omitempty"`
}

func generateKey(alg identity.Algorithm, w io.Writer) error {
	out := generatedKey{Algorithm: alg}
	switch alg {
	case identity.AlgEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		out.Seed = priv.Seed()
		out.PublicKey = pub
	default:
		out.Secret = make([]byte, 32)
		if _, err := rand.Read(out.Secret); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func signProof(alg identity.Algorithm, keyID string, secret []byte, actorID, nonce string, ts time.Time, w io.Writer) error {
	var signingKey any = secret
	if alg == identity.AlgEd25519 {
		if len(secret) != ed25519.SeedSize {
			return fmt.Errorf("ed25519 seed must be %d bytes", ed25519.SeedSize)
		}
		signingKey = ed25519.NewKeyFromSeed(secret)
	}
	proof, err := identity.SignProof(alg, keyID, signingKey, actorID, nonce, ts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(proof)
}

func listKeys(k *identity.Keyring, actors []string, now time.Time, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTOR\tKEY\tALGORITHM\tSTATE\tCREATED")
	for _, actor := range actors {
		for _, key := range k.Keys(actor) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				actor, key.ID, key.Algorithm, keyState(key, now), key.Created.Format(time.RFC3339))
		}
	}
	return tw.Flush()
}

func keyState(key identity.Key, now time.Time) string {
	switch {
	case key.Revoked:
		return "revoked"
	case key.NotAfter.IsZero():
		return "active"
	case now.Before(key.NotAfter):
		return "retiring until " + key.NotAfter.Format(time.RFC3339)
	default:
		return "expired"
	}
}
