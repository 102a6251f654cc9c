package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/governor/internal/config"
	"github.com/Sentinel-Gate/governor/internal/domain/governance"
	"github.com/Sentinel-Gate/governor/internal/domain/identity"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [file]",
	Short: "Evaluate one request read from a file or stdin",
	Long: `Evaluate a single request and print the decision as JSON.

Input is a JSON object with the request and an optional actor proof:

  {
    "request": {"requestId": "r-1", "actorId": "agent-1",
                "action": "write", "targetPath": "src/main.go"},
    "proof":   {"actorId": "agent-1", "nonce": "n-1", "keyId": "k1",
                "timestamp": "2026-01-02T15:04:05Z", "signature": "..."}
  }

The decision is recorded in the configured ledger. Failures print the error
object ({"code", "message", "traceId"}) and exit non-zero.

Examples:
  governor evaluate --policy ./policies request.json
  cat request.json | governor evaluate --dev --policy ./policies

Proofs can be produced with "governor keys sign".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvaluate,
}

var (
	evaluateDev    bool
	evaluatePolicy string
)

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateDev, "dev", false, "Enable development mode (debug logging, in-memory backends)")
	evaluateCmd.Flags().StringVar(&evaluatePolicy, "policy", "", "rule file or directory (overrides policy.path)")
	rootCmd.AddCommand(evaluateCmd)
}

// evaluateInput is the evaluate command's document.
type evaluateInput struct {
	Request governance.Request   `json:"request"`
	Proof   *identity.ActorProof `json:"proof,omitempty"`
}

// errEvaluationFailed marks a governance error that was already printed.
var errEvaluationFailed = errors.New("evaluation failed")

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(evaluateDev, func(c *config.GovernorConfig) {
		if evaluatePolicy != "" {
			c.Policy.Path = evaluatePolicy
		}
	})
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open request: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx := commandContext(cmd)
	g, err := bootstrap(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer g.Close()

	if err := g.initialize(ctx); err != nil {
		return fmt.Errorf("initialize governor: %w", err)
	}
	return evaluateOne(ctx, g, in, cmd.OutOrStdout())
}

// evaluateOne decodes one input document, evaluates it and writes the outcome.
func evaluateOne(ctx context.Context, g *governor, r io.Reader, w io.Writer) error {
	var input evaluateInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	resp, err := g.gov.Evaluate(ctx, input.Request, input.Proof)
	if err != nil {
		var gerr *governance.Error
		if !errors.As(err, &gerr) {
			return err
		}
		if encErr := enc.Encode(gerr); encErr != nil {
			return encErr
		}
		return fmt.Errorf("%w: %s", errEvaluationFailed, gerr.Code)
	}
	return enc.Encode(resp)
}
