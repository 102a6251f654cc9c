package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/governor/internal/config"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect ledger entries",
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print entries as JSON lines",
	Long: `Print committed ledger entries with their decoded payloads, one JSON object
per line. Entries are read directly from the store and are not verified; use
"governor verify" for that.

Examples:
  governor ledger tail --limit 20
  governor ledger tail --kind decision --decision DENY --actor agent-1`,
	RunE: runLedgerTail,
}

var (
	tailFrom     uint64
	tailKind     string
	tailActor    string
	tailDecision string
	tailLimit    int
)

func init() {
	ledgerTailCmd.Flags().Uint64Var(&tailFrom, "from", 0, "first sequence to print")
	ledgerTailCmd.Flags().StringVar(&tailKind, "kind", "", "decision or event")
	ledgerTailCmd.Flags().StringVar(&tailActor, "actor", "", "only decisions by this actor")
	ledgerTailCmd.Flags().StringVar(&tailDecision, "decision", "", "only decisions with this outcome (ALLOW, ESCALATE, DENY)")
	ledgerTailCmd.Flags().IntVar(&tailLimit, "limit", 0, "stop after this many entries (0 = all)")
	ledgerCmd.AddCommand(ledgerTailCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// tailLine is one printed entry.
type tailLine struct {
	Sequence     uint64         `json:"sequence"`
	AuditEventID string         `json:"auditEventId"`
	KeyID        string         `json:"keyId"`
	Payload      ledger.Payload `json:"payload"`
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false, nil)
	if err != nil {
		return err
	}
	if cfg.Ledger.Backend == config.BackendMemory {
		return fmt.Errorf("memory ledgers do not outlive the process")
	}
	ctx := commandContext(cmd)
	store, err := openLedgerStore(ctx, cfg.Ledger, newLogger(cfg))
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	return tailLedger(ctx, store, ledger.Filter{
		FromSequence: tailFrom,
		Kind:         ledger.PayloadKind(strings.ToLower(tailKind)),
		ActorID:      tailActor,
		Decision:     strings.ToUpper(tailDecision),
		Limit:        tailLimit,
	}, cmd.OutOrStdout())
}

func tailLedger(ctx context.Context, store ledger.Store, f ledger.Filter, w io.Writer) error {
	last, ok, err := store.Last(ctx)
	if err != nil {
		return err
	}
	if !ok || f.FromSequence > last.Sequence {
		return nil
	}

	enc := json.NewEncoder(w)
	printed := 0
	var decodeErr error
	err = store.Scan(ctx, f.FromSequence, last.Sequence+1, func(e ledger.Entry) bool {
		p, err := e.Decode()
		if err != nil {
			decodeErr = fmt.Errorf("%w: sequence %d: %v", ledger.ErrCorrupt, e.Sequence, err)
			return false
		}
		if !f.Matches(p) {
			return true
		}
		if err := enc.Encode(tailLine{
			Sequence:     e.Sequence,
			AuditEventID: e.AuditEventID(),
			KeyID:        e.KeyID,
			Payload:      p,
		}); err != nil {
			decodeErr = err
			return false
		}
		printed++
		return f.Limit <= 0 || printed < f.Limit
	})
	if decodeErr != nil {
		return decodeErr
	}
	return err
}
