package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/rulesource"
	"github.com/Sentinel-Gate/governor/internal/domain/policy"
	"github.com/Sentinel-Gate/governor/internal/service"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate rule documents and print their version",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Check rule documents against the schema and compile them",
	Long: `Load a rule file or directory exactly as "serve" would: schema validation,
pattern checks and condition compilation. Prints the rule count and version.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validatePolicy(commandContext(cmd), args[0], cmd.OutOrStdout())
	},
}

var policyVersionCmd = &cobra.Command{
	Use:   "version <path>",
	Short: "Print the rule set version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := rulesource.NewPathSource(args[0]).Load(commandContext(cmd))
		if err != nil {
			return err
		}
		version, err := service.RuleSetVersion(rules)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), version)
		return nil
	},
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Classify one action without recording it",
	Long: `Classify an action against the rule set and print the verdict. Only the
policy engine runs: no risk triage, no proof check and no ledger entry.

Example:
  governor policy check ./policies --action write --target src/auth/login.go`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyCheck,
}

var (
	checkAction string
	checkTarget string
)

func init() {
	policyCheckCmd.Flags().StringVar(&checkAction, "action", "read", "action kind")
	policyCheckCmd.Flags().StringVar(&checkTarget, "target", "", "target path")
	_ = policyCheckCmd.MarkFlagRequired("target")

	policyCmd.AddCommand(policyValidateCmd, policyVersionCmd, policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// compilePolicy loads and compiles path with a quiet engine.
func compilePolicy(ctx context.Context, path string) (*service.PolicyService, error) {
	engine, err := service.NewPolicyService(slog.New(slog.DiscardHandler))
	if err != nil {
		return nil, err
	}
	if err := engine.Initialize(ctx, rulesource.NewPathSource(path)); err != nil {
		return nil, err
	}
	return engine, nil
}

func validatePolicy(ctx context.Context, path string, w io.Writer) error {
	engine, err := compilePolicy(ctx, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %d rules, version %s\n", path, engine.RuleCount(), engine.Version())
	return nil
}

// checkResult is printed by "policy check".
type checkResult struct {
	Decision      policy.Decision `json:"decision"`
	Rule          string          `json:"rule,omitempty"`
	Reasons       []string        `json:"reasons"`
	PolicyVersion string          `json:"policyVersion"`
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	action, err := policy.ParseActionKind(checkAction)
	if err != nil {
		return err
	}
	engine, err := compilePolicy(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	verdict, err := engine.Classify(policy.Input{Action: action, TargetPath: checkTarget})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(checkResult{
		Decision:      verdict.Decision,
		Rule:          verdict.RuleName(),
		Reasons:       verdict.Reasons,
		PolicyVersion: engine.Version(),
	})
}
