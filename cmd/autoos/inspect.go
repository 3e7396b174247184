package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zen-systems/autoos/pkg/config"
	"github.com/zen-systems/autoos/pkg/ledger"
	"github.com/zen-systems/autoos/pkg/schema"
	"github.com/zen-systems/autoos/pkg/workflow"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [workflow.yaml]",
		Short: "Validate a workflow manifest",
		Long:  "Validates workflow YAML without executing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.LoadManifest(args[0])
			if err != nil {
				return err
			}
			order, err := workflow.TopoOrder(wf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %q is valid: %d steps (%s).\n", wf.Name, len(wf.Steps), strings.Join(order, " -> "))
			return nil
		},
	}
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List provider profiles and the roles they serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pc := cfg.Providers
			roles := pc.RoleTable()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tROLES\tPROMPT/1K\tCOMPLETION/1K\tSTATUS")
			for _, p := range pc.Profiles {
				model := pc.Catalog.Resolve(p.Model)
				status := "no key"
				if cfg.HasAdapter(p.Provider) {
					status = "ready"
				}
				if err := pc.Catalog.Validate(p.Provider, model); err != nil {
					status = "unknown model"
				}
				price := pc.Pricing.Lookup(p.Provider, model)
				fmt.Fprintf(w, "%s\t%s\t%s\t%.5f\t%.5f\t%s\n",
					p.Provider, model, servedRoles(p, roles), price.PromptPer1K, price.CompletionPer1K, status)
			}
			return w.Flush()
		},
	}
}

// servedRoles lists the roles a profile may serve after role allow-lists.
func servedRoles(p config.ProfileConfig, table schema.RoleTable) string {
	candidates := p.Roles
	if len(candidates) == 0 {
		candidates = []schema.Role{schema.RolePlanner, schema.RoleExecutor, schema.RoleVerifier, schema.RoleAuditor, schema.RoleSynthesizer}
	}
	var out []string
	for _, r := range candidates {
		if table.Spec(r).Allows(p.Provider) {
			out = append(out, string(r))
		}
	}
	if len(out) == 0 {
		return "-"
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func historyCmd() *cobra.Command {
	var ledgerFile string
	var workflowID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the ledger of a workflow",
		Long: `Prints failures, recovery decisions, state changes and step results in
the order they were written. Reads a JSONL file ledger with --ledger-file,
otherwise the configured ledger backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []ledger.Event
			if ledgerFile != "" {
				var err error
				events, err = ledger.ReadFile(ledgerFile, workflowID)
				if err != nil {
					return err
				}
			} else {
				if workflowID == "" {
					return fmt.Errorf("--workflow is required without --ledger-file")
				}
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				l, err := openLedger(cmd.Context(), cfg, stackOptions{})
				if err != nil {
					return err
				}
				defer l.Close()
				events, err = l.Read(cmd.Context(), workflowID)
				if err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tWORKFLOW\tTYPE\tSTEP\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.WorkflowID, e.Type, dash(e.StepID), eventDetail(e))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&ledgerFile, "ledger-file", "", "path of a JSONL file ledger")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id (all workflows when empty with --ledger-file)")
	return cmd
}

func eventDetail(e ledger.Event) string {
	switch {
	case e.Failure != nil:
		return fmt.Sprintf("%s at level %d via %s: %s", e.Failure.Kind, e.Failure.Level, dash(e.Failure.Provider), truncate(e.Failure.Diagnostic, 80))
	case e.Decision != nil:
		return fmt.Sprintf("%s (level %d): %s", e.Decision.Action, e.Decision.Level, e.Decision.Rationale)
	case e.StateChange != nil:
		return fmt.Sprintf("%s -> %s: %s", e.StateChange.From, e.StateChange.To, e.StateChange.Reason)
	case e.Step != nil:
		return fmt.Sprintf("%s by %s/%s, confidence %.2f, cost $%.4f", e.Step.Status, e.Step.Provider, e.Step.Model, e.Step.Confidence, e.Step.Cost)
	}
	return "-"
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [workflow-id]",
		Short: "Resume a paused workflow from the state store",
		Long: `Resumes a workflow paused for human escalation. Requires a shared state
store (state.driver: redis) so the paused snapshot outlives the process that
ran it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := buildStack(ctx, cfg, logger, stackOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.orch.Resume(ctx, args[0])
			if snap != nil {
				printSnapshot(cmd.OutOrStdout(), snap)
			}
			if err != nil {
				return err
			}
			if snap.Workflow.State == schema.WorkflowFailed {
				return fmt.Errorf("workflow %s failed", snap.Workflow.ID)
			}
			return nil
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
