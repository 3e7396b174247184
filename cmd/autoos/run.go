package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zen-systems/autoos/pkg/schema"
	"github.com/zen-systems/autoos/pkg/state"
	"github.com/zen-systems/autoos/pkg/workflow"
)

func runCmd() *cobra.Command {
	var workflowFile string
	var inputFlag string
	var budgetUSD float64
	var ledgerDriver string
	var ledgerFile string
	var strategy string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow",
		Long: `Runs a workflow manifest to completion. The process exits non-zero when
the workflow fails, and prints the escalation context when it pauses for a
human decision.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflowFile == "" {
				return fmt.Errorf("workflow file is required")
			}
			wf, err := workflow.LoadManifest(workflowFile)
			if err != nil {
				return err
			}
			if inputFlag == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				inputFlag = strings.TrimSpace(string(data))
			}
			if inputFlag != "" {
				wf.Input = inputFlag
			}
			if cmd.Flags().Changed("budget-usd") {
				wf.BudgetUSD = budgetUSD
			}
			if strategy != "" {
				wf.Strategy = strategy
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := buildStack(ctx, cfg, logger, stackOptions{ledgerDriver: ledgerDriver, ledgerPath: ledgerFile})
			if err != nil {
				return err
			}
			defer s.Close()

			workflowDefaults(cfg.Providers.Orchestration)(wf)
			snap, err := s.orch.Execute(ctx, wf)
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

	cmd.Flags().StringVarP(&workflowFile, "file", "f", "", "workflow manifest path (required)")
	cmd.Flags().StringVarP(&inputFlag, "input", "i", "", "workflow input (use - to read stdin)")
	cmd.Flags().Float64Var(&budgetUSD, "budget-usd", 0, "USD budget for the workflow (0 is unlimited)")
	cmd.Flags().StringVar(&ledgerDriver, "ledger", "", "ledger driver override (memory, file, redis, postgres)")
	cmd.Flags().StringVar(&ledgerFile, "ledger-file", "", "path of the file ledger")
	cmd.Flags().StringVar(&strategy, "strategy", "", "policy strategy override")

	return cmd
}

func printSnapshot(out io.Writer, snap *state.Snapshot) {
	wf := snap.Workflow
	fmt.Fprintf(out, "Workflow %s (%s): %s, cost $%.4f\n\n", wf.Name, wf.ID, wf.State, wf.Cost)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tROLE\tSTATUS\tPROVIDER\tATTEMPTS\tLEVEL\tCONFIDENCE\tCOST")
	for _, st := range wf.Steps {
		provider := "-"
		if st.Provider != "" {
			provider = st.Provider + "/" + st.Model
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%.2f\t$%.4f\n",
			st.ID, st.Role, st.Status, provider, st.Attempts, st.RecoveryLevel, st.Confidence, st.Cost)
	}
	_ = w.Flush()

	if esc := snap.Escalation; esc != nil {
		fmt.Fprintf(out, "\nEscalated step %s after %s (level %d)\n", esc.StepID, esc.LastFailure, esc.Level)
		if esc.Diagnostic != "" {
			fmt.Fprintf(out, "Diagnostic: %s\n", esc.Diagnostic)
		}
		fmt.Fprintf(out, "Tried providers: %s\n", strings.Join(esc.TriedProviders, ", "))
		for _, line := range esc.Rationale {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}

	if wf.State == schema.WorkflowSucceeded && len(wf.Steps) > 0 {
		last := wf.Steps[len(wf.Steps)-1]
		fmt.Fprintf(out, "\n%s\n", last.Result)
	}
}
