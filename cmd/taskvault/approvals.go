package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kereth/taskvault/internal/approval"
)

func approvalsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approval records",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			var records []approval.Record
			if all {
				records, err = r.gate.All()
			} else {
				records, err = r.gate.Pending()
			}
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no approvals")
				return nil
			}
			tw := table.NewWriter()
			tw.AppendHeader(table.Row{"Approval", "Task", "Status", "Created", "Expires", "Reviewed By"})
			for _, rec := range records {
				tw.AppendRow(table.Row{
					rec.ApprovalID,
					rec.TaskID,
					rec.Status,
					rec.CreatedAt.Format(time.RFC3339),
					rec.ExpiresAt.Format(time.RFC3339),
					rec.ReviewedBy,
				})
			}
			fmt.Println(tw.Render())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include decided and expired approvals")
	cmd.AddCommand(approvalsIssueCmd())
	return cmd
}

func approvalsIssueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <task-id>",
		Short: "Issue a pending approval for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			loc, err := r.vault.Find(args[0])
			if err != nil {
				return err
			}
			rec, err := r.gate.Issue(loc.Record.ID, loc.Record.Body, r.actor())
			if err != nil {
				return err
			}
			fmt.Printf("issued approval %s for task %s (expires %s)\n",
				rec.ApprovalID, rec.TaskID, rec.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func approveCmd() *cobra.Command {
	return decideCmd("approve", "Approve a pending approval", approval.DecisionApprove)
}

func rejectCmd() *cobra.Command {
	return decideCmd("reject", "Reject a pending approval", approval.DecisionReject)
}

func decideCmd(use, short string, decision approval.Decision) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <approval-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRuntime()
			if err != nil {
				return err
			}
			defer r.Close()

			rec, err := r.gate.Load(args[0])
			if err != nil {
				return err
			}
			if !viper.GetBool("yes") {
				if err := confirmDecision(rec, decision); err != nil {
					return err
				}
			}
			decided, err := r.gate.Decide(rec.ApprovalID, decision, r.actor(), reason)
			if err != nil {
				return err
			}
			fmt.Printf("approval %s is now %s\n", decided.ApprovalID, decided.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	return cmd
}

// confirmDecision shows the frozen task body so the reviewer signs off on
// what is actually on disk, not on what they remember requesting.
func confirmDecision(rec approval.Record, decision approval.Decision) error {
	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s approval %s for task %s?", decision, rec.ApprovalID, rec.TaskID)).
				Description(rec.Body).
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(os.Stderr, "cancelled.")
			os.Exit(0)
		}
		return fmt.Errorf("confirmation form: %w", err)
	}
	if !confirmed {
		return fmt.Errorf("decision not confirmed")
	}
	return nil
}
