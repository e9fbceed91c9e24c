package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kereth/taskvault/internal/engine"
	"github.com/kereth/taskvault/internal/task"
	"github.com/kereth/taskvault/internal/vault"
)

func createCmd() *cobra.Command {
	var id, body string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task file in the entry directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			if id == "" {
				id = uuid.NewString()
			}
			if body != "" && !strings.HasSuffix(body, "\n") {
				body += "\n"
			}
			rec := task.New(id, priority, body, r.actor(), time.Now())
			loc, err := r.vault.Create(rec)
			if err != nil {
				return err
			}
			fmt.Printf("created %s\n", loc.Path(r.vault))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (default: generated UUID)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 2, "task priority")
	cmd.Flags().StringVarP(&body, "body", "b", "", "task body text")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Display a task and its state history",
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
			printTask(loc, r.vault)
			return nil
		},
	}
}

func printTask(loc vault.Located, v *vault.Vault) {
	rec := loc.Record
	fmt.Printf("task:       %s\n", rec.ID)
	fmt.Printf("state:      %s (in %s/)\n", rec.State, loc.Dir)
	fmt.Printf("priority:   %d\n", rec.Priority)
	fmt.Printf("retries:    %d\n", rec.RetryCount)
	fmt.Printf("created:    %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("modified:   %s\n", rec.ModifiedAt.Format(time.RFC3339))

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"State", "At", "Actor"})
	for _, h := range rec.History {
		tw.AppendRow(table.Row{h.State, h.At.Format(time.RFC3339), h.Actor})
	}
	fmt.Println(tw.Render())

	if body := strings.TrimSpace(rec.Body); body != "" {
		fmt.Printf("\n%s\n", body)
	}
}

func moveCmd() *cobra.Command {
	var reason, dir string
	cmd := &cobra.Command{
		Use:   "move <task-id> <state>",
		Short: "Relocate a task to a new lifecycle state",
		Long: `Relocate a task. The transition is validated against the state graph,
the destination directory licensing, and (for pending-approval departures)
the approval record. A refused move names the violated rule.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			to, err := task.ParseState(args[1])
			if err != nil {
				return err
			}
			loc, err := r.vault.Find(args[0])
			if err != nil {
				return err
			}
			moved, err := r.eng.Move(loc, engine.MoveRequest{
				To:     to,
				Reason: reason,
				Actor:  r.actor(),
				Dir:    dir,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s -> %s (%s/)\n", moved.Record.ID, loc.Record.State, moved.Record.State, moved.Dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	cmd.Flags().StringVar(&dir, "dir", "", "destination directory override (dual-licensed states only)")
	return cmd
}
