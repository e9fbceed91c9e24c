package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kereth/taskvault/internal/auditlog"
	"github.com/kereth/taskvault/internal/sweep"
	"github.com/kereth/taskvault/internal/tui"
)

func sweepCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Claim queued tasks out of needs-action",
		Long: `Sweep the needs-action queue into in-progress. Files that vanish
mid-pass were claimed by another process and are skipped silently; retryable
relocation failures are retried with backoff. With --watch the sweeper keeps
running and reacts to new arrivals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			s, err := sweep.New(r.vault, r.eng,
				sweep.WithActor(r.actor()),
				sweep.WithOpsLogger(r.ops),
			)
			if err != nil {
				return err
			}
			if watch {
				fmt.Println("watching needs-action (Ctrl+C to stop)")
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				err := s.Watch(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			stats, err := s.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("swept: %d seen, %d moved, %d skipped, %d failed\n",
				stats.Seen, stats.Moved, stats.Skipped, stats.Failed)
			if stats.Failed > 0 {
				return fmt.Errorf("%d task(s) failed to move", stats.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep sweeping as new tasks arrive")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Interactive vault dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			p := tea.NewProgram(
				tui.NewApp(r.vault, r.gate, r.audit),
				tea.WithAltScreen(),
			)
			_, err = p.Run()
			return err
		},
	}
}

func logCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the audit log for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			ts := time.Now()
			if day != "" {
				ts, err = time.Parse("2006-01-02", day)
				if err != nil {
					return fmt.Errorf("invalid --date %q (want YYYY-MM-DD): %w", day, err)
				}
			}
			entries, err := auditlog.Read(r.audit.PathFor(ts))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					fmt.Println("no audit entries for", ts.UTC().Format("2006-01-02"))
					return nil
				}
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %-20s %-10s task=%s actor=%s",
					e.TS.Format(time.RFC3339), e.Event, e.Outcome, e.Task, e.Actor)
				if e.State != "" {
					line += " state=" + e.State
				}
				if e.Reason != "" {
					line += " reason=" + fmt.Sprintf("%q", e.Reason)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "date", "", "day to print (YYYY-MM-DD, default today)")
	return cmd
}
