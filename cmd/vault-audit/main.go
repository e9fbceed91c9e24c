// cmd/vault-audit/main.go
//
// Stand-alone consistency auditor. It re-derives the legal transition table
// and walks the vault read-only: exit 0 means every file agrees with its
// directory, its recorded history, and the approval expiry rules; a non-zero
// exit lists each offending file and the specific rule it violates.

package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kereth/taskvault/internal/auditor"
	"github.com/kereth/taskvault/internal/config"
	"github.com/kereth/taskvault/internal/vault"
)

func main() {
	cmd := &cobra.Command{
		Use:          "vault-audit <vault-root>",
		Short:        "Check a vault for files that disagree with the workflow rules",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
}

func run(cmd *cobra.Command, args []string) error {
	root := args[0]
	v := vault.New(root)
	if err := v.Check(); err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	report, err := auditor.New(v, cfg.MaxRetries).Run()
	if err != nil {
		return err
	}
	if report.Clean() {
		fmt.Printf("ok: %d file(s) scanned, no violations\n", report.Scanned)
		return nil
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"File", "Rule", "Detail"})
	for _, viol := range report.Violations {
		tw.AppendRow(table.Row{viol.File, viol.Rule, viol.Detail})
	}
	fmt.Println(tw.Render())
	fmt.Printf("%d violation(s) in %d scanned file(s)\n", len(report.Violations), report.Scanned)
	os.Exit(1)
	return nil
}
