// cmd/taskvault/main.go
//
// This is the entry point for the taskvault CLI. The vault directory is the
// database: every command here reads or relocates task files through the
// engine, never by hand.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kereth/taskvault/internal/approval"
	"github.com/kereth/taskvault/internal/auditlog"
	"github.com/kereth/taskvault/internal/config"
	"github.com/kereth/taskvault/internal/engine"
	"github.com/kereth/taskvault/internal/identity"
	"github.com/kereth/taskvault/internal/logging"
	"github.com/kereth/taskvault/internal/vault"
)

var errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))

var rootCmd = &cobra.Command{
	Use:   "taskvault",
	Short: "File-system-as-database workflow engine",
	Long: `taskvault treats a directory tree as a workflow database: a task's
directory IS its lifecycle state. Progressing a task is an atomic relocation
plus a metadata rewrite plus an audit entry; gated transitions additionally
require a verified human approval.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: "+renderError(err)))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("vault", "v", ".", "vault root directory")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded on transitions (default: OS user)")
	rootCmd.PersistentFlags().BoolP("yes", "y", false, "skip interactive confirmations")
	_ = viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("yes", rootCmd.PersistentFlags().Lookup("yes"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(moveCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
}

// renderError turns engine errors into the specific violated rule rather than
// a generic failure line.
func renderError(err error) string {
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		return fmt.Sprintf("[%s] %s", engErr.Kind, engErr.Error())
	}
	return err.Error()
}

// runtime bundles the wired collaborators every command needs.
type runtime struct {
	vault *vault.Vault
	cfg   config.Settings
	ops   *logging.Logger
	audit *auditlog.Logger
	gate  *approval.Gate
	eng   *engine.Engine
}

func openRuntime() (*runtime, error) {
	root := viper.GetString("vault")
	v := vault.New(root)
	if err := v.Check(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	ops, err := logging.New(v.LogsDir())
	if err != nil {
		return nil, err
	}
	audit := auditlog.New(filepath.Join(v.Root(), vault.AuditDir),
		auditlog.WithFailureHandler(func(err error) { ops.Errorf("%v", err) }))
	gate, err := approval.NewGate(v, audit, approval.WithTTL(cfg.ApprovalTTL))
	if err != nil {
		ops.Close()
		return nil, err
	}
	eng, err := engine.New(v, audit,
		engine.WithOpsLogger(ops),
		engine.WithApprovalCheck(gate.Approved),
		engine.WithApprovalConsumer(gate.Consume),
		engine.WithRetryPolicy(cfg.MaxRetries, cfg.EnforceRetryExhaustion),
	)
	if err != nil {
		ops.Close()
		return nil, err
	}
	return &runtime{vault: v, cfg: cfg, ops: ops, audit: audit, gate: gate, eng: eng}, nil
}

func (r *runtime) Close() {
	r.ops.Close()
}

// actor resolves who gets attributed: flag, then vault config, then OS user.
func (r *runtime) actor() string {
	override := viper.GetString("actor")
	if override == "" {
		override = r.cfg.Actor
	}
	return identity.Resolve(override)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault directory layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			if _, err := vault.Init(root); err != nil {
				return err
			}
			if err := config.Ensure(root); err != nil {
				return err
			}
			fmt.Printf("initialized vault at %s\n", root)
			return nil
		},
	}
}
