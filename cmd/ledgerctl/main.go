package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/app"
	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/internal/health"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate a local audit ledger",
	Long: `ledgerctl works directly on a ledger directory. It takes the same
cross-process lock as ledgerd, so it is safe to run next to a live daemon.

Configuration is read from --config, or ledger.yaml in ./configs or the
working directory, with LEDGER_* environment overrides.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/ledger.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(receiptsCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// openLedger loads configuration and returns an initialized ledger. The
// returned func releases it.
func openLedger(ctx context.Context) (*app.App, *config.Config, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := zap.NewNop()
	if verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
		}
	}

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := a.Sink.Initialize(ctx); err != nil {
		a.Close()
		return nil, nil, nil, fmt.Errorf("initialize ledger at %s: %w", cfg.Ledger.Dir, err)
	}
	closer := func() {
		a.Close()
		_ = logger.Sync()
	}
	return a, cfg, closer, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Run a full health check and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeLedger, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLedger()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		report := health.New(a.Sink, health.Config{}, zap.NewNop()).Check(ctx)
		if err := printJSON(report); err != nil {
			return err
		}
		if report.Status == health.StatusUnhealthy {
			return fmt.Errorf("ledger is %s", report.Status)
		}
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ledgerctl", version)
	},
}
