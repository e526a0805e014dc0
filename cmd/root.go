package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sankurisyam/face-reco-student/internal/config"
	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/store"
	"github.com/spf13/cobra"
)

// needsLedger marks commands that read or write attendance.
const needsLedger = "ledger"

var (
	// opts is filled from defaults, then flags, then ROLLCALL_* variables.
	opts = config.Defaults()
	// envFiles are .env files loaded before the environment overlay.
	envFiles []string

	// Ledger is the attendance store shared by subcommands.
	Ledger ledger.Ledger
	// DB is set when the ledger is the postgres backend.
	DB *store.Store
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Live classroom attendance with blink liveness and phone spoof checks",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		opts.ApplyEnv(config.New(), cmd.Flags().Changed)
		logger.Init(logger.Options{Level: opts.LogLevel, Format: opts.LogFormat})

		for i, b := range opts.Roster.Branches {
			opts.Roster.Branches[i] = strings.ToUpper(strings.TrimSpace(b))
		}
		if err := opts.Validate(); err != nil {
			cmd.SilenceUsage = true
			return err
		}

		if cmd.Annotations[needsLedger] == "" {
			return nil
		}
		var err error
		Ledger, err = openLedger(cmd.Context(), opts)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

// openLedger builds the configured backend.
func openLedger(ctx context.Context, o config.Options) (ledger.Ledger, error) {
	if o.Backend == "postgres" {
		var err error
		DB, err = store.New(ctx, o.DBURL, o.Periods)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return DB, nil
	}
	l, err := ledger.NewCSV(o.LedgerDir, o.Periods)
	if err != nil {
		return nil, fmt.Errorf("failed to open attendance folder: %w", err)
	}
	return l, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringSliceVar(&envFiles, "env-file", nil, "Load settings from these .env files (default: .env when present)")
	f.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: trace, debug, info, warn, error")
	f.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "Log format: console or json")
	f.StringVar(&opts.Python, "python", opts.Python, "Python interpreter for the inference engine")
	f.StringVar(&opts.EngineScript, "engine", opts.EngineScript, "Path to the inference engine script")
	f.StringVar(&opts.CacheDir, "cache-dir", opts.CacheDir, "Directory of cached face encodings")
	f.StringVar(&opts.Roster.ImagesRoot, "images", opts.Roster.ImagesRoot, "Root folder of enrollment images")
	f.StringSliceVar(&opts.Roster.Branches, "branches", opts.Roster.Branches, "Only load these branches (default: all)")
	f.StringSliceVar(&opts.Rules.Prefixes, "roll-prefixes", opts.Rules.Prefixes, "Accepted roll number prefixes")
	f.StringVar(&opts.Backend, "backend", opts.Backend, "Attendance backend: csv or postgres")
	f.StringVar(&opts.LedgerDir, "ledger-dir", opts.LedgerDir, "Folder of per-branch attendance CSV files")
	f.StringVar(&opts.DBURL, "db", opts.DBURL, "PostgreSQL connection string (postgres backend)")
	f.IntVar(&opts.Periods, "periods", opts.Periods, "Number of periods per day")
}
