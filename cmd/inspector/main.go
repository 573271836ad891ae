package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/inspector"
	"github.com/aixgo-dev/inspector/internal/observability"
	"github.com/aixgo-dev/inspector/pkg/config"
	"github.com/aixgo-dev/inspector/pkg/msglog"
	"github.com/aixgo-dev/inspector/pkg/session"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "inspector",
		Short:         "Record and replay the messages of monitored program runs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configFile, "config", getEnv("CONFIG_FILE", ""), "configuration file (defaults and environment only when empty)")

	root.AddCommand(
		newServeCmd(&configFile),
		newReplayCmd(&configFile),
		newVersionCmd(),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.LoadConfig(path)
}

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inspector with ingest, health and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			inspector.Version = Version
			return inspector.RunWithConfig(cfg)
		},
	}
}

type replayOptions struct {
	reverse bool
	from    string
	to      string
}

func newReplayCmd(configFile *string) *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay SESSION",
		Short: "Print the stored messages of a session as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			// replay reads the store directly and never follows ingest
			cfg.Ingest.Enabled = false
			if err := observability.SetupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}

			rng, err := opts.rangeOf()
			if err != nil {
				return err
			}

			in, err := inspector.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return replay(ctx, in, session.New(args[0]), rng, opts.reverse, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.reverse, "reverse", false, "newest message first")
	cmd.Flags().StringVar(&opts.from, "from", "", "first record id to include (ms-seq)")
	cmd.Flags().StringVar(&opts.to, "to", "", "last record id to include (ms-seq)")
	return cmd
}

func (o replayOptions) rangeOf() (msglog.Range, error) {
	var rng msglog.Range
	if o.from != "" {
		id, err := msglog.ParseRecordID(o.from)
		if err != nil {
			return rng, fmt.Errorf("--from: %w", err)
		}
		rng.From = &id
	}
	if o.to != "" {
		id, err := msglog.ParseRecordID(o.to)
		if err != nil {
			return rng, fmt.Errorf("--to: %w", err)
		}
		rng.To = &id
	}
	return rng, rng.Validate()
}

func replay(ctx context.Context, in *inspector.Inspector, s session.Session, rng msglog.Range, reverse bool, w io.Writer) error {
	open := in.Replay
	if reverse {
		open = in.ReplayReverse
	}
	r, err := open(ctx, s, rng)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	for msg := range r.C() {
		if err := enc.Encode(msg); err != nil {
			r.Close()
			return fmt.Errorf("write message %s: %w", msg.ID, err)
		}
	}
	return r.Err()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the inspector version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "inspector %s\n", Version)
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
