// cmd/backfill replays a block range of ledger events through the reconciler.
//
// Usage:
//
//	backfill run --from 1200 --to 1500
//	backfill run --from-cursor --to 1500 --types AccessGranted,AccessRevoked
//	backfill cursor
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-prover/internal/bus"
	"github.com/tendant/simple-prover/internal/config"
	"github.com/tendant/simple-prover/internal/ledger"
	"github.com/tendant/simple-prover/internal/reconcile"
	"github.com/tendant/simple-prover/internal/store"
	"github.com/tendant/simple-prover/pkg/schema"
)

type rootOptions struct {
	ConfigPath string
	Consumer   string
}

type runOptions struct {
	*rootOptions
	From       uint64
	To         uint64
	FromCursor bool
	Types      string
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "backfill",
		Short:         "Replay historical ledger events into the local store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Consumer, "consumer", reconcile.DefaultConsumer, "cursor name")
	cmd.AddCommand(newRunCommand(opts), newCursorCommand(opts))
	return cmd
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply every event in a block range",
		Long: `Query each event type for the block range, merge the results by
(block, tx hash) and apply them in order. Events already applied are
skipped by the reconciler, so a range can be replayed safely.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, opts)
		},
	}
	cmd.Flags().Uint64Var(&opts.From, "from", 0, "first block (inclusive)")
	cmd.Flags().Uint64Var(&opts.To, "to", 0, "last block (inclusive, required)")
	cmd.Flags().BoolVar(&opts.FromCursor, "from-cursor", false, "start at the stored cursor block")
	cmd.Flags().StringVar(&opts.Types, "types", "", "comma separated event types (default all)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newCursorCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cursor",
		Short: "Print the stored reconciler cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Database.Type, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			pos, err := st.Cursor(cmd.Context(), root.Consumer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s block=%d tx=%s\n", root.Consumer, pos.Block, pos.TxHash)
			return nil
		},
	}
}

func runBackfill(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.Backend != config.BackendNATS {
		return fmt.Errorf("backfill reads history from JetStream; set BACKEND=%s", config.BackendNATS)
	}
	types, err := parseTypes(opts.Types)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Database.Type, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	from := opts.From
	if opts.FromCursor {
		pos, err := st.Cursor(ctx, opts.Consumer)
		if err != nil {
			return err
		}
		from = pos.Block
	}

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	feed, err := ledger.OpenJetStream(ctx, nc.JetStream(), ledger.JetStreamConfig{}, logger)
	if err != nil {
		return err
	}

	// Domain events from a backfill go to NATS like live ones.
	pub := bus.NewPublisher(nc, "proof", logger)
	rec := reconcile.New(st, pub, reconcile.Config{Consumer: opts.Consumer}, nil, logger)

	logger.Info("backfill starting", "from", from, "to", opts.To, "types", types, "consumer", opts.Consumer)
	res, err := rec.Backfill(ctx, feed, from, opts.To, types...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d applied=%d failed=%d\n", res.Fetched, res.Applied, res.Failed)
	for _, e := range res.Errors {
		fmt.Fprintln(cmd.ErrOrStderr(), "  ", e)
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d events failed", res.Failed)
	}
	return nil
}

func parseTypes(raw string) ([]schema.LedgerEventType, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	known := make(map[schema.LedgerEventType]bool)
	for _, t := range schema.LedgerEventTypes() {
		known[t] = true
	}
	var out []schema.LedgerEventType
	for _, part := range strings.Split(raw, ",") {
		t := schema.LedgerEventType(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !known[t] {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		out = append(out, t)
	}
	return out, nil
}
