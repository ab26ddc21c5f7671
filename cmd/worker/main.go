// cmd/worker/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-prover/internal/bus"
	"github.com/tendant/simple-prover/internal/cache"
	"github.com/tendant/simple-prover/internal/config"
	"github.com/tendant/simple-prover/internal/jobstore"
	"github.com/tendant/simple-prover/internal/ledger"
	"github.com/tendant/simple-prover/internal/metrics"
	"github.com/tendant/simple-prover/internal/notify"
	"github.com/tendant/simple-prover/internal/pinning"
	"github.com/tendant/simple-prover/internal/prover"
	"github.com/tendant/simple-prover/internal/queue"
	"github.com/tendant/simple-prover/internal/reconcile"
	"github.com/tendant/simple-prover/internal/store"
	"github.com/tendant/simple-prover/internal/submit"
	"github.com/tendant/simple-prover/internal/worker"
	"github.com/tendant/simple-prover/pkg/schema"
)

const (
	subjectSubmit = "proof.submit"
	subjectStatus = "proof.status"
	subjectUpload = "genome.upload"
	serviceQueue  = "proof-service"

	jobsBucket     = "PROOF_JOBS_STATE"
	artifactBucket = "PROOF_ARTIFACTS"
)

// backends are the job state components selected by BACKEND.
type backends struct {
	jobs   jobstore.Store
	cache  cache.Cache
	queue  queue.Queue
	ledger ledger.Client
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		fatal(logger, "load config", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("prover service starting",
		"backend", cfg.Backend,
		"nats_url", cfg.NATSURL,
		"database_type", cfg.Database.Type,
		"concurrency", cfg.Worker.Concurrency,
		"prover_mode", cfg.Prover.Mode,
		"pinning_enabled", cfg.PinningEnabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := store.Open(ctx, cfg.Database.Type, cfg.Database.URL)
	if err != nil {
		fatal(logger, "open store", err, "database_type", cfg.Database.Type)
	}
	defer st.Close()
	logger.Info("store ready", "driver", st.Driver())

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

	be, err := openBackends(ctx, cfg, nc, logger)
	if err != nil {
		fatal(logger, "open backends", err, "backend", cfg.Backend)
	}

	hub := notify.NewHub(256)
	defer hub.Close()
	publisher := notify.Multi(hub, bus.NewPublisher(nc, "proof", logger))

	var remote pinning.Remote
	if cfg.PinningEnabled() {
		remote = pinning.NewPinata(cfg.Pinning.APIURL, cfg.Pinning.APIKey, cfg.Pinning.APISecret, nil)
	} else {
		logger.Warn("pinning credentials not set, pins are local only")
	}
	pins := pinning.New(remote, st, pinning.Config{
		WriteAttempts:  cfg.Pinning.WriteAttempts,
		VerifyAttempts: cfg.Pinning.VerifyAttempts,
		RetryDelay:     cfg.Pinning.RetryDelay,
		Gateways:       cfg.Pinning.Gateways,
	}, logger.With("component", "pinning"))

	pv, err := prover.New(prover.Config{Mode: cfg.Prover.Mode, URL: cfg.Prover.URL, Timeout: cfg.Prover.Timeout})
	if err != nil {
		fatal(logger, "build prover", err, "mode", cfg.Prover.Mode)
	}

	pool := worker.New(worker.Deps{
		Queue:     be.queue,
		Jobs:      be.jobs,
		Cache:     be.cache,
		Inputs:    pins,
		Artifacts: st,
		Prover:    pv,
		Publisher: publisher,
		Metrics:   m,
	}, worker.Config{
		Concurrency:      cfg.Worker.Concurrency,
		ProgressInterval: cfg.Worker.ProgressInterval,
		ProverTimeout:    cfg.Prover.Timeout,
		ShutdownTimeout:  cfg.Worker.ShutdownTimeout,
		ResultTTL:        cfg.Worker.ResultTTL,
	}, logger.With("component", "worker"))

	submitter := submit.New(be.jobs, be.cache, be.queue, submit.Config{RatePerMinute: cfg.Submit.RatePerMinute}, m, logger.With("component", "submit"))
	intake := submit.NewIntake(pins, logger.With("component", "intake"))
	reconciler := reconcile.New(st, publisher, reconcile.Config{}, m, logger.With("component", "reconcile"))

	handlers := map[string]func(context.Context, []byte) any{
		subjectSubmit: submitter.HandleSubmit,
		subjectStatus: submitter.HandleStatus,
		subjectUpload: intake.HandleUpload,
	}
	for subject, h := range handlers {
		if _, err := nc.HandleRequests(subject, serviceQueue, 10*time.Second, h, logger); err != nil {
			fatal(logger, "subscribe handler", err, "subject", subject)
		}
		logger.Info("listening for requests", "subject", subject, "queue", serviceQueue)
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux(reg, pool, pins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := pool.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("worker pool: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reconciler.Run(gctx, be.ledger)
	})
	g.Go(func() error {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reportStats(gctx, pool, hub, m, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		fatal(logger, "service stopped", err)
	}
	logger.Info("prover service stopped")
}

func openBackends(ctx context.Context, cfg config.Config, nc *bus.Client, logger *slog.Logger) (backends, error) {
	if cfg.Backend == config.BackendMemory {
		feed := ledger.NewMemory()
		// Chain events published on core NATS feed the in-process ledger.
		_, err := nc.SubscribeJSON(ledger.DefaultSubjectPrefix+".>", func(ctx context.Context, data []byte) {
			var ev schema.LedgerEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				logger.Warn("dropping malformed chain event", "err", err)
				return
			}
			if err := feed.Emit(ctx, ev); err != nil {
				logger.Warn("ledger emit failed", "tx_hash", ev.TxHash, "err", err)
			}
		})
		if err != nil {
			return backends{}, fmt.Errorf("subscribe chain events: %w", err)
		}
		return backends{
			jobs:   jobstore.NewMemory(cfg.Worker.JobTTL),
			cache:  cache.NewMemory(),
			queue:  queue.NewMemory(1024),
			ledger: feed,
		}, nil
	}

	js := nc.JetStream()
	jobs, err := jobstore.OpenKV(ctx, js, jobsBucket, cfg.Worker.JobTTL)
	if err != nil {
		return backends{}, fmt.Errorf("job store: %w", err)
	}
	results, err := cache.OpenKV(ctx, js, artifactBucket, cfg.Worker.ResultTTL)
	if err != nil {
		return backends{}, fmt.Errorf("result cache: %w", err)
	}
	q, err := queue.OpenJetStream(ctx, js, queue.JetStreamConfig{AckWait: cfg.Prover.Timeout + time.Minute})
	if err != nil {
		return backends{}, fmt.Errorf("job queue: %w", err)
	}
	feed, err := ledger.OpenJetStream(ctx, js, ledger.JetStreamConfig{}, logger.With("component", "ledger"))
	if err != nil {
		return backends{}, fmt.Errorf("ledger feed: %w", err)
	}
	return backends{jobs: jobs, cache: results, queue: q, ledger: feed}, nil
}

func metricsMux(reg *prometheus.Registry, pool *worker.Pool, pins *pinning.Service) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		ps := pins.Stats(ctx)
		pinErr := ""
		if ps.Err != nil {
			pinErr = ps.Err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pool": pool.Stats(),
			"pinning": map[string]any{
				"count":    ps.Count,
				"size":     ps.Size,
				"local":    ps.Local,
				"degraded": ps.Degraded,
				"error":    pinErr,
			},
		})
	})
	return mux
}

func reportStats(ctx context.Context, pool *worker.Pool, hub *notify.Hub, m *metrics.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := pool.Stats()
			m.SetDropped(hub.Dropped())
			logger.Info("worker stats", "active", s.Active, "capacity", s.Capacity,
				"processed", s.Processed, "failed", s.Failed, "dropped_events", hub.Dropped())
		}
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
