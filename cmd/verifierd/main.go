package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreattest/verifier/internal/config"
	"github.com/coreattest/verifier/internal/core"
	"github.com/coreattest/verifier/internal/httpapi"
	"github.com/coreattest/verifier/internal/keyrelease"
	"github.com/coreattest/verifier/internal/lifecycle"
	"github.com/coreattest/verifier/internal/lockset"
	"github.com/coreattest/verifier/internal/metrics"
	"github.com/coreattest/verifier/internal/notifier"
	"github.com/coreattest/verifier/internal/policyengine"
	"github.com/coreattest/verifier/internal/scheduler"
	"github.com/coreattest/verifier/internal/store"
	"github.com/coreattest/verifier/internal/tpmverify"
	"github.com/coreattest/verifier/internal/util"
	"github.com/coreattest/verifier/internal/workerpool"
)

const schedulerCacheSize = 4096

func main() {
	configPath := flag.String("config", "config/verifierd.yaml", "Path to verifierd configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := util.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open attestation record store", "error", err.Error())
		os.Exit(1)
	}
	defer s.Close()

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	locks := lockset.New()
	adapter := tpmverify.NewAdapter()
	policy := policyengine.New()
	keyGate := keyrelease.New(cfg.KeyReleaseHKDFInfo)
	notifyClient := notifier.New(cfg.RevocationBrokerURL)
	outbox := notifier.NewOutbox(cfg.DBPath + ".revocations.json")

	var sched *scheduler.Scheduler

	lc := lifecycle.New(s, locks, adapter, policy, lifecycle.Config{
		NonceLifetime:       cfg.NonceLifetime.Duration,
		QuoteInterval:       cfg.QuoteInterval.Duration,
		VerificationTimeout: cfg.VerificationTimeout.Duration,
		MeasuredBootPCRs:    cfg.MeasuredBootPCRs,
		IMAPCR:              cfg.IMAPCR,
	},
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(mtr),
		lifecycle.WithSchedulerInvalidation(func(agentID string) {
			if sched != nil {
				sched.Invalidate(agentID)
			}
		}),
		lifecycle.WithRevocationHook(func(ctx context.Context, agentID string, index uint64, failureType core.FailureType) {
			rev := notifier.Revocation{AgentID: agentID, Index: index, FailureType: failureType, OccurredAt: time.Now()}
			if err := notifyClient.Notify(ctx, rev); err != nil {
				logger.Warn("revocation notify failed, queuing to outbox", "agent_id", agentID, "index", index, "error", err)
				if err := outbox.Append(rev); err != nil {
					logger.Error("failed to persist revocation to outbox", "error", err.Error())
				}
			}
		}),
		lifecycle.WithKeyReleaseGate(keyGate, func(agentID string, index uint64, key []byte) {
			if err := keyGate.Persist(cfg.DBPath+".keys/"+agentID+".key", key); err != nil {
				logger.Warn("persist key-release wrapping key failed", "agent_id", agentID, "index", index, "error", err.Error())
			}
		}),
	)

	sched, err = scheduler.New(s, scheduler.Config{
		QuoteInterval:       cfg.QuoteInterval.Duration,
		VerificationTimeout: cfg.VerificationTimeout.Duration,
		MaxRetries:          cfg.MaxRetries,
		RetryInterval:       cfg.RetryInterval.Duration,
	}, schedulerCacheSize)
	if err != nil {
		logger.Error("failed to construct scheduler", "error", err.Error())
		os.Exit(1)
	}

	pool := workerpool.New(cfg.MultiprocessingPoolWorkers, cfg.MultiprocessingPoolWorkers*4,
		workerpool.VerifierFunc(func(ctx context.Context, agentID string, index uint64) error {
			_, err := lc.VerifyEvidence(ctx, agentID, index)
			return err
		}), logger)
	defer pool.Close()

	go flushOutboxPeriodically(ctx, outbox, notifyClient, logger)

	srv := httpapi.New(lc, sched, s, pool, cfg.QuoteInterval.Duration, logger)

	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Routes()}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("attestation api listening", "addr", cfg.ListenAddr)
		errCh <- apiServer.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		errCh <- metricsServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server exited with error", "error", err.Error())
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// flushOutboxPeriodically retries queued revocation notifications
// (spec §7: undelivered revocations must not be silently dropped)
// until the broker accepts them or the process stops.
func flushOutboxPeriodically(ctx context.Context, outbox *notifier.Outbox, client *notifier.Client, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := outbox.Flush(func(rev notifier.Revocation) error {
				return client.Notify(ctx, rev)
			}); err != nil {
				logger.Warn("outbox flush failed", "error", err.Error())
			}
		}
	}
}
