package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"goalpay/internal/admin"
	"goalpay/internal/enrollment"
	"goalpay/internal/evidence"
	"goalpay/internal/goals/catalog"
	goalshandler "goalpay/internal/goals/handler"
	goalsmetrics "goalpay/internal/goals/metrics"
	"goalpay/internal/goals/service"
	completionstore "goalpay/internal/goals/store/completion"
	ledgerstore "goalpay/internal/goals/store/ledger"
	"goalpay/internal/platform/config"
	"goalpay/internal/platform/httpserver"
	"goalpay/internal/platform/logger"
	"goalpay/internal/platform/metrics"
	"goalpay/internal/platform/postgres"
	redisclient "goalpay/internal/platform/redis"
	"goalpay/internal/wallet"
	"goalpay/pkg/platform/audit"
	auditkafka "goalpay/pkg/platform/audit/store/kafka"
	auditmemory "goalpay/pkg/platform/audit/store/memory"
	auditpostgres "goalpay/pkg/platform/audit/store/postgres"
	auditworker "goalpay/pkg/platform/audit/worker"
	"goalpay/pkg/platform/circuit"
	"goalpay/pkg/platform/httputil"
	"goalpay/pkg/platform/middleware/ratelimit"
	"goalpay/pkg/platform/middleware/request"
)

const (
	shutdownTimeout     = 15 * time.Second
	auditQueueCapacity  = 1024
	auditMemoryCapacity = 10000
)

// main wires dependencies once and hands lifecycle to run. Business logic
// lives in the internal service packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("goalpay stopped with error", "error", err)
		os.Exit(1)
	}
}

type infra struct {
	ledgers     service.LedgerStore
	completions service.CompletionStore
	evidence    service.EvidenceStore
	auditLog    auditReadStore
	closers     []func() error
}

// auditReadStore is an audit sink the admin endpoint can also read back.
type auditReadStore interface {
	audit.Store
	admin.AuditReader
}

func (i *infra) close(log *slog.Logger) {
	for n := len(i.closers) - 1; n >= 0; n-- {
		if err := i.closers[n](); err != nil {
			log.Warn("failed to close resource", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	goals, err := catalog.Load(cfg.Goals.CatalogPath)
	if err != nil {
		return err
	}
	log.Info("goal catalog loaded", "path", cfg.Goals.CatalogPath, "goals", goals.Len())

	deps, err := buildInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close(log)

	g, gctx := errgroup.WithContext(ctx)

	auditSinks := []audit.Store{deps.auditLog}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		kafkaStore, err := auditkafka.New(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		if err != nil {
			return err
		}
		defer kafkaStore.Close()
		if err := kafkaStore.EnsureTopic(ctx, 3, 1); err != nil {
			log.Warn("could not ensure audit topic", "error", err, "topic", cfg.Audit.KafkaTopic)
		}
		queue := auditworker.NewQueue(auditQueueCapacity)
		worker := auditworker.NewWorker(kafkaStore, queue.Events(), log)
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		auditSinks = append(auditSinks, queue)
		log.Info("kafka audit sink enabled", "topic", cfg.Audit.KafkaTopic)
	}
	publisher := audit.NewPublisher(auditSinks...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	router := buildRouter(cfg, log, goals, deps, publisher, reg)
	if cfg.Server.AdminToken == "" {
		log.Warn("ADMIN_TOKEN not set; admin routes are disabled")
	}

	srv := httpserver.New(cfg.Server.Addr, router)
	g.Go(func() error {
		log.Info("starting goalpay", "addr", cfg.Server.Addr, "storage", cfg.Storage.Backend, "evidence", cfg.Evidence.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildRouter assembles services and handlers over already opened
// infrastructure. Metrics register on reg, which /metrics also serves.
func buildRouter(
	cfg config.Config,
	log *slog.Logger,
	goals *catalog.Catalog,
	deps *infra,
	publisher *audit.Publisher,
	reg *prometheus.Registry,
) http.Handler {
	walletClient := wallet.NewHTTPClient(wallet.Config{
		BaseURL:  cfg.Wallet.APIURL,
		APIKey:   cfg.Wallet.APIKey,
		Currency: cfg.Wallet.Currency,
		Chain:    cfg.Wallet.Chain,
		Timeout:  cfg.Wallet.Timeout,
	},
		wallet.WithBreaker(circuit.New("wallet", circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second))),
		wallet.WithLogger(log),
	)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithAuditPublisher(publisher),
		service.WithMetrics(goalsmetrics.NewWithRegistry(reg)),
		service.WithWalletTimeout(cfg.Wallet.Timeout),
		service.WithEvidenceTimeout(cfg.Evidence.Timeout),
		service.WithMaxEvidenceBytes(cfg.Evidence.MaxBytes),
	}
	ledger := service.NewLedgerService(deps.ledgers, goals, opts...)
	coordinator := service.NewCoordinator(ledger, walletClient, deps.evidence, deps.completions, cfg.Wallet.MasterWalletID, opts...)
	enroller := enrollment.NewService(walletClient, ledger, cfg.Goals.DefaultCount,
		enrollment.WithLogger(log),
		enrollment.WithAuditPublisher(publisher),
	)

	r := chi.NewRouter()
	r.Use(request.Recovery(log))
	r.Use(request.RequestID)
	r.Use(request.Logger(log))
	r.Use(request.Timeout(45 * time.Second))
	r.Use(request.Latency(metrics.NewWithRegistry(reg)))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	goalshandler.New(ledger, coordinator, ratelimit.New(cfg.CompleteRatePerMinute, log), log, goalshandler.Config{
		AdminToken:       cfg.Server.AdminToken,
		DefaultCount:     cfg.Goals.DefaultCount,
		MaxEvidenceBytes: cfg.Evidence.MaxBytes,
	}).Register(r)
	enrollment.NewHandler(enroller, cfg.Server.AdminToken, log).Register(r)
	admin.New(deps.auditLog, cfg.Server.AdminToken, log).Register(r)
	return r
}

// buildInfra opens the configured storage and evidence backends.
func buildInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	deps := &infra{}

	var rdb *redisclient.Client
	if cfg.Storage.Backend == config.BackendRedis || cfg.Evidence.Backend == config.BackendRedis {
		client, err := redisclient.Open(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		rdb = client
		deps.closers = append(deps.closers, client.Close)
	}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Storage.DatabaseURL,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			deps.close(log)
			return nil, err
		}
		deps.closers = append(deps.closers, db.Close)
		if err := postgres.Migrate(db); err != nil {
			deps.close(log)
			return nil, err
		}
		deps.ledgers = ledgerstore.NewPostgres(db)
		deps.completions = completionstore.NewPostgres(db)
		deps.auditLog = auditpostgres.New(db)
	case config.BackendRedis:
		deps.ledgers = ledgerstore.NewRedis(rdb.Client)
		deps.completions = completionstore.NewRedis(rdb.Client)
	default:
		log.Warn("using in-memory storage; ledgers are lost on restart")
		deps.ledgers = ledgerstore.NewInMemory()
		deps.completions = completionstore.NewInMemory()
	}

	if deps.auditLog == nil {
		deps.auditLog = auditmemory.NewBoundedInMemoryStore(auditMemoryCapacity)
	}

	switch cfg.Evidence.Backend {
	case config.BackendRedis:
		deps.evidence = evidence.NewRedisStore(rdb.Client)
	default:
		fs, err := evidence.NewFSStore(cfg.Evidence.Dir)
		if err != nil {
			deps.close(log)
			return nil, err
		}
		deps.evidence = fs
	}
	return deps, nil
}
