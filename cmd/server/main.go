package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/twmb/franz-go/pkg/kgo"

	"keel/internal/audit"
	auditstore "keel/internal/audit/store"
	decisionservice "keel/internal/decision/service"
	decisionstore "keel/internal/decision/store"
	evalservice "keel/internal/evaluation/service"
	evalstore "keel/internal/evaluation/store"
	evidenceservice "keel/internal/evidence/service"
	evidencestore "keel/internal/evidence/store"
	excservice "keel/internal/exception/service"
	excstore "keel/internal/exception/store"
	"keel/internal/platform/config"
	"keel/internal/platform/httpserver"
	"keel/internal/platform/logger"
	"keel/internal/platform/metrics"
	platformredis "keel/internal/platform/redis"
	policyservice "keel/internal/policy/service"
	policystore "keel/internal/policy/store"
	proposalservice "keel/internal/proposal/service"
	proposalstore "keel/internal/proposal/store"
	replaymodels "keel/internal/replay/models"
	replayservice "keel/internal/replay/service"
	replaystore "keel/internal/replay/store"
	signalservice "keel/internal/signal/service"
	signalstore "keel/internal/signal/store"
	id "keel/pkg/domain"
	"keel/pkg/platform/tx"
)

// main wires dependencies and keeps the process lifecycle small. Kernel
// semantics live entirely in the internal packages; the host's API
// transport mounts the services, this binary only exposes the ops
// surface.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Error("open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error("ping postgres", "error", err)
		os.Exit(1)
	}

	redisClient, err := platformredis.New(ctx, cfg.RedisAddr)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}

	packs := id.NewPackRegistry(cfg.Packs...)
	txRunner := tx.NewPostgresRunner(db)
	kernelMetrics := metrics.NewKernel()

	// Audit: every mutation records through one recorder; committed
	// events fan out to the kafka relay and the evidence worker.
	sink := make(chan audit.Event, 256)
	recorder := audit.NewRecorder(auditstore.NewPostgres(db), audit.WithSink(sink))

	signals := signalstore.NewPostgres(db)
	signalSvc := signalservice.New(signals, packs, recorder,
		signalservice.WithLogger(log), signalservice.WithTxRunner(txRunner))

	policies := policystore.NewPostgres(db)
	policySvc := policyservice.New(policies, packs, recorder,
		policyservice.WithLogger(log), policyservice.WithTxRunner(txRunner))

	evaluations := evalstore.NewPostgres(db)
	evalSvc := evalservice.New(evaluations, recorder,
		evalservice.WithLogger(log), evalservice.WithTxRunner(txRunner),
		evalservice.WithMetrics(kernelMetrics.Evaluation))

	exceptions := excstore.NewPostgres(db)
	excSvc := excservice.New(exceptions, recorder,
		excservice.WithLogger(log), excservice.WithTxRunner(txRunner),
		excservice.WithMetrics(kernelMetrics.Exception))

	decisions := decisionstore.NewPostgres(db)
	decisionSvc := decisionservice.New(decisions, exceptions, recorder,
		decisionservice.WithLogger(log), decisionservice.WithTxRunner(txRunner),
		decisionservice.WithMetrics(kernelMetrics.Decision))

	evidencePacks := evidencestore.NewPostgres(db)
	evidenceSvc := evidenceservice.New(evidencePacks, decisions, exceptions, evaluations, policies, signals, recorder,
		evidenceservice.WithLogger(log), evidenceservice.WithTxRunner(txRunner),
		evidenceservice.WithMetrics(kernelMetrics.Evidence))

	proposalSvc := proposalservice.New(proposalstore.NewPostgres(db), signalSvc, policySvc, excSvc, recorder,
		proposalservice.WithLogger(log), proposalservice.WithTxRunner(txRunner))

	var replayResults replayservice.Store = replaystore.NewInMemory()
	if redisClient != nil {
		replayResults = replaystore.NewRedis(redisClient.Client)
	}
	harness := replayservice.NewHarness(evalSvc, excSvc, signals, policySvc, replayResults,
		replayservice.WithLogger(log), replayservice.WithMetrics(kernelMetrics.Replay))

	// The API transport is the host's concern; it mounts these services.
	_ = hostServices{
		Decisions: decisionSvc,
		Proposals: proposalSvc,
		Replay:    harness,
	}

	if cfg.BudgetsPath != "" {
		budgets, err := replaymodels.LoadBudgets(cfg.BudgetsPath)
		if err != nil {
			log.Error("load budgets", "path", cfg.BudgetsPath, "error", err)
			os.Exit(1)
		}
		log.Info("budgets loaded", "path", cfg.BudgetsPath, "count", len(budgets))
	}

	relayCh := make(chan audit.Event, 256)
	workerCh := make(chan audit.Event, 256)
	go fanOut(ctx, sink, relayCh, workerCh)

	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.KafkaBrokers...))
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		defer kafkaClient.Close()
		if err := audit.EnsureTopic(ctx, kafkaClient, cfg.AuditTopic, 3); err != nil {
			log.Error("ensure audit topic", "topic", cfg.AuditTopic, "error", err)
			os.Exit(1)
		}
		relay := audit.NewRelay(kafkaClient, cfg.AuditTopic, relayCh, log)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit relay stopped", "error", err)
			}
		}()
	}

	if cfg.EvidenceWorker {
		worker := evidenceservice.NewWorker(evidenceSvc, workerCh, log)
		go worker.Run(ctx)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID, chimiddleware.Recoverer)
	router.Get("/healthz", healthHandler(db, redisClient))
	router.Handle("/metrics", metrics.Handler())

	srv := httpserver.New(cfg.Addr, router)
	go func() {
		log.Info("keel listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	if err := httpserver.Shutdown(srv); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// fanOut copies committed audit events to each consumer without letting a
// slow one block the others. A full consumer buffer drops the copy; both
// consumers can recover from the store.
func fanOut(ctx context.Context, in <-chan audit.Event, outs ...chan<- audit.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-in:
			for _, out := range outs {
				select {
				case out <- event:
				default:
				}
			}
		}
	}
}

// hostServices collects the surfaces a host transport mounts on top of
// the kernel. Nothing in this binary serves them over HTTP.
type hostServices struct {
	Decisions *decisionservice.Service
	Proposals *proposalservice.Service
	Replay    *replayservice.Harness
}

func healthHandler(db *sql.DB, redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
