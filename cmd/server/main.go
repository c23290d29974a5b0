package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iHelio/cpg-project-sub000/internal/actions"
	"github.com/iHelio/cpg-project-sub000/internal/agentaction"
	"github.com/iHelio/cpg-project-sub000/internal/auth"
	"github.com/iHelio/cpg-project-sub000/internal/compensation"
	"github.com/iHelio/cpg-project-sub000/internal/config"
	"github.com/iHelio/cpg-project-sub000/internal/coordinator"
	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/eligibility"
	"github.com/iHelio/cpg-project-sub000/internal/evaluation"
	"github.com/iHelio/cpg-project-sub000/internal/eventbridge"
	"github.com/iHelio/cpg-project-sub000/internal/exprlang"
	"github.com/iHelio/cpg-project-sub000/internal/governance"
	"github.com/iHelio/cpg-project-sub000/internal/graphyaml"
	"github.com/iHelio/cpg-project-sub000/internal/inproc"
	"github.com/iHelio/cpg-project-sub000/internal/instanceorch"
	"github.com/iHelio/cpg-project-sub000/internal/logging"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
	"github.com/iHelio/cpg-project-sub000/internal/processorch"
	"github.com/iHelio/cpg-project-sub000/internal/storage"
	"github.com/iHelio/cpg-project-sub000/internal/tracing"
	"github.com/iHelio/cpg-project-sub000/internal/wstrace"
)

func main() {
	graphPath := flag.String("graph", "", "Path to a YAML process graph to load and publish at boot")
	flag.Parse()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("port", cfg.Port).Msg("starting cpg orchestrator")

	ctx := context.Background()

	// Repositories: Postgres when a DSN is configured, in-memory otherwise.
	var (
		graphs    ports.ProcessGraphRepository
		instances ports.ProcessInstanceRepository
		traces    tracing.Store
	)
	if cfg.DatabaseDSN != "" {
		db := storage.NewDB(cfg.DatabaseDSN)
		graphRepo := storage.NewBunGraphRepository(db)
		instRepo := storage.NewBunInstanceRepository(db)
		traceStore := tracing.NewBunStore(db)
		for _, init := range []func(context.Context) error{graphRepo.InitSchema, instRepo.InitSchema, traceStore.InitSchema} {
			if err := init(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to initialize database schema")
			}
		}
		graphs, instances = graphRepo, instRepo
		if cfg.TracingPersist {
			traces = traceStore
		} else {
			traces = tracing.NewMemoryStore()
		}
		log.Info().Msg("using Postgres storage")
	} else {
		graphs = storage.NewMemoryGraphRepository()
		instances = storage.NewMemoryInstanceRepository()
		traces = tracing.NewMemoryStore()
		log.Info().Msg("using in-memory storage")
	}

	// Trace streaming hub; the wrapping store forwards every append.
	hub := wstrace.NewHub(log)
	go hub.Run()
	traces = wstrace.NewBroadcastingStore(traces, hub)

	// Evaluator ports.
	expr := exprlang.New(log)
	rules := inproc.NewRuleEvaluator()
	policies := inproc.NewPolicyEvaluator()

	// Action handlers.
	registry := actions.NewRegistry()
	registry.Register(domain.ActionNotification, "", actions.NotificationHandler{Log: log})
	registry.Register(domain.ActionWait, "", actions.WaitHandler{})
	if cfg.OpenAIAPIKey != "" {
		registry.Register(domain.ActionAgentAssisted, "", agentaction.New(cfg.OpenAIAPIKey, "", log))
	}

	// Core assembly.
	nodeEval := evaluation.New(expr, rules, policies)
	edgeEval := evaluation.NewEdgeEvaluator(expr)
	eligible := eligibility.New(nodeEval, edgeEval)
	coord := coordinator.New()
	comp := compensation.New()
	governor := governance.New(governance.Config{
		IdempotencyEnabled:   cfg.IdempotencyEnabled,
		AuthorizationEnabled: cfg.AuthorizationEnabled,
		PolicyGateEnabled:    cfg.PolicyGateEnabled,
	}, policies)

	catalog := eventbridge.NewCatalog()
	bridge := eventbridge.NewBridge(catalog, eventbridge.NewMemoryPublisher(), expr, log)

	inner := &instanceorch.Orchestrator{
		Eligibility:     eligible,
		Coordinator:     coord,
		Compensation:    comp,
		Governor:        governor,
		Actions:         registry,
		Traces:          traces,
		Events:          bridge,
		Expr:            expr,
		Log:             log,
		PolicyGateFatal: cfg.PolicyGateFatal,
	}

	orch := processorch.New(processorch.Config{
		EventQueueCapacity: cfg.EventQueueCapacity,
		EvaluationInterval: time.Duration(cfg.EvaluationIntervalMs) * time.Millisecond,
		SignalTimeout:      time.Duration(cfg.SignalTimeoutMs) * time.Millisecond,
	}, inner, bridge, instances, traces, log)
	orch.Run(ctx)

	if *graphPath != "" {
		g, err := graphyaml.LoadFile(*graphPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *graphPath).Msg("failed to load graph definition")
		}
		if err := graphs.Save(ctx, g); err != nil {
			log.Fatal().Err(err).Msg("failed to save graph definition")
		}
		log.Info().Str("graphId", g.GraphID).Int("version", g.Version).Msg("graph loaded")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// The trace stream carries full context snapshots; with a secret
	// configured, subscribers must present a valid bearer token.
	traceWS := hub.ServeWS
	if cfg.JWTSecret != "" {
		authenticator := auth.NewJWTAuthenticator(cfg.JWTSecret)
		traceWS = func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("token")
			if _, err := authenticator.PrincipalFromToken(token); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			hub.ServeWS(w, r)
		}
	}
	mux.HandleFunc("/ws/traces", traceWS)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	orch.Shutdown(ctx, 10*time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("server exited gracefully")
}
