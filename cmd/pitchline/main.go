package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pitchline/pitchline/internal/call"
	"github.com/pitchline/pitchline/internal/config"
	"github.com/pitchline/pitchline/internal/httpapi"
	"github.com/pitchline/pitchline/internal/observability"
	"github.com/pitchline/pitchline/internal/registry"
	"github.com/pitchline/pitchline/internal/store"
	"github.com/pitchline/pitchline/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.ModelAPIKey == "" {
		log.Fatalf("MODEL_API_KEY is not set")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	records, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("call store init failed: %v", err)
	}
	defer records.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("call store: in-memory (set DATABASE_URL for persistence)")
	} else {
		log.Printf("call store: postgres")
	}

	toolbox := tools.NewRegistry()
	if err := toolbox.Register(tools.NewScheduleMeetingTool(records)); err != nil {
		log.Fatalf("register schedule_meeting: %v", err)
	}
	if err := toolbox.Register(tools.NewEndCallTool()); err != nil {
		log.Fatalf("register end_call: %v", err)
	}

	profiles := registry.New(cfg.RegistryTTL)

	dialer := &call.RealtimeDialer{
		URL:        cfg.ModelWSURL,
		APIKey:     cfg.ModelAPIKey,
		MaxRetries: cfg.ModelDialRetry,
	}

	calls := call.NewManager(call.ManagerConfig{
		BlockingDeadline: cfg.BlockingDeadline,
		Voice:            cfg.ModelVoice,
		DefaultProfile: registry.AgentProfile{
			Name:        cfg.DefaultAgentName,
			OpeningLine: cfg.DefaultOpeningLine,
			Goal:        cfg.DefaultGoal,
			Tone:        cfg.DefaultTone,
		},
		CustomerPhrases: cfg.CustomerPhrases,
		NameDenyList:    cfg.NameDenyList,
	}, profiles, records, toolbox, dialer, metrics)

	api := httpapi.New(cfg, calls, profiles, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	profiles.StartJanitor(runCtx, cfg.RegistryJanitorInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	calls.CloseAll("shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
