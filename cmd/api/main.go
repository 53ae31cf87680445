package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/config"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/handler"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/handler/transcript"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/handler/voice"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/metrics"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/service/ai"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/service/memory"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/service/persist"
	sessionsvc "github.com/kfcFriedChicken16/Lumos-sub000/internal/service/session"
	"github.com/kfcFriedChicken16/Lumos-sub000/internal/service/transcribe"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	recorder, err := metrics.NewRecorder(ctx, metrics.Config{
		Enabled:  cfg.Metrics.Enabled,
		Endpoint: cfg.Metrics.Endpoint,
		Insecure: cfg.Metrics.Insecure,
	})
	if err != nil {
		log.Printf("warning: failed to initialize metrics exporter: %v", err)
		recorder = nil
	} else if recorder != nil {
		log.Println("metrics exporter initialized")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := recorder.Close(shutdownCtx); err != nil {
				log.Printf("warning: metrics shutdown failed: %v", err)
			}
		}()
	}

	memoryService := memory.NewService()
	persistClient := persist.NewClient(cfg.Persist)
	if persistClient.Enabled() {
		log.Println("persistence backend configured")
	} else {
		log.Println("persistence backend not configured, sessions run unauthenticated only")
	}

	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize generation service: %v", err)
		} else {
			log.Println("generation service initialized")
		}
	} else {
		log.Println("generation credentials not configured, voice pipeline disabled")
	}

	var transcribeClient *transcribe.Client
	if cfg.Transcribe.Enabled() {
		transcribeClient = transcribe.NewClient(cfg.Transcribe)
		log.Println("transcription service initialized")
	} else {
		log.Println("transcription credentials not configured, voice pipeline disabled")
	}

	registry := sessionsvc.NewRegistry(sessionsvc.Config{
		IdleThreshold: cfg.Session.IdleThreshold,
		SweepInterval: cfg.Session.SweepInterval,
		TurnsPerMin:   cfg.Session.TurnsPerMin,
	})
	// Closing the evicted connection makes its read loop exit, and the
	// handler's teardown does the rest of the cleanup exactly once.
	registry.Evicted = func(s *sessionsvc.Session) {
		recorder.IdleEvicted(context.Background())
	}
	go registry.StartSweeper(ctx)
	defer registry.Drain()

	var voiceHandler *voice.Handler
	if aiService != nil && transcribeClient != nil {
		coordinator := voice.NewCoordinator(aiService, memoryService, persistClient, recorder, cfg.Session.TurnTimeout)
		voiceHandler = voice.NewHandler(registry, coordinator, transcribeClient, memoryService, persistClient, recorder, cfg.Session)
	}

	transcriptHandler := transcript.New(registry, memoryService)
	router := handler.NewRouter(voiceHandler, transcriptHandler, registry)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Lumos voice backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
