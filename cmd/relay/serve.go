package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comigor/voice-relay/internal/authorize"
	"github.com/comigor/voice-relay/internal/config"
	"github.com/comigor/voice-relay/internal/llm"
	"github.com/comigor/voice-relay/internal/logger"
	"github.com/comigor/voice-relay/internal/relay"
	"github.com/comigor/voice-relay/internal/server"
	"github.com/comigor/voice-relay/internal/session"
	"github.com/comigor/voice-relay/internal/transcript"
	"github.com/comigor/voice-relay/internal/webhook"
)

func serve(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)

	// Missing secrets are reported per request, but say so early too.
	if cfg.LLM.APIKey == "" {
		logger.L.Warn("GOOGLE_GENERATIVE_AI_API_KEY is not set; webhook requests will fail")
	}
	if cfg.Layercode.WebhookSecret == "" {
		logger.L.Warn("LAYERCODE_WEBHOOK_SECRET is not set; webhook requests will fail")
	}

	var uiData json.RawMessage
	if cfg.Relay.UIData != "" {
		if !json.Valid([]byte(cfg.Relay.UIData)) {
			return errors.New("relay.ui_data is not valid JSON")
		}
		uiData = json.RawMessage(cfg.Relay.UIData)
	}

	store := session.NewStore(session.Config{Capacity: cfg.Session.Capacity, TTL: cfg.Session.TTL})
	go store.Run(ctx, time.Minute)

	var archive relay.Archiver
	if cfg.Transcript.Path != "" {
		a, err := transcript.Open(cfg.Transcript.Path)
		if err != nil {
			return err
		}
		defer a.Close()
		archive = a
	}

	gen := relay.NewGenerator(llm.NewClient(cfg.LLM), relay.GeneratorConfig{
		Model:         cfg.LLM.Model,
		SystemPrompt:  cfg.LLM.SystemPrompt,
		Timeout:       cfg.LLM.Timeout,
		MaxConcurrent: cfg.LLM.MaxConcurrent,
	})
	rl := relay.New(store, gen, relay.Options{
		Secret:         cfg.Layercode.WebhookSecret,
		Verifier:       webhook.HMACVerifier{Tolerance: cfg.Layercode.SignatureTolerance},
		WelcomeMessage: cfg.Relay.WelcomeMessage,
		UIData:         uiData,
		Archive:        archive,
	})
	srv := server.New(cfg, rl, authorize.NewClient(cfg.Layercode.AuthorizeURL, cfg.Layercode.APIKey))

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              serverAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", serverAddr, "model", cfg.LLM.Model)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
