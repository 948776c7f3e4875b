// Package server provides the public entry point for initializing the
// tripweaver backend.
//
// It wires the full conversational editing stack: store, change engine,
// intent classifier, agent registry, disambiguation resolver, realtime
// hub, and the HTTP router on top.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tripweaver/tripweaver/backend/internal/agents"
	"github.com/tripweaver/tripweaver/backend/internal/api"
	"github.com/tripweaver/tripweaver/backend/internal/api/handlers"
	"github.com/tripweaver/tripweaver/backend/internal/change"
	"github.com/tripweaver/tripweaver/backend/internal/chat"
	"github.com/tripweaver/tripweaver/backend/internal/config"
	"github.com/tripweaver/tripweaver/backend/internal/disambig"
	"github.com/tripweaver/tripweaver/backend/internal/hub"
	"github.com/tripweaver/tripweaver/backend/internal/intent"
	"github.com/tripweaver/tripweaver/backend/internal/llm"
	"github.com/tripweaver/tripweaver/backend/internal/places"
	"github.com/tripweaver/tripweaver/backend/internal/store"
	"github.com/tripweaver/tripweaver/backend/internal/telemetry"
)

// Server holds the initialized tripweaver backend.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store, exposed for shutdown flushing.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown: it stops the
	// disambiguation janitor and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the backend with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore(cfg.Store.DataDir, cfg.Store.ChatTTL)
	engine := change.NewEngine(dataStore)
	h := hub.New()

	generator := llm.NewClient(cfg.LLM)
	placeResolver := places.NewResolver(cfg.Places)
	classifier := intent.NewClassifier(generator, cfg.Chat.ConfidenceThreshold)

	registry := agents.NewRegistry()
	registry.Register(agents.NewEditor(generator))
	registry.Register(agents.NewPlanner(generator, placeResolver, h))
	registry.Register(agents.NewBooking(generator))
	registry.Register(agents.NewEnrichment(generator, placeResolver))

	resolver := disambig.NewResolver(cfg.Chat.DisambigTTL)

	chatService := chat.NewService(dataStore, classifier, registry, engine, resolver, h, cfg.Chat.AutoApplyDefault)

	log.Info().
		Str("llm_provider", cfg.LLM.Provider).
		Str("llm_model", cfg.LLM.Model).
		Bool("auto_apply", cfg.Chat.AutoApplyDefault).
		Msg("Conversation stack initialized")

	router := api.NewRouter(cfg, handlers.New(dataStore, chatService, h))

	shutdown := func(ctx context.Context) error {
		resolver.Close()
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
