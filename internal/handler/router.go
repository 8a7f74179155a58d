package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spadaval/graphchat-sub000/internal/documents"
	"github.com/spadaval/graphchat-sub000/internal/middleware"
	"github.com/spadaval/graphchat-sub000/internal/params"
	"github.com/spadaval/graphchat-sub000/internal/service"
	"github.com/spadaval/graphchat-sub000/internal/store"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// RouterConfig carries everything the HTTP API needs.
type RouterConfig struct {
	Store     *store.Store
	Chat      *service.ChatService
	Threads   *service.ThreadService
	Params    *params.Store
	Documents documents.Provider

	// Storage gates /ready. It may be nil.
	Storage Pinger
	Logger  *logger.Logger

	AllowedOrigins []string

	RateLimitRequests   int
	RateLimitWindow     time.Duration
	GenerationRateLimit int
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	healthHandler := NewHealthHandler(cfg.Storage)
	threadHandler := NewThreadHandler(cfg.Threads, log)
	messageHandler := NewMessageHandler(cfg.Chat, cfg.Threads, log)
	streamHandler := NewStreamHandler(messageHandler, cfg.Store, cfg.Params, log)
	paramsHandler := NewParamsHandler(cfg.Params, log)
	documentHandler := NewDocumentHandler(cfg.Documents)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(cfg.AllowedOrigins))
	}

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	generation := func(next http.Handler) http.Handler { return next }
	if cfg.GenerationRateLimit > 0 && cfg.RateLimitWindow > 0 {
		generation = middleware.GenerationRateLimit(cfg.GenerationRateLimit, cfg.RateLimitWindow)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 && cfg.RateLimitWindow > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/params", paramsHandler.Get)
		r.Patch("/params", paramsHandler.Patch)
		r.Get("/documents", documentHandler.List)

		r.Route("/threads", func(r chi.Router) {
			r.Post("/", threadHandler.Create)
			r.Get("/", threadHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", threadHandler.Get)
				r.Put("/", threadHandler.Update)
				r.Delete("/", threadHandler.Delete)
				r.Post("/select", threadHandler.Select)
				r.Put("/draft", threadHandler.Draft)
				r.Post("/cancel", messageHandler.Cancel)

				r.Get("/messages", messageHandler.List)
				r.With(generation).Post("/messages", messageHandler.Send)

				r.Route("/messages/{mid}", func(r chi.Router) {
					r.Put("/", messageHandler.Edit)
					r.Delete("/", messageHandler.Delete)
					r.With(generation).Post("/regenerate", messageHandler.Regenerate)
					r.Post("/variants/next", messageHandler.NextVariant)
					r.Post("/variants/previous", messageHandler.PreviousVariant)
				})

				r.Get("/stream", streamHandler.Stream)
				r.With(generation).Post("/stream", streamHandler.StreamWithMessage)
			})
		})
	})

	return r
}
