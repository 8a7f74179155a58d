// Package app assembles the chat engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/config"
	"github.com/spadaval/graphchat-sub000/internal/documents"
	"github.com/spadaval/graphchat-sub000/internal/llm"
	natsclient "github.com/spadaval/graphchat-sub000/internal/nats"
	"github.com/spadaval/graphchat-sub000/internal/params"
	"github.com/spadaval/graphchat-sub000/internal/persist"
	"github.com/spadaval/graphchat-sub000/internal/service"
	"github.com/spadaval/graphchat-sub000/internal/store"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// App holds the wired engine.
type App struct {
	Store     *store.Store
	Chat      *service.ChatService
	Threads   *service.ThreadService
	Params    *params.Store
	Documents documents.Provider
	Client    llm.Client

	// Backend is the snapshot store; it doubles as the readiness check.
	Backend persist.Backend

	logger *logger.Logger
	nats   *natsclient.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option overrides a dependency, mostly for tests.
type Option func(*options)

type options struct {
	client  llm.Client
	backend persist.Backend
}

// WithClient uses client instead of the configured provider.
func WithClient(client llm.Client) Option {
	return func(o *options) { o.client = client }
}

// WithBackend uses backend instead of the configured storage.
func WithBackend(backend persist.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// New builds the engine and restores the last saved snapshot.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = logger.NewNop()
	}

	a := &App{logger: log}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.Client = o.client
	if a.Client == nil {
		client, err := llm.NewClient(llm.Provider(cfg.LLM.Provider), llm.Config{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			RequestTimeout: cfg.LLM.RequestTimeout,
			Retries:        cfg.LLM.Retries,
			RetryDelay:     cfg.LLM.RetryDelay,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
		a.Client = client
	}

	a.Backend = o.backend
	if a.Backend == nil {
		backend, err := a.openBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.Backend = backend
	}

	a.Store = store.New(
		store.WithLogger(log.Named("store")),
		store.WithPersister(a.Backend),
	)
	restored, err := a.Store.Restore(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready",
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("restored", restored),
	)

	initial := params.Defaults()
	if cfg.LLM.Model != "" {
		initial.Model = cfg.LLM.Model
	}
	if cfg.Params.PresetFile != "" {
		initial, err = params.LoadFile(cfg.Params.PresetFile, initial)
		if err != nil {
			return nil, err
		}
	}
	a.Params = params.NewStore(initial)

	if cfg.Documents.Dir != "" {
		docs, err := documents.LoadDir(cfg.Documents.Dir)
		if err != nil {
			return nil, err
		}
		log.Info("documents loaded", zap.Int("count", len(docs.All())))
		a.Documents = docs
	} else {
		a.Documents = documents.NewMemoryProvider()
	}

	a.Chat = service.NewChatService(a.Store, a.Client, a.Params,
		service.WithStreamTimeout(cfg.LLM.StreamTimeout),
		service.WithDocuments(a.Documents),
		service.WithLogger(log.Named("chat")),
	)
	a.Threads = service.NewThreadService(a.Store, a.Chat, log.Named("threads"))

	if cfg.NATS.Events {
		if err := a.startEvents(ctx, cfg); err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *App) openBackend(ctx context.Context, cfg *config.Config) (persist.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory", "":
		return persist.NewMemory(), nil
	case "file":
		return persist.NewFile(cfg.Storage.Path)
	case "sqlite":
		return persist.OpenSQLite(ctx, cfg.Storage.Path)
	case "postgres":
		return persist.OpenPostgres(ctx, cfg.Storage.DSN)
	case "nats":
		client, err := a.connectNATS(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return natsclient.NewKVStore(ctx, client, cfg.NATS.Bucket)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func (a *App) connectNATS(ctx context.Context, cfg *config.Config) (*natsclient.Client, error) {
	if a.nats != nil {
		return a.nats, nil
	}
	client, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATS.URL,
		CAFile:   cfg.NATS.CAFile,
		CertFile: cfg.NATS.CertFile,
		KeyFile:  cfg.NATS.KeyFile,
		Token:    cfg.NATS.Token,
	}, a.logger.Named("nats"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.nats = client
	return client, nil
}

// startEvents mirrors store changes onto JetStream.
func (a *App) startEvents(ctx context.Context, cfg *config.Config) error {
	client, err := a.connectNATS(ctx, cfg)
	if err != nil {
		return err
	}

	publisher := natsclient.NewEventPublisher(client, a.logger.Named("events"))
	if err := publisher.EnsureStream(ctx); err != nil {
		return err
	}

	events, unsubscribe := a.Store.Subscribe(1024)
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = func() {
		cancel()
		unsubscribe()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		publisher.Run(runCtx, events)
	}()
	return nil
}

// Close flushes the store and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
	if a.Store != nil {
		if err := a.Store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to save snapshot: %w", err))
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var err error
	if a.Backend != nil {
		err = a.Backend.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	return err
}
