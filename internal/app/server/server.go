// Package server wires the runtime's stores, registries, engine, and
// HTTP boundary into one serving process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	api "github.com/eventforge/eventforge/internal/api/http"
	"github.com/eventforge/eventforge/internal/engine"
	"github.com/eventforge/eventforge/internal/handler"
	"github.com/eventforge/eventforge/internal/idempotency"
	"github.com/eventforge/eventforge/internal/platform/telemetry/metrics"
	"github.com/eventforge/eventforge/internal/sandbox"
	"github.com/eventforge/eventforge/internal/schema"
	"github.com/eventforge/eventforge/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Options configures the serving process.
type Options struct {
	Addr   string
	DBPath string
	// RedisAddr enables the idempotency cache; empty disables it, and
	// idempotency keys on commands are ignored.
	RedisAddr            string
	IdempotencyReserve   time.Duration
	IdempotencyRetention time.Duration
	Budget               sandbox.Budget
	MaxConflictRetries   int
}

// Server is the wired runtime with its listener.
type Server struct {
	listener net.Listener
	httpSrv  *http.Server
	store    *sqlite.Store
	redis    *redis.Client
}

// New builds the runtime and starts listening on opts.Addr.
func New(opts Options) (*Server, error) {
	store, err := sqlite.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	schemas := schema.NewRegistry(store, store)
	if err := schemas.Load(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load schema registry: %w", err)
	}
	handlers := handler.NewRegistry(store, schemas)

	var redisClient *redis.Client
	var cache engine.OutcomeCache
	if opts.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		cache = idempotency.NewCache(redisClient, opts.IdempotencyReserve, opts.IdempotencyRetention)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng := engine.Engine{
		Journal:            store,
		Handlers:           handlers,
		Schemas:            schemas,
		Cache:              cache,
		Metrics:            metrics.New(registry),
		Budget:             opts.Budget,
		MaxConflictRetries: opts.MaxConflictRetries,
	}

	boundary := &api.Server{
		Engine:   eng,
		Schemas:  schemas,
		Handlers: handlers,
		Events:   store,
		Health:   store,
		Gatherer: registry,
	}

	listener, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		closeAll(store, redisClient)
		return nil, fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}

	return &Server{
		listener: listener,
		httpSrv:  &http.Server{Handler: boundary.Router()},
		store:    store,
		redis:    redisClient,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the context ends or serving fails, then shuts
// down gracefully and releases the stores.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer closeAll(s.store, s.redis)

	log.Printf("server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpSrv.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		return handleErr(<-serveErr)
	case err := <-serveErr:
		return handleErr(err)
	}
}

// Run builds a server from the options and serves until the context ends.
func Run(ctx context.Context, opts Options) error {
	srv, err := New(opts)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func closeAll(store *sqlite.Store, redisClient *redis.Client) {
	if err := store.Close(); err != nil {
		log.Printf("close event store: %v", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("close redis client: %v", err)
		}
	}
}
