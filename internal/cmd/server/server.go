// Package server parses server command flags and starts the runtime.
package server

import (
	"context"
	"flag"
	"fmt"
	"time"

	app "github.com/eventforge/eventforge/internal/app/server"
	entrypoint "github.com/eventforge/eventforge/internal/platform/cmd"
	"github.com/eventforge/eventforge/internal/sandbox"
)

// Config holds server command configuration.
type Config struct {
	Port      int    `env:"EVENTFORGE_PORT" envDefault:"8080"`
	Addr      string `env:"EVENTFORGE_ADDR"`
	DBPath    string `env:"EVENTFORGE_DB_PATH" envDefault:"eventforge.sqlite"`
	RedisAddr string `env:"EVENTFORGE_REDIS_ADDR"`

	SandboxInstructions  int           `env:"EVENTFORGE_SANDBOX_INSTRUCTIONS" envDefault:"10000000"`
	SandboxTimeout       time.Duration `env:"EVENTFORGE_SANDBOX_TIMEOUT" envDefault:"2s"`
	MaxConflictRetries   int           `env:"EVENTFORGE_MAX_CONFLICT_RETRIES" envDefault:"3"`
	IdempotencyReserve   time.Duration `env:"EVENTFORGE_IDEMPOTENCY_RESERVE_TTL" envDefault:"1m"`
	IdempotencyRetention time.Duration `env:"EVENTFORGE_IDEMPOTENCY_RETENTION_TTL" envDefault:"24h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The server listen address (overrides -port)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite event store")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the idempotency cache (empty disables it)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the runtime server.
func Run(ctx context.Context, cfg Config) error {
	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}
	return app.Run(ctx, app.Options{
		Addr:                 addr,
		DBPath:               cfg.DBPath,
		RedisAddr:            cfg.RedisAddr,
		IdempotencyReserve:   cfg.IdempotencyReserve,
		IdempotencyRetention: cfg.IdempotencyRetention,
		Budget: sandbox.Budget{
			Instructions: cfg.SandboxInstructions,
			Timeout:      cfg.SandboxTimeout,
		},
		MaxConflictRetries: cfg.MaxConflictRetries,
	})
}
