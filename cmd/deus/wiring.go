package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"deus/db/clickhouse"
	"deus/db/postgres"
	"deus/internal/config"
	"deus/internal/fragility"
	"deus/internal/intensity"
	"deus/internal/loss"
	"deus/internal/schemamap"
	"deus/pkg/platform"
)

// setup loads the configuration, applies global flags over it and initializes the logger.
func setup(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("clickhouse-host") {
		cfg.ClickHouse.Host = c.String("clickhouse-host")
	}
	if c.IsSet("clickhouse-port") {
		cfg.ClickHouse.Port = c.Int("clickhouse-port")
	}
	if c.IsSet("clickhouse-database") {
		cfg.ClickHouse.Database = c.String("clickhouse-database")
	}
	if c.IsSet("clickhouse-user") {
		cfg.ClickHouse.Username = c.String("clickhouse-user")
	}
	if c.IsSet("clickhouse-password") {
		cfg.ClickHouse.Password = c.String("clickhouse-password")
	}
	if c.IsSet("postgres-dsn") {
		cfg.Postgres.DSN = c.String("postgres-dsn")
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}

	return cfg, platform.InitLogger(cfg.LogLevel, cfg.LogFormat), nil
}

func newSourceReader(logger zerolog.Logger) *platform.HTTPClient {
	client := platform.NewHTTPClient(3, 60*time.Second)
	client.Logger = logger
	return client
}

func loadModel(path string) (*fragility.Model, error) {
	if path == "" {
		return nil, fmt.Errorf("no fragility file configured")
	}
	def, err := fragility.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	return def.ToModel()
}

func loadIntensity(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (intensity.Provider, error) {
	provider, err := intensity.Build(ctx, newSourceReader(logger), cfg.Intensity.Sources, cfg.Intensity.Aliases)
	if err != nil {
		return nil, err
	}
	logger.Debug().Int("sources", len(cfg.Intensity.Sources)).Msg("Intensity provider ready")
	return provider, nil
}

// loadLosses prefers loss files and falls back to PostgreSQL loss rates.
func loadLosses(ctx context.Context, cfg *config.Config) (loss.Provider, error) {
	if len(cfg.Loss.Files) > 0 {
		return loss.LoadFiles(cfg.Loss.Files, cfg.Loss.Currency)
	}
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("no loss data configured")
	}

	db, err := postgres.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return postgres.LoadLossTable(ctx, db, cfg.Loss.Currency)
}

func loadMapper(cfg *config.Config) (*schemamap.Registry, error) {
	registry, err := schemamap.LoadDirs(cfg.Mapping.TaxonomyDir, cfg.Mapping.DamageStateDir)
	if err != nil {
		return nil, err
	}
	for alias, canonical := range cfg.Mapping.Aliases {
		registry.RegisterAlias(alias, canonical)
	}
	return registry, nil
}

// openStore connects to ClickHouse and creates the run tables if needed.
func openStore(ctx context.Context, cfg *config.Config) (*clickhouse.Store, error) {
	store, err := clickhouse.NewStore(cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to reach ClickHouse: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
