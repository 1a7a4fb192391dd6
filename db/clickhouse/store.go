// Package clickhouse stores exposure update runs and their per-cell results in ClickHouse
// for later analysis across chained scenarios.
package clickhouse

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RunRecord is one exposure update run.
type RunRecord struct {
	ID              uuid.UUID       `ch:"id" json:"id"`
	ExposureSchema  string          `ch:"exposure_schema" json:"exposure_schema"`
	FragilitySchema string          `ch:"fragility_schema" json:"fragility_schema"`
	Cells           uint32          `ch:"cells" json:"cells"`
	Buildings       float64         `ch:"buildings" json:"buildings"`
	Loss            decimal.Decimal `ch:"loss" json:"loss"`
	CumulativeLoss  decimal.Decimal `ch:"cumulative_loss" json:"cumulative_loss"`
	Currency        string          `ch:"currency" json:"currency"`
	InputHash       string          `ch:"input_hash" json:"input_hash"`
	StartedAt       time.Time       `ch:"started_at" json:"started_at"`
	FinishedAt      time.Time       `ch:"finished_at" json:"finished_at"`
}

// CellRecord is the result of one cell within a run.
type CellRecord struct {
	RunID          uuid.UUID       `ch:"run_id"`
	CellID         string          `ch:"cell_id"`
	Position       uint32          `ch:"position"`
	Buildings      float64         `ch:"buildings"`
	Loss           decimal.Decimal `ch:"loss"`
	CumulativeLoss decimal.Decimal `ch:"cumulative_loss"`
	WeightedDamage float64         `ch:"weighted_damage"`
	MeanTransition float64         `ch:"mean_transition"`
	Transitions    string          `ch:"transitions"` // JSON
}

// Config holds ClickHouse connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns default development configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "deus",
		Username: "default",
		Password: "",
		Debug:    false,
	}
}

// Store persists runs in ClickHouse
type Store struct {
	conn clickhouse.Conn
	cfg  *Config
}

// NewStore creates a new ClickHouse run store
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id               UUID,
		exposure_schema  String,
		fragility_schema String,
		cells            UInt32,
		buildings        Float64,
		loss             Decimal(18, 4),
		cumulative_loss  Decimal(18, 4),
		currency         LowCardinality(String),
		input_hash       String,
		started_at       DateTime64(3),
		finished_at      DateTime64(3)
	) ENGINE = MergeTree
	ORDER BY (started_at, id)`,
	`CREATE TABLE IF NOT EXISTS cell_results (
		run_id          UUID,
		cell_id         String,
		position        UInt32,
		buildings       Float64,
		loss            Decimal(18, 4),
		cumulative_loss Decimal(18, 4),
		weighted_damage Float64,
		mean_transition Float64,
		transitions     String
	) ENGINE = MergeTree
	ORDER BY (run_id, position)`,
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if err := s.conn.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// =============================================================================
// RUN OPERATIONS
// =============================================================================

const runColumns = `id, exposure_schema, fragility_schema, cells, buildings, loss, cumulative_loss,
	currency, input_hash, started_at, finished_at`

// SaveRun inserts a run record
func (s *Store) SaveRun(ctx context.Context, run *RunRecord) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.conn.Exec(ctx, query,
		run.ID, run.ExposureSchema, run.FragilitySchema, run.Cells, run.Buildings,
		run.Loss, run.CumulativeLoss, run.Currency, run.InputHash,
		run.StartedAt, run.FinishedAt,
	)
}

// SaveCells inserts cell results using a batch insert
func (s *Store) SaveCells(ctx context.Context, cells []*CellRecord) error {
	if len(cells) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO cell_results (
			run_id, cell_id, position, buildings, loss, cumulative_loss,
			weighted_damage, mean_transition, transitions
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, c := range cells {
		if err := batch.Append(
			c.RunID, c.CellID, c.Position, c.Buildings, c.Loss, c.CumulativeLoss,
			c.WeightedDamage, c.MeanTransition, c.Transitions,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// GetRun retrieves a run by ID. It returns nil when the run does not exist.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ? LIMIT 1`, id)

	var run RunRecord
	err := row.Scan(
		&run.ID, &run.ExposureSchema, &run.FragilitySchema, &run.Cells, &run.Buildings,
		&run.Loss, &run.CumulativeLoss, &run.Currency, &run.InputHash,
		&run.StartedAt, &run.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns lists the most recent runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		var run RunRecord
		if err := rows.Scan(
			&run.ID, &run.ExposureSchema, &run.FragilitySchema, &run.Cells, &run.Buildings,
			&run.Loss, &run.CumulativeLoss, &run.Currency, &run.InputHash,
			&run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// CountCells returns the number of stored cell results of a run
func (s *Store) CountCells(ctx context.Context, runID uuid.UUID) (int, error) {
	row := s.conn.QueryRow(ctx, `SELECT count() FROM cell_results WHERE run_id = ?`, runID)
	var count uint64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cells: %w", err)
	}
	return int(count), nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// HashInputs fingerprints the inputs of a run (file names, schemas, settings).
func HashInputs(inputs map[string]string) string {
	// Sort keys for deterministic hashing
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(inputs[k])
		sb.WriteString(";")
	}

	h := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(h[:])
}
