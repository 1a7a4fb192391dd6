// Package ingestion records exposure update runs in the ClickHouse run store.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"deus/db/clickhouse"
	"deus/internal/exposure"
	"deus/internal/summary"
)

// BatchSize is the number of cell rows sent per batch insert.
const BatchSize = 1000

// RunWriter is the part of the run store the recorder needs.
type RunWriter interface {
	SaveRun(ctx context.Context, run *clickhouse.RunRecord) error
	SaveCells(ctx context.Context, cells []*clickhouse.CellRecord) error
}

// RunRecorder writes run results to a RunWriter
type RunRecorder struct {
	store     RunWriter
	batchSize int
	logger    zerolog.Logger
}

// NewRunRecorder creates a new run recorder
func NewRunRecorder(store RunWriter) *RunRecorder {
	return &RunRecorder{store: store, batchSize: BatchSize, logger: zerolog.Nop()}
}

// WithLogger sets the logger.
func (r *RunRecorder) WithLogger(l zerolog.Logger) *RunRecorder {
	r.logger = l
	return r
}

// RecordResult tracks the result of recording a run
type RecordResult struct {
	RunID        string        `json:"run_id"`
	CellCount    int           `json:"cell_count"`
	BatchCount   int           `json:"batch_count"`
	Duration     time.Duration `json:"duration"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Record stores the run header and then its cells in batches.
// inputs identifies what the run was computed from and is stored as a fingerprint.
func (r *RunRecorder) Record(ctx context.Context, res *exposure.Result, inputs map[string]string) (*RecordResult, error) {
	startTime := time.Now()
	result := &RecordResult{RunID: res.RunID.String()}

	run := RunFromResult(res, inputs)
	if err := r.store.SaveRun(ctx, run); err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to save run: %v", err)
		return result, err
	}

	cells, err := CellsFromResult(res)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result, err
	}

	for i := 0; i < len(cells); i += r.batchSize {
		end := i + r.batchSize
		if end > len(cells) {
			end = len(cells)
		}
		if err := r.store.SaveCells(ctx, cells[i:end]); err != nil {
			result.ErrorMessage = fmt.Sprintf("failed to insert cells at batch %d: %v", i/r.batchSize, err)
			return result, err
		}
		result.BatchCount++
		result.CellCount += end - i
	}

	result.Success = true
	result.Duration = time.Since(startTime)

	r.logger.Info().
		Str("run_id", result.RunID).
		Int("cells", result.CellCount).
		Int("batches", result.BatchCount).
		Dur("duration", result.Duration).
		Msg("Run recorded")

	return result, nil
}

// RunFromResult converts a run result into its store record.
func RunFromResult(res *exposure.Result, inputs map[string]string) *clickhouse.RunRecord {
	schema := ""
	if res.Snapshot != nil {
		schema = res.Snapshot.Schema
	}
	return &clickhouse.RunRecord{
		ID:              res.RunID,
		ExposureSchema:  schema,
		FragilitySchema: res.FragilitySchema,
		Cells:           uint32(res.Totals.Cells),
		Buildings:       res.Totals.Buildings,
		Loss:            res.Totals.Loss,
		CumulativeLoss:  res.Totals.CumulativeLoss,
		Currency:        res.Totals.Currency,
		InputHash:       clickhouse.HashInputs(inputs),
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
	}
}

// CellsFromResult converts the cells of a run into store records in snapshot order.
func CellsFromResult(res *exposure.Result) ([]*clickhouse.CellRecord, error) {
	if res.Snapshot == nil {
		return nil, nil
	}
	records := make([]*clickhouse.CellRecord, 0, len(res.Snapshot.Cells))
	for i, c := range res.Snapshot.Cells {
		transitions := c.Transitions
		if transitions == nil {
			transitions = []exposure.Transition{}
		}
		data, err := json.Marshal(transitions)
		if err != nil {
			return nil, fmt.Errorf("failed to encode transitions of cell %s: %w", c.ID, err)
		}
		records = append(records, &clickhouse.CellRecord{
			RunID:          res.RunID,
			CellID:         c.ID,
			Position:       uint32(i),
			Buildings:      c.Buildings(),
			Loss:           c.LossValue,
			CumulativeLoss: c.CumLossValue,
			WeightedDamage: summary.WeightedDamage(c.Buckets),
			MeanTransition: summary.MeanTransition(c.Transitions),
			Transitions:    string(data),
		})
	}
	return records, nil
}
