package exposure

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"deus/internal/fragility"
	"deus/internal/intensity"
	"deus/internal/loss"
	"deus/internal/schemamap"
)

// Engine is the exposure update and loss aggregation engine.
// All collaborators are read-only during Update, so one engine can serve concurrent runs.
type Engine struct {
	intensity intensity.Provider
	model     *fragility.Model
	losses    loss.Provider
	mapper    schemamap.Mapper
	workers   int
	logger    zerolog.Logger
}

// NewEngine creates an engine. Without a mapper, exposure and fragility must share a schema.
func NewEngine(provider intensity.Provider, model *fragility.Model, losses loss.Provider) *Engine {
	return &Engine{
		intensity: provider,
		model:     model,
		losses:    losses,
		mapper:    schemamap.NewRegistry(),
		workers:   runtime.NumCPU(),
		logger:    zerolog.Nop(),
	}
}

// WithMapper sets the schema mapper used between exposure and fragility vocabularies.
func (e *Engine) WithMapper(m schemamap.Mapper) *Engine {
	e.mapper = m
	return e
}

// WithWorkers limits the number of cells processed in parallel.
func (e *Engine) WithWorkers(n int) *Engine {
	if n > 0 {
		e.workers = n
	}
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l zerolog.Logger) *Engine {
	e.logger = l
	return e
}

// Result is the outcome of one update run.
type Result struct {
	RunID           uuid.UUID `json:"run_id"`
	FragilitySchema string    `json:"fragility_schema"`
	Snapshot        *Snapshot `json:"-"`
	Totals          Totals    `json:"totals"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Totals aggregates a run over all cells.
type Totals struct {
	Cells          int             `json:"cells"`
	Buildings      float64         `json:"buildings"`
	Loss           decimal.Decimal `json:"loss"`
	CumulativeLoss decimal.Decimal `json:"cumulative_loss"`
	Currency       string          `json:"currency"`

	// BuildingsByDamageState is keyed by damage state in the exposure schema.
	BuildingsByDamageState map[int]float64 `json:"buildings_by_damage_state"`

	// Transitions summed over all cells, in the fragility schema.
	Transitions []Transition `json:"transitions"`
}

// Update advances every cell of the snapshot by one event and returns the new snapshot.
// The input snapshot is not modified. Output cells keep the input order.
//
// Any fatal condition (unmapped taxonomy, unit mismatch, missing measure or loss data) fails the
// whole run rather than skipping the cell.
func (e *Engine) Update(ctx context.Context, snapshot *Snapshot) (*Result, error) {
	runID := uuid.New()
	started := time.Now()
	logger := e.logger.With().Str("run_id", runID.String()).Logger()

	logger.Info().
		Int("cells", len(snapshot.Cells)).
		Str("exposure_schema", snapshot.Schema).
		Str("fragility_schema", e.model.Schema()).
		Int("workers", e.workers).
		Msg("Starting exposure update")

	cells := make([]*Cell, len(snapshot.Cells))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, cell := range snapshot.Cells {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			updated, err := e.updateCell(snapshot.Schema, cell)
			if err != nil {
				return cellError(cell.ID, err)
			}
			cells[i] = updated
			logger.Debug().
				Str("cell", cell.ID).
				Str("loss", updated.LossValue.String()).
				Int("transitions", len(updated.Transitions)).
				Msg("Cell updated")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Exposure update failed")
		return nil, err
	}

	result := &Result{
		RunID:           runID,
		FragilitySchema: e.model.Schema(),
		Snapshot:        &Snapshot{Schema: snapshot.Schema, Cells: cells},
		Totals:          e.totals(cells),
		StartedAt:       started,
		FinishedAt:      time.Now(),
	}

	logger.Info().
		Int("cells", result.Totals.Cells).
		Float64("buildings", result.Totals.Buildings).
		Str("loss", result.Totals.Loss.String()).
		Str("currency", result.Totals.Currency).
		Dur("duration", result.FinishedAt.Sub(started)).
		Msg("Exposure update finished")

	return result, nil
}

func (e *Engine) updateCell(exposureSchema string, cell *Cell) (*Cell, error) {
	fragilitySchema := e.model.Schema()

	occupied := make([]schemamap.Bucket, 0, len(cell.Buckets))
	for _, b := range cell.Buckets {
		if b.Buildings != 0 {
			occupied = append(occupied, b)
		}
	}

	updated := cell.Clone()
	updated.LossUnit = e.losses.Currency()
	updated.CumLossUnit = e.losses.Currency()

	if len(occupied) == 0 {
		updated.Buckets = schemamap.Merge(cell.Buckets)
		updated.Transitions = nil
		updated.LossValue = decimal.Zero
		return updated, nil
	}

	lon, lat := cell.ReferencePoint().Lon(), cell.ReferencePoint().Lat()
	reading, err := e.intensity.Lookup(lon, lat)
	if err != nil {
		return nil, fmt.Errorf("intensity lookup at %f,%f: %w", lon, lat, err)
	}

	inFragility, err := e.mapper.Map(exposureSchema, fragilitySchema, occupied)
	if err != nil {
		return nil, err
	}

	damage, err := applyFragility(e.model, reading, inFragility)
	if err != nil {
		return nil, err
	}

	cellLoss := decimal.Zero
	for _, b := range damage.buckets {
		l, err := e.losses.Loss(fragilitySchema, b.Taxonomy, b.DamageState, b.Buildings)
		if err != nil {
			return nil, err
		}
		cellLoss = cellLoss.Add(l)
	}

	inExposure, err := e.mapper.Map(fragilitySchema, exposureSchema, damage.buckets)
	if err != nil {
		return nil, err
	}

	updated.Buckets = inExposure
	updated.Transitions = damage.transitions
	updated.LossValue = cellLoss
	updated.CumLossValue = cell.CumLossValue.Add(cellLoss)
	return updated, nil
}

func (e *Engine) totals(cells []*Cell) Totals {
	t := Totals{
		Cells:                  len(cells),
		Loss:                   decimal.Zero,
		CumulativeLoss:         decimal.Zero,
		Currency:               e.losses.Currency(),
		BuildingsByDamageState: make(map[int]float64),
	}

	moved := make(map[[2]int]float64)
	for _, c := range cells {
		t.Loss = t.Loss.Add(c.LossValue)
		t.CumulativeLoss = t.CumulativeLoss.Add(c.CumLossValue)
		for _, b := range c.Buckets {
			t.Buildings += b.Buildings
			t.BuildingsByDamageState[b.DamageState] += b.Buildings
		}
		for _, tr := range c.Transitions {
			moved[[2]int{tr.FromState, tr.ToState}] += tr.Buildings
		}
	}
	t.Transitions = sortTransitions(moved)
	return t
}

// DamageStates returns the damage states present in the totals in ascending order.
func (t Totals) DamageStates() []int {
	result := make([]int, 0, len(t.BuildingsByDamageState))
	for ds := range t.BuildingsByDamageState {
		result = append(result, ds)
	}
	sort.Ints(result)
	return result
}
