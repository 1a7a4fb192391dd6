// Package api provides the HTTP API for exposure updates and run history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deus/db/clickhouse"
	"deus/db/ingestion"
	"deus/internal/exposure"
	"deus/internal/fragility"
	"deus/internal/intensity"
	"deus/internal/loss"
	"deus/internal/schemamap"
	deuserrors "deus/pkg/errors"
	"deus/pkg/platform"
)

var version = "0.1.0"

// RunStore is the run persistence used by the server.
type RunStore interface {
	ingestion.RunWriter
	Ping(ctx context.Context) error
	ListRuns(ctx context.Context, limit int) ([]*clickhouse.RunRecord, error)
	GetRun(ctx context.Context, id uuid.UUID) (*clickhouse.RunRecord, error)
}

// Dependencies are the collaborators shared by every request.
type Dependencies struct {
	Model  *fragility.Model
	Losses loss.Provider
	Mapper schemamap.Mapper

	// Intensity is used when a request carries no intensity of its own. May be nil.
	Intensity intensity.Provider
	Aliases   map[string][]string

	// Store is optional; without it runs are not persisted.
	Store   RunStore
	Workers int
}

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	deps       Dependencies
	config     *Config
	logger     zerolog.Logger
	startTime  time.Time
}

// Config holds server configuration
type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestSize int64
	APIKey         string
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
		MaxRequestSize: 32 << 20,
	}
}

// NewServer creates a new API server
func NewServer(deps Dependencies, config *Config, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if deps.Mapper == nil {
		deps.Mapper = schemamap.NewRegistry()
	}
	return &Server{
		deps:      deps,
		config:    config,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(platform.APIKeyMiddleware(s.config.APIKey))

		r.Post("/update", s.handleUpdate)
		r.Get("/fragility", s.handleFragility)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
	})

	return r
}

// Start starts the HTTP server and blocks until ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info().
			Int("port", s.config.Port).
			Str("version", version).
			Str("fragility_schema", s.deps.Model.Schema()).
			Bool("run_store", s.deps.Store != nil).
			Msg("Starting API server")
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.deps.Store.Ping(ctx); err != nil {
			jsonError(w, http.StatusServiceUnavailable, "run store not ready", "")
			return
		}
	}

	jsonResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// =============================================================================
// UPDATE ENDPOINT
// =============================================================================

// InlineSource is an intensity source sent with the request. Data is a GeoJSON document, or a
// JSON string holding an ESRI ASCII grid.
type InlineSource struct {
	intensity.SourceSpec
	Data json.RawMessage `json:"data"`
}

// UpdateRequest is the API request for one exposure update
type UpdateRequest struct {
	Exposure json.RawMessage `json:"exposure"`
	Schema   string          `json:"schema"`

	// Intensity replaces the server's configured intensity for this request.
	Intensity []InlineSource `json:"intensity,omitempty"`

	Persist bool `json:"persist"`
}

// UpdateResponse carries the run totals and the updated exposure
type UpdateResponse struct {
	Run      *exposure.Result        `json:"run"`
	Exposure json.RawMessage         `json:"exposure"`
	Recorded *ingestion.RecordResult `json:"recorded,omitempty"`
	Success  bool                    `json:"success"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			jsonError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return
		}
		jsonError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err), "")
		return
	}
	if len(req.Exposure) == 0 {
		jsonError(w, http.StatusBadRequest, "exposure is required", "")
		return
	}
	if req.Schema == "" {
		jsonError(w, http.StatusBadRequest, "schema is required", "")
		return
	}
	if req.Persist && s.deps.Store == nil {
		jsonError(w, http.StatusBadRequest, "run store not configured", "")
		return
	}

	provider, err := s.requestProvider(req.Intensity)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error(), deuserrors.Code(err))
		return
	}

	snapshot, err := exposure.ReadSnapshot(req.Exposure, req.Schema)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error(), deuserrors.Code(err))
		return
	}

	ctx := r.Context()
	engine := exposure.NewEngine(provider, s.deps.Model, s.deps.Losses).
		WithMapper(s.deps.Mapper).
		WithWorkers(s.deps.Workers).
		WithLogger(s.logger)

	result, err := engine.Update(ctx, snapshot)
	if err != nil {
		domainError(w, err)
		return
	}

	data, err := exposure.MarshalSnapshot(result.Snapshot)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode exposure: %v", err), "")
		return
	}

	resp := UpdateResponse{Run: result, Exposure: data, Success: true}
	if req.Persist {
		recorder := ingestion.NewRunRecorder(s.deps.Store).WithLogger(s.logger)
		recorded, err := recorder.Record(ctx, result, map[string]string{
			"source":           "api",
			"exposure_schema":  req.Schema,
			"fragility_schema": s.deps.Model.Schema(),
			"request_id":       middleware.GetReqID(ctx),
		})
		if err != nil {
			jsonError(w, http.StatusInternalServerError, fmt.Sprintf("failed to record run: %v", err), "")
			return
		}
		resp.Recorded = recorded
	}

	jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) requestProvider(sources []InlineSource) (intensity.Provider, error) {
	if len(sources) == 0 {
		if s.deps.Intensity == nil {
			return nil, deuserrors.NewMalformedSourceError("no intensity given and none configured")
		}
		return s.deps.Intensity, nil
	}

	layers := make([]intensity.Provider, 0, len(sources))
	for i, src := range sources {
		data := []byte(src.Data)
		var text string
		if json.Unmarshal(src.Data, &text) == nil {
			data = []byte(text)
		}
		layer, err := intensity.BuildSource(src.SourceSpec, data)
		if err != nil {
			return nil, fmt.Errorf("intensity source %d: %w", i, err)
		}
		layers = append(layers, layer)
	}

	var provider intensity.Provider = intensity.NewStackProvider(layers...)
	if len(s.deps.Aliases) > 0 {
		provider = intensity.NewAliasProvider(provider, s.deps.Aliases)
	}
	return provider, nil
}

// =============================================================================
// FRAGILITY ENDPOINT
// =============================================================================

// TaxonomyResponse describes the completed damage state lattice of one taxonomy
type TaxonomyResponse struct {
	Taxonomy    string               `json:"taxonomy"`
	MaxState    int                  `json:"max_state"`
	Transitions []TransitionResponse `json:"transitions"`
}

// TransitionResponse is one damage state of the lattice
type TransitionResponse struct {
	From   int     `json:"from"`
	To     int     `json:"to"`
	Field  string  `json:"intensity_field"`
	Unit   string  `json:"intensity_unit"`
	Shape  string  `json:"shape"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

func (s *Server) handleFragility(w http.ResponseWriter, r *http.Request) {
	model := s.deps.Model
	resp := make([]TaxonomyResponse, 0, len(model.Taxonomies()))
	for _, tax := range model.Taxonomies() {
		t := TaxonomyResponse{Taxonomy: tax, MaxState: model.MaxState(tax)}
		for _, ds := range model.DamageStates(tax) {
			t.Transitions = append(t.Transitions, TransitionResponse{
				From:   ds.FromState,
				To:     ds.ToState,
				Field:  ds.IntensityField,
				Unit:   ds.IntensityUnit,
				Shape:  string(ds.Function.Family()),
				Mean:   ds.Function.Mean(),
				StdDev: ds.Function.StdDev(),
			})
		}
		resp = append(resp, t)
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"schema":     model.Schema(),
		"taxonomies": resp,
	})
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		jsonError(w, http.StatusNotImplemented, "run store not configured", "")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = n
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err), "")
		return
	}
	if runs == nil {
		runs = []*clickhouse.RunRecord{}
	}

	jsonResponse(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		jsonError(w, http.StatusNotImplemented, "run store not configured", "")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid run id", "")
		return
	}

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get run: %v", err), "")
		return
	}
	if run == nil {
		jsonError(w, http.StatusNotFound, "run not found", "")
		return
	}

	jsonResponse(w, http.StatusOK, run)
}

// =============================================================================
// HELPERS
// =============================================================================

// domainError maps coded damage errors to client errors. Anything else is a server failure.
func domainError(w http.ResponseWriter, err error) {
	code := deuserrors.Code(err)
	switch code {
	case "":
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			jsonError(w, http.StatusServiceUnavailable, err.Error(), "")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error(), "")
	case deuserrors.ErrCodeMalformedSource:
		jsonError(w, http.StatusBadRequest, err.Error(), code)
	default:
		jsonError(w, http.StatusUnprocessableEntity, err.Error(), code)
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message, code string) {
	body := map[string]any{
		"success": false,
		"error":   message,
	}
	if code != "" {
		body["code"] = code
	}
	jsonResponse(w, status, body)
}
