package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deus/db/clickhouse"
	"deus/internal/fragility"
	"deus/internal/loss"
)

const testFragility = `{
	"meta": {"shape": "normcdf", "id": "SARA_v1.0"},
	"data": [
		{"taxonomy": "MUR1", "imt": "pga", "imu": "g",
		 "D1_mean": 0.5, "D1_stddev": 0.1, "D2_mean": 1.0, "D2_stddev": 0.1}
	]
}`

const testExposure = `{"type": "FeatureCollection", "features": [
	{"type": "Feature", "geometry": {"type": "Point", "coordinates": [-71.5, -32.8]},
	 "properties": {"gid": "cell_1", "expo": {"Taxonomy": ["MUR1"], "Damage": ["D0"], "Buildings": [10]}}}
]}`

const testIntensity = `{"type": "FeatureCollection", "features": [
	{"type": "Feature", "geometry": {"type": "Point", "coordinates": [-71.5, -32.8]},
	 "properties": {"value_pga": 0.5, "unit_pga": "g"}}
]}`

type fakeStore struct {
	pingErr error
	runs    []*clickhouse.RunRecord
	cells   []*clickhouse.CellRecord
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) SaveRun(_ context.Context, run *clickhouse.RunRecord) error {
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) SaveCells(_ context.Context, cells []*clickhouse.CellRecord) error {
	f.cells = append(f.cells, cells...)
	return nil
}

func (f *fakeStore) ListRuns(_ context.Context, limit int) ([]*clickhouse.RunRecord, error) {
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeStore) GetRun(_ context.Context, id uuid.UUID) (*clickhouse.RunRecord, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func testDeps(t *testing.T) Dependencies {
	t.Helper()
	def, err := fragility.ParseDefinition([]byte(testFragility))
	require.NoError(t, err)
	model, err := def.ToModel()
	require.NoError(t, err)

	table := loss.NewTable("USD")
	table.Add("SARA_v1.0", "MUR1", 0, decimal.Zero)
	table.Add("SARA_v1.0", "MUR1", 1, decimal.NewFromInt(100))
	table.Add("SARA_v1.0", "MUR1", 2, decimal.NewFromInt(1000))

	return Dependencies{Model: model, Losses: table, Workers: 2}
}

func newTestServer(deps Dependencies, cfg *Config) http.Handler {
	return NewServer(deps, cfg, zerolog.Nop()).Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func updateBody(persist bool) map[string]any {
	return map[string]any{
		"exposure":  json.RawMessage(testExposure),
		"schema":    "SARA_v1.0",
		"intensity": []map[string]any{{"type": "geojson", "data": json.RawMessage(testIntensity)}},
		"persist":   persist,
	}
}

func TestHealthAndReady(t *testing.T) {
	h := newTestServer(testDeps(t), nil)

	rec, body := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, _ = do(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	deps := testDeps(t)
	deps.Store = &fakeStore{pingErr: errors.New("connection refused")}
	rec, _ = do(t, newTestServer(deps, nil), http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUpdate(t *testing.T) {
	h := newTestServer(testDeps(t), nil)

	rec, body := do(t, h, http.MethodPost, "/api/v1/update", updateBody(false))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Nil(t, body["recorded"])

	run := body["run"].(map[string]any)
	assert.Equal(t, "SARA_v1.0", run["fragility_schema"])
	totals := run["totals"].(map[string]any)
	assert.Equal(t, 1.0, totals["cells"])
	assert.InDelta(t, 10, totals["buildings"], 1e-9)
	assert.Equal(t, "USD", totals["currency"])

	fc := body["exposure"].(map[string]any)
	features := fc["features"].([]any)
	require.Len(t, features, 1)
	props := features[0].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "cell_1", props["gid"])
	assert.Contains(t, props, "transitions")
}

func TestUpdatePersists(t *testing.T) {
	store := &fakeStore{}
	deps := testDeps(t)
	deps.Store = store
	h := newTestServer(deps, nil)

	rec, body := do(t, h, http.MethodPost, "/api/v1/update", updateBody(true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	recorded := body["recorded"].(map[string]any)
	assert.Equal(t, true, recorded["success"])
	assert.Equal(t, 1.0, recorded["cell_count"])
	require.Len(t, store.runs, 1)
	require.Len(t, store.cells, 1)
	assert.Equal(t, "cell_1", store.cells[0].CellID)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/runs/"+store.runs[0].ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=5", nil)
	list := httptest.NewRecorder()
	h.ServeHTTP(list, req)
	require.Equal(t, http.StatusOK, list.Code)
	var runs []clickhouse.RunRecord
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "SARA_v1.0", runs[0].ExposureSchema)
}

func TestUpdateErrors(t *testing.T) {
	h := newTestServer(testDeps(t), nil)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{
			name:   "missing exposure",
			body:   map[string]any{"schema": "SARA_v1.0"},
			status: http.StatusBadRequest,
		},
		{
			name:   "missing schema",
			body:   map[string]any{"exposure": json.RawMessage(testExposure)},
			status: http.StatusBadRequest,
		},
		{
			name:   "no intensity configured",
			body:   map[string]any{"exposure": json.RawMessage(testExposure), "schema": "SARA_v1.0"},
			status: http.StatusBadRequest,
			code:   "MALFORMED_SOURCE",
		},
		{
			name:   "persist without store",
			body:   updateBody(true),
			status: http.StatusBadRequest,
		},
		{
			name: "unknown taxonomy",
			body: map[string]any{
				"exposure": json.RawMessage(`{"type": "FeatureCollection", "features": [
					{"type": "Feature", "geometry": {"type": "Point", "coordinates": [-71.5, -32.8]},
					 "properties": {"gid": "bad", "expo": {"Taxonomy": ["ADOBE"], "Damage": ["D0"], "Buildings": [1]}}}]}`),
				"schema":    "SARA_v1.0",
				"intensity": []map[string]any{{"data": json.RawMessage(testIntensity)}},
			},
			status: http.StatusUnprocessableEntity,
			code:   "UNMAPPED_TAXONOMY",
		},
		{
			name: "unit mismatch",
			body: map[string]any{
				"exposure": json.RawMessage(testExposure),
				"schema":   "SARA_v1.0",
				"intensity": []map[string]any{{"data": json.RawMessage(`{"type": "FeatureCollection", "features": [
					{"type": "Feature", "geometry": {"type": "Point", "coordinates": [0, 0]},
					 "properties": {"value_pga": 4.9, "unit_pga": "m/s2"}}]}`)}},
			},
			status: http.StatusUnprocessableEntity,
			code:   "UNIT_MISMATCH",
		},
		{
			name: "negative grid width",
			body: map[string]any{
				"exposure": json.RawMessage(testExposure),
				"schema":   "SARA_v1.0",
				"intensity": []map[string]any{{"type": "asc", "measure": "pga", "unit": "g",
					"data": "ncols -3\nnrows 1\nxllcorner -72\nyllcorner -33\ncellsize 0.5\n1 2 3\n"}},
			},
			status: http.StatusBadRequest,
			code:   "MALFORMED_SOURCE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodPost, "/api/v1/update", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, false, body["success"])
			if tt.code != "" {
				assert.Equal(t, tt.code, body["code"])
			}
		})
	}
}

func TestUpdateInlineGrid(t *testing.T) {
	h := newTestServer(testDeps(t), nil)

	grid := "ncols 2\nnrows 2\nxllcorner -72\nyllcorner -33\ncellsize 0.5\n0.5 0.5\n0.5 0.5\n"
	body := map[string]any{
		"exposure": json.RawMessage(testExposure),
		"schema":   "SARA_v1.0",
		"intensity": []map[string]any{
			{"type": "asc", "measure": "pga", "unit": "g", "data": grid},
		},
	}
	rec, _ := do(t, h, http.MethodPost, "/api/v1/update", body)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAPIKeyAndBodyLimit(t *testing.T) {
	h := newTestServer(testDeps(t), &Config{MaxRequestSize: 64, APIKey: "secret"})

	rec, _ := do(t, h, http.MethodGet, "/api/v1/fragility", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := do(t, h, http.MethodGet, "/api/v1/fragility", nil, "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SARA_v1.0", body["schema"])
	taxonomies := body["taxonomies"].([]any)
	require.Len(t, taxonomies, 1)
	mur := taxonomies[0].(map[string]any)
	assert.Equal(t, 2.0, mur["max_state"])
	// (0,1) (0,2) and the completed (1,2)
	assert.Len(t, mur["transitions"], 3)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/update", updateBody(false), "X-API-Key", "secret")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// health stays open
	rec, _ = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunsWithoutStore(t *testing.T) {
	h := newTestServer(testDeps(t), nil)

	rec, _ := do(t, h, http.MethodGet, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	deps := testDeps(t)
	deps.Store = &fakeStore{}
	h = newTestServer(deps, nil)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	list := httptest.NewRecorder()
	h.ServeHTTP(list, req)
	assert.Equal(t, http.StatusOK, list.Code)
	assert.JSONEq(t, "[]", list.Body.String())
}
