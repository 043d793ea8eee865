package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/cryptonhq/crypton/internal/runner/artifacts"
	"github.com/cryptonhq/crypton/internal/runner/cycle"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *artifacts.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := artifacts.New(filepath.Join(dir, "artifacts"))
	recordsDir := filepath.Join(dir, "state", "cycles")
	require.NoError(t, os.MkdirAll(recordsDir, 0o755))

	s := New(Config{
		Log:        zerolog.Nop(),
		Bus:        eventlog.NewBus(),
		Ring:       eventlog.NewRing(100),
		Store:      store,
		RecordsDir: recordsDir,
	})
	return s, store, recordsDir
}

func writeRecord(t *testing.T, dir string, rec cycle.Record) {
	t.Helper()
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, rec.CycleID+".json"), raw, 0o644))
}

func TestHandleCyclesListsPersistedRecordsNewestFirst(t *testing.T) {
	s, _, recordsDir := newTestServer(t)
	now := time.Now().UTC()
	writeRecord(t, recordsDir, cycle.Record{CycleID: "20250101T000000.000Z", StartedAt: now})
	writeRecord(t, recordsDir, cycle.Record{CycleID: "20250102T000000.000Z", StartedAt: now})

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/cycles", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var records []cycle.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "20250102T000000.000Z", records[0].CycleID)
	assert.Equal(t, "20250101T000000.000Z", records[1].CycleID)
}

func TestHandleCyclesEmptyWithoutHistory(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/cycles", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestHandleCycleByIDServesStepRecords(t *testing.T) {
	s, _, recordsDir := newTestServer(t)
	now := time.Now().UTC()
	writeRecord(t, recordsDir, cycle.Record{
		CycleID:   "20250101T000000.000Z",
		StartedAt: now,
		StepRecords: map[string]*cycle.StepRecord{
			"Plan": {Step: "Plan", Start: now, Outcome: cycle.OutcomeSuccess},
		},
	})

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/cycles/20250101T000000.000Z", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var rec cycle.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Contains(t, rec.StepRecords, "Plan")
	assert.Equal(t, cycle.OutcomeSuccess, rec.StepRecords["Plan"].Outcome)
}

func TestHandleCycleByIDUnknownIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/cycles/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleMemoryServesAgentMemoryFile(t *testing.T) {
	s, store, _ := newTestServer(t)
	require.NoError(t, store.AppendAgentMemory("plan", "first note"))

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/memory/plan", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "plan", body["agent"])
	assert.Contains(t, body["memory"], "first note")
}

func TestHandleMemoryEmptyForUnknownAgent(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/memory/ghost", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Empty(t, body["memory"])
}
