package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docextract/internal/blob"
	"github.com/dgallion1/docextract/internal/config"
	"github.com/dgallion1/docextract/internal/extract"
	"github.com/dgallion1/docextract/internal/markdown"
	"github.com/dgallion1/docextract/internal/pipeline"
	"github.com/dgallion1/docextract/internal/progress"
	"github.com/dgallion1/docextract/internal/schemastore"
)

type apiClient struct{}

func (apiClient) Generate(ctx context.Context, prompt string) (string, error) {
	return `{"data": {"title": "Stub"}, "metadata": {}}`, nil
}
func (apiClient) Close() {}

type apiRig struct {
	server   *Server
	manager  *pipeline.Manager
	store    *progress.Store
	schemas  *schemastore.Store
	blobRoot string
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := progress.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobRoot := t.TempDir()
	dataRoot := t.TempDir()
	blobs := blob.NewLocal(blobRoot)
	cache := markdown.NewCache(dataRoot, blobs, log, false)

	factory := func(progress.LLMConfig) (extract.Client, error) { return apiClient{}, nil }
	engine := pipeline.NewEngine(store, cache, factory, log, 4000, 2)
	manager := pipeline.NewManager(store, engine, log, 1, 10)
	schemas := schemastore.New(dataRoot)

	cfg := config.Config{
		LLMProvider: "ollama",
		LLMModel:    "llama3",
	}
	server := NewServer(manager, schemas, blobs, log, cfg)
	return &apiRig{server: server, manager: manager, store: store, schemas: schemas, blobRoot: blobRoot}
}

func (r *apiRig) writeFile(t *testing.T, dataset, name, content string) {
	t.Helper()
	dir := filepath.Join(r.blobRoot, dataset)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func (r *apiRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	r.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func startBody() map[string]any {
	return map[string]any{
		"schema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"title": map[string]any{"type": "string"}},
		},
	}
}

func TestHealth(t *testing.T) {
	r := newAPIRig(t)
	rec := r.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStartExtraction(t *testing.T) {
	r := newAPIRig(t)
	r.writeFile(t, "q3", "report.txt", "some report text")

	rec := r.do(t, http.MethodPost, "/extract/reports/q3", startBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total_files"])
	assert.Equal(t, "/extraction-status/reports/q3", body["status_url"])
	assert.NotZero(t, body["job_id"])

	// A repeated start reports the already active job instead of making a
	// second one.
	rec = r.do(t, http.MethodPost, "/extract/reports/q3", startBody())
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody(t, rec)
	assert.Equal(t, body["job_id"], again["job_id"])
	assert.Contains(t, again["message"], "already active")
}

func TestStartExplicitFileList(t *testing.T) {
	r := newAPIRig(t)
	body := startBody()
	body["files"] = []string{"picked.txt"}

	rec := r.do(t, http.MethodPost, "/extract/reports/q3", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := r.store.GetLatest(context.Background(), "reports", "q3")
	require.NoError(t, err)
	assert.Equal(t, []string{"picked.txt"}, job.Files)
}

func TestStartWithStoredSchema(t *testing.T) {
	r := newAPIRig(t)
	r.writeFile(t, "q3", "report.txt", "text")
	require.NoError(t, r.schemas.Put("reports", "q3", map[string]any{
		"properties": map[string]any{"total": map[string]any{"type": "number"}},
	}))

	rec := r.do(t, http.MethodPost, "/extract/reports/q3", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := r.store.GetLatest(context.Background(), "reports", "q3")
	require.NoError(t, err)
	assert.Contains(t, job.Schema["properties"], "total")
}

func TestStartMissingSchema(t *testing.T) {
	r := newAPIRig(t)
	r.writeFile(t, "q3", "report.txt", "text")

	rec := r.do(t, http.MethodPost, "/extract/reports/q3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "schema")
}

func TestStartMissingDataset(t *testing.T) {
	r := newAPIRig(t)
	rec := r.do(t, http.MethodPost, "/extract/reports/ghost", startBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartInvalidBody(t *testing.T) {
	r := newAPIRig(t)
	req := httptest.NewRequest(http.MethodPost, "/extract/reports/q3", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	r.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseResumeEndpoints(t *testing.T) {
	r := newAPIRig(t)
	r.writeFile(t, "q3", "report.txt", "text")

	// Nothing to pause or resume yet.
	rec := r.do(t, http.MethodPost, "/extraction-pause/reports/q3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = r.do(t, http.MethodPost, "/extraction-resume/reports/q3", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, http.MethodPost, "/extract/reports/q3", startBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = r.do(t, http.MethodPost, "/extraction-pause/reports/q3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodGet, "/extraction-status/reports/q3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", decodeBody(t, rec)["status"])

	rec = r.do(t, http.MethodPost, "/extraction-resume/reports/q3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodGet, "/extraction-status/reports/q3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scheduled", decodeBody(t, rec)["status"])
}

func TestClearEndpoint(t *testing.T) {
	r := newAPIRig(t)
	r.writeFile(t, "q3", "report.txt", "text")

	rec := r.do(t, http.MethodPost, "/extract/reports/q3", startBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = r.do(t, http.MethodPost, "/clear-extraction-state/reports/q3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = r.do(t, http.MethodGet, "/extraction-status/reports/q3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cleared", decodeBody(t, rec)["status"])

	// Clearing the now-terminal state is still a 200.
	rec = r.do(t, http.MethodPost, "/clear-extraction-state/reports/q3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusNotFound(t *testing.T) {
	r := newAPIRig(t)
	rec := r.do(t, http.MethodGet, "/extraction-status/reports/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEndpoint(t *testing.T) {
	r := newAPIRig(t)
	r.writeFile(t, "q3", "report.txt", "text")

	rec := r.do(t, http.MethodGet, "/extraction-progress/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["jobs"])

	rec = r.do(t, http.MethodPost, "/extract/reports/q3", startBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = r.do(t, http.MethodGet, "/extraction-progress/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	first := jobs[0].(map[string]any)
	assert.Equal(t, "reports", first["source"])
	assert.Equal(t, "q3", first["dataset"])
}

func TestEndToEndViaWorkers(t *testing.T) {
	r := newAPIRig(t)
	r.writeFile(t, "q3", "report.txt", "a short report")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.manager.Start(ctx)
	defer r.manager.Stop()

	rec := r.do(t, http.MethodPost, "/extract/reports/q3", startBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		j, err := r.store.GetLatest(context.Background(), "reports", "q3")
		return err == nil && j.Status == progress.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = r.do(t, http.MethodGet, "/extraction-status/reports/q3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "completed", body["status"])
	merged := body["merged_data"].(map[string]any)
	assert.Equal(t, "Stub", merged["title"])
}
