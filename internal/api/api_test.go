package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docextract/internal/jobs"
	"github.com/sells-group/docextract/internal/model"
	"github.com/sells-group/docextract/internal/store"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, jobID)
	return q.err
}

type testEnv struct {
	st      *store.SQLiteStore
	queue   *recordingQueue
	handler http.Handler
	project *model.Project
	docs    []string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	p := &model.Project{Name: "Filings"}
	require.NoError(t, st.CreateProject(ctx, p))
	var docs []string
	for i := 0; i < 3; i++ {
		d := &model.Document{ProjectID: p.ID, Content: fmt.Sprintf("document %d", i)}
		require.NoError(t, st.CreateDocument(ctx, d, nil))
		docs = append(docs, d.ID)
	}

	q := &recordingQueue{}
	return &testEnv{
		st:      st,
		queue:   q,
		handler: NewRouter(jobs.NewManager(st, q), opts),
		project: p,
		docs:    docs,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (e *testEnv) createJob(t *testing.T) string {
	t.Helper()
	rec, body := e.do(t, http.MethodPost, "/jobs", map[string]any{"project_id": e.project.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	return body["id"].(string)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestCreateJob(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, body := env.do(t, http.MethodPost, "/jobs", map[string]any{
		"project_id":   env.project.ID,
		"job_type":     "sample",
		"document_ids": []string{env.docs[0], env.docs[1]},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "SAMPLE", body["job_type"])
	assert.Equal(t, 2.0, body["total_documents"])
	assert.Equal(t, []string{body["id"].(string)}, env.queue.ids)
}

func TestCreateJob_Invalid(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec, body := env.do(t, http.MethodPost, "/jobs", map[string]any{"project_id": "missing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "does not exist")

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	env.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestCreateJob_QueueClosed(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.queue.err = jobs.ErrQueueClosed

	rec, body := env.do(t, http.MethodPost, "/jobs", map[string]any{"project_id": env.project.ID})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "PENDING", body["status"])
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.createJob(t)

	rec, body := env.do(t, http.MethodGet, "/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, 3.0, body["total_documents"])
	assert.Equal(t, 0.0, body["progress"])

	rec, body = env.do(t, http.MethodGet, "/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job not found", body["error"])
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.createJob(t)
	env.createJob(t)

	rec, body := env.do(t, http.MethodGet, "/jobs?project_id="+env.project.ID+"&status=PENDING&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["jobs"], 1)

	rec, _ = env.do(t, http.MethodGet, "/jobs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.createJob(t)

	rec, body := env.do(t, http.MethodPost, "/jobs/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "Only a processing job can be paused")
	assert.Equal(t, "PENDING", body["status"])
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	id := env.createJob(t)
	require.NoError(t, env.st.UpdateJobStatus(ctx, id, store.StatusUpdate{To: model.JobProcessing}))

	rec, body := env.do(t, http.MethodPost, "/jobs/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PAUSED", body["status"])

	rec, body = env.do(t, http.MethodPost, "/jobs/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", body["status"])
	assert.Len(t, env.queue.ids, 2)

	rec, body = env.do(t, http.MethodPost, "/jobs/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "Only a paused job can be resumed")
}

func TestCancelAndLogs(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.createJob(t)

	rec, body := env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", body["status"])

	rec, body = env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "can no longer be cancelled")

	rec, body = env.do(t, http.MethodGet, "/jobs/"+id+"/logs?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := body["logs"].([]any)
	require.NotEmpty(t, logs)
	assert.Equal(t, "JOB_CANCELLED", logs[len(logs)-1].(map[string]any)["event_type"])

	rec, _ = env.do(t, http.MethodGet, "/jobs/nope/logs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExtractions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	id := env.createJob(t)

	v := &model.Variable{ProjectID: env.project.ID, Name: "amount", Type: model.VariableNumber}
	require.NoError(t, env.st.CreateVariable(ctx, v))
	require.NoError(t, env.st.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertExtractions(ctx, []model.Extraction{{
			JobID: id, DocumentID: env.docs[0], VariableID: v.ID, EntityIndex: model.NoEntity,
			Value: 12.5, Confidence: 90, Status: model.ExtractionExtracted,
		}})
	}))

	rec, body := env.do(t, http.MethodGet, "/jobs/"+id+"/extractions?document_id="+env.docs[0], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := body["extractions"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, 12.5, rows[0].(map[string]any)["value"])
}

type brokenJobs struct {
	Jobs
}

func (brokenJobs) Get(context.Context, string) (*model.ProcessingJob, error) {
	return nil, errors.New("connection reset")
}

func TestInternalError(t *testing.T) {
	h := NewRouter(brokenJobs{}, Options{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"https://dash.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
