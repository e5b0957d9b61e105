package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docextract/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seedJob creates a project with two documents and a pending job over them.
func seedJob(t *testing.T, st *SQLiteStore) *model.ProcessingJob {
	t.Helper()
	ctx := context.Background()

	p := &model.Project{Name: "Contracts"}
	require.NoError(t, st.CreateProject(ctx, p))
	d1 := &model.Document{ProjectID: p.ID, Content: "first document"}
	d2 := &model.Document{ProjectID: p.ID, Content: "second document"}
	require.NoError(t, st.CreateDocument(ctx, d1, nil))
	require.NoError(t, st.CreateDocument(ctx, d2, nil))

	job := &model.ProcessingJob{ProjectID: p.ID, JobType: model.JobTypeFull, DocumentIDs: []string{d1.ID, d2.ID}}
	require.NoError(t, st.CreateJob(ctx, job))
	return job
}

func extraction(job *model.ProcessingJob, docID, varID string, value any) model.Extraction {
	return model.Extraction{
		JobID:       job.ID,
		DocumentID:  docID,
		VariableID:  varID,
		EntityIndex: model.NoEntity,
		Value:       value,
		Confidence:  80,
		Status:      model.ExtractionExtracted,
	}
}

func TestSQLite_Project_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := &model.Project{
		Name:   "Leases",
		Domain: "real estate",
		UnitOfObservation: &model.UnitOfObservation{
			RowsPerDocument:             model.RowsMultiple,
			EntityIdentificationPattern: "each tenant",
		},
	}
	require.NoError(t, st.CreateProject(ctx, p))

	got, err := st.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Leases", got.Name)
	assert.True(t, got.IsEntityLevel())
	assert.Equal(t, "each tenant", got.UnitOfObservation.EntityIdentificationPattern)

	plain := &model.Project{Name: "Plain"}
	require.NoError(t, st.CreateProject(ctx, plain))
	got, err = st.GetProject(ctx, plain.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UnitOfObservation)
}

func TestSQLite_GetProject_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetProject(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Variables_OrderedByPosition(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := &model.Project{Name: "P"}
	require.NoError(t, st.CreateProject(ctx, p))

	second := &model.Variable{ProjectID: p.ID, Name: "amount", Type: model.VariableNumber, Position: 2}
	first := &model.Variable{
		ProjectID: p.ID, Name: "sector", Type: model.VariableCategory, Position: 1,
		ClassificationRules: &model.ClassificationRules{Categories: []model.Category{{Name: "Retail"}}},
	}
	require.NoError(t, st.CreateVariable(ctx, second))
	require.NoError(t, st.CreateVariable(ctx, first))

	vars, err := st.ListVariables(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "sector", vars[0].Name)
	assert.Equal(t, []string{"Retail"}, vars[0].ClassificationRules.Names())
	assert.Equal(t, "amount", vars[1].Name)

	got, err := st.GetVariable(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VariableNumber, got.Type)
	assert.Equal(t, p.ID, got.ProjectID)

	dup := &model.Variable{ProjectID: p.ID, Name: "amount", Type: model.VariableNumber}
	assert.Error(t, st.CreateVariable(ctx, dup))
}

func TestSQLite_SavePrompt_SupersedesActive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := &model.Project{Name: "P"}
	require.NoError(t, st.CreateProject(ctx, p))
	v := &model.Variable{ProjectID: p.ID, Name: "title", Type: model.VariableText}
	require.NoError(t, st.CreateVariable(ctx, v))

	_, err := st.GetActivePrompt(ctx, v.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	p1 := &model.Prompt{VariableID: v.ID, Text: "v1", IsActive: true, ModelConfig: model.ModelConfig{Model: "m", Temperature: 0.3, MaxTokens: 1000}}
	require.NoError(t, st.SavePrompt(ctx, p1))
	assert.Equal(t, 1, p1.Version)

	p2 := &model.Prompt{VariableID: v.ID, Text: "v2", IsActive: true, ModelConfig: model.ModelConfig{Model: "m", MaxTokens: 500}}
	require.NoError(t, st.SavePrompt(ctx, p2))
	assert.Equal(t, 2, p2.Version)

	active, err := st.GetActivePrompt(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", active.Text)
	assert.Equal(t, 2, active.Version)
	assert.True(t, active.IsActive)
	assert.Equal(t, int64(500), active.ModelConfig.MaxTokens)
}

func TestSQLite_Documents_AndChunks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := &model.Project{Name: "P"}
	require.NoError(t, st.CreateProject(ctx, p))

	d := &model.Document{ProjectID: p.ID, Filename: "a.txt", Content: "one two three"}
	chunks := []model.Chunk{{Text: "one two", TokenCount: 2}, {Text: "three", TokenCount: 1}}
	require.NoError(t, st.CreateDocument(ctx, d, chunks))

	got, err := st.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChunkCount)
	assert.Equal(t, 3, got.WordCount)

	gotChunks, err := st.GetChunks(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, gotChunks, 2)
	assert.Equal(t, 0, gotChunks[0].Index)
	assert.Equal(t, "three", gotChunks[1].Text)

	ids, err := st.ListDocumentIDs(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, ids)

	_, err = st.GetDocument(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Job_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, st)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, job.DocumentIDs, got.DocumentIDs)
	assert.Nil(t, got.StartedAt)

	jobs, err := st.ListJobs(ctx, JobFilter{ProjectID: job.ProjectID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = st.ListJobs(ctx, JobFilter{Status: model.JobComplete})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSQLite_UpdateJobStatus_CompareAndSet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, st)

	started := time.Now().UTC().Truncate(time.Second)
	processed := 1
	err := st.UpdateJobStatus(ctx, job.ID, StatusUpdate{
		To:                 model.JobProcessing,
		From:               []model.JobStatus{model.JobPending},
		StartedAt:          &started,
		DocumentsProcessed: &processed,
	})
	require.NoError(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	assert.Equal(t, 1, got.DocumentsProcessed)

	// A second claim loses the race.
	err = st.UpdateJobStatus(ctx, job.ID, StatusUpdate{To: model.JobProcessing, From: []model.JobStatus{model.JobPending}})
	assert.True(t, errors.Is(err, ErrConflict))

	err = st.UpdateJobStatus(ctx, "missing", StatusUpdate{To: model.JobCancelled})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_UpdateJobStatus_ResetsConsecutiveFailures(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, st)

	job.ConsecutiveFailures = 10
	require.NoError(t, st.UpdateJobProgress(ctx, job))

	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, StatusUpdate{To: model.JobPending, ResetConsecutiveFailures: true}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestSQLite_InTx_InsertAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, st)
	doc := job.DocumentIDs[0]

	err := st.InTx(ctx, func(tx Tx) error {
		return tx.Savepoint(ctx, func(sp Tx) error {
			return sp.InsertExtractions(ctx, []model.Extraction{
				extraction(job, doc, "v1", 500.0),
				extraction(job, doc, "v2", nil),
				extraction(job, doc, "v3", []any{"a", "b"}),
			})
		})
	})
	require.NoError(t, err)

	rows, err := st.ListExtractions(ctx, job.ID, doc)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	byVar := map[string]model.Extraction{}
	for _, r := range rows {
		byVar[r.VariableID] = r
	}
	assert.Equal(t, 500.0, byVar["v1"].Value)
	assert.Nil(t, byVar["v2"].Value)
	assert.Equal(t, []any{"a", "b"}, byVar["v3"].Value)
	assert.Equal(t, model.NoEntity, byVar["v1"].EntityIndex)

	ids, err := st.ExtractedDocumentIDs(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{doc}, ids)
}

func TestSQLite_UniqueExtractionKey(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, st)
	doc := job.DocumentIDs[0]

	err := st.InTx(ctx, func(tx Tx) error {
		return tx.InsertExtractions(ctx, []model.Extraction{
			extraction(job, doc, "v1", "a"),
			extraction(job, doc, "v1", "b"),
		})
	})
	require.Error(t, err)

	rows, err := st.ListExtractions(ctx, job.ID, "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLite_DeleteBeforeInsert_IsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, st)
	doc := job.DocumentIDs[0]

	write := func(value string) {
		err := st.InTx(ctx, func(tx Tx) error {
			return tx.Savepoint(ctx, func(sp Tx) error {
				if _, err := sp.DeleteExtractions(ctx, job.ID, doc); err != nil {
					return err
				}
				return sp.InsertExtractions(ctx, []model.Extraction{extraction(job, doc, "v1", value)})
			})
		})
		require.NoError(t, err)
	}
	write("first")
	write("second")

	rows, err := st.ListExtractions(ctx, job.ID, doc)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "second", rows[0].Value)
}

func TestSQLite_Savepoint_RollbackKeepsOuterWrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, st)
	doc1, doc2 := job.DocumentIDs[0], job.DocumentIDs[1]

	errBoom := errors.New("model unavailable")
	err := st.InTx(ctx, func(tx Tx) error {
		if err := tx.Savepoint(ctx, func(sp Tx) error {
			return sp.InsertExtractions(ctx, []model.Extraction{extraction(job, doc1, "v1", "kept")})
		}); err != nil {
			return err
		}

		spErr := tx.Savepoint(ctx, func(sp Tx) error {
			if err := sp.InsertExtractions(ctx, []model.Extraction{extraction(job, doc2, "v1", "dropped")}); err != nil {
				return err
			}
			return errBoom
		})
		assert.ErrorIs(t, spErr, errBoom)

		job.DocumentsProcessed, job.DocumentsFailed = 1, 1
		if err := tx.UpdateJobProgress(ctx, job); err != nil {
			return err
		}
		return tx.AppendLog(ctx, &model.ProcessingLog{
			JobID: job.ID, EventType: model.EventDocFailed, Level: model.LevelError,
			Message: "failed", DocumentID: doc2, Metadata: map[string]any{"error": errBoom.Error()},
		})
	})
	require.NoError(t, err)

	rows, err := st.ListExtractions(ctx, job.ID, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, doc1, rows[0].DocumentID)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DocumentsProcessed)
	assert.Equal(t, 1, got.DocumentsFailed)

	logs, err := st.ListLogs(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.EventDocFailed, logs[0].EventType)
	assert.Equal(t, "model unavailable", logs[0].Metadata["error"])
}

func TestSQLite_InTx_RollbackOnError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, st)

	errBoom := errors.New("boom")
	err := st.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertExtractions(ctx, []model.Extraction{extraction(job, job.DocumentIDs[0], "v1", "x")}); err != nil {
			return err
		}
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	rows, err := st.ListExtractions(ctx, job.ID, "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLite_ListLogs_Ordered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	job := seedJob(t, st)

	for _, ev := range []model.EventType{model.EventJobStarted, model.EventDocCompleted, model.EventJobCompleted} {
		require.NoError(t, st.AppendLog(ctx, &model.ProcessingLog{JobID: job.ID, EventType: ev, Level: model.LevelInfo, Message: string(ev)}))
	}

	logs, err := st.ListLogs(ctx, job.ID, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.EventJobStarted, logs[0].EventType)
	assert.Nil(t, logs[0].Metadata)
}
