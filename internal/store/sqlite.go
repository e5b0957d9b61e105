package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/sells-group/docextract/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB
}

// sqlQuerier is shared by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite opens a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection keeps transactions and savepoints on one session.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p *model.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	unit, err := encodeUnit(p.UnitOfObservation)
	if err != nil {
		return eris.Wrap(err, "sqlite: create project")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Domain, textOrNull(unit), p.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert project %s", p.ID)
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get project %s", id)
	}
	return p, nil
}

// --- Variables ---

func (s *SQLiteStore) CreateVariable(ctx context.Context, v *model.Variable) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	def, err := encodeJSON(v)
	if err != nil {
		return eris.Wrap(err, "sqlite: create variable")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO variables (`+variableColumns+`, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ProjectID, v.Name, string(v.Type), v.Position, string(def), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert variable %s", v.Name)
}

func (s *SQLiteStore) GetVariable(ctx context.Context, id string) (*model.Variable, error) {
	v, err := scanVariable(s.db.QueryRowContext(ctx, `SELECT `+variableColumns+` FROM variables WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get variable %s", id)
	}
	return v, nil
}

func (s *SQLiteStore) ListVariables(ctx context.Context, projectID string) ([]model.Variable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+variableColumns+` FROM variables WHERE project_id = ? ORDER BY position, name`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list variables")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Variable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan variable")
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate variables")
}

// --- Prompts ---

// SavePrompt deactivates the variable's current prompt and inserts p as the
// next version. p.Version is set from the database.
func (s *SQLiteStore) SavePrompt(ctx context.Context, p *model.Prompt) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cfg, err := encodeJSON(p.ModelConfig)
	if err != nil {
		return eris.Wrap(err, "sqlite: save prompt")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if p.IsActive {
			if _, err := tx.ExecContext(ctx,
				`UPDATE prompts SET is_active = 0 WHERE variable_id = ? AND is_active = 1`, p.VariableID); err != nil {
				return eris.Wrap(err, "sqlite: deactivate prompts")
			}
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM prompts WHERE variable_id = ?`, p.VariableID,
		).Scan(&p.Version); err != nil {
			return eris.Wrap(err, "sqlite: next prompt version")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO prompts (`+promptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.VariableID, p.Version, p.Text, string(cfg), p.IsActive, p.CreatedAt,
		)
		return eris.Wrap(err, "sqlite: insert prompt")
	})
}

func (s *SQLiteStore) GetActivePrompt(ctx context.Context, variableID string) (*model.Prompt, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE variable_id = ? AND is_active = 1`, variableID))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get active prompt for %s", variableID)
	}
	return p, nil
}

// --- Documents ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, d *model.Document, chunks []model.Chunk) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.ChunkCount = len(chunks)
	if d.WordCount == 0 {
		d.WordCount = wordCount(d.Content)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.ProjectID, d.Filename, d.Content, d.ChunkCount, d.WordCount, d.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert document %s", d.ID)
		}
		for i, c := range chunks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO document_chunks (document_id, chunk_index, text, token_count) VALUES (?, ?, ?, ?)`,
				d.ID, i, c.Text, c.TokenCount,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert chunk %d of %s", i, d.ID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get document %s", id)
	}
	return d, nil
}

func (s *SQLiteStore) GetChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, chunk_index, text, token_count FROM document_chunks
		 WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get chunks")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.Text, &c.TokenCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chunk")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate chunks")
}

func (s *SQLiteStore) ListDocumentIDs(ctx context.Context, projectID string) ([]string, error) {
	return sqliteStrings(ctx, s.db,
		`SELECT id FROM documents WHERE project_id = ? ORDER BY created_at, rowid`, projectID)
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ProcessingJob) error {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	job.CreatedAt, job.UpdatedAt = now, now
	docIDs, err := encodeJSON(job.DocumentIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: create job")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processing_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, string(job.JobType), string(job.Status), string(docIDs), job.Progress,
		job.DocumentsProcessed, job.DocumentsFailed, job.ConsecutiveFailures, job.AvgSecondsPerDoc,
		job.ErrorMessage, job.StartedAt, job.CompletedAt, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.ProcessingJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get job %s", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, rowid DESC LIMIT %d`, jobLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

// UpdateJobStatus applies upd only while the job holds one of upd.From.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, upd StatusUpdate) error {
	query, args := buildStatusUpdate(id, upd, time.Now().UTC(), question)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processing_jobs WHERE id = ?`, id).Scan(&count); err != nil {
		return eris.Wrapf(err, "sqlite: check job %s", id)
	}
	if count == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return eris.Wrapf(ErrConflict, "job %s", id)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, job *model.ProcessingJob) error {
	return sqliteUpdateProgress(ctx, s.db, job)
}

// --- Extractions ---

func (s *SQLiteStore) ListExtractions(ctx context.Context, jobID, documentID string) ([]model.Extraction, error) {
	query := `SELECT ` + extractionColumns + ` FROM extractions WHERE job_id = ?`
	args := []any{jobID}
	if documentID != "" {
		query += ` AND document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY document_id, entity_index, variable_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extractions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Extraction
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extraction")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate extractions")
}

func (s *SQLiteStore) ExtractedDocumentIDs(ctx context.Context, jobID string) ([]string, error) {
	return sqliteStrings(ctx, s.db, `SELECT DISTINCT document_id FROM extractions WHERE job_id = ?`, jobID)
}

// --- Logs ---

func (s *SQLiteStore) AppendLog(ctx context.Context, entry *model.ProcessingLog) error {
	return sqliteAppendLog(ctx, s.db, entry)
}

func (s *SQLiteStore) ListLogs(ctx context.Context, jobID string, limit int) ([]model.ProcessingLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM processing_logs WHERE job_id = ? ORDER BY created_at, rowid LIMIT ?`,
		jobID, jobLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list logs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProcessingLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate logs")
}

// --- Transactions ---

func (s *SQLiteStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqliteTx{tx: tx, seq: new(atomic.Int64)})
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// sqliteTx runs Tx operations on an open transaction. Savepoints are issued
// as explicit SAVEPOINT / RELEASE / ROLLBACK TO statements.
type sqliteTx struct {
	tx  *sql.Tx
	seq *atomic.Int64
}

func (t *sqliteTx) DeleteExtractions(ctx context.Context, jobID, documentID string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM extractions WHERE job_id = ? AND document_id = ?`, jobID, documentID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete extractions for %s", documentID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (t *sqliteTx) InsertExtractions(ctx context.Context, rows []model.Extraction) error {
	prepareExtractions(rows, time.Now().UTC(), newID)
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO extractions (`+extractionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert extraction")
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range rows {
		args, err := extractionArgs(e)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert extractions")
		}
		if raw, ok := args[6].([]byte); ok {
			args[6] = textOrNull(raw)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert extraction %s/%s", e.DocumentID, e.VariableID)
		}
	}
	return nil
}

func (t *sqliteTx) UpdateJobProgress(ctx context.Context, job *model.ProcessingJob) error {
	return sqliteUpdateProgress(ctx, t.tx, job)
}

func (t *sqliteTx) AppendLog(ctx context.Context, entry *model.ProcessingLog) error {
	return sqliteAppendLog(ctx, t.tx, entry)
}

func (t *sqliteTx) Savepoint(ctx context.Context, fn func(Tx) error) error {
	name := fmt.Sprintf("sp_%d", t.seq.Add(1))
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return eris.Wrapf(err, "sqlite: savepoint %s", name)
	}
	if err := fn(t); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return eris.Wrapf(rbErr, "sqlite: rollback to %s after %v", name, err)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return eris.Wrapf(relErr, "sqlite: release %s", name)
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE "+name)
	return eris.Wrapf(err, "sqlite: release %s", name)
}

// --- shared helpers ---

func sqliteNotFound(err error, format string, args ...any) error {
	if isNoRows(err) {
		return eris.Wrapf(ErrNotFound, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}

// textOrNull stores encoded JSON as TEXT, or NULL when there is none.
func textOrNull(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func sqliteStrings(ctx context.Context, q sqlQuerier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query ids")
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan id")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate ids")
}

func sqliteUpdateProgress(ctx context.Context, q sqlQuerier, job *model.ProcessingJob) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx,
		`UPDATE processing_jobs SET progress = ?, documents_processed = ?, documents_failed = ?,
		 consecutive_failures = ?, avg_seconds_per_doc = ?, updated_at = ? WHERE id = ?`,
		job.Progress, job.DocumentsProcessed, job.DocumentsFailed, job.ConsecutiveFailures,
		job.AvgSecondsPerDoc, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", job.ID)
	}
	return nil
}

func sqliteAppendLog(ctx context.Context, q sqlQuerier, entry *model.ProcessingLog) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	meta, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: append log")
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO processing_logs (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, string(entry.EventType), string(entry.Level), entry.Message,
		entry.DocumentID, entry.VariableID, textOrNull(meta), entry.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert log for job %s", entry.JobID)
}
