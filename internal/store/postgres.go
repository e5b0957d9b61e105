package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docextract/internal/db"
	"github.com/sells-group/docextract/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// pgQuerier is shared by the pool and an open transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p *model.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	unit, err := encodeUnit(p.UnitOfObservation)
	if err != nil {
		return eris.Wrap(err, "postgres: create project")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.Description, p.Domain, unit, p.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert project %s", p.ID)
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, pgNotFound(err, "postgres: get project %s", id)
	}
	return p, nil
}

// --- Variables ---

func (s *PostgresStore) CreateVariable(ctx context.Context, v *model.Variable) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	def, err := encodeJSON(v)
	if err != nil {
		return eris.Wrap(err, "postgres: create variable")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO variables (`+variableColumns+`, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.ProjectID, v.Name, string(v.Type), v.Position, def, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: insert variable %s", v.Name)
}

func (s *PostgresStore) GetVariable(ctx context.Context, id string) (*model.Variable, error) {
	v, err := scanVariable(s.pool.QueryRow(ctx, `SELECT `+variableColumns+` FROM variables WHERE id = $1`, id))
	if err != nil {
		return nil, pgNotFound(err, "postgres: get variable %s", id)
	}
	return v, nil
}

func (s *PostgresStore) ListVariables(ctx context.Context, projectID string) ([]model.Variable, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+variableColumns+` FROM variables WHERE project_id = $1 ORDER BY position, name`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list variables")
	}
	defer rows.Close()

	var out []model.Variable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan variable")
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate variables")
}

// --- Prompts ---

// SavePrompt deactivates the variable's current prompt and inserts p as the
// next version. p.Version is set from the database.
func (s *PostgresStore) SavePrompt(ctx context.Context, p *model.Prompt) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cfg, err := encodeJSON(p.ModelConfig)
	if err != nil {
		return eris.Wrap(err, "postgres: save prompt")
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if p.IsActive {
			if _, err := tx.Exec(ctx,
				`UPDATE prompts SET is_active = false WHERE variable_id = $1 AND is_active`, p.VariableID); err != nil {
				return eris.Wrap(err, "postgres: deactivate prompts")
			}
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO prompts (`+promptColumns+`)
			 VALUES ($1, $2, (SELECT COALESCE(MAX(version), 0) + 1 FROM prompts WHERE variable_id = $2), $3, $4, $5, $6)
			 RETURNING version`,
			p.ID, p.VariableID, p.Text, cfg, p.IsActive, p.CreatedAt,
		).Scan(&p.Version)
		return eris.Wrap(err, "postgres: insert prompt")
	})
}

func (s *PostgresStore) GetActivePrompt(ctx context.Context, variableID string) (*model.Prompt, error) {
	p, err := scanPrompt(s.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE variable_id = $1 AND is_active`, variableID))
	if err != nil {
		return nil, pgNotFound(err, "postgres: get active prompt for %s", variableID)
	}
	return p, nil
}

// --- Documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, d *model.Document, chunks []model.Chunk) error {
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

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO documents (`+documentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			d.ID, d.ProjectID, d.Filename, d.Content, d.ChunkCount, d.WordCount, d.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert document %s", d.ID)
		}
		if len(chunks) == 0 {
			return nil
		}
		rows := make([][]any, len(chunks))
		for i, c := range chunks {
			rows[i] = []any{d.ID, i, c.Text, c.TokenCount}
		}
		_, err := db.CopyFrom(ctx, tx, "document_chunks",
			[]string{"document_id", "chunk_index", "text", "token_count"}, rows)
		return err
	})
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return nil, pgNotFound(err, "postgres: get document %s", id)
	}
	return d, nil
}

func (s *PostgresStore) GetChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, chunk_index, text, token_count FROM document_chunks
		 WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get chunks")
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.Text, &c.TokenCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate chunks")
}

func (s *PostgresStore) ListDocumentIDs(ctx context.Context, projectID string) ([]string, error) {
	return pgStrings(ctx, s.pool,
		`SELECT id FROM documents WHERE project_id = $1 ORDER BY created_at, id`, projectID)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ProcessingJob) error {
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
		return eris.Wrap(err, "postgres: create job")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO processing_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.ProjectID, string(job.JobType), string(job.Status), docIDs, job.Progress,
		job.DocumentsProcessed, job.DocumentsFailed, job.ConsecutiveFailures, job.AvgSecondsPerDoc,
		job.ErrorMessage, job.StartedAt, job.CompletedAt, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.ProcessingJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, pgNotFound(err, "postgres: get job %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, jobLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

// UpdateJobStatus applies upd only while the job holds one of upd.From.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id string, upd StatusUpdate) error {
	query, args := buildStatusUpdate(id, upd, time.Now().UTC(), dollar)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM processing_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: check job %s", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return eris.Wrapf(ErrConflict, "job %s", id)
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, job *model.ProcessingJob) error {
	return pgUpdateProgress(ctx, s.pool, job)
}

// --- Extractions ---

func (s *PostgresStore) ListExtractions(ctx context.Context, jobID, documentID string) ([]model.Extraction, error) {
	query := `SELECT ` + extractionColumns + ` FROM extractions WHERE job_id = $1`
	args := []any{jobID}
	if documentID != "" {
		query += ` AND document_id = $2`
		args = append(args, documentID)
	}
	query += ` ORDER BY document_id, entity_index, variable_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list extractions")
	}
	defer rows.Close()

	var out []model.Extraction
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan extraction")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate extractions")
}

func (s *PostgresStore) ExtractedDocumentIDs(ctx context.Context, jobID string) ([]string, error) {
	return pgStrings(ctx, s.pool, `SELECT DISTINCT document_id FROM extractions WHERE job_id = $1`, jobID)
}

// --- Logs ---

func (s *PostgresStore) AppendLog(ctx context.Context, entry *model.ProcessingLog) error {
	return pgAppendLog(ctx, s.pool, entry)
}

func (s *PostgresStore) ListLogs(ctx context.Context, jobID string, limit int) ([]model.ProcessingLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+logColumns+` FROM processing_logs WHERE job_id = $1 ORDER BY created_at, id LIMIT $2`,
		jobID, jobLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list logs")
	}
	defer rows.Close()

	var out []model.ProcessingLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate logs")
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

// pgTx runs Tx operations on an open transaction. Begin on a pgx.Tx opens a
// savepoint, so Savepoint nests naturally.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) DeleteExtractions(ctx context.Context, jobID, documentID string) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM extractions WHERE job_id = $1 AND document_id = $2`, jobID, documentID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete extractions for %s", documentID)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertExtractions(ctx context.Context, rows []model.Extraction) error {
	prepareExtractions(rows, time.Now().UTC(), newID)
	data := make([][]any, 0, len(rows))
	for _, e := range rows {
		args, err := extractionArgs(e)
		if err != nil {
			return eris.Wrap(err, "postgres: insert extractions")
		}
		data = append(data, args)
	}
	_, err := db.CopyFrom(ctx, t.tx, "extractions", extractionInsertColumns, data)
	return err
}

func (t *pgTx) UpdateJobProgress(ctx context.Context, job *model.ProcessingJob) error {
	return pgUpdateProgress(ctx, t.tx, job)
}

func (t *pgTx) AppendLog(ctx context.Context, entry *model.ProcessingLog) error {
	return pgAppendLog(ctx, t.tx, entry)
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: savepoint")
	}
	if err := fn(&pgTx{tx: sp}); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return eris.Wrapf(rbErr, "postgres: rollback savepoint after %v", err)
		}
		return err
	}
	return eris.Wrap(sp.Commit(ctx), "postgres: release savepoint")
}

// --- shared helpers ---

func newID() string { return uuid.New().String() }

func pgNotFound(err error, format string, args ...any) error {
	if isNoRows(err) {
		return eris.Wrapf(ErrNotFound, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}

func pgStrings(ctx context.Context, q pgQuerier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query ids")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan id")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate ids")
}

func pgUpdateProgress(ctx context.Context, q pgQuerier, job *model.ProcessingJob) error {
	job.UpdatedAt = time.Now().UTC()
	tag, err := q.Exec(ctx,
		`UPDATE processing_jobs SET progress = $1, documents_processed = $2, documents_failed = $3,
		 consecutive_failures = $4, avg_seconds_per_doc = $5, updated_at = $6 WHERE id = $7`,
		job.Progress, job.DocumentsProcessed, job.DocumentsFailed, job.ConsecutiveFailures,
		job.AvgSecondsPerDoc, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", job.ID)
	}
	return nil
}

func pgAppendLog(ctx context.Context, q pgQuerier, entry *model.ProcessingLog) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	meta, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: append log")
	}
	_, err = q.Exec(ctx,
		`INSERT INTO processing_logs (`+logColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.JobID, string(entry.EventType), string(entry.Level), entry.Message,
		entry.DocumentID, entry.VariableID, meta, entry.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert log for job %s", entry.JobID)
}
