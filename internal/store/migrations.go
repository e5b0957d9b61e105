package store

const postgresMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	domain              TEXT NOT NULL DEFAULT '',
	unit_of_observation JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS variables (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	position   INTEGER NOT NULL DEFAULT 0,
	definition JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS prompts (
	id           TEXT PRIMARY KEY,
	variable_id  TEXT NOT NULL REFERENCES variables(id),
	version      INTEGER NOT NULL,
	text         TEXT NOT NULL,
	model_config JSONB NOT NULL,
	is_active    BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (variable_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_one_active ON prompts(variable_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL REFERENCES projects(id),
	filename    TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	word_count  INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_chunks (
	document_id TEXT NOT NULL REFERENCES documents(id),
	chunk_index INTEGER NOT NULL,
	text        TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (document_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id                   TEXT PRIMARY KEY,
	project_id           TEXT NOT NULL REFERENCES projects(id),
	job_type             TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'PENDING',
	document_ids         JSONB NOT NULL,
	progress             INTEGER NOT NULL DEFAULT 0,
	documents_processed  INTEGER NOT NULL DEFAULT 0,
	documents_failed     INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	avg_seconds_per_doc  DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message        TEXT NOT NULL DEFAULT '',
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extractions (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL REFERENCES processing_jobs(id),
	document_id    TEXT NOT NULL,
	variable_id    TEXT NOT NULL,
	entity_index   INTEGER NOT NULL DEFAULT -1,
	entity_text    TEXT NOT NULL DEFAULT '',
	value          JSONB,
	confidence     INTEGER NOT NULL DEFAULT 0,
	source_text    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	error_message  TEXT NOT NULL DEFAULT '',
	prompt_version INTEGER NOT NULL DEFAULT 0,
	raw_response   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, document_id, variable_id, entity_index)
);

CREATE TABLE IF NOT EXISTS processing_logs (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES processing_jobs(id),
	event_type  TEXT NOT NULL,
	level       TEXT NOT NULL,
	message     TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	variable_id TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_variables_project ON variables(project_id, position);
CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);
CREATE INDEX IF NOT EXISTS idx_jobs_project_status ON processing_jobs(project_id, status);
CREATE INDEX IF NOT EXISTS idx_extractions_job_document ON extractions(job_id, document_id);
CREATE INDEX IF NOT EXISTS idx_logs_job_created ON processing_logs(job_id, created_at);
`

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	domain              TEXT NOT NULL DEFAULT '',
	unit_of_observation TEXT,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS variables (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	position   INTEGER NOT NULL DEFAULT 0,
	definition TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS prompts (
	id           TEXT PRIMARY KEY,
	variable_id  TEXT NOT NULL REFERENCES variables(id),
	version      INTEGER NOT NULL,
	text         TEXT NOT NULL,
	model_config TEXT NOT NULL,
	is_active    INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (variable_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_one_active ON prompts(variable_id) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL REFERENCES projects(id),
	filename    TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	word_count  INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS document_chunks (
	document_id TEXT NOT NULL REFERENCES documents(id),
	chunk_index INTEGER NOT NULL,
	text        TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (document_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id                   TEXT PRIMARY KEY,
	project_id           TEXT NOT NULL REFERENCES projects(id),
	job_type             TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'PENDING',
	document_ids         TEXT NOT NULL,
	progress             INTEGER NOT NULL DEFAULT 0,
	documents_processed  INTEGER NOT NULL DEFAULT 0,
	documents_failed     INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	avg_seconds_per_doc  REAL NOT NULL DEFAULT 0,
	error_message        TEXT NOT NULL DEFAULT '',
	started_at           DATETIME,
	completed_at         DATETIME,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extractions (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL REFERENCES processing_jobs(id),
	document_id    TEXT NOT NULL,
	variable_id    TEXT NOT NULL,
	entity_index   INTEGER NOT NULL DEFAULT -1,
	entity_text    TEXT NOT NULL DEFAULT '',
	value          TEXT,
	confidence     INTEGER NOT NULL DEFAULT 0,
	source_text    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	error_message  TEXT NOT NULL DEFAULT '',
	prompt_version INTEGER NOT NULL DEFAULT 0,
	raw_response   TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (job_id, document_id, variable_id, entity_index)
);

CREATE TABLE IF NOT EXISTS processing_logs (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES processing_jobs(id),
	event_type  TEXT NOT NULL,
	level       TEXT NOT NULL,
	message     TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	variable_id TEXT NOT NULL DEFAULT '',
	metadata    TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_variables_project ON variables(project_id, position);
CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);
CREATE INDEX IF NOT EXISTS idx_jobs_project_status ON processing_jobs(project_id, status);
CREATE INDEX IF NOT EXISTS idx_extractions_job_document ON extractions(job_id, document_id);
CREATE INDEX IF NOT EXISTS idx_logs_job_created ON processing_logs(job_id, created_at);
`
