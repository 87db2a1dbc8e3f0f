package storage

// schema is the bootstrap DDL. Statements are idempotent so Init can run
// on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    path            TEXT NOT NULL UNIQUE,
    description     TEXT,
    framework       TEXT,
    language        TEXT,
    package_manager TEXT,
    file_count      INTEGER NOT NULL DEFAULT 0,
    lines_of_code   INTEGER NOT NULL DEFAULT 0,
    size_bytes      BIGINT NOT NULL DEFAULT 0,
    last_modified   TIMESTAMPTZ,
    status          TEXT NOT NULL DEFAULT 'DISCOVERED',
    is_active       BOOLEAN NOT NULL DEFAULT TRUE,
    discovered_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    analyzed_at     TIMESTAMPTZ,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS project_analyses (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    summary          TEXT NOT NULL DEFAULT '',
    tech_stack       JSONB NOT NULL DEFAULT '{}',
    complexity       TEXT NOT NULL DEFAULT 'moderate',
    recommendations  JSONB NOT NULL DEFAULT '[]',
    completion_score INTEGER NOT NULL DEFAULT 0,
    maturity_level   TEXT NOT NULL DEFAULT 'poc',
    production_gaps  JSONB NOT NULL DEFAULT '[]',
    estimated_value  JSONB NOT NULL DEFAULT '{}',
    model            TEXT NOT NULL DEFAULT '',
    tokens_used      INTEGER NOT NULL DEFAULT 0,
    cache_hit        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tags (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    color      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS project_tags (
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    tag_id     TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (project_id, tag_id)
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_projects_discovered_at ON projects(discovered_at);
CREATE INDEX IF NOT EXISTS idx_projects_status_discovered_at ON projects(status, discovered_at);
CREATE INDEX IF NOT EXISTS idx_projects_framework ON projects(framework);
CREATE INDEX IF NOT EXISTS idx_projects_language ON projects(language);
CREATE INDEX IF NOT EXISTS idx_project_analyses_project_id ON project_analyses(project_id);
CREATE INDEX IF NOT EXISTS idx_project_analyses_created_at ON project_analyses(created_at);
`
