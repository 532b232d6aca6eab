package session

// Schema contains the SQL statements to create the upload session schema.
const Schema = `
-- Upload sessions: durable records of in-progress and finished uploads.
CREATE TABLE IF NOT EXISTS tus_uploads (
    id              TEXT PRIMARY KEY,
    fingerprint     TEXT NOT NULL,
    owner           TEXT NOT NULL,
    size            INTEGER NOT NULL,
    offset          INTEGER NOT NULL DEFAULT 0,
    filename        TEXT NOT NULL,
    content_type    TEXT,
    metadata        TEXT,
    partial         INTEGER NOT NULL DEFAULT 0,
    backend         TEXT NOT NULL DEFAULT 'local',
    cloud_upload_id TEXT,
    cloud_key       TEXT,
    parts           TEXT,
    status          TEXT NOT NULL DEFAULT 'active',
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);

-- Fast fingerprint lookup for refresh-resume.
CREATE INDEX IF NOT EXISTS idx_uploads_fingerprint ON tus_uploads(fingerprint, owner);

-- Janitor scans by age.
CREATE INDEX IF NOT EXISTS idx_uploads_created ON tus_uploads(created_at);

-- At most one active session per (fingerprint, owner).
CREATE UNIQUE INDEX IF NOT EXISTS idx_uploads_active
    ON tus_uploads(fingerprint, owner) WHERE status = 'active';
`
