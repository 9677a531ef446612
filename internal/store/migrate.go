package store

import (
	"context"
	"fmt"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS students (
	id            BIGSERIAL PRIMARY KEY,
	full_name     TEXT NOT NULL,
	registration  TEXT UNIQUE,
	cohort        VARCHAR(2) NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS operators (
	id             BIGSERIAL PRIMARY KEY,
	username       TEXT UNIQUE NOT NULL,
	full_name      TEXT NOT NULL,
	password_hash  TEXT NOT NULL,
	is_admin       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS fingerprints (
	sensor_id    INTEGER PRIMARY KEY,
	student_id   BIGINT REFERENCES students(id) ON DELETE CASCADE,
	operator_id  BIGINT REFERENCES operators(id) ON DELETE CASCADE,
	created_at   TIMESTAMPTZ NOT NULL,
	CHECK ((student_id IS NULL) <> (operator_id IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_student ON fingerprints(student_id);
CREATE INDEX IF NOT EXISTS idx_fingerprints_operator ON fingerprints(operator_id);

CREATE TABLE IF NOT EXISTS withdrawals (
	id            BIGSERIAL PRIMARY KEY,
	student_id    BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	withdrawn_on  VARCHAR(10) NOT NULL,
	withdrawn_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (student_id, withdrawn_on)
);
CREATE INDEX IF NOT EXISTS idx_withdrawals_day ON withdrawals(withdrawn_on);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token        TEXT PRIMARY KEY,
	operator_id  BIGINT NOT NULL REFERENCES operators(id) ON DELETE CASCADE,
	expires_at   TIMESTAMPTZ NOT NULL,
	revoked      BOOLEAN NOT NULL DEFAULT FALSE
);
`

const sqliteSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS students (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	full_name     TEXT NOT NULL,
	registration  TEXT UNIQUE,
	cohort        TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS operators (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	username       TEXT UNIQUE NOT NULL,
	full_name      TEXT NOT NULL,
	password_hash  TEXT NOT NULL,
	is_admin       BOOLEAN NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fingerprints (
	sensor_id    INTEGER PRIMARY KEY,
	student_id   INTEGER REFERENCES students(id) ON DELETE CASCADE,
	operator_id  INTEGER REFERENCES operators(id) ON DELETE CASCADE,
	created_at   DATETIME NOT NULL,
	CHECK ((student_id IS NULL) <> (operator_id IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_student ON fingerprints(student_id);
CREATE INDEX IF NOT EXISTS idx_fingerprints_operator ON fingerprints(operator_id);

CREATE TABLE IF NOT EXISTS withdrawals (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	student_id    INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
	withdrawn_on  TEXT NOT NULL,
	withdrawn_at  DATETIME NOT NULL,
	UNIQUE (student_id, withdrawn_on)
);
CREATE INDEX IF NOT EXISTS idx_withdrawals_day ON withdrawals(withdrawn_on);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token        TEXT PRIMARY KEY,
	operator_id  INTEGER NOT NULL REFERENCES operators(id) ON DELETE CASCADE,
	expires_at   DATETIME NOT NULL,
	revoked      BOOLEAN NOT NULL DEFAULT 0
);
`

// Migrate creates the schema if it does not exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if d.Dialect == SQLite {
		schema = sqliteSchema
	}
	if _, err := d.Client.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s: %w", d.Dialect, err)
	}
	return nil
}
