package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is applied idempotently at startup. Indices follow the read paths:
// job history by (user_id, created_at desc) and housekeeping by (status).
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id               TEXT PRIMARY KEY,
	email            TEXT NOT NULL UNIQUE,
	password_hash    TEXT NOT NULL DEFAULT '',
	role             TEXT NOT NULL DEFAULT 'user',
	plan             TEXT NOT NULL DEFAULT 'free',
	plan_started_at  TIMESTAMPTZ,
	plan_expires_at  TIMESTAMPTZ,
	daily_count      INTEGER NOT NULL DEFAULT 0 CHECK (daily_count >= 0),
	last_count_reset DATE NOT NULL DEFAULT CURRENT_DATE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tokens (
	id                  TEXT PRIMARY KEY,
	value               TEXT NOT NULL UNIQUE,
	label               TEXT NOT NULL DEFAULT '',
	active              BOOLEAN NOT NULL DEFAULT TRUE,
	current_batch_count INTEGER NOT NULL DEFAULT 0 CHECK (current_batch_count >= 0),
	total_generated     BIGINT NOT NULL DEFAULT 0,
	batch_started_at    TIMESTAMPTZ,
	last_used_at        TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS token_settings (
	id                    BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
	last_used_token_index INTEGER NOT NULL DEFAULT 0,
	videos_per_batch      INTEGER NOT NULL DEFAULT 10,
	batch_delay_seconds   INTEGER NOT NULL DEFAULT 30
);
INSERT INTO token_settings (id) VALUES (TRUE) ON CONFLICT DO NOTHING;

CREATE TABLE IF NOT EXISTS videos (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL REFERENCES users(id),
	prompt              TEXT NOT NULL,
	aspect_ratio        TEXT NOT NULL DEFAULT 'landscape',
	status              TEXT NOT NULL DEFAULT 'pending',
	video_url           TEXT,
	operation_name      TEXT,
	scene_id            TEXT,
	token_used          TEXT,
	retry_count         INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT NOT NULL DEFAULT '',
	metadata            JSONB,
	reference_image_url TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_videos_user_created ON videos (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_videos_status ON videos (status);
`

// EnsureSchema creates tables and indices if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	return nil
}
