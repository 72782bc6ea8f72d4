package vaultkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the connections table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS platform_connections (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL DEFAULT '',
    token_expires_at TIMESTAMPTZ,
    status TEXT NOT NULL DEFAULT 'connected',
    status_reason TEXT NOT NULL DEFAULT '',
    last_sync_at TIMESTAMPTZ,
    last_sync_status TEXT NOT NULL DEFAULT '',
    last_token_refresh TIMESTAMPTZ,
    token_refresh_count BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (user_id, provider)
);
CREATE INDEX IF NOT EXISTS idx_platform_connections_user ON platform_connections (user_id);
CREATE INDEX IF NOT EXISTS idx_platform_connections_expiry ON platform_connections (token_expires_at) WHERE token_expires_at IS NOT NULL;
`)
	return err
}
