package vaultkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/twinlearn/soulvault/internal/vaultkit"
)

// PostgresConnectionStore persists platform connections in PostgreSQL via pgx.
// Deployments that want raw SQL instead of GORM wire this implementation.
type PostgresConnectionStore struct {
	pool  *pgxpool.Pool
	clock vaultkit.Clock
}

// NewPostgresConnectionStore constructs a Postgres store.
func NewPostgresConnectionStore(pool *pgxpool.Pool, clock vaultkit.Clock) *PostgresConnectionStore {
	if clock == nil {
		clock = vaultkit.NewSystemClock()
	}
	return &PostgresConnectionStore{pool: pool, clock: clock}
}

const connectionColumns = `
id, user_id, provider, access_token, refresh_token, token_expires_at,
status, status_reason, last_sync_at, last_sync_status,
last_token_refresh, token_refresh_count, created_at, updated_at`

func (store *PostgresConnectionStore) scanConnection(row pgx.Row) (vaultkit.Connection, error) {
	var connection vaultkit.Connection
	var status string
	err := row.Scan(
		&connection.ID, &connection.UserID, &connection.Provider,
		&connection.AccessTokenCiphertext, &connection.RefreshTokenCiphertext,
		&connection.TokenExpiresAt, &status, &connection.StatusReason,
		&connection.LastSyncAt, &connection.LastSyncStatus,
		&connection.LastTokenRefresh, &connection.TokenRefreshCount,
		&connection.CreatedAt, &connection.UpdatedAt,
	)
	if err != nil {
		return vaultkit.Connection{}, err
	}
	connection.Status = vaultkit.ConnectionStatus(status)
	return connection, nil
}

// Create inserts or replaces the connection for (user, provider).
func (store *PostgresConnectionStore) Create(ctx context.Context, params vaultkit.NewConnectionParams) (vaultkit.Connection, error) {
	now := store.clock.Now()
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO platform_connections (id, user_id, provider, access_token, refresh_token, token_expires_at, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'connected', $7, $7)
ON CONFLICT (user_id, provider) DO UPDATE SET
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    token_expires_at = EXCLUDED.token_expires_at,
    status = 'connected',
    status_reason = '',
    updated_at = EXCLUDED.updated_at
`, uuid.NewString(), params.UserID, params.Provider, params.AccessTokenCiphertext, params.RefreshTokenCiphertext, params.TokenExpiresAt, now)
	if execErr != nil {
		return vaultkit.Connection{}, fmt.Errorf("connection_store.create.postgres: %w", execErr)
	}
	return store.Get(ctx, params.UserID, params.Provider)
}

// Get returns the connection for the pair, or vaultkit.ErrConnectionNotFound.
func (store *PostgresConnectionStore) Get(ctx context.Context, userID string, provider string) (vaultkit.Connection, error) {
	row := store.pool.QueryRow(ctx, `
SELECT `+connectionColumns+`
FROM platform_connections
WHERE user_id = $1 AND provider = $2
`, userID, provider)
	connection, scanErr := store.scanConnection(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return vaultkit.Connection{}, fmt.Errorf("connection_store.get.postgres: %w", vaultkit.ErrConnectionNotFound)
		}
		return vaultkit.Connection{}, fmt.Errorf("connection_store.get.postgres: %w", scanErr)
	}
	return connection, nil
}

// ListForUser returns all connections of one user ordered by provider.
func (store *PostgresConnectionStore) ListForUser(ctx context.Context, userID string) ([]vaultkit.Connection, error) {
	rows, queryErr := store.pool.Query(ctx, `
SELECT `+connectionColumns+`
FROM platform_connections
WHERE user_id = $1
ORDER BY provider
`, userID)
	if queryErr != nil {
		return nil, fmt.Errorf("connection_store.list.postgres: %w", queryErr)
	}
	defer rows.Close()

	var connections []vaultkit.Connection
	for rows.Next() {
		connection, scanErr := store.scanConnection(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("connection_store.list.postgres: %w", scanErr)
		}
		connections = append(connections, connection)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("connection_store.list.postgres: %w", rowsErr)
	}
	return connections, nil
}

// FindExpiringSoon returns refreshable connections expiring within the window.
func (store *PostgresConnectionStore) FindExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]vaultkit.Connection, error) {
	rows, queryErr := store.pool.Query(ctx, `
SELECT `+connectionColumns+`
FROM platform_connections
WHERE token_expires_at IS NOT NULL
  AND token_expires_at < $1
  AND status IN ('connected', 'error')
ORDER BY token_expires_at
`, now.Add(window))
	if queryErr != nil {
		return nil, fmt.Errorf("connection_store.find_expiring.postgres: %w", queryErr)
	}
	defer rows.Close()

	var connections []vaultkit.Connection
	for rows.Next() {
		connection, scanErr := store.scanConnection(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("connection_store.find_expiring.postgres: %w", scanErr)
		}
		connections = append(connections, connection)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("connection_store.find_expiring.postgres: %w", rowsErr)
	}
	return connections, nil
}

// UpsertAfterRefresh commits a successful refresh in a single UPDATE. The
// refresh token column is only replaced when the provider rotated it.
func (store *PostgresConnectionStore) UpsertAfterRefresh(ctx context.Context, connectionID string, update vaultkit.RefreshUpdate) error {
	tag, execErr := store.pool.Exec(ctx, `
UPDATE platform_connections SET
    access_token = $1,
    token_expires_at = $2,
    refresh_token = CASE WHEN $3 <> '' THEN $3 ELSE refresh_token END,
    last_token_refresh = $4,
    token_refresh_count = token_refresh_count + 1,
    status = 'connected',
    status_reason = '',
    updated_at = $5
WHERE id = $6
`, update.AccessTokenCiphertext, update.TokenExpiresAt, update.RefreshTokenCiphertext, update.RefreshedAt, store.clock.Now(), connectionID)
	if execErr != nil {
		return fmt.Errorf("connection_store.upsert_after_refresh.postgres: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection_store.upsert_after_refresh.postgres: %w", vaultkit.ErrConnectionNotFound)
	}
	return nil
}

// MarkNeedsReauth flips status without touching token columns.
func (store *PostgresConnectionStore) MarkNeedsReauth(ctx context.Context, connectionID string, reason string) error {
	tag, execErr := store.pool.Exec(ctx, `
UPDATE platform_connections SET
    status = 'needs_reauth',
    status_reason = $1,
    updated_at = $2
WHERE id = $3
`, reason, store.clock.Now(), connectionID)
	if execErr != nil {
		return fmt.Errorf("connection_store.mark_needs_reauth.postgres: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection_store.mark_needs_reauth.postgres: %w", vaultkit.ErrConnectionNotFound)
	}
	return nil
}

// Disconnect sets status to disconnected while keeping the row.
func (store *PostgresConnectionStore) Disconnect(ctx context.Context, userID string, provider string) error {
	tag, execErr := store.pool.Exec(ctx, `
UPDATE platform_connections SET
    status = 'disconnected',
    status_reason = 'user_disconnect',
    updated_at = $1
WHERE user_id = $2 AND provider = $3
`, store.clock.Now(), userID, provider)
	if execErr != nil {
		return fmt.Errorf("connection_store.disconnect.postgres: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection_store.disconnect.postgres: %w", vaultkit.ErrConnectionNotFound)
	}
	return nil
}
