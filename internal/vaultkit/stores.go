package vaultkit

import (
	"context"
	"time"
)

// ConnectionStore persists platform connections and their encrypted tokens.
//
// Status is written only through Create, UpsertAfterRefresh, MarkNeedsReauth, and
// Disconnect; nothing mutates connection fields ad hoc, which keeps the
// token+expiry atomicity invariant in one place.
type ConnectionStore interface {
	// Create inserts or replaces the connection for (user, provider) after a
	// completed authorization-code exchange. Relinking resets status to connected.
	Create(ctx context.Context, params NewConnectionParams) (Connection, error)
	// Get returns the connection for the pair, or ErrConnectionNotFound.
	Get(ctx context.Context, userID string, provider string) (Connection, error)
	// ListForUser returns all connections of one user, any status.
	ListForUser(ctx context.Context, userID string) ([]Connection, error)
	// FindExpiringSoon returns connections whose token expires within the window.
	// Connections with no expiry, disconnected connections, and needs_reauth
	// connections are never returned.
	FindExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]Connection, error)
	// UpsertAfterRefresh commits a successful refresh atomically: access token
	// ciphertext, expiry, optional rotated refresh token ciphertext, and the
	// refresh audit fields all update together or not at all.
	UpsertAfterRefresh(ctx context.Context, connectionID string, update RefreshUpdate) error
	// MarkNeedsReauth flips status to needs_reauth with a reason. Tokens are left
	// in place for forensics but must no longer be used.
	MarkNeedsReauth(ctx context.Context, connectionID string, reason string) error
	// Disconnect sets status to disconnected, keeping the row for audit history.
	Disconnect(ctx context.Context, userID string, provider string) error
}
