package vaultkit

import (
	"time"
)

// ConnectionStatus enumerates the lifecycle states of a platform connection.
type ConnectionStatus string

const (
	// StatusConnected means the connection holds a usable (or refreshable) token.
	StatusConnected ConnectionStatus = "connected"
	// StatusNeedsReauth means automated refresh failed permanently; the user must
	// redo the provider authorization flow.
	StatusNeedsReauth ConnectionStatus = "needs_reauth"
	// StatusDisconnected means the user disconnected the platform. The row is kept
	// for audit history but is invisible to refresh logic.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusError marks configuration-level faults such as an unknown provider.
	StatusError ConnectionStatus = "error"
)

// Connection is one user's link to one OAuth provider. Token fields hold
// TokenCipher records, never plaintext.
type Connection struct {
	ID                     string           `gorm:"column:id;primaryKey"`
	UserID                 string           `gorm:"column:user_id;uniqueIndex:idx_connections_user_provider,priority:1;not null"`
	Provider               string           `gorm:"column:provider;uniqueIndex:idx_connections_user_provider,priority:2;not null"`
	AccessTokenCiphertext  string           `gorm:"column:access_token;type:text;not null"`
	RefreshTokenCiphertext string           `gorm:"column:refresh_token;type:text"`
	TokenExpiresAt         *time.Time       `gorm:"column:token_expires_at"`
	Status                 ConnectionStatus `gorm:"column:status;not null;default:connected"`
	StatusReason           string           `gorm:"column:status_reason"`
	LastSyncAt             *time.Time       `gorm:"column:last_sync_at"`
	LastSyncStatus         string           `gorm:"column:last_sync_status"`
	LastTokenRefresh       *time.Time       `gorm:"column:last_token_refresh"`
	TokenRefreshCount      int64            `gorm:"column:token_refresh_count;not null;default:0"`
	CreatedAt              time.Time        `gorm:"column:created_at"`
	UpdatedAt              time.Time        `gorm:"column:updated_at"`
}

// TableName names the backing table.
func (Connection) TableName() string {
	return "platform_connections"
}

// ExpiresWithin reports whether the access token expires inside the window. A nil
// expiry means the token never expires and is therefore never "expiring soon".
func (connection Connection) ExpiresWithin(now time.Time, window time.Duration) bool {
	if connection.TokenExpiresAt == nil {
		return false
	}
	return now.Add(window).After(*connection.TokenExpiresAt)
}

// Refreshable reports whether the refresh engine may touch this connection.
func (connection Connection) Refreshable() bool {
	return connection.Status == StatusConnected || connection.Status == StatusError
}

// NewConnectionParams carries an already-exchanged token pair from the
// authorization-code flow, pre-encryption.
type NewConnectionParams struct {
	UserID                 string
	Provider               string
	AccessTokenCiphertext  string
	RefreshTokenCiphertext string
	TokenExpiresAt         *time.Time
}

// RefreshUpdate carries the fields that must land atomically after a successful
// refresh. RefreshTokenCiphertext is empty when the provider did not rotate the
// refresh token, in which case the stored one is retained as-is.
type RefreshUpdate struct {
	AccessTokenCiphertext  string
	TokenExpiresAt         time.Time
	RefreshTokenCiphertext string
	RefreshedAt            time.Time
}
