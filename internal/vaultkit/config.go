package vaultkit

import "time"

// ServiceConfig carries the validated process configuration for the token vault.
// It is loaded once at startup; nothing re-reads the environment afterwards.
type ServiceConfig struct {
	// EncryptionKey is the 64-hex-char AES-256 key for the token cipher.
	EncryptionKey string
	// SessionSigningKey verifies session JWTs minted by the main application.
	SessionSigningKey []byte
	// SessionIssuer is the expected issuer claim on session JWTs.
	SessionIssuer string
	// SessionCookieName is the cookie the dashboard sends sessions in.
	SessionCookieName string
	// CronSecret authorizes the external scheduler on the refresh trigger route.
	CronSecret string
	// RefreshInterval is the in-process scheduler tick; 0 disables the ticker
	// (external-trigger-only deployments).
	RefreshInterval time.Duration
	// Engine bounds the batch refresh work.
	Engine RefreshEngineConfig
	// TokenSource bounds the on-demand path.
	TokenSource TokenSourceConfig
}
