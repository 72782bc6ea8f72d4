package vaultkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultExpiryMargin         = 5 * time.Minute
	defaultOnDemandRefreshLimit = 8 * time.Second
)

// TokenSourceConfig bounds the on-demand path.
type TokenSourceConfig struct {
	// ExpiryMargin is the safety margin under which a token is refreshed before
	// being handed out.
	ExpiryMargin time.Duration
	// RefreshTimeout bounds a lazy refresh so a stuck provider cannot stall the
	// data-extraction request that needs the token. On timeout the caller gets
	// ErrTransient, never needs_reauth.
	RefreshTimeout time.Duration
}

func (config TokenSourceConfig) withDefaults() TokenSourceConfig {
	if config.ExpiryMargin <= 0 {
		config.ExpiryMargin = defaultExpiryMargin
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaultOnDemandRefreshLimit
	}
	return config
}

// TokenSource hands out valid access tokens to data-extraction code,
// transparently refreshing expiring ones. It shares the refresh engine's
// per-connection locks so the batch and lazy paths never double-refresh.
type TokenSource struct {
	store   ConnectionStore
	cipher  *TokenCipher
	engine  *RefreshEngine
	logger  *zap.Logger
	metrics MetricsRecorder
	clock   Clock
	config  TokenSourceConfig
}

// NewTokenSource wires a TokenSource onto an existing engine.
func NewTokenSource(store ConnectionStore, tokenCipher *TokenCipher, engine *RefreshEngine, logger *zap.Logger, metrics MetricsRecorder, clock Clock, config TokenSourceConfig) *TokenSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenSource{
		store:   store,
		cipher:  tokenCipher,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
		config:  config.withDefaults(),
	}
}

// ValidAccessToken returns a plaintext access token that is valid for at least
// the configured margin. Callers must not persist or log it.
//
// Errors: ErrNotConnected (no row or user disconnected), ErrReauthRequired (the
// user must redo the provider authorization), ErrTransient (retry shortly).
func (source *TokenSource) ValidAccessToken(ctx context.Context, userID string, provider string) (string, error) {
	connection, getErr := source.store.Get(ctx, userID, provider)
	if getErr != nil {
		if errors.Is(getErr, ErrConnectionNotFound) {
			return "", fmt.Errorf("token_source.get.%s: %w", provider, ErrNotConnected)
		}
		return "", fmt.Errorf("token_source.get.%s: %w", provider, ErrTransient)
	}

	switch connection.Status {
	case StatusDisconnected:
		return "", fmt.Errorf("token_source.%s: %w", provider, ErrNotConnected)
	case StatusNeedsReauth:
		return "", fmt.Errorf("token_source.%s: %w", provider, ErrReauthRequired)
	}

	now := source.clock.Now()
	if !connection.ExpiresWithin(now, source.config.ExpiryMargin) {
		source.metrics.Increment(MetricTokenSourceHit)
		return source.decryptAccessToken(ctx, connection)
	}

	// Token is expiring: refresh inline, serialized on the connection lock. If a
	// batch refresh is in flight we block briefly on the lock and usually find a
	// fresh token on re-read instead of spending our own refresh attempt.
	refreshCtx, cancel := context.WithTimeout(ctx, source.config.RefreshTimeout)
	defer cancel()

	release := source.engine.locks.Acquire(connection.ID)
	defer release()

	current, reloadErr := source.store.Get(refreshCtx, userID, provider)
	if reloadErr != nil {
		return "", fmt.Errorf("token_source.reload.%s: %w", provider, ErrTransient)
	}
	switch current.Status {
	case StatusDisconnected:
		return "", fmt.Errorf("token_source.%s: %w", provider, ErrNotConnected)
	case StatusNeedsReauth:
		return "", fmt.Errorf("token_source.%s: %w", provider, ErrReauthRequired)
	}
	if !current.ExpiresWithin(source.clock.Now(), source.config.ExpiryMargin) {
		source.metrics.Increment(MetricTokenSourceHit)
		return source.decryptAccessToken(refreshCtx, current)
	}

	source.metrics.Increment(MetricTokenSourceRefresh)
	result := source.engine.refreshLocked(refreshCtx, current)
	switch result.outcome {
	case OutcomeRefreshed:
		refreshed, refetchErr := source.store.Get(refreshCtx, userID, provider)
		if refetchErr != nil {
			return "", fmt.Errorf("token_source.refetch.%s: %w", provider, ErrTransient)
		}
		return source.decryptAccessToken(refreshCtx, refreshed)
	case OutcomePermanent:
		return "", fmt.Errorf("token_source.%s.%s: %w", provider, result.code, ErrReauthRequired)
	default:
		return "", fmt.Errorf("token_source.%s.%s: %w", provider, result.code, ErrTransient)
	}
}

// decryptAccessToken opens the stored access token. An undecryptable access
// token gets the same treatment as an undecryptable refresh token: the user has
// to relink, there is nothing to retry.
func (source *TokenSource) decryptAccessToken(ctx context.Context, connection Connection) (string, error) {
	plaintext, decryptErr := source.cipher.Decrypt(connection.AccessTokenCiphertext)
	if decryptErr != nil {
		source.logger.Error("stored access token is undecryptable",
			zap.String("code", "token_source.decrypt_failed"),
			zap.String("connection_id", connection.ID),
			zap.String("provider", connection.Provider))
		if markErr := source.store.MarkNeedsReauth(ctx, connection.ID, "access_token_undecryptable"); markErr != nil {
			source.logger.Error("failed to mark connection needs_reauth",
				zap.String("code", "token_source.mark_needs_reauth_failed"),
				zap.String("connection_id", connection.ID),
				zap.Error(markErr))
		}
		return "", fmt.Errorf("token_source.decrypt.%s: %w", connection.Provider, ErrReauthRequired)
	}
	return plaintext, nil
}
