package vaultkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBatchInFlight indicates a batch run was requested while the previous one is
// still executing. The caller should skip this tick rather than pile up runs.
var ErrBatchInFlight = errors.New("refresh.batch_in_flight")

const (
	defaultRefreshWindow   = 10 * time.Minute
	defaultParallelism     = 4
	defaultRequestTimeout  = 10 * time.Second
	defaultExpirySeconds   = 3600
	maxTokenResponseLength = 1 << 20
)

// RefreshOutcome classifies what happened to one connection during a run.
type RefreshOutcome string

const (
	// OutcomeRefreshed means a new access token was committed.
	OutcomeRefreshed RefreshOutcome = "refreshed"
	// OutcomeSkipped means the connection needed no work by the time its turn came.
	OutcomeSkipped RefreshOutcome = "skipped"
	// OutcomeTransient means the provider failed in a retryable way; untouched.
	OutcomeTransient RefreshOutcome = "transient_failure"
	// OutcomePermanent means the refresh token is unusable; needs_reauth was set
	// (or the provider is unknown, which is configuration drift).
	OutcomePermanent RefreshOutcome = "permanent_failure"
)

// ConnectionOutcome is the per-connection detail on a batch summary. It carries
// enough to log and debug, never token material.
type ConnectionOutcome struct {
	ConnectionID string         `json:"connection_id"`
	UserID       string         `json:"user_id"`
	Provider     string         `json:"provider"`
	Outcome      RefreshOutcome `json:"outcome"`
	Code         string         `json:"code,omitempty"`
}

// BatchSummary reports one engine run.
type BatchSummary struct {
	Checked         int                 `json:"checked"`
	Refreshed       int                 `json:"refreshed"`
	FailedTransient int                 `json:"failedTransient"`
	FailedPermanent int                 `json:"failedPermanent"`
	Details         []ConnectionOutcome `json:"details"`
}

// RefreshEngineConfig bounds the engine's work.
type RefreshEngineConfig struct {
	// Window selects connections whose token expires within this duration.
	Window time.Duration
	// Parallelism caps concurrent refresh calls so provider token endpoints are
	// not hammered by one batch.
	Parallelism int
	// RequestTimeout bounds each provider token-endpoint call.
	RequestTimeout time.Duration
}

func (config RefreshEngineConfig) withDefaults() RefreshEngineConfig {
	if config.Window <= 0 {
		config.Window = defaultRefreshWindow
	}
	if config.Parallelism <= 0 {
		config.Parallelism = defaultParallelism
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	return config
}

// RefreshEngine finds connections with tokens expiring soon and refreshes them
// against the owning provider's token endpoint. Failures are isolated per
// connection; one bad row never aborts a batch.
type RefreshEngine struct {
	store      ConnectionStore
	registry   *ProviderRegistry
	cipher     *TokenCipher
	httpClient *http.Client
	logger     *zap.Logger
	metrics    MetricsRecorder
	clock      Clock
	locks      *connectionLocks
	config     RefreshEngineConfig

	batchMutex sync.Mutex
}

// NewRefreshEngine wires an engine from fully-initialized dependencies.
func NewRefreshEngine(store ConnectionStore, registry *ProviderRegistry, tokenCipher *TokenCipher, httpClient *http.Client, logger *zap.Logger, metrics MetricsRecorder, clock Clock, config RefreshEngineConfig) *RefreshEngine {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &RefreshEngine{
		store:      store,
		registry:   registry,
		cipher:     tokenCipher,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
		clock:      clock,
		locks:      newConnectionLocks(),
		config:     config.withDefaults(),
	}
}

// Window returns the configured expiring-soon window.
func (engine *RefreshEngine) Window() time.Duration {
	return engine.config.Window
}

// RunBatch refreshes every connection expiring within the window. Only one batch
// runs at a time; an overlapping call fails fast with ErrBatchInFlight.
func (engine *RefreshEngine) RunBatch(ctx context.Context) (BatchSummary, error) {
	if !engine.batchMutex.TryLock() {
		return BatchSummary{}, ErrBatchInFlight
	}
	defer engine.batchMutex.Unlock()

	now := engine.clock.Now()
	expiring, findErr := engine.store.FindExpiringSoon(ctx, now, engine.config.Window)
	if findErr != nil {
		return BatchSummary{}, fmt.Errorf("refresh.run_batch: %w", findErr)
	}

	summary := BatchSummary{Checked: len(expiring)}
	if len(expiring) == 0 {
		return summary, nil
	}

	workQueue := make(chan Connection)
	outcomes := make([]ConnectionOutcome, 0, len(expiring))
	var outcomeMutex sync.Mutex
	var workers sync.WaitGroup

	workerCount := engine.config.Parallelism
	if workerCount > len(expiring) {
		workerCount = len(expiring)
	}
	for workerIndex := 0; workerIndex < workerCount; workerIndex++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for connection := range workQueue {
				outcome := engine.refreshOne(ctx, connection)
				outcomeMutex.Lock()
				outcomes = append(outcomes, outcome)
				outcomeMutex.Unlock()
			}
		}()
	}

	for _, connection := range expiring {
		workQueue <- connection
	}
	close(workQueue)
	workers.Wait()

	for _, outcome := range outcomes {
		switch outcome.Outcome {
		case OutcomeRefreshed:
			summary.Refreshed++
		case OutcomeTransient:
			summary.FailedTransient++
		case OutcomePermanent:
			summary.FailedPermanent++
		}
	}
	summary.Details = outcomes

	engine.logger.Info("token refresh batch complete",
		zap.String("code", "refresh.batch_complete"),
		zap.Int("checked", summary.Checked),
		zap.Int("refreshed", summary.Refreshed),
		zap.Int("failed_transient", summary.FailedTransient),
		zap.Int("failed_permanent", summary.FailedPermanent),
	)
	return summary, nil
}

// refreshOne serializes on the connection lock, re-reads the row, and refreshes
// it if it still needs work. Re-reading matters: the on-demand path may have
// refreshed this connection while the batch was waiting on the lock.
func (engine *RefreshEngine) refreshOne(ctx context.Context, connection Connection) ConnectionOutcome {
	engine.metrics.Increment(MetricRefreshChecked)
	outcome := ConnectionOutcome{
		ConnectionID: connection.ID,
		UserID:       connection.UserID,
		Provider:     connection.Provider,
	}

	release := engine.locks.Acquire(connection.ID)
	defer release()

	current, getErr := engine.store.Get(ctx, connection.UserID, connection.Provider)
	if getErr != nil {
		outcome.Outcome = OutcomeTransient
		outcome.Code = "reload_failed"
		engine.metrics.Increment(MetricRefreshTransientFailure)
		return outcome
	}
	if !current.Refreshable() {
		outcome.Outcome = OutcomeSkipped
		outcome.Code = "status_" + string(current.Status)
		return outcome
	}
	if !current.ExpiresWithin(engine.clock.Now(), engine.config.Window) {
		outcome.Outcome = OutcomeSkipped
		outcome.Code = "already_fresh"
		return outcome
	}

	result := engine.refreshLocked(ctx, current)
	outcome.Outcome = result.outcome
	outcome.Code = result.code

	switch result.outcome {
	case OutcomeRefreshed:
		engine.metrics.Increment(MetricRefreshSuccess)
	case OutcomeTransient:
		engine.metrics.Increment(MetricRefreshTransientFailure)
		engine.logger.Warn("token refresh failed, will retry next cycle",
			zap.String("code", "refresh.transient_failure"),
			zap.String("connection_id", current.ID),
			zap.String("provider", current.Provider),
			zap.String("reason", result.code))
	case OutcomePermanent:
		engine.metrics.Increment(MetricRefreshPermanentFailure)
		engine.logger.Error("token refresh failed permanently, reauth required",
			zap.String("code", "refresh.permanent_failure"),
			zap.String("connection_id", current.ID),
			zap.String("provider", current.Provider),
			zap.String("reason", result.code))
	}
	return outcome
}

type refreshResult struct {
	outcome RefreshOutcome
	code    string
}

// refreshLocked performs one refresh attempt. The caller holds the connection
// lock and has verified the connection is refreshable and expiring.
func (engine *RefreshEngine) refreshLocked(ctx context.Context, connection Connection) refreshResult {
	spec, lookupErr := engine.registry.Lookup(connection.Provider)
	if lookupErr != nil {
		engine.logger.Error("connection references unconfigured provider",
			zap.String("code", "refresh.unknown_provider"),
			zap.String("connection_id", connection.ID),
			zap.String("provider", connection.Provider))
		return refreshResult{outcome: OutcomePermanent, code: "unknown_provider"}
	}

	if strings.TrimSpace(connection.RefreshTokenCiphertext) == "" {
		engine.markNeedsReauth(ctx, connection, "missing_refresh_token")
		return refreshResult{outcome: OutcomePermanent, code: "missing_refresh_token"}
	}

	refreshToken, decryptErr := engine.cipher.Decrypt(connection.RefreshTokenCiphertext)
	if decryptErr != nil {
		// Wrong key or corrupt record: there is no path to auto-recovery, and
		// retrying forever is the bug this classification exists to prevent.
		engine.logger.Error("stored refresh token is undecryptable, likely key rotation without migration",
			zap.String("code", "refresh.decrypt_failed"),
			zap.String("connection_id", connection.ID),
			zap.String("provider", connection.Provider))
		engine.markNeedsReauth(ctx, connection, "refresh_token_undecryptable")
		return refreshResult{outcome: OutcomePermanent, code: "decrypt_failed"}
	}

	requestCtx, cancel := context.WithTimeout(ctx, engine.config.RequestTimeout)
	defer cancel()

	tokenResponse, callResult := engine.callTokenEndpoint(requestCtx, spec, refreshToken)
	if callResult.outcome == OutcomePermanent {
		engine.markNeedsReauth(ctx, connection, callResult.code)
		return callResult
	}
	if callResult.outcome != OutcomeRefreshed {
		return callResult
	}

	now := engine.clock.Now()
	expiresIn := tokenResponse.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpirySeconds
	}
	accessCiphertext, encryptAccessErr := engine.cipher.Encrypt(tokenResponse.AccessToken)
	if encryptAccessErr != nil {
		return refreshResult{outcome: OutcomeTransient, code: "encrypt_failed"}
	}
	update := RefreshUpdate{
		AccessTokenCiphertext: accessCiphertext,
		TokenExpiresAt:        now.Add(time.Duration(expiresIn) * time.Second),
		RefreshedAt:           now,
	}
	// Providers that rotate refresh tokens return a new one; Google famously
	// omits it, in which case the stored ciphertext is retained untouched.
	if tokenResponse.RefreshToken != "" {
		rotatedCiphertext, encryptRotatedErr := engine.cipher.Encrypt(tokenResponse.RefreshToken)
		if encryptRotatedErr != nil {
			return refreshResult{outcome: OutcomeTransient, code: "encrypt_failed"}
		}
		update.RefreshTokenCiphertext = rotatedCiphertext
	}
	if upsertErr := engine.store.UpsertAfterRefresh(ctx, connection.ID, update); upsertErr != nil {
		return refreshResult{outcome: OutcomeTransient, code: "store_update_failed"}
	}
	return refreshResult{outcome: OutcomeRefreshed}
}

type providerTokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

type providerErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// callTokenEndpoint sends the provider-specific refresh request and classifies
// the response. Explicit OAuth errors on 4xx are permanent; everything else that
// goes wrong is transient and retried on a later cycle.
func (engine *RefreshEngine) callTokenEndpoint(ctx context.Context, spec ProviderSpec, refreshToken string) (providerTokenResponse, refreshResult) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if spec.AuthStyle == AuthStyleFormBody {
		form.Set("client_id", spec.ClientID)
		form.Set("client_secret", spec.ClientSecret)
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, spec.TokenEndpoint, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return providerTokenResponse{}, refreshResult{outcome: OutcomeTransient, code: "request_build_failed"}
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")
	if spec.AuthStyle == AuthStyleBasicHeader {
		request.SetBasicAuth(spec.ClientID, spec.ClientSecret)
	}

	response, doErr := engine.httpClient.Do(request)
	if doErr != nil {
		return providerTokenResponse{}, refreshResult{outcome: OutcomeTransient, code: "network_error"}
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxTokenResponseLength))
	if readErr != nil {
		return providerTokenResponse{}, refreshResult{outcome: OutcomeTransient, code: "response_read_failed"}
	}

	switch {
	case response.StatusCode == http.StatusOK:
		var tokenResponse providerTokenResponse
		if decodeErr := json.Unmarshal(body, &tokenResponse); decodeErr != nil || tokenResponse.AccessToken == "" {
			return providerTokenResponse{}, refreshResult{outcome: OutcomeTransient, code: "malformed_response"}
		}
		return tokenResponse, refreshResult{outcome: OutcomeRefreshed}
	case response.StatusCode == http.StatusBadRequest || response.StatusCode == http.StatusUnauthorized:
		var errorResponse providerErrorResponse
		if decodeErr := json.Unmarshal(body, &errorResponse); decodeErr == nil && errorResponse.Error != "" {
			// invalid_grant / invalid_client: the refresh token is dead. Do not
			// conflate this with a provider blip; that mistake forces users
			// through unnecessary reconnects.
			return providerTokenResponse{}, refreshResult{outcome: OutcomePermanent, code: errorResponse.Error}
		}
		return providerTokenResponse{}, refreshResult{outcome: OutcomeTransient, code: fmt.Sprintf("http_%d", response.StatusCode)}
	default:
		return providerTokenResponse{}, refreshResult{outcome: OutcomeTransient, code: fmt.Sprintf("http_%d", response.StatusCode)}
	}
}

func (engine *RefreshEngine) markNeedsReauth(ctx context.Context, connection Connection, reason string) {
	if markErr := engine.store.MarkNeedsReauth(ctx, connection.ID, reason); markErr != nil {
		engine.logger.Error("failed to mark connection needs_reauth",
			zap.String("code", "refresh.mark_needs_reauth_failed"),
			zap.String("connection_id", connection.ID),
			zap.String("provider", connection.Provider),
			zap.Error(markErr))
	}
}
