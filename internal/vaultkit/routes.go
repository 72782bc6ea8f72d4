package vaultkit

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/twinlearn/soulvault/pkg/sessionvalidator"
)

const claimsContextKey = "auth_claims"

// RouteDeps bundles the fully-initialized dependencies the routes close over.
// Everything is constructed in main before the router starts serving; no
// handler ever touches a lazily-populated global.
type RouteDeps struct {
	Store      ConnectionStore
	Cipher     *TokenCipher
	Registry   *ProviderRegistry
	Engine     *RefreshEngine
	Source     *TokenSource
	Validator  *sessionvalidator.Validator
	Logger     *zap.Logger
	Clock      Clock
	CronSecret string
}

// MountVaultRoutes registers the connection API under /api (session protected),
// the scheduler trigger under /tasks/refresh (cron secret), and /healthz.
func MountVaultRoutes(router gin.IRouter, deps RouteDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = NewSystemClock()
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/tasks/refresh", func(contextGin *gin.Context) {
		if !cronRequestAuthorized(contextGin.Request, deps.CronSecret) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		summary, runErr := deps.Engine.RunBatch(contextGin.Request.Context())
		if runErr != nil {
			if errors.Is(runErr, ErrBatchInFlight) {
				contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "batch_in_flight"})
				return
			}
			logger.Error("triggered refresh batch failed",
				zap.String("code", "routes.refresh_trigger_failed"),
				zap.Error(runErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "batch_failed"})
			return
		}
		contextGin.JSON(http.StatusOK, summary)
	})

	authenticated := router.Group("/api")
	authenticated.Use(deps.Validator.GinMiddleware(claimsContextKey))

	authenticated.GET("/connections", func(contextGin *gin.Context) {
		userID, ok := sessionUserID(contextGin)
		if !ok {
			return
		}
		connections, listErr := deps.Store.ListForUser(contextGin.Request.Context(), userID)
		if listErr != nil {
			logger.Error("failed to list connections",
				zap.String("code", "routes.list_failed"),
				zap.Error(listErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
			return
		}
		now := clock.Now()
		views := make([]connectionView, 0, len(connections))
		for _, connection := range connections {
			views = append(views, newConnectionView(connection, now))
		}
		contextGin.JSON(http.StatusOK, gin.H{"connections": views})
	})

	authenticated.POST("/connections/:provider", func(contextGin *gin.Context) {
		userID, ok := sessionUserID(contextGin)
		if !ok {
			return
		}
		provider := contextGin.Param("provider")
		if _, lookupErr := deps.Registry.Lookup(provider); lookupErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
			return
		}

		var inbound struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
		}
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil || strings.TrimSpace(inbound.AccessToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}

		accessCiphertext, encryptAccessErr := deps.Cipher.Encrypt(inbound.AccessToken)
		if encryptAccessErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		params := NewConnectionParams{
			UserID:                userID,
			Provider:              provider,
			AccessTokenCiphertext: accessCiphertext,
		}
		if inbound.RefreshToken != "" {
			refreshCiphertext, encryptRefreshErr := deps.Cipher.Encrypt(inbound.RefreshToken)
			if encryptRefreshErr != nil {
				contextGin.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			params.RefreshTokenCiphertext = refreshCiphertext
		}
		now := clock.Now()
		if inbound.ExpiresIn > 0 {
			expiresAt := now.Add(time.Duration(inbound.ExpiresIn) * time.Second)
			params.TokenExpiresAt = &expiresAt
		}

		connection, createErr := deps.Store.Create(contextGin.Request.Context(), params)
		if createErr != nil {
			logger.Error("failed to store connection",
				zap.String("code", "routes.link_failed"),
				zap.String("provider", provider),
				zap.Error(createErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "link_failed"})
			return
		}
		contextGin.JSON(http.StatusCreated, newConnectionView(connection, now))
	})

	authenticated.GET("/connections/:provider/token", func(contextGin *gin.Context) {
		userID, ok := sessionUserID(contextGin)
		if !ok {
			return
		}
		provider := contextGin.Param("provider")
		accessToken, tokenErr := deps.Source.ValidAccessToken(contextGin.Request.Context(), userID, provider)
		if tokenErr != nil {
			switch {
			case errors.Is(tokenErr, ErrNotConnected):
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_connected"})
			case errors.Is(tokenErr, ErrReauthRequired):
				contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "reauth_required"})
			default:
				contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "transient"})
			}
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"provider":     provider,
			"access_token": accessToken,
		})
	})

	authenticated.DELETE("/connections/:provider", func(contextGin *gin.Context) {
		userID, ok := sessionUserID(contextGin)
		if !ok {
			return
		}
		provider := contextGin.Param("provider")
		if disconnectErr := deps.Store.Disconnect(contextGin.Request.Context(), userID, provider); disconnectErr != nil {
			if errors.Is(disconnectErr, ErrConnectionNotFound) {
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_connected"})
				return
			}
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "disconnect_failed"})
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
}

// connectionView is the dashboard-safe projection of a connection: status plus
// a derived token_expired flag so UI state cannot drift from token reality, and
// never any token material.
type connectionView struct {
	Provider          string     `json:"provider"`
	Status            string     `json:"status"`
	TokenExpiresAt    *time.Time `json:"token_expires_at,omitempty"`
	TokenExpired      bool       `json:"token_expired"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus    string     `json:"last_sync_status,omitempty"`
	LastTokenRefresh  *time.Time `json:"last_token_refresh,omitempty"`
	TokenRefreshCount int64      `json:"token_refresh_count"`
	ConnectedAt       time.Time  `json:"connected_at"`
}

func newConnectionView(connection Connection, now time.Time) connectionView {
	expired := connection.TokenExpiresAt != nil && now.After(*connection.TokenExpiresAt)
	return connectionView{
		Provider:          connection.Provider,
		Status:            string(connection.Status),
		TokenExpiresAt:    connection.TokenExpiresAt,
		TokenExpired:      expired,
		LastSyncAt:        connection.LastSyncAt,
		LastSyncStatus:    connection.LastSyncStatus,
		LastTokenRefresh:  connection.LastTokenRefresh,
		TokenRefreshCount: connection.TokenRefreshCount,
		ConnectedAt:       connection.CreatedAt,
	}
}

func sessionUserID(contextGin *gin.Context) (string, bool) {
	claimsValue, found := contextGin.Get(claimsContextKey)
	if !found {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return "", false
	}
	claims, ok := claimsValue.(*sessionvalidator.Claims)
	if !ok || claims.GetUserID() == "" {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return "", false
	}
	return claims.GetUserID(), true
}

func cronRequestAuthorized(request *http.Request, cronSecret string) bool {
	if cronSecret == "" {
		return false
	}
	presented := request.Header.Get("X-Cron-Secret")
	if presented == "" {
		authorization := request.Header.Get("Authorization")
		if strings.HasPrefix(authorization, "Bearer ") {
			presented = strings.TrimPrefix(authorization, "Bearer ")
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(cronSecret)) == 1
}
