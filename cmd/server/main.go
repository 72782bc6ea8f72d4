package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/twinlearn/soulvault/internal/vaultkit"
	"github.com/twinlearn/soulvault/internal/vaultkitpg"
	"github.com/twinlearn/soulvault/internal/web"
	"github.com/twinlearn/soulvault/pkg/sessionvalidator"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "soulvault",
		Short:   "Token vault for platform connections: encrypted OAuth tokens, scheduled and on-demand refresh",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL for connections (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("use_pgx_store", false, "Use the raw pgx connection store instead of GORM (requires a postgres:// database_url)")
	rootCmd.Flags().String("encryption_key", "", "64-hex-char AES-256 key encrypting tokens at rest")
	rootCmd.Flags().String("session_signing_key", "", "HS256 key verifying session tokens minted by the main application")
	rootCmd.Flags().String("session_issuer", "twin-app", "Expected issuer claim on session tokens")
	rootCmd.Flags().String("session_cookie_name", sessionvalidator.DefaultCookieName, "Cookie carrying the dashboard session")
	rootCmd.Flags().String("cron_secret", "", "Shared secret authorizing the external scheduler on POST /tasks/refresh")
	rootCmd.Flags().Duration("refresh_interval", 5*time.Minute, "In-process refresh scheduler tick; 0 disables the ticker")
	rootCmd.Flags().Duration("refresh_window", 10*time.Minute, "Refresh connections whose token expires within this window")
	rootCmd.Flags().Int("refresh_parallelism", 4, "Concurrent provider calls per refresh batch")
	rootCmd.Flags().Duration("refresh_request_timeout", 10*time.Second, "Timeout per provider token-endpoint call")
	rootCmd.Flags().Duration("token_expiry_margin", 5*time.Minute, "Minimum remaining validity on tokens handed to consumers")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for the dashboard origin")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	flagNames := []string{
		"listen_addr", "database_url", "use_pgx_store", "encryption_key",
		"session_signing_key", "session_issuer", "session_cookie_name",
		"cron_secret", "refresh_interval", "refresh_window",
		"refresh_parallelism", "refresh_request_timeout", "token_expiry_margin",
		"enable_cors", "cors_allowed_origins",
	}
	for _, flagName := range flagNames {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingEncryptionKey    = "config.missing_encryption_key"
	configCodeInvalidEncryptionKey    = "config.invalid_encryption_key"
	configCodeMissingSessionKey       = "config.missing_session_signing_key"
	configCodeMissingSessionIssuer    = "config.missing_session_issuer"
	configCodeMissingCORSOrigins      = "config.missing_cors_origins"
	configCodePgxRequiresPostgres     = "config.pgx_requires_postgres_url"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// ServerSettings is everything runServer needs, loaded and validated once.
type ServerSettings struct {
	ListenAddr          string
	DatabaseURL         string
	UsePgxStore         bool
	EnableCORS          bool
	CORSAllowedOrigins  []string
	Service             vaultkit.ServiceConfig
	ProviderCredentials map[string]vaultkit.ProviderCredentials
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	settings, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, settings))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServerSettings, error) {
	encryptionKey := viper.GetString("encryption_key")
	if encryptionKey == "" {
		return ServerSettings{}, configError(configCodeMissingEncryptionKey, "encryption_key must be provided")
	}
	if _, cipherErr := vaultkit.NewTokenCipher(encryptionKey); cipherErr != nil {
		return ServerSettings{}, configError(configCodeInvalidEncryptionKey, "encryption_key must be 64 hex characters (32 bytes)")
	}

	sessionSigningKey := viper.GetString("session_signing_key")
	if sessionSigningKey == "" {
		return ServerSettings{}, configError(configCodeMissingSessionKey, "session_signing_key must be provided")
	}

	sessionIssuer := viper.GetString("session_issuer")
	if strings.TrimSpace(sessionIssuer) == "" {
		return ServerSettings{}, configError(configCodeMissingSessionIssuer, "session_issuer must be provided")
	}

	databaseURL := viper.GetString("database_url")
	usePgxStore := viper.GetBool("use_pgx_store")
	if usePgxStore && !strings.HasPrefix(databaseURL, "postgres") {
		return ServerSettings{}, configError(configCodePgxRequiresPostgres, "use_pgx_store requires a postgres:// database_url")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServerSettings{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	providerCredentials := make(map[string]vaultkit.ProviderCredentials)
	for _, providerName := range vaultkit.BuiltinProviderNames() {
		credentials := vaultkit.ProviderCredentials{
			ClientID:     viper.GetString(providerName + "_client_id"),
			ClientSecret: viper.GetString(providerName + "_client_secret"),
		}
		if credentials.ClientID != "" || credentials.ClientSecret != "" {
			providerCredentials[providerName] = credentials
		}
	}

	return ServerSettings{
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        databaseURL,
		UsePgxStore:        usePgxStore,
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		Service: vaultkit.ServiceConfig{
			EncryptionKey:     encryptionKey,
			SessionSigningKey: []byte(sessionSigningKey),
			SessionIssuer:     sessionIssuer,
			SessionCookieName: viper.GetString("session_cookie_name"),
			CronSecret:        viper.GetString("cron_secret"),
			RefreshInterval:   viper.GetDuration("refresh_interval"),
			Engine: vaultkit.RefreshEngineConfig{
				Window:         viper.GetDuration("refresh_window"),
				Parallelism:    viper.GetInt("refresh_parallelism"),
				RequestTimeout: viper.GetDuration("refresh_request_timeout"),
			},
			TokenSource: vaultkit.TokenSourceConfig{
				ExpiryMargin: viper.GetDuration("token_expiry_margin"),
			},
		},
		ProviderCredentials: providerCredentials,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	settings, ok := contextValue.(ServerSettings)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	if commandContext == nil {
		commandContext = context.Background()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if settings.EnableCORS {
		corsMiddleware, corsErr := web.DashboardCORS(logger, settings.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	tokenCipher, cipherErr := vaultkit.NewTokenCipher(settings.Service.EncryptionKey)
	if cipherErr != nil {
		return cipherErr
	}

	clock := vaultkit.NewSystemClock()
	var connectionStore vaultkit.ConnectionStore
	switch {
	case settings.DatabaseURL == "":
		connectionStore = vaultkit.NewMemoryConnectionStore(clock)
		logger.Info("using in-memory connection store")
	case settings.UsePgxStore:
		pool, poolErr := vaultkitpg.BuildPool(commandContext, settings.DatabaseURL)
		if poolErr != nil {
			return poolErr
		}
		defer pool.Close()
		if schemaErr := vaultkitpg.EnsureSchema(commandContext, pool); schemaErr != nil {
			return schemaErr
		}
		connectionStore = vaultkitpg.NewPostgresConnectionStore(pool, clock)
		logger.Info("using pgx connection store")
	default:
		databaseStore, storeErr := vaultkit.NewDatabaseConnectionStore(commandContext, settings.DatabaseURL, clock)
		if storeErr != nil {
			return storeErr
		}
		connectionStore = databaseStore
		logger.Info("using persistent connection store", zap.String("driver", databaseStore.Driver()))
	}

	registry := vaultkit.NewProviderRegistry(settings.ProviderCredentials, logger)
	logger.Info("provider registry ready", zap.Strings("providers", registry.Providers()))

	metricsRecorder := vaultkit.NewCounterMetrics()
	engine := vaultkit.NewRefreshEngine(connectionStore, registry, tokenCipher, &http.Client{}, logger, metricsRecorder, clock, settings.Service.Engine)
	tokenSource := vaultkit.NewTokenSource(connectionStore, tokenCipher, engine, logger, metricsRecorder, clock, settings.Service.TokenSource)

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: settings.Service.SessionSigningKey,
		Issuer:     settings.Service.SessionIssuer,
		CookieName: settings.Service.SessionCookieName,
	})
	if validatorErr != nil {
		return validatorErr
	}

	vaultkit.MountVaultRoutes(router, vaultkit.RouteDeps{
		Store:      connectionStore,
		Cipher:     tokenCipher,
		Registry:   registry,
		Engine:     engine,
		Source:     tokenSource,
		Validator:  validator,
		Logger:     logger,
		Clock:      clock,
		CronSecret: settings.Service.CronSecret,
	})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	if settings.Service.RefreshInterval > 0 {
		scheduler := vaultkit.NewScheduler(engine, logger, settings.Service.RefreshInterval)
		go scheduler.Run(shutdownCtx)
		logger.Info("refresh scheduler started", zap.Duration("interval", scheduler.Interval()))
	} else {
		logger.Info("refresh scheduler disabled, relying on POST /tasks/refresh")
	}

	server := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		shutdownCancel()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", settings.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
