package vaultkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("connection_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("connection_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("connection_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("connection_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("connection_store.unsupported_no_scheme")
)

// DatabaseConnectionStore persists platform connections using GORM.
type DatabaseConnectionStore struct {
	db          *gorm.DB
	clock       Clock
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseConnectionStore) Driver() string {
	return store.driverLabel
}

// NewDatabaseConnectionStore constructs a GORM-backed store from a database URL
// (postgres:// or sqlite://) and migrates the connections table.
func NewDatabaseConnectionStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseConnectionStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("connection_store.open: %w", errEmptyDatabaseURL)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("connection_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&Connection{}); migrateErr != nil {
		return nil, fmt.Errorf("connection_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseConnectionStore{
		db:          gormDB,
		clock:       clock,
		driverLabel: driverLabel,
	}, nil
}

// Create inserts or replaces the connection for (user, provider). Relinking a
// provider resets status to connected and replaces both token ciphertexts.
func (store *DatabaseConnectionStore) Create(ctx context.Context, params NewConnectionParams) (Connection, error) {
	now := store.clock.Now()
	record := Connection{
		ID:                     uuid.NewString(),
		UserID:                 params.UserID,
		Provider:               params.Provider,
		AccessTokenCiphertext:  params.AccessTokenCiphertext,
		RefreshTokenCiphertext: params.RefreshTokenCiphertext,
		TokenExpiresAt:         params.TokenExpiresAt,
		Status:                 StatusConnected,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "token_expires_at", "status", "status_reason", "updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		return Connection{}, fmt.Errorf("connection_store.create.%s: %w", store.driverLabel, err)
	}
	return store.Get(ctx, params.UserID, params.Provider)
}

// Get returns the connection for the pair, or ErrConnectionNotFound.
func (store *DatabaseConnectionStore) Get(ctx context.Context, userID string, provider string) (Connection, error) {
	var record Connection
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Connection{}, fmt.Errorf("connection_store.get.%s: %w", store.driverLabel, ErrConnectionNotFound)
		}
		return Connection{}, fmt.Errorf("connection_store.get.%s: %w", store.driverLabel, err)
	}
	return record, nil
}

// ListForUser returns all connections of one user ordered by provider.
func (store *DatabaseConnectionStore) ListForUser(ctx context.Context, userID string) ([]Connection, error) {
	var records []Connection
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("provider").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("connection_store.list.%s: %w", store.driverLabel, err)
	}
	return records, nil
}

// FindExpiringSoon returns refreshable connections whose expiry falls inside the
// window. NULL expiry rows never match; disconnected and needs_reauth rows are
// excluded at the query level.
func (store *DatabaseConnectionStore) FindExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]Connection, error) {
	cutoff := now.Add(window)
	var records []Connection
	err := store.db.WithContext(ctx).
		Where("token_expires_at IS NOT NULL AND token_expires_at < ?", cutoff).
		Where("status IN ?", []ConnectionStatus{StatusConnected, StatusError}).
		Order("token_expires_at").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("connection_store.find_expiring.%s: %w", store.driverLabel, err)
	}
	return records, nil
}

// UpsertAfterRefresh commits a successful refresh in a single UPDATE so the new
// access token and new expiry can never land separately. The stored refresh token
// is retained when the provider did not rotate it.
func (store *DatabaseConnectionStore) UpsertAfterRefresh(ctx context.Context, connectionID string, update RefreshUpdate) error {
	assignments := map[string]any{
		"access_token":        update.AccessTokenCiphertext,
		"token_expires_at":    update.TokenExpiresAt,
		"last_token_refresh":  update.RefreshedAt,
		"token_refresh_count": gorm.Expr("token_refresh_count + 1"),
		"status":              StatusConnected,
		"status_reason":       "",
		"updated_at":          store.clock.Now(),
	}
	if update.RefreshTokenCiphertext != "" {
		assignments["refresh_token"] = update.RefreshTokenCiphertext
	}
	result := store.db.WithContext(ctx).Model(&Connection{}).
		Where("id = ?", connectionID).
		Updates(assignments)
	if result.Error != nil {
		return fmt.Errorf("connection_store.upsert_after_refresh.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("connection_store.upsert_after_refresh.%s: %w", store.driverLabel, ErrConnectionNotFound)
	}
	return nil
}

// MarkNeedsReauth flips status to needs_reauth without touching token columns.
func (store *DatabaseConnectionStore) MarkNeedsReauth(ctx context.Context, connectionID string, reason string) error {
	result := store.db.WithContext(ctx).Model(&Connection{}).
		Where("id = ?", connectionID).
		Updates(map[string]any{
			"status":        StatusNeedsReauth,
			"status_reason": reason,
			"updated_at":    store.clock.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("connection_store.mark_needs_reauth.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("connection_store.mark_needs_reauth.%s: %w", store.driverLabel, ErrConnectionNotFound)
	}
	return nil
}

// Disconnect sets status to disconnected while keeping the row for audit history.
func (store *DatabaseConnectionStore) Disconnect(ctx context.Context, userID string, provider string) error {
	result := store.db.WithContext(ctx).Model(&Connection{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]any{
			"status":        StatusDisconnected,
			"status_reason": "user_disconnect",
			"updated_at":    store.clock.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("connection_store.disconnect.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("connection_store.disconnect.%s: %w", store.driverLabel, ErrConnectionNotFound)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("connection_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("connection_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("connection_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("connection_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
