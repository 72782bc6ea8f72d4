package vaultkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryConnectionStore is an in-memory store intended for tests and dev.
type MemoryConnectionStore struct {
	mutex  sync.Mutex
	byID   map[string]*Connection
	byPair map[string]string
	clock  Clock

	// failNextRefreshUpsert makes the next UpsertAfterRefresh fail without
	// mutating anything, to exercise atomicity in tests.
	failNextRefreshUpsert bool
}

// NewMemoryConnectionStore creates an empty in-memory connection store.
func NewMemoryConnectionStore(clock Clock) *MemoryConnectionStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryConnectionStore{
		byID:   make(map[string]*Connection),
		byPair: make(map[string]string),
		clock:  clock,
	}
}

func pairKey(userID string, provider string) string {
	return userID + "\x00" + provider
}

// Create inserts or replaces the connection for (user, provider).
func (store *MemoryConnectionStore) Create(ctx context.Context, params NewConnectionParams) (Connection, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.clock.Now()
	key := pairKey(params.UserID, params.Provider)
	connectionID, exists := store.byPair[key]
	if !exists {
		connectionID = uuid.NewString()
	}
	record := &Connection{
		ID:                     connectionID,
		UserID:                 params.UserID,
		Provider:               params.Provider,
		AccessTokenCiphertext:  params.AccessTokenCiphertext,
		RefreshTokenCiphertext: params.RefreshTokenCiphertext,
		TokenExpiresAt:         params.TokenExpiresAt,
		Status:                 StatusConnected,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if exists {
		record.CreatedAt = store.byID[connectionID].CreatedAt
		record.TokenRefreshCount = store.byID[connectionID].TokenRefreshCount
	}
	store.byID[connectionID] = record
	store.byPair[key] = connectionID
	return *record, nil
}

// Get returns the connection for the pair.
func (store *MemoryConnectionStore) Get(ctx context.Context, userID string, provider string) (Connection, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	connectionID, ok := store.byPair[pairKey(userID, provider)]
	if !ok {
		return Connection{}, fmt.Errorf("connection_store.get: %w", ErrConnectionNotFound)
	}
	return *store.byID[connectionID], nil
}

// ListForUser returns all connections of one user ordered by provider.
func (store *MemoryConnectionStore) ListForUser(ctx context.Context, userID string) ([]Connection, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var connections []Connection
	for _, record := range store.byID {
		if record.UserID == userID {
			connections = append(connections, *record)
		}
	}
	sort.Slice(connections, func(left int, right int) bool {
		return connections[left].Provider < connections[right].Provider
	})
	return connections, nil
}

// FindExpiringSoon returns refreshable connections expiring within the window.
func (store *MemoryConnectionStore) FindExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]Connection, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var expiring []Connection
	for _, record := range store.byID {
		if !record.Refreshable() {
			continue
		}
		if record.ExpiresWithin(now, window) {
			expiring = append(expiring, *record)
		}
	}
	sort.Slice(expiring, func(left int, right int) bool {
		return expiring[left].ID < expiring[right].ID
	})
	return expiring, nil
}

// UpsertAfterRefresh commits a successful refresh atomically.
func (store *MemoryConnectionStore) UpsertAfterRefresh(ctx context.Context, connectionID string, update RefreshUpdate) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.failNextRefreshUpsert {
		store.failNextRefreshUpsert = false
		return fmt.Errorf("connection_store.upsert_after_refresh: injected failure")
	}
	record, ok := store.byID[connectionID]
	if !ok {
		return fmt.Errorf("connection_store.upsert_after_refresh: %w", ErrConnectionNotFound)
	}
	expiresAt := update.TokenExpiresAt
	record.AccessTokenCiphertext = update.AccessTokenCiphertext
	record.TokenExpiresAt = &expiresAt
	if update.RefreshTokenCiphertext != "" {
		record.RefreshTokenCiphertext = update.RefreshTokenCiphertext
	}
	refreshedAt := update.RefreshedAt
	record.LastTokenRefresh = &refreshedAt
	record.TokenRefreshCount++
	record.Status = StatusConnected
	record.StatusReason = ""
	record.UpdatedAt = store.clock.Now()
	return nil
}

// MarkNeedsReauth flips status without touching tokens.
func (store *MemoryConnectionStore) MarkNeedsReauth(ctx context.Context, connectionID string, reason string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[connectionID]
	if !ok {
		return fmt.Errorf("connection_store.mark_needs_reauth: %w", ErrConnectionNotFound)
	}
	record.Status = StatusNeedsReauth
	record.StatusReason = reason
	record.UpdatedAt = store.clock.Now()
	return nil
}

// Disconnect sets status to disconnected, keeping the row.
func (store *MemoryConnectionStore) Disconnect(ctx context.Context, userID string, provider string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	connectionID, ok := store.byPair[pairKey(userID, provider)]
	if !ok {
		return fmt.Errorf("connection_store.disconnect: %w", ErrConnectionNotFound)
	}
	record := store.byID[connectionID]
	record.Status = StatusDisconnected
	record.StatusReason = "user_disconnect"
	record.UpdatedAt = store.clock.Now()
	return nil
}
