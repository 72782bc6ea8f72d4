package vaultkit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// tickCountingStore records FindExpiringSoon calls and always returns nothing.
type tickCountingStore struct {
	findCalls atomic.Int32
}

func (store *tickCountingStore) Create(ctx context.Context, params NewConnectionParams) (Connection, error) {
	return Connection{}, nil
}

func (store *tickCountingStore) Get(ctx context.Context, userID string, provider string) (Connection, error) {
	return Connection{}, ErrConnectionNotFound
}

func (store *tickCountingStore) ListForUser(ctx context.Context, userID string) ([]Connection, error) {
	return nil, nil
}

func (store *tickCountingStore) FindExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]Connection, error) {
	store.findCalls.Add(1)
	return nil, nil
}

func (store *tickCountingStore) UpsertAfterRefresh(ctx context.Context, connectionID string, update RefreshUpdate) error {
	return nil
}

func (store *tickCountingStore) MarkNeedsReauth(ctx context.Context, connectionID string, reason string) error {
	return nil
}

func (store *tickCountingStore) Disconnect(ctx context.Context, userID string, provider string) error {
	return nil
}

func TestSchedulerIntervalDefaults(t *testing.T) {
	t.Parallel()
	engine := NewRefreshEngine(&tickCountingStore{}, NewProviderRegistryFromSpecs(), mustCipher(t), nil, nil, nil, nil, RefreshEngineConfig{})

	if interval := NewScheduler(engine, nil, 0).Interval(); interval != defaultSchedulerInterval {
		t.Fatalf("expected default interval, got %v", interval)
	}
	if interval := NewScheduler(engine, nil, time.Minute).Interval(); interval != time.Minute {
		t.Fatalf("expected configured interval, got %v", interval)
	}
}

func TestSchedulerRunsBatchesUntilCancelled(t *testing.T) {
	t.Parallel()
	store := &tickCountingStore{}
	engine := NewRefreshEngine(store, NewProviderRegistryFromSpecs(), mustCipher(t), nil, zaptest.NewLogger(t), nil, nil, RefreshEngineConfig{})
	scheduler := NewScheduler(engine, zaptest.NewLogger(t), 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	scheduler.Run(ctx)

	if calls := store.findCalls.Load(); calls < 1 {
		t.Fatalf("expected at least one scheduled batch, got %d", calls)
	}
}

func TestSchedulerTickSkipsWhenBatchInFlight(t *testing.T) {
	t.Parallel()
	store := &tickCountingStore{}
	engine := NewRefreshEngine(store, NewProviderRegistryFromSpecs(), mustCipher(t), nil, zaptest.NewLogger(t), nil, nil, RefreshEngineConfig{})
	scheduler := NewScheduler(engine, zaptest.NewLogger(t), time.Second)

	engine.batchMutex.Lock()
	scheduler.tick(context.Background())
	engine.batchMutex.Unlock()

	if calls := store.findCalls.Load(); calls != 0 {
		t.Fatalf("overlapping tick must be a no-op, got %d store calls", calls)
	}
}
