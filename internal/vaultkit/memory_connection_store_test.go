package vaultkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := NewMemoryConnectionStore(clock)

	expiry := testBaseTime.Add(time.Hour)
	created := seedConnection(t, store, NewConnectionParams{
		UserID:                 "user-1",
		Provider:               "spotify",
		AccessTokenCiphertext:  "access-record",
		RefreshTokenCiphertext: "refresh-record",
		TokenExpiresAt:         &expiry,
	})
	if created.Status != StatusConnected {
		t.Fatalf("expected new connection to be connected, got %s", created.Status)
	}
	if created.ID == "" {
		t.Fatal("expected a generated connection id")
	}

	loaded, getErr := store.Get(context.Background(), "user-1", "spotify")
	if getErr != nil {
		t.Fatalf("get failed: %v", getErr)
	}
	if loaded.AccessTokenCiphertext != "access-record" || loaded.RefreshTokenCiphertext != "refresh-record" {
		t.Fatal("stored ciphertexts do not match")
	}
	if loaded.TokenExpiresAt == nil || !loaded.TokenExpiresAt.Equal(expiry) {
		t.Fatalf("unexpected expiry: %v", loaded.TokenExpiresAt)
	}

	if _, missingErr := store.Get(context.Background(), "user-1", "github"); !errors.Is(missingErr, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", missingErr)
	}
}

func TestMemoryStoreRelinkKeepsIdentityAndHistory(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := NewMemoryConnectionStore(clock)

	first := seedConnection(t, store, NewConnectionParams{
		UserID:                "user-1",
		Provider:              "discord",
		AccessTokenCiphertext: "old-access",
	})
	if err := store.UpsertAfterRefresh(context.Background(), first.ID, RefreshUpdate{
		AccessTokenCiphertext: "refreshed-access",
		TokenExpiresAt:        testBaseTime.Add(time.Hour),
		RefreshedAt:           testBaseTime,
	}); err != nil {
		t.Fatalf("refresh upsert failed: %v", err)
	}
	if err := store.MarkNeedsReauth(context.Background(), first.ID, "invalid_grant"); err != nil {
		t.Fatalf("mark needs reauth failed: %v", err)
	}

	clock.Advance(time.Minute)
	relinked := seedConnection(t, store, NewConnectionParams{
		UserID:                 "user-1",
		Provider:               "discord",
		AccessTokenCiphertext:  "new-access",
		RefreshTokenCiphertext: "new-refresh",
	})
	if relinked.ID != first.ID {
		t.Fatalf("relink changed connection id: %s vs %s", relinked.ID, first.ID)
	}
	if !relinked.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("relink reset created_at")
	}
	if relinked.TokenRefreshCount != 1 {
		t.Fatalf("relink lost refresh count, got %d", relinked.TokenRefreshCount)
	}
	if relinked.Status != StatusConnected {
		t.Fatalf("relink must reset status to connected, got %s", relinked.Status)
	}
}

func TestMemoryStoreListForUser(t *testing.T) {
	t.Parallel()
	store := NewMemoryConnectionStore(newFakeClock())
	seedConnection(t, store, NewConnectionParams{UserID: "user-1", Provider: "spotify", AccessTokenCiphertext: "a"})
	seedConnection(t, store, NewConnectionParams{UserID: "user-1", Provider: "discord", AccessTokenCiphertext: "b"})
	seedConnection(t, store, NewConnectionParams{UserID: "user-2", Provider: "github", AccessTokenCiphertext: "c"})

	connections, err := store.ListForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(connections) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(connections))
	}
	if connections[0].Provider != "discord" || connections[1].Provider != "spotify" {
		t.Fatalf("expected provider-sorted order, got %s then %s", connections[0].Provider, connections[1].Provider)
	}
}

func TestMemoryStoreFindExpiringSoon(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := NewMemoryConnectionStore(clock)
	window := 10 * time.Minute

	expiring := seedConnection(t, store, NewConnectionParams{
		UserID: "user-1", Provider: "spotify", AccessTokenCiphertext: "a",
		TokenExpiresAt: timePointer(testBaseTime.Add(5 * time.Minute)),
	})
	alreadyExpired := seedConnection(t, store, NewConnectionParams{
		UserID: "user-1", Provider: "google_gmail", AccessTokenCiphertext: "b",
		TokenExpiresAt: timePointer(testBaseTime.Add(-time.Hour)),
	})
	seedConnection(t, store, NewConnectionParams{
		UserID: "user-1", Provider: "discord", AccessTokenCiphertext: "c",
		TokenExpiresAt: timePointer(testBaseTime.Add(2 * time.Hour)),
	})
	seedConnection(t, store, NewConnectionParams{
		UserID: "user-1", Provider: "github", AccessTokenCiphertext: "d",
	})
	reauth := seedConnection(t, store, NewConnectionParams{
		UserID: "user-2", Provider: "spotify", AccessTokenCiphertext: "e",
		TokenExpiresAt: timePointer(testBaseTime.Add(time.Minute)),
	})
	if err := store.MarkNeedsReauth(context.Background(), reauth.ID, "invalid_grant"); err != nil {
		t.Fatalf("mark needs reauth failed: %v", err)
	}
	disconnected := seedConnection(t, store, NewConnectionParams{
		UserID: "user-3", Provider: "spotify", AccessTokenCiphertext: "f",
		TokenExpiresAt: timePointer(testBaseTime.Add(time.Minute)),
	})
	if err := store.Disconnect(context.Background(), disconnected.UserID, disconnected.Provider); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	found, err := store.FindExpiringSoon(context.Background(), clock.Now(), window)
	if err != nil {
		t.Fatalf("find expiring failed: %v", err)
	}
	foundIDs := make(map[string]bool, len(found))
	for _, connection := range found {
		foundIDs[connection.ID] = true
	}
	if len(found) != 2 || !foundIDs[expiring.ID] || !foundIDs[alreadyExpired.ID] {
		t.Fatalf("expected exactly the expiring and expired connected rows, got %d rows", len(found))
	}
}

func TestMemoryStoreUpsertAfterRefresh(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := NewMemoryConnectionStore(clock)
	connection := seedConnection(t, store, NewConnectionParams{
		UserID: "user-1", Provider: "spotify",
		AccessTokenCiphertext:  "old-access",
		RefreshTokenCiphertext: "stored-refresh",
		TokenExpiresAt:         timePointer(testBaseTime.Add(time.Minute)),
	})

	newExpiry := testBaseTime.Add(time.Hour)
	if err := store.UpsertAfterRefresh(context.Background(), connection.ID, RefreshUpdate{
		AccessTokenCiphertext: "new-access",
		TokenExpiresAt:        newExpiry,
		RefreshedAt:           testBaseTime,
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	updated, _ := store.Get(context.Background(), "user-1", "spotify")
	if updated.AccessTokenCiphertext != "new-access" {
		t.Fatal("access token not replaced")
	}
	if updated.RefreshTokenCiphertext != "stored-refresh" {
		t.Fatal("refresh token must be retained when the provider did not rotate it")
	}
	if updated.TokenExpiresAt == nil || !updated.TokenExpiresAt.Equal(newExpiry) {
		t.Fatalf("unexpected expiry: %v", updated.TokenExpiresAt)
	}
	if updated.TokenRefreshCount != 1 {
		t.Fatalf("expected refresh count 1, got %d", updated.TokenRefreshCount)
	}
	if updated.LastTokenRefresh == nil || !updated.LastTokenRefresh.Equal(testBaseTime) {
		t.Fatalf("unexpected last refresh: %v", updated.LastTokenRefresh)
	}

	if err := store.UpsertAfterRefresh(context.Background(), connection.ID, RefreshUpdate{
		AccessTokenCiphertext:  "newer-access",
		RefreshTokenCiphertext: "rotated-refresh",
		TokenExpiresAt:         newExpiry.Add(time.Hour),
		RefreshedAt:            testBaseTime.Add(time.Hour),
	}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	rotated, _ := store.Get(context.Background(), "user-1", "spotify")
	if rotated.RefreshTokenCiphertext != "rotated-refresh" {
		t.Fatal("rotated refresh token not stored")
	}

	if err := store.UpsertAfterRefresh(context.Background(), "no-such-id", RefreshUpdate{}); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestMemoryStoreDisconnectKeepsRow(t *testing.T) {
	t.Parallel()
	store := NewMemoryConnectionStore(newFakeClock())
	seedConnection(t, store, NewConnectionParams{UserID: "user-1", Provider: "slack", AccessTokenCiphertext: "a"})

	if err := store.Disconnect(context.Background(), "user-1", "slack"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	remaining, getErr := store.Get(context.Background(), "user-1", "slack")
	if getErr != nil {
		t.Fatalf("disconnected row must remain readable: %v", getErr)
	}
	if remaining.Status != StatusDisconnected || remaining.StatusReason != "user_disconnect" {
		t.Fatalf("unexpected state after disconnect: %s %q", remaining.Status, remaining.StatusReason)
	}

	if err := store.Disconnect(context.Background(), "user-1", "github"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}
