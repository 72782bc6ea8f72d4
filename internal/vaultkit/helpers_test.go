package vaultkit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// Hex encoding of a 32 byte key, valid for AES-256.
const testEncryptionKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

var testBaseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: testBaseTime}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(delta)
}

func mustCipher(t *testing.T) *TokenCipher {
	t.Helper()
	tokenCipher, err := NewTokenCipher(testEncryptionKey)
	if err != nil {
		t.Fatalf("failed to build test cipher: %v", err)
	}
	return tokenCipher
}

func encryptOrFail(t *testing.T, tokenCipher *TokenCipher, plaintext string) string {
	t.Helper()
	record, err := tokenCipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("failed to encrypt %q: %v", plaintext, err)
	}
	return record
}

func seedConnection(t *testing.T, store ConnectionStore, params NewConnectionParams) Connection {
	t.Helper()
	connection, err := store.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("failed to seed connection for %s/%s: %v", params.UserID, params.Provider, err)
	}
	return connection
}

func timePointer(value time.Time) *time.Time {
	return &value
}
