package vaultkit

import "sync"

// connectionLocks serializes refresh attempts per connection id so the batch
// engine and the on-demand token source never double-refresh the same
// connection. Some providers rotate the refresh token on use and invalidate the
// old one immediately, which turns a harmless race into an invalid_grant.
type connectionLocks struct {
	mutex   sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mutex   sync.Mutex
	holders int
}

func newConnectionLocks() *connectionLocks {
	return &connectionLocks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the per-connection lock is held and returns the release
// function. A caller that blocked here should re-read the connection after
// acquiring: the previous holder usually just refreshed it.
func (locks *connectionLocks) Acquire(connectionID string) func() {
	locks.mutex.Lock()
	entry, ok := locks.entries[connectionID]
	if !ok {
		entry = &lockEntry{}
		locks.entries[connectionID] = entry
	}
	entry.holders++
	locks.mutex.Unlock()

	entry.mutex.Lock()
	return func() {
		entry.mutex.Unlock()
		locks.mutex.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(locks.entries, connectionID)
		}
		locks.mutex.Unlock()
	}
}
