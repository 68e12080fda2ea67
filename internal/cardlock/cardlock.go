// Package cardlock binds a card uid to at most one active session at a time.
package cardlock

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local lock table. Entries have no TTL; sessions always release.
type Memory struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemory() *Memory {
	return &Memory{owners: make(map[string]string)}
}

// Acquire binds uid to owner. It fails if any owner, including owner itself, already holds uid.
func (m *Memory) Acquire(_ context.Context, uid, owner string) (bool, error) {
	uid = strings.TrimSpace(uid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.owners[uid]; held {
		return false, nil
	}
	m.owners[uid] = owner
	return true, nil
}

// Release drops uid only if owner still holds it.
func (m *Memory) Release(_ context.Context, uid, owner string) error {
	uid = strings.TrimSpace(uid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[uid] == owner {
		delete(m.owners, uid)
	}
	return nil
}

// Refresh is a no-op; memory entries never expire.
func (m *Memory) Refresh(context.Context, string, string) error { return nil }

func (m *Memory) InUse(_ context.Context, uid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.owners[strings.TrimSpace(uid)]
	return held, nil
}

// DefaultTTL bounds how long a crashed process can keep a card locked in Redis.
const DefaultTTL = 30 * time.Minute
