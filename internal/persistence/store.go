// Package persistence stores the last issued order id and the execution
// journal across restarts.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/tathienbao/ibrecon/internal/broker"
)

// OrderIDStore remembers the highest order id issued per client id.
type OrderIDStore interface {
	// LoadLastOrderID returns the stored id, or false when none is stored.
	LoadLastOrderID(ctx context.Context, clientID int) (int64, bool, error)

	// SaveLastOrderID stores id unless a higher id is already stored.
	SaveLastOrderID(ctx context.Context, clientID int, id int64) error

	Close() error
}

// ExecutionJournal is an append-only record of fills keyed by exec id.
type ExecutionJournal interface {
	SaveExecution(ctx context.Context, exec broker.Execution) error
	ListExecutions(ctx context.Context, from, to time.Time) ([]broker.Execution, error)
}

// MemoryStore is an in-process OrderIDStore and ExecutionJournal.
type MemoryStore struct {
	mu    sync.Mutex
	ids   map[int]int64
	execs []broker.Execution
	seen  map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:  make(map[int]int64),
		seen: make(map[string]struct{}),
	}
}

// LoadLastOrderID implements OrderIDStore.
func (m *MemoryStore) LoadLastOrderID(_ context.Context, clientID int) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[clientID]
	return id, ok, nil
}

// SaveLastOrderID implements OrderIDStore.
func (m *MemoryStore) SaveLastOrderID(_ context.Context, clientID int, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.ids[clientID] {
		m.ids[clientID] = id
	}
	return nil
}

// SaveExecution implements ExecutionJournal. Repeated exec ids are ignored.
func (m *MemoryStore) SaveExecution(_ context.Context, exec broker.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[exec.ExecID]; ok {
		return nil
	}
	m.seen[exec.ExecID] = struct{}{}
	m.execs = append(m.execs, exec)
	return nil
}

// ListExecutions implements ExecutionJournal.
func (m *MemoryStore) ListExecutions(_ context.Context, from, to time.Time) ([]broker.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []broker.Execution
	for _, e := range m.execs {
		if !e.Time.Before(from) && !e.Time.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close implements OrderIDStore.
func (m *MemoryStore) Close() error { return nil }
