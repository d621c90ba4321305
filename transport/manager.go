package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

var (
	ErrDuplicateSession = errors.New("a session with this id is already online")
	ErrSessionNotFound  = errors.New("session not found")
)

// Session is a registered connection that can be pushed to.
type Session interface {
	ID() uint64
	Deliver(p []byte) error
	Close() error
}

// Manager is the registry of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint64]Session
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[uint64]Session),
	}
}

func (m *Manager) Online(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID()]; ok {
		return fmt.Errorf("session %d: %w", s.ID(), ErrDuplicateSession)
	}

	m.sessions[s.ID()] = s

	return nil
}

// Offline removes id. Removing an unknown id is a no-op so sessions can call
// it from their own Close.
func (m *Manager) Offline(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
}

func (m *Manager) Get(id uint64) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]

	return s, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// IDs returns the online session ids in ascending order.
func (m *Manager) IDs() []uint64 {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Select returns the ids of the sessions pred accepts.
func (m *Manager) Select(pred func(Session) bool) []uint64 {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.sessions))
	for id, s := range m.sessions {
		if pred(s) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// CloseSessions closes every session and empties the registry.
func (m *Manager) CloseSessions() (err error) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uint64]Session)
	m.mu.Unlock()

	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}

	return err
}

type BroadcastResult struct {
	Total   int
	Success int
	Failure int
	Errors  map[uint64]error
}

// Err combines every delivery failure, or is nil.
func (r BroadcastResult) Err() (err error) {
	ids := make([]uint64, 0, len(r.Errors))
	for id := range r.Errors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		err = multierr.Append(err, fmt.Errorf("session %d: %w", id, r.Errors[id]))
	}

	return err
}

// Broadcast delivers p to targets, or to every online session when no
// targets are given. A failed delivery is recorded and the loop carries on.
// A target that is not online counts as a failure with ErrSessionNotFound.
func (m *Manager) Broadcast(p []byte, targets ...uint64) BroadcastResult {
	type target struct {
		id uint64
		s  Session
	}

	m.mu.RLock()
	list := make([]target, 0, len(m.sessions))
	if len(targets) == 0 {
		for id, s := range m.sessions {
			list = append(list, target{id, s})
		}
	} else {
		for _, id := range targets {
			list = append(list, target{id, m.sessions[id]})
		}
	}
	m.mu.RUnlock()

	result := BroadcastResult{Total: len(list), Errors: make(map[uint64]error)}

	for _, t := range list {
		var err error
		if t.s == nil {
			err = ErrSessionNotFound
		} else {
			err = t.s.Deliver(p)
		}

		if err != nil {
			result.Failure++
			result.Errors[t.id] = err
			continue
		}

		result.Success++
	}

	return result
}
