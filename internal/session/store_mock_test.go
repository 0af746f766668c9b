package session

import (
	"context"
	"sync"
	"time"
)

// call records a single method invocation on [mockStore] for assertions.
type call struct {
	Method string
	Args   []any
}

// mockStore is a hand-rolled test double implementing [Store] with
// controllable error injection and call recording, in the style of
// pkg/memory/mock.
type mockStore struct {
	mu sync.Mutex

	LoadErr          error
	PersistErr       error
	GetContextKeyErr error
	SetContextKeyErr error
	RefreshErr       error
	RefreshResult    ChangedFlags
	DeleteErr        error

	sessions map[string]*Session
	calls    []call
}

func (m *mockStore) record(method string, args ...any) {
	m.calls = append(m.calls, call{Method: method, Args: args})
}

func (m *mockStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *mockStore) Calls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *mockStore) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Load", id)
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	return NewSession(id), nil
}

func (m *mockStore) Persist(ctx context.Context, sess *Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Persist", sess.ID, ttl)
	if m.PersistErr != nil {
		return m.PersistErr
	}
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	m.sessions[sess.ID] = sess
	return nil
}

func (m *mockStore) GetContextKey(ctx context.Context, id, key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetContextKey", id, key)
	if m.GetContextKeyErr != nil {
		return nil, false, m.GetContextKeyErr
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, false, nil
	}
	v, ok := sess.Context[key]
	return v, ok, nil
}

func (m *mockStore) SetContextKey(ctx context.Context, id, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetContextKey", id, key, value)
	if m.SetContextKeyErr != nil {
		return m.SetContextKeyErr
	}
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	sess, ok := m.sessions[id]
	if !ok {
		sess = NewSession(id)
		m.sessions[id] = sess
	}
	sess.Context[key] = value
	return nil
}

func (m *mockStore) Refresh(ctx context.Context, id string) (ChangedFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Refresh", id)
	if m.RefreshErr != nil {
		return ChangedFlags{}, m.RefreshErr
	}
	return m.RefreshResult, nil
}

func (m *mockStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Delete", id)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.sessions, id)
	return nil
}

var _ Store = (*mockStore)(nil)
