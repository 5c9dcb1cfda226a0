package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"scriptforge/backend/pkg/models"
)

// MemoryStore is a Repository kept in process memory. A single mutex
// serialises writers, which makes AppendVersion trivially atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	scripts  map[string]models.Script
	versions map[string]models.ScriptVersion
	history  map[string][]string // script id -> version ids in sequence order
	runs     map[string]models.WorkflowRun
	users    map[string]models.User // keyed by lower-cased email
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scripts:  make(map[string]models.Script),
		versions: make(map[string]models.ScriptVersion),
		history:  make(map[string][]string),
		runs:     make(map[string]models.WorkflowRun),
		users:    make(map[string]models.User),
	}
}

func (m *MemoryStore) CreateScript(ctx context.Context, script *models.Script, first *models.ScriptVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scripts[script.ID]; ok {
		return errors.Wrapf(ErrConflict, "script %s exists", script.ID)
	}
	if _, ok := m.versions[first.ID]; ok {
		return errors.Wrapf(ErrConflict, "version %s exists", first.ID)
	}

	first.ScriptID = script.ID
	first.SequenceNumber = 1
	script.Snapshot(first)
	script.UpdatedAt = first.CreatedAt

	m.versions[first.ID] = first.Clone()
	m.history[script.ID] = []string{first.ID}
	m.scripts[script.ID] = script.Clone()
	return nil
}

func (m *MemoryStore) GetScript(ctx context.Context, id string) (*models.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	s = s.Clone()
	return &s, nil
}

func (m *MemoryStore) ListScriptsByOwner(ctx context.Context, ownerID string, limit int) ([]models.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Script, 0)
	for _, s := range m.scripts {
		if s.OwnerID == ownerID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return truncate(out, limit), nil
}

func (m *MemoryStore) AppendVersion(ctx context.Context, v *models.ScriptVersion, expectedCurrent string) (*models.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scripts[v.ScriptID]
	if !ok {
		return nil, ErrNotFound
	}
	if expectedCurrent != "" && s.CurrentVersionID != expectedCurrent {
		return nil, errors.Wrapf(ErrConflict, "current version of %s is %s", s.ID, s.CurrentVersionID)
	}
	if _, dup := m.versions[v.ID]; dup {
		return nil, errors.Wrapf(ErrConflict, "version %s exists", v.ID)
	}

	v.SequenceNumber = len(m.history[s.ID]) + 1
	s.Snapshot(v)
	s.UpdatedAt = v.CreatedAt

	m.versions[v.ID] = v.Clone()
	m.history[s.ID] = append(m.history[s.ID], v.ID)
	m.scripts[s.ID] = s

	out := s.Clone()
	return &out, nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, scriptID string, limit int) ([]models.ScriptVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.history[scriptID]
	out := make([]models.ScriptVersion, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, m.versions[ids[i]].Clone())
	}
	return truncate(out, limit), nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, id string) (*models.ScriptVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	v = v.Clone()
	return &v, nil
}

func (m *MemoryStore) SaveRun(ctx context.Context, run *models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *run
	cp.Context = run.Context.Clone()
	m.runs[run.SessionID] = cp
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, sessionID string) (*models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	run.Context = run.Context.Clone()
	return &run, nil
}

func (m *MemoryStore) ListRunsByOwner(ctx context.Context, ownerID string, limit int) ([]models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.WorkflowRun, 0)
	for _, run := range m.runs {
		if run.OwnerID == ownerID {
			run.Context = run.Context.Clone()
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return truncate(out, limit), nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(user.Email)
	if _, ok := m.users[key]; ok {
		return errors.Wrapf(ErrConflict, "user %s exists", user.Email)
	}
	m.users[key] = *user
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
