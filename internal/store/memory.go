package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aurelia-ai/facet/internal/integrity"
	"github.com/aurelia-ai/facet/internal/model"
)

// Memory is an in-process Store. All operations take a single lock, which
// trivially gives Append/AppendBatch the required atomicity per
// (user, attribute) pair. Histories hand out copies, never internal slices.
type Memory struct {
	mu        sync.RWMutex
	users     map[string]model.User
	histories map[string]map[string][]model.Snapshot // userID -> attributeID -> history
	attrs     map[string]model.AttributeDefinition
	scripts   map[string]model.ScriptDefinition
	reports   map[string]model.ReportDefinition
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]model.User),
		histories: make(map[string]map[string][]model.Snapshot),
		attrs:     make(map[string]model.AttributeDefinition),
		scripts:   make(map[string]model.ScriptDefinition),
		reports:   make(map[string]model.ReportDefinition),
	}
}

var _ Store = (*Memory)(nil)

func copySnapshots(src []model.Snapshot) []model.Snapshot {
	out := make([]model.Snapshot, len(src))
	copy(out, src)
	for i := range out {
		if out[i].Blame != nil {
			b := *out[i].Blame
			out[i].Blame = &b
		}
	}
	return out
}

// GetAttribute implements AttributeStore.
func (m *Memory) GetAttribute(ctx context.Context, userID, attributeID string) (model.UserAttribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.histories[userID][attributeID]
	if !ok || len(history) == 0 {
		return model.UserAttribute{}, &model.NotFoundError{Entity: "attribute", ID: attributeID}
	}
	h := copySnapshots(history)
	return model.UserAttribute{
		UserID:      userID,
		AttributeID: attributeID,
		Value:       h[len(h)-1].Value,
		History:     h,
	}, nil
}

// History implements AttributeStore.
func (m *Memory) History(ctx context.Context, userID, attributeID string) ([]model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.histories[userID][attributeID]
	if !ok || len(history) == 0 {
		return nil, &model.NotFoundError{Entity: "attribute", ID: attributeID}
	}
	return copySnapshots(history), nil
}

// validateWrite checks a pending write against the established kind for the
// pair, taking earlier writes in the same batch into account via pending.
func (m *Memory) validateWrite(userID string, w Write, pending map[string]model.Kind) error {
	if !w.Value.Kind().Valid() {
		return fmt.Errorf("store: append %s/%s: invalid value kind", userID, w.AttributeID)
	}
	if w.Observer == "" {
		return fmt.Errorf("store: append %s/%s: empty observer", userID, w.AttributeID)
	}
	if w.Blame != nil && !w.Blame.Source.Valid() {
		return fmt.Errorf("store: append %s/%s: invalid blame source %q", userID, w.AttributeID, w.Blame.Source)
	}

	established, ok := pending[w.AttributeID]
	if !ok {
		if history := m.histories[userID][w.AttributeID]; len(history) > 0 {
			established, ok = history[0].Value.Kind(), true
		}
	}
	if ok && established != w.Value.Kind() {
		return fmt.Errorf("store: append %s/%s: got %s, established %s: %w",
			userID, w.AttributeID, w.Value.Kind(), established, model.ErrTypeMismatch)
	}
	pending[w.AttributeID] = w.Value.Kind()
	return nil
}

// appendLocked applies one validated write. Caller holds the write lock.
func (m *Memory) appendLocked(userID string, w Write, now time.Time) model.Snapshot {
	byAttr, ok := m.histories[userID]
	if !ok {
		byAttr = make(map[string][]model.Snapshot)
		m.histories[userID] = byAttr
	}
	history := byAttr[w.AttributeID]

	prevHash := integrity.ChainSeed
	if n := len(history); n > 0 {
		prevHash = history[n-1].ContentHash
		// Store-assigned timestamps are non-decreasing even under clock skew.
		if now.Before(history[n-1].RecordedAt) {
			now = history[n-1].RecordedAt
		}
	}

	s := model.Snapshot{
		ID:          uuid.New(),
		AttributeID: w.AttributeID,
		Value:       w.Value,
		Observer:    w.Observer,
		RecordedAt:  now,
		Seq:         int64(len(history) + 1),
	}
	if w.Blame != nil {
		b := *w.Blame
		s.Blame = &b
	}
	s.ContentHash = integrity.SnapshotHash(userID, s, prevHash)

	byAttr[w.AttributeID] = append(history, s)
	return s
}

// ListAttributeIDs implements AttributeStore.
func (m *Memory) ListAttributeIDs(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.histories[userID]))
	for id, history := range m.histories[userID] {
		if len(history) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Append implements AttributeStore.
func (m *Memory) Append(ctx context.Context, userID string, w Write) (model.Snapshot, error) {
	snaps, err := m.AppendBatch(ctx, userID, []Write{w})
	if err != nil {
		return model.Snapshot{}, err
	}
	return snaps[0], nil
}

// AppendBatch implements AttributeStore. All writes are validated before
// any is applied, so a kind mismatch on the last write leaves every history
// untouched.
func (m *Memory) AppendBatch(ctx context.Context, userID string, ws []Write) ([]model.Snapshot, error) {
	if len(ws) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make(map[string]model.Kind, len(ws))
	for _, w := range ws {
		if err := m.validateWrite(userID, w, pending); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	snaps := make([]model.Snapshot, 0, len(ws))
	for _, w := range ws {
		snaps = append(snaps, m.appendLocked(userID, w, now))
	}
	return snaps, nil
}

// GetUser implements UserStore.
func (m *Memory) GetUser(ctx context.Context, id string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return model.User{}, &model.NotFoundError{Entity: "user", ID: id}
	}
	return u, nil
}

// PutUser implements UserStore.
func (m *Memory) PutUser(ctx context.Context, u model.User) error {
	if err := model.ValidateID(u.ID); err != nil {
		return fmt.Errorf("store: put user: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

// DeleteUser implements UserStore: removes the user row and every snapshot
// history in one critical section.
func (m *Memory) DeleteUser(ctx context.Context, id string) (DeleteUserResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return DeleteUserResult{}, &model.NotFoundError{Entity: "user", ID: id}
	}

	var result DeleteUserResult
	for _, history := range m.histories[id] {
		result.Snapshots += int64(len(history))
	}
	delete(m.histories, id)
	delete(m.users, id)
	result.Users = 1
	return result, nil
}

// AttributeDefinition implements DefinitionStore.
func (m *Memory) AttributeDefinition(ctx context.Context, id string) (model.AttributeDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.attrs[id]
	if !ok {
		return model.AttributeDefinition{}, &model.NotFoundError{Entity: "attribute definition", ID: id}
	}
	return d, nil
}

// ScriptDefinition implements DefinitionStore.
func (m *Memory) ScriptDefinition(ctx context.Context, id string) (model.ScriptDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.scripts[id]
	if !ok {
		return model.ScriptDefinition{}, &model.NotFoundError{Entity: "script", ID: id}
	}
	return d, nil
}

// ReportDefinition implements DefinitionStore.
func (m *Memory) ReportDefinition(ctx context.Context, id string) (model.ReportDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.reports[id]
	if !ok {
		return model.ReportDefinition{}, &model.NotFoundError{Entity: "report", ID: id}
	}
	return d, nil
}

// ListScripts implements DefinitionStore. An empty tag lists everything.
func (m *Memory) ListScripts(ctx context.Context, tag string) ([]model.ScriptDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ScriptDefinition
	for _, d := range m.scripts {
		if tag == "" || d.Tags[tag] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListReports implements DefinitionStore. An empty tag lists everything.
func (m *Memory) ListReports(ctx context.Context, tag string) ([]model.ReportDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ReportDefinition
	for _, d := range m.reports {
		if tag == "" || d.Tags[tag] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutAttributeDefinition implements DefinitionStore.
func (m *Memory) PutAttributeDefinition(ctx context.Context, d model.AttributeDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrs[d.ID] = d
	return nil
}

// PutScriptDefinition implements DefinitionStore.
func (m *Memory) PutScriptDefinition(ctx context.Context, d model.ScriptDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[d.ID] = d
	return nil
}

// PutReportDefinition implements DefinitionStore.
func (m *Memory) PutReportDefinition(ctx context.Context, d model.ReportDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[d.ID] = d
	return nil
}
