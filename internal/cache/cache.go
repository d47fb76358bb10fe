// Package cache keeps the last reconciled annotation list per document.
// Snapshots handed to callers are copies; mutating them never changes what
// another reader of the cache sees.
package cache

import (
	"context"
	"sync"
	"time"

	"marginalia/internal/annotation"
)

// changeWindow is how long a Patch or Invalidate is remembered for
// rejecting snapshots computed before it.
const changeWindow = 10 * time.Minute

type Snapshot struct {
	DocumentID string              `json:"documentId"`
	Records    []annotation.Record `json:"records"`
	StoredAt   time.Time           `json:"storedAt"`
	// TakenAt is when the remote state in Records was first read. Zero
	// means unknown and the snapshot is always stored.
	TakenAt time.Time `json:"takenAt"`
}

type Store interface {
	Get(ctx context.Context, documentID string) (Snapshot, bool, error)
	// Put stores snapshot unless it was taken before the document's last
	// Patch or Invalidate, in which case it is dropped silently.
	Put(ctx context.Context, snapshot Snapshot) error
	// Patch replaces the cached records sharing a local key with records.
	// It changes no records when the document has no snapshot, but still
	// marks the document as changed.
	Patch(ctx context.Context, documentID string, records []annotation.Record) error
	Invalidate(ctx context.Context, documentID string) error
	Clear(ctx context.Context) error
}

func stale(snapshot Snapshot, changed time.Time) bool {
	return !snapshot.TakenAt.IsZero() && snapshot.TakenAt.Before(changed)
}

// apply reports whether any record was replaced.
func (s *Snapshot) apply(records []annotation.Record) bool {
	if len(records) == 0 {
		return false
	}
	byKey := make(map[string]annotation.Record, len(records))
	for _, rec := range records {
		byKey[rec.LocalKey] = rec
	}
	changed := false
	for i, cur := range s.Records {
		if next, ok := byKey[cur.LocalKey]; ok {
			s.Records[i] = next.Clone()
			changed = true
		}
	}
	return changed
}

type Memory struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	changed   map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string]Snapshot), changed: make(map[string]time.Time)}
}

func (m *Memory) Get(_ context.Context, documentID string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[documentID]
	if !ok {
		return Snapshot{}, false, nil
	}
	snap.Records = annotation.CloneAll(snap.Records)
	return snap, true, nil
}

func (m *Memory) Put(_ context.Context, snapshot Snapshot) error {
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now()
	}
	snapshot.Records = annotation.CloneAll(snapshot.Records)
	m.mu.Lock()
	defer m.mu.Unlock()
	if changed, ok := m.changed[snapshot.DocumentID]; ok {
		if stale(snapshot, changed) {
			return nil
		}
		if time.Since(changed) > changeWindow {
			delete(m.changed, snapshot.DocumentID)
		}
	}
	m.snapshots[snapshot.DocumentID] = snapshot
	return nil
}

func (m *Memory) Patch(_ context.Context, documentID string, records []annotation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed[documentID] = time.Now()
	snap, ok := m.snapshots[documentID]
	if !ok {
		return nil
	}
	// Copy before editing so snapshots already handed out stay untouched.
	snap.Records = annotation.CloneAll(snap.Records)
	if snap.apply(records) {
		snap.StoredAt = time.Now()
		m.snapshots[documentID] = snap
	}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, documentID string) error {
	m.mu.Lock()
	delete(m.snapshots, documentID)
	m.changed[documentID] = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	m.snapshots = make(map[string]Snapshot)
	m.mu.Unlock()
	return nil
}
