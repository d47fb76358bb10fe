// Package visibility moves annotations between private, public-named and
// public-anonymous. Making a public annotation private deletes its likes and
// comments and therefore needs the caller's confirmation first.
package visibility

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"marginalia/internal/annotation"
	"marginalia/internal/cache"
	"marginalia/internal/observability"
	"marginalia/internal/platform/logger"
)

// Remote is the write side of the shared store, scoped to the reader.
type Remote interface {
	FindByFingerprints(ctx context.Context, documentID string, fingerprints []string) (map[string]annotation.Remote, error)
	GetRecord(ctx context.Context, remoteID string) (annotation.Remote, error)
	CreateRecord(ctx context.Context, rec annotation.Remote) (annotation.Remote, error)
	UpdateVisibility(ctx context.Context, remoteID string, visibility annotation.Visibility) (annotation.Remote, error)
	// Retract makes the record private and deletes its likes and comments
	// as one unit. On error nothing has changed.
	Retract(ctx context.Context, remoteID string) (annotation.Remote, error)
}

// Indexer is told about annotations entering or leaving public view.
type Indexer interface {
	IndexAnnotation(rec annotation.Record)
	RemoveAnnotation(remoteID string)
}

// Impact is what a transition to private would delete.
type Impact struct {
	Records  int  `json:"records"`
	Likes    uint `json:"likes"`
	Comments uint `json:"comments"`
}

// ConfirmFunc asks whether the deletion described by impact may proceed.
type ConfirmFunc func(ctx context.Context, impact Impact) bool

// Confirmed is a ConfirmFunc for callers that already obtained consent.
func Confirmed(context.Context, Impact) bool { return true }

type Failure struct {
	Record annotation.Record `json:"record"`
	Err    error             `json:"-"`
}

// BatchResult splits a batch into the records that reached the target state
// and those that did not. Both keep input order.
type BatchResult struct {
	Succeeded []annotation.Record `json:"succeeded"`
	Failed    []Failure           `json:"failed"`
}

// For maps the publish and show-author toggles onto a visibility.
func For(public, showAuthor bool) annotation.Visibility {
	switch {
	case !public:
		return annotation.Private
	case showAuthor:
		return annotation.PublicNamed
	default:
		return annotation.PublicAnonymous
	}
}

const batchConcurrency = 4

type Machine struct {
	remote Remote
	cache  cache.Store
	ids    *annotation.Identities
	index  Indexer
	log    *logger.Logger
	locks  *keyedMutex
}

func New(remote Remote, snapshots cache.Store, ids *annotation.Identities, index Indexer, log *logger.Logger) *Machine {
	if ids == nil {
		ids = annotation.NewIdentities()
	}
	return &Machine{
		remote: remote,
		cache:  snapshots,
		ids:    ids,
		index:  index,
		log:    logger.Or(log),
		locks:  newKeyedMutex(),
	}
}

// Transition moves rec to target. Transitions on the same document are
// serialized. A transition to the current state returns rec unchanged.
func (m *Machine) Transition(ctx context.Context, rec annotation.Record, target annotation.Visibility, confirm ConfirmFunc) (annotation.Record, error) {
	if err := validate(rec, target); err != nil {
		return rec, err
	}
	ctx, span := observability.Tracer().Start(ctx, "visibility.transition", trace.WithAttributes(
		attribute.String("document.id", rec.DocumentID),
		attribute.String("visibility.from", string(current(rec))),
		attribute.String("visibility.to", string(target)),
	))
	defer span.End()

	unlock := m.locks.Lock(rec.DocumentID)
	defer unlock()

	if current(rec) == target {
		return rec, nil
	}
	if destructive(rec, target) {
		impact := m.impact(ctx, []annotation.Record{rec})
		if confirm == nil || !confirm(ctx, impact) {
			return rec, annotation.ConflictError("visibility.transition", "confirmation required to make annotation private", impact)
		}
	}

	out, err := m.apply(ctx, rec, target)
	if err != nil {
		return rec, err
	}
	m.patch(ctx, rec.DocumentID, []annotation.Record{out})
	m.notify(out)
	return out, nil
}

// TransitionBatch moves every record to target after a single confirmation
// covering their combined impact. Records are updated independently; one
// failure, including an invalid record, does not stop the others. Only an
// unknown target or a refused confirmation fails the whole call.
func (m *Machine) TransitionBatch(ctx context.Context, records []annotation.Record, target annotation.Visibility, confirm ConfirmFunc) (BatchResult, error) {
	result := BatchResult{Succeeded: []annotation.Record{}, Failed: []Failure{}}
	if !target.Valid() {
		return result, annotation.ValidationError("visibility.transition_batch", "unknown visibility "+string(target))
	}
	errs := make([]error, len(records))
	valid := make([]annotation.Record, 0, len(records))
	for i, rec := range records {
		if err := validate(rec, target); err != nil {
			errs[i] = err
			continue
		}
		valid = append(valid, rec)
	}
	ctx, span := observability.Tracer().Start(ctx, "visibility.transition_batch", trace.WithAttributes(
		attribute.Int("records", len(records)),
		attribute.Int("invalid", len(records)-len(valid)),
		attribute.String("visibility.to", string(target)),
	))
	defer span.End()

	unlock := m.locks.LockAll(documentIDs(valid))
	defer unlock()

	var risky []annotation.Record
	for _, rec := range valid {
		if destructive(rec, target) {
			risky = append(risky, rec)
		}
	}
	if len(risky) > 0 {
		impact := m.impact(ctx, risky)
		if confirm == nil || !confirm(ctx, impact) {
			return result, annotation.ConflictError("visibility.transition_batch", "confirmation required to make annotations private", impact)
		}
	}

	outcomes := make([]annotation.Record, len(records))
	// Documents proceed in parallel; records of one document go in order.
	byDocument := make(map[string][]int)
	for i, rec := range records {
		if errs[i] != nil {
			continue
		}
		if current(rec) == target {
			outcomes[i] = rec
			continue
		}
		byDocument[rec.DocumentID] = append(byDocument[rec.DocumentID], i)
	}
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for _, indexes := range byDocument {
		g.Go(func() error {
			for _, i := range indexes {
				outcomes[i], errs[i] = m.apply(ctx, records[i], target)
			}
			return nil
		})
	}
	_ = g.Wait()

	changed := make(map[string][]annotation.Record)
	for i, rec := range records {
		if errs[i] != nil {
			result.Failed = append(result.Failed, Failure{Record: rec, Err: errs[i]})
			continue
		}
		result.Succeeded = append(result.Succeeded, outcomes[i])
		if current(rec) != target {
			changed[rec.DocumentID] = append(changed[rec.DocumentID], outcomes[i])
			m.notify(outcomes[i])
		}
	}
	for documentID, recs := range changed {
		m.patch(ctx, documentID, recs)
	}
	span.SetAttributes(attribute.Int("failed", len(result.Failed)))
	if len(result.Failed) > 0 {
		m.log.Warn("visibility batch partially failed", "succeeded", len(result.Succeeded), "failed", len(result.Failed), "error", result.Failed[0].Err)
	}
	return result, nil
}

// apply performs the remote mutation for an already confirmed transition.
func (m *Machine) apply(ctx context.Context, rec annotation.Record, target annotation.Visibility) (annotation.Record, error) {
	out := rec.Clone()
	if target == annotation.Private {
		if rec.RemoteID == "" {
			out.Visibility = annotation.Private
			out.LikesCount, out.CommentsCount = 0, 0
			return out, nil
		}
		updated, err := m.remote.Retract(ctx, rec.RemoteID)
		if err != nil {
			return rec, remoteError("visibility.retract", err)
		}
		applyRemote(&out, updated)
		out.Visibility = annotation.Private
		out.LikesCount, out.CommentsCount = 0, 0
		return out, nil
	}

	remoteID, err := m.resolve(ctx, rec)
	if err != nil {
		return rec, err
	}
	if remoteID == "" {
		draft := annotation.ToRemote(rec)
		draft.Visibility = target
		draft.LikesCount, draft.CommentsCount = 0, 0
		created, err := m.remote.CreateRecord(ctx, draft)
		if err != nil {
			return rec, remoteError("visibility.create", err)
		}
		m.ids.Remember(rec.LocalKey, created.ID)
		applyRemote(&out, created)
		m.log.Info("annotation shared", "document_id", rec.DocumentID, "local_key", rec.LocalKey, "remote_id", created.ID)
		return out, nil
	}

	updated, err := m.remote.UpdateVisibility(ctx, remoteID, target)
	if err != nil {
		return rec, remoteError("visibility.update", err)
	}
	applyRemote(&out, updated)
	return out, nil
}

// resolve finds the remote id of a record that may already have been
// shared, so publishing never creates a second row.
func (m *Machine) resolve(ctx context.Context, rec annotation.Record) (string, error) {
	if rec.RemoteID != "" {
		return rec.RemoteID, nil
	}
	if id, ok := m.ids.Lookup(rec.LocalKey); ok {
		return id, nil
	}
	fp := rec.Fingerprint
	if fp == "" {
		fp = annotation.Fingerprint(rec)
	}
	found, err := m.remote.FindByFingerprints(ctx, rec.DocumentID, []string{fp})
	if err != nil {
		return "", remoteError("visibility.find", err)
	}
	if existing, ok := found[fp]; ok {
		m.ids.Remember(rec.LocalKey, existing.ID)
		return existing.ID, nil
	}
	return "", nil
}

// impact sums the social state that going private would delete. Counters
// are re-read from the store; the record's own counters are used when the
// read fails.
func (m *Machine) impact(ctx context.Context, records []annotation.Record) Impact {
	impact := Impact{Records: len(records)}
	for _, rec := range records {
		likes, comments := rec.LikesCount, rec.CommentsCount
		if rec.RemoteID != "" {
			fresh, err := m.remote.GetRecord(ctx, rec.RemoteID)
			if err == nil {
				likes, comments = fresh.LikesCount, fresh.CommentsCount
			} else {
				m.log.Warn("impact read failed, using cached counters", "remote_id", rec.RemoteID, "error", err)
			}
		}
		impact.Likes += likes
		impact.Comments += comments
	}
	return impact
}

func (m *Machine) patch(ctx context.Context, documentID string, records []annotation.Record) {
	if m.cache == nil || len(records) == 0 {
		return
	}
	if err := m.cache.Patch(ctx, documentID, records); err != nil {
		m.log.Warn("snapshot patch failed, invalidating", "document_id", documentID, "error", err)
		_ = m.cache.Invalidate(ctx, documentID)
	}
}

func (m *Machine) notify(rec annotation.Record) {
	if m.index == nil || rec.RemoteID == "" {
		return
	}
	if rec.Visibility.IsPublic() {
		m.index.IndexAnnotation(rec)
		return
	}
	m.index.RemoveAnnotation(rec.RemoteID)
}

func validate(rec annotation.Record, target annotation.Visibility) error {
	if !target.Valid() {
		return annotation.ValidationError("visibility.transition", "unknown visibility "+string(target))
	}
	if rec.DocumentID == "" || rec.LocalKey == "" {
		return annotation.ValidationError("visibility.transition", "record needs a document id and local key")
	}
	if annotation.IsRemoteOnly(rec.LocalKey) {
		return annotation.ValidationError("visibility.transition", "cannot change visibility of another reader's annotation")
	}
	return nil
}

func current(rec annotation.Record) annotation.Visibility {
	if rec.Visibility == "" {
		return annotation.Private
	}
	return rec.Visibility
}

func destructive(rec annotation.Record, target annotation.Visibility) bool {
	return target == annotation.Private && current(rec).IsPublic()
}

func applyRemote(out *annotation.Record, remote annotation.Remote) {
	out.RemoteID = remote.ID
	out.Visibility = remote.Visibility
	out.LikesCount = remote.LikesCount
	out.CommentsCount = remote.CommentsCount
	if !remote.UpdatedAt.IsZero() {
		out.UpdatedAt = remote.UpdatedAt
	}
	if remote.Fingerprint != "" {
		out.Fingerprint = remote.Fingerprint
	}
}

func remoteError(op string, err error) error {
	if _, ok := annotation.KindOf(err); ok {
		return err
	}
	return annotation.NetworkError(op, err)
}

func documentIDs(records []annotation.Record) []string {
	seen := make(map[string]struct{}, len(records))
	out := make([]string, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.DocumentID]; ok {
			continue
		}
		seen[rec.DocumentID] = struct{}{}
		out = append(out, rec.DocumentID)
	}
	sort.Strings(out)
	return out
}

// keyedMutex hands out one mutex per document. An entry lives only while
// someone holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) acquire(key string) *refMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &refMutex{}
		k.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (k *keyedMutex) release(key string, lock *refMutex) {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) Lock(key string) func() {
	lock := k.acquire(key)
	lock.Lock()
	return func() {
		lock.Unlock()
		k.release(key, lock)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// LockAll takes the locks for keys in sorted order.
func (k *keyedMutex) LockAll(keys []string) func() {
	unlocks := make([]func(), 0, len(keys))
	for _, key := range keys {
		unlocks = append(unlocks, k.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
