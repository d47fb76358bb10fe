// Package reconcile matches locally extracted annotations against the
// shared store and produces the list the reader sees for a document.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"marginalia/internal/annotation"
	"marginalia/internal/cache"
	"marginalia/internal/observability"
	"marginalia/internal/platform/logger"
)

const (
	defaultBatchSize   = 200
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
)

// RemoteFinder is the read side of the shared store, scoped to the reader.
type RemoteFinder interface {
	// FindByFingerprints returns the reader's shared records for the given
	// fingerprints, keyed by fingerprint.
	FindByFingerprints(ctx context.Context, documentID string, fingerprints []string) (map[string]annotation.Remote, error)
	// ListShared returns public records other readers made on the document.
	ListShared(ctx context.Context, documentID string) ([]annotation.Remote, error)
}

type Options struct {
	BatchSize     int
	Concurrency   int
	IncludeShared bool
	// Timeout bounds a shared run. It is detached from the callers, so one
	// caller going away does not fail the others.
	Timeout time.Duration
}

// Result is the outcome of a reconciliation. Partial is set when some
// lookups failed; the affected records are returned local-only and the
// causes are listed in Failures.
type Result struct {
	Records  []annotation.Record `json:"records"`
	Partial  bool                `json:"partial"`
	Failures []error             `json:"-"`
	Cached   bool                `json:"cached"`
}

type Reconciler struct {
	remote RemoteFinder
	cache  cache.Store
	ids    *annotation.Identities
	log    *logger.Logger
	opts   Options
	group  singleflight.Group
}

func New(remote RemoteFinder, snapshots cache.Store, ids *annotation.Identities, log *logger.Logger, opts Options) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if ids == nil {
		ids = annotation.NewIdentities()
	}
	return &Reconciler{remote: remote, cache: snapshots, ids: ids, log: logger.Or(log), opts: opts}
}

// Reconcile merges remote state into local and caches the result when every
// lookup succeeded. Concurrent calls for the same document share one run;
// the later callers receive the first caller's result. The run is not bound
// to any caller's context; each caller stops waiting when its own ctx ends.
func (r *Reconciler) Reconcile(ctx context.Context, documentID string, local []annotation.Record) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	ch := r.group.DoChan(documentID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Timeout)
		defer cancel()
		return r.reconcile(runCtx, documentID, local)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return Result{}, out.Err
		}
		if out.Shared {
			r.log.Debug("joined in-flight reconcile", "document_id", documentID)
		}
		res := out.Val.(Result)
		res.Records = annotation.CloneAll(res.Records)
		return res, nil
	}
}

// LocalFunc produces the local annotations of a document on demand.
type LocalFunc func(ctx context.Context) []annotation.Record

// Load serves the cached snapshot unless reload is set or nothing is cached.
func (r *Reconciler) Load(ctx context.Context, documentID string, local LocalFunc, reload bool) (Result, error) {
	if !reload && r.cache != nil {
		snap, ok, err := r.cache.Get(ctx, documentID)
		if err != nil {
			r.log.Warn("snapshot read failed, reconciling", "document_id", documentID, "error", err)
		} else if ok {
			return Result{Records: snap.Records, Cached: true}, nil
		}
	}
	return r.Reconcile(ctx, documentID, local(ctx))
}

func (r *Reconciler) Invalidate(ctx context.Context, documentID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Invalidate(ctx, documentID)
}

func (r *Reconciler) reconcile(ctx context.Context, documentID string, local []annotation.Record) (Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "reconcile.document", trace.WithAttributes(
		attribute.String("document.id", documentID),
		attribute.Int("records.local", len(local)),
	))
	defer span.End()

	started := time.Now()
	records := annotation.CloneAll(local)
	if records == nil {
		records = []annotation.Record{}
	}
	for i := range records {
		if records[i].Fingerprint == "" {
			records[i].Fingerprint = annotation.Fingerprint(records[i])
		}
		if records[i].DocumentID == "" {
			records[i].DocumentID = documentID
		}
	}

	matches, failures := r.lookup(ctx, documentID, records)
	for i := range records {
		rec := &records[i]
		if rec.RemoteID != "" {
			continue
		}
		remote, ok := matches[rec.Fingerprint]
		if !ok {
			continue
		}
		mergeRemote(rec, remote)
		r.ids.Remember(rec.LocalKey, remote.ID)
	}
	records = annotation.Dedupe(records)

	if r.opts.IncludeShared {
		others, err := r.remote.ListShared(ctx, documentID)
		if err != nil {
			failures = append(failures, annotation.NetworkError("reconcile.list_shared", err))
		} else {
			records = append(records, sharedOnly(records, others)...)
		}
	}

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	res := Result{Records: records, Partial: len(failures) > 0, Failures: failures}
	span.SetAttributes(attribute.Int("records.out", len(records)), attribute.Bool("partial", res.Partial))
	if res.Partial {
		span.SetStatus(codes.Error, "partial reconcile")
		r.log.Warn("reconcile partial", "document_id", documentID, "failures", len(failures), "error", failures[0])
		return res, nil
	}
	if r.cache != nil {
		snap := cache.Snapshot{DocumentID: documentID, Records: records, TakenAt: started}
		if err := r.cache.Put(ctx, snap); err != nil {
			r.log.Warn("snapshot write failed", "document_id", documentID, "error", err)
		}
	}
	return res, nil
}

// lookup resolves fingerprints of unshared records in batches, one remote
// call per batch.
func (r *Reconciler) lookup(ctx context.Context, documentID string, records []annotation.Record) (map[string]annotation.Remote, []error) {
	seen := make(map[string]struct{})
	pending := make([]string, 0)
	for _, rec := range records {
		if rec.RemoteID != "" {
			continue
		}
		if _, ok := seen[rec.Fingerprint]; ok {
			continue
		}
		seen[rec.Fingerprint] = struct{}{}
		pending = append(pending, rec.Fingerprint)
	}

	var (
		mu       sync.Mutex
		matches  = make(map[string]annotation.Remote)
		failures []error
		g        errgroup.Group
	)
	g.SetLimit(r.opts.Concurrency)
	for _, batch := range chunk(pending, r.opts.BatchSize) {
		g.Go(func() error {
			found, err := r.remote.FindByFingerprints(ctx, documentID, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, annotation.NetworkError("reconcile.find", err))
				return nil
			}
			for fp, remote := range found {
				matches[fp] = remote
			}
			return nil
		})
	}
	_ = g.Wait()
	return matches, failures
}

func mergeRemote(rec *annotation.Record, remote annotation.Remote) {
	rec.RemoteID = remote.ID
	rec.Visibility = remote.Visibility
	rec.LikesCount = remote.LikesCount
	rec.CommentsCount = remote.CommentsCount
	if remote.QualityScore != nil {
		score := *remote.QualityScore
		rec.QualityScore = &score
	}
	if rec.Visibility == annotation.Private {
		rec.LikesCount = 0
		rec.CommentsCount = 0
	}
}

// sharedOnly returns the other readers' records not already present,
// collapsed among themselves.
func sharedOnly(records []annotation.Record, others []annotation.Remote) []annotation.Record {
	known := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.RemoteID != "" {
			known[rec.RemoteID] = struct{}{}
		}
	}
	out := make([]annotation.Record, 0, len(others))
	for _, remote := range others {
		if _, ok := known[remote.ID]; ok || !remote.Visibility.IsPublic() {
			continue
		}
		out = append(out, remote.Record())
	}
	return annotation.Dedupe(out)
}

func chunk(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
