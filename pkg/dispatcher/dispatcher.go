// Package dispatcher is the single registry of chunk workers (spec §4.5): it
// routes POST /process and GET /status/<chunk_id> to the worker keyed by
// chunk id, creating one on first admission, and runs the startup-recovery
// sweep that re-arms a worker for every chunk left in flight by a previous
// crash.
//
// Grounded on pkg/queue/pool.go's mutex-guarded registry-by-id shape and
// pkg/queue/orphan.go's CleanupStartupOrphans one-time sweep, generalized
// from "recover orphaned sessions owned by this pod" to "re-arm every
// non-terminal chunk on process start" since a chunk worker has no pod
// ownership to scope the sweep to.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arke-institute/pinax/pkg/chunk"
)

// Store is the subset of *store.Client the dispatcher itself needs,
// independent of what an individual chunk.Worker needs.
type Store interface {
	chunk.Store
	ListActiveChunkIDs(ctx context.Context) ([]string, error)
}

// WorkerFactory builds a new chunk.Worker for chunkID. cmd/pinaxd supplies
// this as a closure over the shared fetcher/extractor/object-store/callback
// clients and chunk.Config.
type WorkerFactory func(chunkID string) *chunk.Worker

// Dispatcher is the process-wide registry of live chunk workers.
type Dispatcher struct {
	store   Store
	factory WorkerFactory

	mu      sync.Mutex
	workers map[string]*chunk.Worker
}

// New creates a Dispatcher. factory must be safe to call concurrently.
func New(store Store, factory WorkerFactory) *Dispatcher {
	return &Dispatcher{
		store:   store,
		factory: factory,
		workers: make(map[string]*chunk.Worker),
	}
}

// workerFor returns the registered worker for chunkID, creating and
// registering one via factory if none exists yet.
func (d *Dispatcher) workerFor(chunkID string) *chunk.Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[chunkID]; ok {
		return w
	}
	w := d.factory(chunkID)
	d.workers[chunkID] = w
	return w
}

// evict removes chunkID from the registry once its worker has stopped
// (reached DONE/ERROR and run cleanup).
func (d *Dispatcher) evict(chunkID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, chunkID)
}

// Process implements spec §4.5 "POST /process forwards to the Chunk Worker
// keyed by chunk_id".
func (d *Dispatcher) Process(ctx context.Context, req chunk.ProcessRequest) (chunk.AdmitResult, error) {
	w := d.workerFor(req.ChunkID)
	return w.Admit(ctx, req)
}

// Status implements spec §4.5 "GET /status/<chunk_id>". It reads straight
// from durable state rather than going through workerFor, so querying an
// unknown chunk id returns store.ErrNotFound without registering a phantom
// worker for it.
func (d *Dispatcher) Status(ctx context.Context, chunkID string) (chunk.StatusResult, error) {
	return chunk.StatusFromStore(ctx, d.store, chunkID)
}

// EvictDone removes chunkID from the registry if its durable state has
// been cleaned up (i.e., the worker already ran its DONE/ERROR cleanup
// tick). Nothing else removes a finished worker from the registry, so the
// worker stays registered until this is called after observing a terminal
// status.
func (d *Dispatcher) EvictDone(ctx context.Context, chunkID string) {
	if _, err := d.store.GetChunkState(ctx, chunkID); err != nil {
		d.evict(chunkID)
	}
}

// RecoverFromStartup re-arms a worker for every chunk left in flight by a
// previous crash (spec §9 design notes; supplemented feature, see
// DESIGN.md). It should be called once, before the HTTP server starts
// accepting requests.
func (d *Dispatcher) RecoverFromStartup(ctx context.Context) error {
	ids, err := d.store.ListActiveChunkIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active chunks for recovery: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	slog.Warn("recovering in-flight chunks from previous run", "count", len(ids))
	for _, id := range ids {
		w := d.workerFor(id)
		w.ResumeAfterRestart(ctx)
	}
	return nil
}
