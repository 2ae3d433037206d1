package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arke-institute/pinax/pkg/callback"
	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/extractor"
	"github.com/arke-institute/pinax/pkg/store"
)

// Config bounds the worker's retry and cadence behavior (spec §6).
type Config struct {
	MaxRetriesPerPI     int
	MaxCallbackRetries  int
	AlarmInterval       time.Duration
	ContentTokenTarget  int
	DefaultAccessURL    string // e.g. "https://arke.institute" — "/<pi>" is appended
	OrchestratorBaseURL string
}

// Worker owns exactly one chunk for its entire lifetime: a single-writer
// actor woken by its own timer, never processing two ticks concurrently
// (spec §5 "Scheduling model").
type Worker struct {
	chunkID string
	cfg     Config

	// bgCtx is the process-lifetime context every alarm-driven tick runs
	// under. It must never be a request context: an HTTP handler's ctx is
	// canceled the moment the handler returns, which would kill every
	// tick after the first one scheduled from that request.
	bgCtx context.Context

	store     Store
	fetcher   Fetcher
	extractor Extractor
	objStore  ObjectStore
	cb        Callback

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// New creates a Worker for chunkID. bgCtx is the long-lived context (e.g.
// derived from the process's signal.NotifyContext) that every alarm-driven
// tick runs under, independent of whatever request context admitted or
// queried this worker. Call Admit to seed it and arm the first tick.
func New(bgCtx context.Context, chunkID string, cfg Config, store Store, fetcher Fetcher, ext Extractor, objStore ObjectStore, cb Callback) *Worker {
	return &Worker{
		chunkID:   chunkID,
		cfg:       cfg,
		bgCtx:     bgCtx,
		store:     store,
		fetcher:   fetcher,
		extractor: ext,
		objStore:  objStore,
		cb:        cb,
	}
}

// Admit implements spec §4.4 "Admission": if an existing row is in flight,
// report already_processing; otherwise seed fresh state and arm the first
// tick.
func (w *Worker) Admit(ctx context.Context, req ProcessRequest) (AdmitResult, error) {
	existing, err := w.store.GetChunkState(ctx, req.ChunkID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return AdmitResult{}, fmt.Errorf("look up existing chunk %s: %w", req.ChunkID, err)
	}
	if existing != nil && existing.Phase != chunkmodel.PhaseDone && existing.Phase != chunkmodel.PhaseError {
		return AdmitResult{AlreadyProcessing: true, Phase: existing.Phase}, nil
	}

	cs := chunkmodel.ChunkState{
		BatchID:      req.BatchID,
		ChunkID:      req.ChunkID,
		Prefix:       req.Prefix,
		CustomPrompt: req.CustomPrompt,
		Institution:  req.Institution,
		Phase:        chunkmodel.PhaseProcessing,
		StartedAt:    time.Now(),
	}
	if err := w.store.AdmitChunk(ctx, cs, req.PIs); err != nil {
		return AdmitResult{}, fmt.Errorf("admit chunk %s: %w", req.ChunkID, err)
	}

	// A worker reused after an earlier run's cleanup tick called Stop must
	// be able to tick again for the freshly seeded state.
	w.mu.Lock()
	w.stopped = false
	w.mu.Unlock()
	w.arm(100 * time.Millisecond)
	return AdmitResult{AlreadyProcessing: false, Phase: chunkmodel.PhaseProcessing}, nil
}

// ResumeAfterRestart re-arms a tick for a chunk whose row already exists
// from a previous process's run (spec §9 design notes: "no in-memory state
// survives across wakes"). It is a no-op if the chunk is already terminal.
func (w *Worker) ResumeAfterRestart(ctx context.Context) {
	cs, err := w.store.GetChunkState(ctx, w.chunkID)
	if err != nil {
		slog.Warn("resume: chunk state missing", "chunk_id", w.chunkID, "error", err)
		return
	}
	if cs.Phase == chunkmodel.PhaseDone || cs.Phase == chunkmodel.PhaseError {
		return
	}
	w.arm(w.cfg.AlarmInterval)
}

// Status implements spec §4.5 "GET /status/<chunk_id>".
func (w *Worker) Status(ctx context.Context) (StatusResult, error) {
	return StatusFromStore(ctx, w.store, w.chunkID)
}

// StatusFromStore reads a chunk's status straight from durable state,
// without needing a live Worker for chunkID. The dispatcher uses this for
// GET /status so that querying an unknown or idle chunk id never creates
// and registers a worker just to answer the read.
func StatusFromStore(ctx context.Context, s Store, chunkID string) (StatusResult, error) {
	cs, err := s.GetChunkState(ctx, chunkID)
	if err != nil {
		return StatusResult{}, err
	}
	pis, err := s.ListAllPIs(ctx, chunkID)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Phase: cs.Phase, Progress: progressOf(pis)}, nil
}

func progressOf(pis []chunkmodel.PIState) chunkmodel.Progress {
	p := chunkmodel.Progress{Total: len(pis)}
	for _, pi := range pis {
		switch pi.Status {
		case chunkmodel.PIStatusPending:
			p.Pending++
		case chunkmodel.PIStatusProcessing:
			p.Processing++
		case chunkmodel.PIStatusDone:
			p.Done++
		case chunkmodel.PIStatusError:
			p.Failed++
		}
	}
	return p
}

// arm schedules the next tick after d, replacing any pending timer. Safe to
// call from the worker's own goroutine or from Admit. Every tick runs under
// w.bgCtx, never the context of whatever request happened to trigger this
// arm call.
func (w *Worker) arm(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, func() {
		w.tick(w.bgCtx)
	})
}

// Stop prevents further ticks until the next Admit. tick calls it once the
// DONE/ERROR cleanup has run.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// tick runs exactly one pass for the worker's current phase (spec §4.4).
// A panic-free Go port of the design's "any uncaught exception during a
// phase -> global_error, transition to CALLBACK": every pass function
// returns its error instead of panicking, and tick is the single place
// that converts a pass error into a global error.
func (w *Worker) tick(ctx context.Context) {
	log := slog.With("chunk_id", w.chunkID)

	cs, err := w.store.GetChunkState(ctx, w.chunkID)
	if err != nil {
		log.Error("tick: chunk state vanished", "error", err)
		return
	}

	switch cs.Phase {
	case chunkmodel.PhaseProcessing:
		if err := w.processingPass(ctx, cs); err != nil {
			log.Error("processing pass failed", "error", err)
			_ = w.store.SetGlobalError(ctx, w.chunkID, err.Error())
			w.arm(w.cfg.AlarmInterval)
			return
		}
	case chunkmodel.PhasePublishing:
		if err := w.publishingPass(ctx, cs); err != nil {
			log.Error("publishing pass failed", "error", err)
			_ = w.store.SetGlobalError(ctx, w.chunkID, err.Error())
			w.arm(w.cfg.AlarmInterval)
			return
		}
	case chunkmodel.PhaseCallback:
		// callbackPass arms its own next tick (either the short cleanup
		// delay on success/give-up, or the backoff delay on a retryable
		// failure), so tick must not arm again below.
		if err := w.callbackPass(ctx, cs); err != nil {
			log.Warn("callback attempt failed", "error", err)
		}
		return
	case chunkmodel.PhaseDone, chunkmodel.PhaseError:
		if err := w.store.DeleteChunk(ctx, w.chunkID); err != nil {
			log.Error("cleanup failed", "error", err)
		}
		w.Stop()
		return
	}

	w.arm(w.cfg.AlarmInterval)
}

// processingPass implements spec §4.4 "PROCESSING pass".
func (w *Worker) processingPass(ctx context.Context, cs *chunkmodel.ChunkState) error {
	pending, err := w.store.ListPIsByStatus(ctx, w.chunkID, chunkmodel.PIStatusPending)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	if len(pending) > 0 {
		var wg sync.WaitGroup
		for _, p := range pending {
			if err := w.store.MarkProcessing(ctx, w.chunkID, p.PI); err != nil {
				return fmt.Errorf("mark processing %s: %w", p.PI, err)
			}
			wg.Add(1)
			go func(pi string) {
				defer wg.Done()
				w.processOnePI(ctx, cs, pi)
			}(p.PI)
		}
		wg.Wait()
	}

	stillPending, err := w.store.ListPIsByStatus(ctx, w.chunkID, chunkmodel.PIStatusPending)
	if err != nil {
		return fmt.Errorf("recheck pending: %w", err)
	}
	stillProcessing, err := w.store.ListPIsByStatus(ctx, w.chunkID, chunkmodel.PIStatusProcessing)
	if err != nil {
		return fmt.Errorf("recheck processing: %w", err)
	}
	if len(stillPending) == 0 && len(stillProcessing) == 0 {
		return w.store.SetPhase(ctx, w.chunkID, chunkmodel.PhasePublishing)
	}
	return nil
}

// processOnePI fetches (or loads cached) context, extracts a record, and
// records success/failure against retry_count (spec §4.4).
func (w *Worker) processOnePI(ctx context.Context, cs *chunkmodel.ChunkState, pi string) {
	log := slog.With("chunk_id", w.chunkID, "pi", pi)

	bundle, err := w.loadOrFetchContext(ctx, pi)
	if err != nil {
		log.Warn("fetch failed", "error", err)
		_ = w.store.RetryOrFailPI(ctx, w.chunkID, pi, err.Error(), w.cfg.MaxRetriesPerPI)
		return
	}

	var accessURLOverride string
	if w.cfg.DefaultAccessURL != "" {
		accessURLOverride = w.cfg.DefaultAccessURL + "/" + pi
	}

	result, err := w.extractor.Extract(ctx, bundle, extractor.Request{
		CustomPrompt:      cs.CustomPrompt,
		DefaultSource:     "PINAX",
		AccessURLOverride: accessURLOverride,
	})
	if err != nil {
		log.Warn("extraction failed", "error", err)
		_ = w.store.RetryOrFailPI(ctx, w.chunkID, pi, err.Error(), w.cfg.MaxRetriesPerPI)
		return
	}

	recordJSON, err := json.Marshal(result.Record)
	if err != nil {
		_ = w.store.RetryOrFailPI(ctx, w.chunkID, pi, fmt.Sprintf("marshal record: %v", err), w.cfg.MaxRetriesPerPI)
		return
	}

	if !result.Validation.Valid {
		log.Info("record validated with warnings", "warnings", result.Validation.Warnings)
	}

	if err := w.store.CompletePI(ctx, w.chunkID, pi, recordJSON); err != nil {
		log.Error("persist completed pi failed", "error", err)
	}
}

func (w *Worker) loadOrFetchContext(ctx context.Context, pi string) (*chunkmodel.ContextBundle, error) {
	cached, err := w.store.GetCachedContext(ctx, w.chunkID, pi)
	if err == nil {
		return &chunkmodel.ContextBundle{
			DirectoryName: cached.DirectoryName,
			Files:         cached.Files,
			ExistingPinax: cached.ExistingPinax,
		}, nil
	}

	bundle, err := w.fetcher.Fetch(ctx, pi, w.cfg.ContentTokenTarget)
	if err != nil {
		return nil, err
	}
	if err := w.store.SaveCachedContext(ctx, w.chunkID, pi, bundle); err != nil {
		slog.Warn("failed to persist cached context", "chunk_id", w.chunkID, "pi", pi, "error", err)
	}
	return bundle, nil
}

// publishingPass implements spec §4.4 "PUBLISHING pass": upload then
// CAS-append with refresh-and-retry, bounded by an exponential backoff
// (500ms base, 3 attempts).
func (w *Worker) publishingPass(ctx context.Context, cs *chunkmodel.ChunkState) error {
	unpublished, err := w.store.ListPublishedWithoutCID(ctx, w.chunkID)
	if err != nil {
		return fmt.Errorf("list unpublished: %w", err)
	}

	if len(unpublished) > 0 {
		var wg sync.WaitGroup
		for _, p := range unpublished {
			wg.Add(1)
			go func(p chunkmodel.PIState) {
				defer wg.Done()
				w.publishOnePI(ctx, p)
			}(p)
		}
		wg.Wait()
	}

	done, err := w.store.ListPIsByStatus(ctx, w.chunkID, chunkmodel.PIStatusDone)
	if err != nil {
		return fmt.Errorf("recheck done: %w", err)
	}
	allPublished := true
	for _, p := range done {
		if p.PinaxCID == "" {
			allPublished = false
			break
		}
	}
	if allPublished {
		return w.store.SetPhase(ctx, w.chunkID, chunkmodel.PhaseCallback)
	}
	return nil
}

func (w *Worker) publishOnePI(ctx context.Context, p chunkmodel.PIState) {
	log := slog.With("chunk_id", w.chunkID, "pi", p.PI)

	cid, err := w.objStore.Upload(ctx, []byte(p.PinaxRecord), "pinax.json")
	if err != nil {
		log.Warn("upload failed", "error", err)
		_ = w.store.FailPublish(ctx, w.chunkID, p.PI, fmt.Sprintf("upload failed: %v", err))
		return
	}

	newTip, newVersion, err := w.appendWithRefresh(ctx, p.PI, cid)
	if err != nil {
		log.Warn("append version exhausted retries", "error", err)
		_ = w.store.FailPublish(ctx, w.chunkID, p.PI, fmt.Sprintf("publish failed: %v", err))
		return
	}

	if err := w.store.SetPublished(ctx, w.chunkID, p.PI, cid, newTip, newVersion); err != nil {
		log.Error("persist published state failed", "error", err)
	}
}

// appendWithRefresh performs the CAS-with-refresh retry loop of spec §4.4:
// up to 3 attempts, 500ms base exponential backoff, re-reading the entity's
// tip before each attempt.
func (w *Worker) appendWithRefresh(ctx context.Context, pi, cid string) (string, int, error) {
	var newTip string
	var newVersion int

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	boWithLimit := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), 2) // 3 total attempts

	operation := func() error {
		entity, err := w.objStore.GetEntity(ctx, pi)
		if err != nil {
			return fmt.Errorf("refresh entity %s: %w", pi, err)
		}
		tip, version, err := w.objStore.AppendVersion(ctx, pi, entity.Tip,
			map[string]string{"pinax.json": cid}, "Added PINAX metadata")
		if err != nil {
			return err
		}
		newTip, newVersion = tip, version
		return nil
	}

	if err := backoff.Retry(operation, boWithLimit); err != nil {
		return "", 0, err
	}
	return newTip, newVersion, nil
}

// callbackPass implements spec §4.4 "CALLBACK pass".
func (w *Worker) callbackPass(ctx context.Context, cs *chunkmodel.ChunkState) error {
	pis, err := w.store.ListAllPIs(ctx, w.chunkID)
	if err != nil {
		return fmt.Errorf("list all pis: %w", err)
	}

	payload := callback.Payload{
		BatchID: cs.BatchID,
		ChunkID: cs.ChunkID,
		Error:   cs.GlobalError,
	}
	var succeeded, failed int
	for _, p := range pis {
		r := callback.PIResult{PI: p.PI}
		switch p.Status {
		case chunkmodel.PIStatusDone:
			r.Status = "success"
			r.NewTip = p.NewTip
			r.NewVersion = p.NewVersion
			succeeded++
		default:
			r.Status = "error"
			r.Error = p.Error
			failed++
		}
		payload.Results = append(payload.Results, r)
	}
	payload.Summary = callback.Summary{
		Total:            len(pis),
		Succeeded:        succeeded,
		Failed:           failed,
		ProcessingTimeMS: time.Since(cs.StartedAt).Milliseconds(),
	}
	payload.Status = callback.DeriveStatus(succeeded, failed)

	if err := w.cb.Post(ctx, payload); err != nil {
		retries, incErr := w.store.IncrementCallbackRetry(ctx, w.chunkID)
		if incErr != nil {
			w.arm(w.cfg.AlarmInterval)
			return fmt.Errorf("increment callback retry: %w", incErr)
		}
		if retries >= w.cfg.MaxCallbackRetries {
			slog.Warn("callback retries exhausted, giving up", "chunk_id", w.chunkID, "retries", retries)
			if doneErr := w.store.MarkDone(ctx, w.chunkID); doneErr != nil {
				w.arm(w.cfg.AlarmInterval)
				return doneErr
			}
			w.arm(w.cfg.AlarmInterval)
			return nil
		}
		backoffDelay := time.Duration(1000*pow2(retries)) * time.Millisecond
		w.arm(backoffDelay)
		return err
	}

	if err := w.store.MarkDone(ctx, w.chunkID); err != nil {
		w.arm(w.cfg.AlarmInterval)
		return err
	}
	w.arm(w.cfg.AlarmInterval)
	return nil
}

func pow2(n int) int64 {
	result := int64(1)
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
