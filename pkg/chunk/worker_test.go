package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-institute/pinax/pkg/callback"
	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/extractor"
	"github.com/arke-institute/pinax/pkg/pinax"
	"github.com/arke-institute/pinax/pkg/store"
)

// fakeStore is an in-memory Store good enough to drive the state machine's
// pass functions directly, without a real database.
type fakeStore struct {
	mu   sync.Mutex
	cs   map[string]*chunkmodel.ChunkState
	pis  map[string]map[string]*chunkmodel.PIState // chunkID -> pi -> state
	ctxs map[string]map[string]*chunkmodel.CachedContext
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cs:   map[string]*chunkmodel.ChunkState{},
		pis:  map[string]map[string]*chunkmodel.PIState{},
		ctxs: map[string]map[string]*chunkmodel.CachedContext{},
	}
}

func (s *fakeStore) GetChunkState(ctx context.Context, chunkID string) (*chunkmodel.ChunkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.cs[chunkID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *cs
	return &copied, nil
}

func (s *fakeStore) DeleteChunk(ctx context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cs, chunkID)
	delete(s.pis, chunkID)
	delete(s.ctxs, chunkID)
	return nil
}

func (s *fakeStore) AdmitChunk(ctx context.Context, cs chunkmodel.ChunkState, pis []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := cs
	s.cs[cs.ChunkID] = &copied
	byPI := map[string]*chunkmodel.PIState{}
	for _, pi := range pis {
		byPI[pi] = &chunkmodel.PIState{PI: pi, Status: chunkmodel.PIStatusPending}
	}
	s.pis[cs.ChunkID] = byPI
	s.ctxs[cs.ChunkID] = map[string]*chunkmodel.CachedContext{}
	return nil
}

func (s *fakeStore) SetPhase(ctx context.Context, chunkID string, phase chunkmodel.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cs[chunkID].Phase = phase
	return nil
}

func (s *fakeStore) SetGlobalError(ctx context.Context, chunkID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cs[chunkID].GlobalError = message
	s.cs[chunkID].Phase = chunkmodel.PhaseCallback
	return nil
}

func (s *fakeStore) MarkDone(ctx context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cs[chunkID].Phase = chunkmodel.PhaseDone
	now := time.Now()
	s.cs[chunkID].CompletedAt = &now
	return nil
}

func (s *fakeStore) IncrementCallbackRetry(ctx context.Context, chunkID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cs[chunkID].CallbackRetryCount++
	return s.cs[chunkID].CallbackRetryCount, nil
}

func (s *fakeStore) ListPIsByStatus(ctx context.Context, chunkID string, status chunkmodel.PIStatus) ([]chunkmodel.PIState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chunkmodel.PIState
	for _, p := range s.pis[chunkID] {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) ListPublishedWithoutCID(ctx context.Context, chunkID string) ([]chunkmodel.PIState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chunkmodel.PIState
	for _, p := range s.pis[chunkID] {
		if p.Status == chunkmodel.PIStatusDone && p.PinaxCID == "" {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) ListAllPIs(ctx context.Context, chunkID string) ([]chunkmodel.PIState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chunkmodel.PIState
	for _, p := range s.pis[chunkID] {
		out = append(out, *p)
	}
	return out, nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, chunkID, pi string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pis[chunkID][pi].Status = chunkmodel.PIStatusProcessing
	return nil
}

func (s *fakeStore) CompletePI(ctx context.Context, chunkID, pi string, record json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pis[chunkID][pi].Status = chunkmodel.PIStatusDone
	s.pis[chunkID][pi].PinaxRecord = record
	delete(s.ctxs[chunkID], pi)
	return nil
}

func (s *fakeStore) RetryOrFailPI(ctx context.Context, chunkID, pi, message string, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pis[chunkID][pi]
	p.RetryCount++
	p.Error = message
	if p.RetryCount >= maxRetries {
		p.Status = chunkmodel.PIStatusError
	} else {
		p.Status = chunkmodel.PIStatusPending
	}
	return nil
}

func (s *fakeStore) FailPublish(ctx context.Context, chunkID, pi, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pis[chunkID][pi].Status = chunkmodel.PIStatusError
	s.pis[chunkID][pi].Error = message
	return nil
}

func (s *fakeStore) SetPublished(ctx context.Context, chunkID, pi, cid, newTip string, newVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pis[chunkID][pi]
	p.PinaxCID = cid
	p.NewTip = newTip
	p.NewVersion = newVersion
	p.HasNewVersion = true
	return nil
}

func (s *fakeStore) GetCachedContext(ctx context.Context, chunkID, pi string) (*chunkmodel.CachedContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.ctxs[chunkID][pi]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cc, nil
}

func (s *fakeStore) SaveCachedContext(ctx context.Context, chunkID, pi string, bundle *chunkmodel.ContextBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxs[chunkID][pi] = &chunkmodel.CachedContext{
		PI: pi, DirectoryName: bundle.DirectoryName, Files: bundle.Files, ExistingPinax: bundle.ExistingPinax,
	}
	return nil
}

func (s *fakeStore) DeleteCachedContext(ctx context.Context, chunkID, pi string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ctxs[chunkID], pi)
	return nil
}

// fakeFetcher, fakeExtractor, fakeObjStore, fakeCallback satisfy the chunk
// package's narrow consumer interfaces.

type fakeFetcher struct {
	err error
}

func (f *fakeFetcher) Fetch(ctx context.Context, pi string, target int) (*chunkmodel.ContextBundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &chunkmodel.ContextBundle{DirectoryName: pi}, nil
}

type fakeExtractor struct {
	err error
}

func (e *fakeExtractor) Extract(ctx context.Context, bundle *chunkmodel.ContextBundle, req extractor.Request) (extractor.Result, error) {
	if e.err != nil {
		return extractor.Result{}, e.err
	}
	record := pinax.RawRecord{"title": bundle.DirectoryName}
	return extractor.Result{Record: record, Validation: pinax.NewValidator().Validate(record)}, nil
}

type fakeObjStore struct {
	mu            sync.Mutex
	tips          map[string]string
	collideOnce   map[string]bool
	appendErr     error
}

func (o *fakeObjStore) GetEntity(ctx context.Context, pi string) (*chunkmodel.Entity, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &chunkmodel.Entity{PI: pi, Tip: o.tips[pi]}, nil
}

func (o *fakeObjStore) Upload(ctx context.Context, content []byte, filename string) (string, error) {
	return "cid-" + filename, nil
}

func (o *fakeObjStore) AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (string, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.appendErr != nil {
		return "", 0, o.appendErr
	}
	if o.collideOnce[pi] {
		o.collideOnce[pi] = false
		o.tips[pi] = "tip-refreshed"
		return "", 0, errors.New("objectstore: tip mismatch")
	}
	if expectTip != o.tips[pi] {
		return "", 0, errors.New("objectstore: tip mismatch")
	}
	newTip := "tip-" + pi + "-next"
	o.tips[pi] = newTip
	return newTip, 2, nil
}

type fakeCallback struct {
	failTimes int
	calls     int
}

func (c *fakeCallback) Post(ctx context.Context, payload callback.Payload) error {
	c.calls++
	if c.calls <= c.failTimes {
		return &callback.Error{StatusCode: 503, Body: "unavailable"}
	}
	return nil
}

func newTestWorker(t *testing.T, s *fakeStore, fetch Fetcher, ext Extractor, obj ObjectStore, cb Callback) *Worker {
	cfg := Config{MaxRetriesPerPI: 3, MaxCallbackRetries: 2, AlarmInterval: time.Hour}
	return New(context.Background(), "chunk-1", cfg, s, fetch, ext, obj, cb)
}

func TestChunk_HappyPath(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	require.NoError(t, s.AdmitChunk(ctx, chunkmodel.ChunkState{ChunkID: "chunk-1", BatchID: "batch-1", Phase: chunkmodel.PhaseProcessing, StartedAt: time.Now()}, []string{"pi-a", "pi-b"}))

	obj := &fakeObjStore{tips: map[string]string{"pi-a": "tip-0", "pi-b": "tip-0"}, collideOnce: map[string]bool{}}
	cb := &fakeCallback{}
	w := newTestWorker(t, s, &fakeFetcher{}, &fakeExtractor{}, obj, cb)

	cs, err := s.GetChunkState(ctx, "chunk-1")
	require.NoError(t, err)
	require.NoError(t, w.processingPass(ctx, cs))

	cs, _ = s.GetChunkState(ctx, "chunk-1")
	assert.Equal(t, chunkmodel.PhasePublishing, cs.Phase)

	require.NoError(t, w.publishingPass(ctx, cs))
	cs, _ = s.GetChunkState(ctx, "chunk-1")
	assert.Equal(t, chunkmodel.PhaseCallback, cs.Phase)

	require.NoError(t, w.callbackPass(ctx, cs))
	cs, _ = s.GetChunkState(ctx, "chunk-1")
	assert.Equal(t, chunkmodel.PhaseDone, cs.Phase)
	assert.Equal(t, 1, cb.calls)
}

func TestChunk_PublishingRetriesThroughCASCollision(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	require.NoError(t, s.AdmitChunk(ctx, chunkmodel.ChunkState{ChunkID: "chunk-1", Phase: chunkmodel.PhasePublishing, StartedAt: time.Now()}, []string{"pi-a"}))
	require.NoError(t, s.CompletePI(ctx, "chunk-1", "pi-a", json.RawMessage(`{"title":"x"}`)))

	obj := &fakeObjStore{tips: map[string]string{"pi-a": "tip-0"}, collideOnce: map[string]bool{"pi-a": true}}
	w := newTestWorker(t, s, &fakeFetcher{}, &fakeExtractor{}, obj, &fakeCallback{})

	cs, _ := s.GetChunkState(ctx, "chunk-1")
	require.NoError(t, w.publishingPass(ctx, cs))

	pis, err := s.ListPIsByStatus(ctx, "chunk-1", chunkmodel.PIStatusDone)
	require.NoError(t, err)
	require.Len(t, pis, 1)
	assert.NotEmpty(t, pis[0].PinaxCID)
	assert.NotEmpty(t, pis[0].NewTip)
}

func TestChunk_PublishingFailsAfterExhaustingRetries(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	require.NoError(t, s.AdmitChunk(ctx, chunkmodel.ChunkState{ChunkID: "chunk-1", Phase: chunkmodel.PhasePublishing, StartedAt: time.Now()}, []string{"pi-a"}))
	require.NoError(t, s.CompletePI(ctx, "chunk-1", "pi-a", json.RawMessage(`{}`)))

	obj := &fakeObjStore{tips: map[string]string{"pi-a": "tip-0"}, appendErr: errors.New("objectstore unreachable")}
	w := newTestWorker(t, s, &fakeFetcher{}, &fakeExtractor{}, obj, &fakeCallback{})

	cs, _ := s.GetChunkState(ctx, "chunk-1")
	require.NoError(t, w.publishingPass(ctx, cs))

	errored, err := s.ListPIsByStatus(ctx, "chunk-1", chunkmodel.PIStatusError)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Contains(t, errored[0].Error, "publish failed")
}

func TestChunk_CallbackRetriesThenGivesUp(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	require.NoError(t, s.AdmitChunk(ctx, chunkmodel.ChunkState{ChunkID: "chunk-1", Phase: chunkmodel.PhaseCallback, StartedAt: time.Now()}, nil))

	cb := &fakeCallback{failTimes: 99}
	w := newTestWorker(t, s, &fakeFetcher{}, &fakeExtractor{}, &fakeObjStore{tips: map[string]string{}}, cb)

	cs, _ := s.GetChunkState(ctx, "chunk-1")
	err := w.callbackPass(ctx, cs)
	require.Error(t, err)
	cs, _ = s.GetChunkState(ctx, "chunk-1")
	assert.Equal(t, 1, cs.CallbackRetryCount)
	assert.Equal(t, chunkmodel.PhaseCallback, cs.Phase)

	// The second failure brings the count to MaxCallbackRetries (2): the
	// worker gives up and marks the chunk DONE.
	require.NoError(t, w.callbackPass(ctx, cs))
	cs, _ = s.GetChunkState(ctx, "chunk-1")
	assert.Equal(t, 2, cs.CallbackRetryCount)
	assert.Equal(t, chunkmodel.PhaseDone, cs.Phase)
	assert.Equal(t, 2, cb.calls)
}

func TestChunk_CallbackSucceedsAfterTransientFailures(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	require.NoError(t, s.AdmitChunk(ctx, chunkmodel.ChunkState{ChunkID: "chunk-1", Phase: chunkmodel.PhaseCallback, StartedAt: time.Now()}, nil))

	cb := &fakeCallback{failTimes: 1}
	w := newTestWorker(t, s, &fakeFetcher{}, &fakeExtractor{}, &fakeObjStore{tips: map[string]string{}}, cb)

	cs, _ := s.GetChunkState(ctx, "chunk-1")
	require.Error(t, w.callbackPass(ctx, cs))

	cs, _ = s.GetChunkState(ctx, "chunk-1")
	require.NoError(t, w.callbackPass(ctx, cs))
	cs, _ = s.GetChunkState(ctx, "chunk-1")
	assert.Equal(t, chunkmodel.PhaseDone, cs.Phase)
}

func TestChunk_ProcessingRetriesFetchFailureThenFails(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	require.NoError(t, s.AdmitChunk(ctx, chunkmodel.ChunkState{ChunkID: "chunk-1", Phase: chunkmodel.PhaseProcessing, StartedAt: time.Now()}, []string{"pi-a"}))

	w := newTestWorker(t, s, &fakeFetcher{err: errors.New("fetch failed")}, &fakeExtractor{}, &fakeObjStore{tips: map[string]string{}}, &fakeCallback{})
	w.cfg.MaxRetriesPerPI = 2

	cs, _ := s.GetChunkState(ctx, "chunk-1")
	require.NoError(t, w.processingPass(ctx, cs))
	pending, _ := s.ListPIsByStatus(ctx, "chunk-1", chunkmodel.PIStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	require.NoError(t, w.processingPass(ctx, cs))
	errored, _ := s.ListPIsByStatus(ctx, "chunk-1", chunkmodel.PIStatusError)
	require.Len(t, errored, 1)
}

func TestChunk_Admit_AlreadyProcessingReportsInFlight(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	w := newTestWorker(t, s, &fakeFetcher{}, &fakeExtractor{}, &fakeObjStore{tips: map[string]string{}}, &fakeCallback{})

	result, err := w.Admit(ctx, ProcessRequest{ChunkID: "chunk-1", BatchID: "batch-1", PIs: []string{"pi-a"}})
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessing)

	result, err = w.Admit(ctx, ProcessRequest{ChunkID: "chunk-1", BatchID: "batch-1", PIs: []string{"pi-a"}})
	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessing)
	assert.Equal(t, chunkmodel.PhaseProcessing, result.Phase)
}

func TestChunk_Status_ReportsProgress(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	require.NoError(t, s.AdmitChunk(ctx, chunkmodel.ChunkState{ChunkID: "chunk-1", Phase: chunkmodel.PhaseProcessing, StartedAt: time.Now()}, []string{"pi-a", "pi-b"}))
	require.NoError(t, s.CompletePI(ctx, "chunk-1", "pi-a", json.RawMessage(`{}`)))

	w := newTestWorker(t, s, &fakeFetcher{}, &fakeExtractor{}, &fakeObjStore{tips: map[string]string{}}, &fakeCallback{})
	result, err := w.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Progress.Total)
	assert.Equal(t, 1, result.Progress.Done)
	assert.Equal(t, 1, result.Progress.Pending)
}
