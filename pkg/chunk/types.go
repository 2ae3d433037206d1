// Package chunk implements the Chunk Worker state machine (spec §4.4): a
// single-writer actor, keyed by chunk id, that drives a batch of PIs through
// PROCESSING -> PUBLISHING -> CALLBACK -> DONE (or ERROR), re-entering on
// each timer tick and recovering from a crash at any point because all
// progress is materialized as durable row status.
//
// Grounded on pkg/queue/worker.go's poll-loop-plus-stopCh shape and
// pkg/queue/orphan.go's startup-recovery sweep, generalized from "one
// worker polls a shared session queue" to "one worker owns exactly one
// chunk for its whole lifetime".
package chunk

import (
	"context"
	"encoding/json"

	"github.com/arke-institute/pinax/pkg/callback"
	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/extractor"
)

// Store is the subset of *store.Client the chunk worker needs.
type Store interface {
	GetChunkState(ctx context.Context, chunkID string) (*chunkmodel.ChunkState, error)
	DeleteChunk(ctx context.Context, chunkID string) error
	AdmitChunk(ctx context.Context, cs chunkmodel.ChunkState, pis []string) error
	SetPhase(ctx context.Context, chunkID string, phase chunkmodel.Phase) error
	SetGlobalError(ctx context.Context, chunkID, message string) error
	MarkDone(ctx context.Context, chunkID string) error
	IncrementCallbackRetry(ctx context.Context, chunkID string) (int, error)

	ListPIsByStatus(ctx context.Context, chunkID string, status chunkmodel.PIStatus) ([]chunkmodel.PIState, error)
	ListPublishedWithoutCID(ctx context.Context, chunkID string) ([]chunkmodel.PIState, error)
	ListAllPIs(ctx context.Context, chunkID string) ([]chunkmodel.PIState, error)
	MarkProcessing(ctx context.Context, chunkID, pi string) error
	CompletePI(ctx context.Context, chunkID, pi string, record json.RawMessage) error
	RetryOrFailPI(ctx context.Context, chunkID, pi, message string, maxRetries int) error
	FailPublish(ctx context.Context, chunkID, pi, message string) error
	SetPublished(ctx context.Context, chunkID, pi, cid, newTip string, newVersion int) error

	GetCachedContext(ctx context.Context, chunkID, pi string) (*chunkmodel.CachedContext, error)
	SaveCachedContext(ctx context.Context, chunkID, pi string, bundle *chunkmodel.ContextBundle) error
	DeleteCachedContext(ctx context.Context, chunkID, pi string) error
}

// Fetcher is the subset of *fetcher.Fetcher the chunk worker needs.
type Fetcher interface {
	Fetch(ctx context.Context, pi string, target int) (*chunkmodel.ContextBundle, error)
}

// Extractor is the subset of *extractor.Extractor the chunk worker needs.
type Extractor interface {
	Extract(ctx context.Context, bundle *chunkmodel.ContextBundle, req extractor.Request) (extractor.Result, error)
}

// ObjectStore is the subset of *objectstore.Client the publishing pass
// needs.
type ObjectStore interface {
	GetEntity(ctx context.Context, pi string) (*chunkmodel.Entity, error)
	Upload(ctx context.Context, content []byte, filename string) (string, error)
	AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (tip string, version int, err error)
}

// Callback is the subset of *callback.Client the CALLBACK pass needs.
type Callback interface {
	Post(ctx context.Context, payload callback.Payload) error
}

// ProcessRequest is the input to Admit (spec §4.5 "POST /process").
type ProcessRequest struct {
	BatchID      string
	ChunkID      string
	PIs          []string
	Prefix       string
	CustomPrompt string
	Institution  string
}

// AdmitResult reports whether the chunk was freshly admitted or is already
// in flight (spec §4.4 "Admission").
type AdmitResult struct {
	AlreadyProcessing bool
	Phase             chunkmodel.Phase
}

// StatusResult is the response to GET /status/<chunk_id> (spec §4.5).
type StatusResult struct {
	Phase    chunkmodel.Phase
	Progress chunkmodel.Progress
}
