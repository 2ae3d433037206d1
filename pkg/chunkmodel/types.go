// Package chunkmodel holds the durable data model for the chunk batch
// engine (spec §3): chunk state, per-PI state, and the object-store entity
// snapshot shape. These replace the teacher's session/stage/timeline models
// (pkg/models/*.go) — this system has no multi-stage agent chain, only a
// flat set of PIs moving through fetch → extract → publish.
package chunkmodel

import (
	"encoding/json"
	"time"
)

// Phase is the chunk's position in the state machine (spec §4.4).
type Phase string

const (
	PhaseProcessing Phase = "PROCESSING"
	PhasePublishing Phase = "PUBLISHING"
	PhaseCallback   Phase = "CALLBACK"
	PhaseDone       Phase = "DONE"
	PhaseError      Phase = "ERROR"
)

// PIStatus is a single PI's lifecycle status within a chunk (spec §3).
type PIStatus string

const (
	PIStatusPending    PIStatus = "pending"
	PIStatusProcessing PIStatus = "processing"
	PIStatusDone       PIStatus = "done"
	PIStatusError      PIStatus = "error"
)

// ChunkState is the durable, singleton row describing one chunk worker
// (spec §3 "Chunk state").
type ChunkState struct {
	BatchID            string
	ChunkID            string
	Prefix             string
	CustomPrompt       string
	Institution        string
	Phase              Phase
	StartedAt          time.Time
	CompletedAt        *time.Time
	CallbackRetryCount int
	GlobalError        string
}

// PIState is the durable per-PI row within a chunk (spec §3).
type PIState struct {
	PI           string
	Status       PIStatus
	RetryCount   int
	PinaxRecord  json.RawMessage // set once status == done
	PinaxCID     string          // set only after a successful upload
	NewTip       string          // set only after a successful CAS append
	NewVersion   int
	HasNewVersion bool
	Error        string
}

// Entity is the object store's snapshot of a PI (spec §3).
type Entity struct {
	PI         string
	Tip        string
	Version    int
	Components map[string]string // label -> CID
	ChildrenPI []string
	ParentPI   string
	Label      string
}

// ContextFile is one assembled input file for a PI's context bundle
// (spec §3 "Context bundle").
type ContextFile struct {
	Name    string
	Content string
}

// ContextBundle is the per-PI input set handed to the extractor (spec §4.2).
type ContextBundle struct {
	DirectoryName string
	Files         []ContextFile
	ExistingPinax json.RawMessage // previous pinax.json, if any
}

// CachedContext is the durable cache of a PI's fetched bundle, persisted so
// a restart doesn't re-fetch (spec §3 "Cached context").
type CachedContext struct {
	PI            string
	DirectoryName string
	Files         []ContextFile
	ExistingPinax json.RawMessage
}

// Progress summarizes PI status counts for the dispatcher's status endpoint
// (spec §4.5).
type Progress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}
