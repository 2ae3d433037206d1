package api

import "github.com/arke-institute/pinax/pkg/pinax"

// ProcessResponse is the JSON body of POST /process's 202/200 response
// (spec §6 "HTTP surface of the dispatcher").
type ProcessResponse struct {
	Status   string `json:"status"` // "accepted" | "already_processing"
	ChunkID  string `json:"chunk_id"`
	TotalPIs int    `json:"total_pis,omitempty"`
	Phase    string `json:"phase,omitempty"`
}

// ProgressBody mirrors chunkmodel.Progress on the wire.
type ProgressBody struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// StatusResponse is the JSON body of GET /status/:chunk_id (spec §4.5).
type StatusResponse struct {
	Phase    string       `json:"phase"`
	Progress ProgressBody `json:"progress"`
}

// ExtractMetadataResponse is the JSON body of POST /extract-metadata.
type ExtractMetadataResponse struct {
	Record     pinax.RawRecord        `json:"record"`
	Validation pinax.ValidationResult `json:"validation"`
	Usage      UsageBody              `json:"usage"`
}

// UsageBody mirrors llmgateway.Usage on the wire, with the derived cost
// attached (spec §6 "cost accounting").
type UsageBody struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// ValidateMetadataResponse is the JSON body of POST /validate-metadata
// (spec §7 "200 with a validation object").
type ValidateMetadataResponse struct {
	Validation pinax.ValidationResult `json:"validation"`
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	DBResponseTimeMS int64  `json:"db_response_time_ms,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ErrorResponse is the JSON body of any non-2xx response (spec §7
// "500 with {error, timestamp?}").
type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
}
