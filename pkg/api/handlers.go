package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/arke-institute/pinax/pkg/chunk"
	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/extractor"
	"github.com/arke-institute/pinax/pkg/pinax"
)

// processHandler handles POST /process, forwarding to the Dispatcher's
// Chunk Worker keyed by chunk_id (spec §4.5).
func (s *Server) processHandler(c *echo.Context) error {
	var body ProcessRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	if body.BatchID == "" || body.ChunkID == "" || len(body.PIs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "batch_id, chunk_id and pis are required")
	}

	result, err := s.dispatcher.Process(c.Request().Context(), chunk.ProcessRequest{
		BatchID:      body.BatchID,
		ChunkID:      body.ChunkID,
		PIs:          body.PIs,
		Prefix:       body.Prefix,
		CustomPrompt: body.CustomPrompt,
		Institution:  body.Institution,
	})
	if err != nil {
		return mapDispatchError(err)
	}

	if result.AlreadyProcessing {
		return c.JSON(http.StatusOK, &ProcessResponse{
			Status:  "already_processing",
			ChunkID: body.ChunkID,
			Phase:   string(result.Phase),
		})
	}

	return c.JSON(http.StatusAccepted, &ProcessResponse{
		Status:   "accepted",
		ChunkID:  body.ChunkID,
		TotalPIs: len(body.PIs),
	})
}

// statusHandler handles GET /status/:chunk_id (spec §4.5).
func (s *Server) statusHandler(c *echo.Context) error {
	chunkID := c.Param("chunk_id")
	if chunkID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chunk_id is required")
	}

	result, err := s.dispatcher.Status(c.Request().Context(), chunkID)
	if err != nil {
		return mapDispatchError(err)
	}

	return c.JSON(http.StatusOK, &StatusResponse{
		Phase: string(result.Phase),
		Progress: ProgressBody{
			Total:      result.Progress.Total,
			Pending:    result.Progress.Pending,
			Processing: result.Progress.Processing,
			Done:       result.Progress.Done,
			Failed:     result.Progress.Failed,
		},
	})
}

// extractMetadataHandler handles POST /extract-metadata: a single-shot
// run of the extractor pipeline (spec §4.5 "not part of the core and
// must not share state with the chunk engine").
func (s *Server) extractMetadataHandler(c *echo.Context) error {
	var body ExtractMetadataRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	files := make([]chunkmodel.ContextFile, len(body.Files))
	for i, f := range body.Files {
		files[i] = chunkmodel.ContextFile{Name: f.Name, Content: f.Content}
	}

	var existing json.RawMessage
	if body.ExistingPinax != nil {
		raw, err := json.Marshal(body.ExistingPinax)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid existing_pinax")
		}
		existing = raw
	}

	bundle := &chunkmodel.ContextBundle{
		DirectoryName: body.DirectoryName,
		Files:         files,
		ExistingPinax: existing,
	}

	result, err := s.extractor.Extract(c.Request().Context(), bundle, extractor.Request{
		Overrides:         pinax.RawRecord(body.Overrides),
		CustomPrompt:      body.CustomPrompt,
		AccessURLOverride: body.AccessURLOverride,
		DefaultSource:     body.Source,
	})
	if err != nil {
		return mapExtractError(err)
	}

	return c.JSON(http.StatusOK, &ExtractMetadataResponse{
		Record:     result.Record,
		Validation: result.Validation,
		Usage: UsageBody{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
			CostUSD:          result.Usage.Cost(),
		},
	})
}

// validateMetadataHandler handles POST /validate-metadata: the pure
// validator (spec §6 "Validator") run against a caller-supplied record.
func (s *Server) validateMetadataHandler(c *echo.Context) error {
	var body ValidateMetadataRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	validation := pinax.NewValidator().Validate(pinax.RawRecord(body))

	return c.JSON(http.StatusOK, &ValidateMetadataResponse{Validation: validation})
}
