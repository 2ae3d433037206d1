package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/llmgateway"
	"github.com/arke-institute/pinax/pkg/pinax"
)

// ParseError wraps a model response that could not be parsed as a JSON
// object (spec §7).
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable model response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Gateway is the subset of llmgateway.Client the extractor needs.
type Gateway interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (content string, usage llmgateway.Usage, err error)
}

// Extractor runs the three-step pipeline of spec §4.3: prompt assembly,
// model call, post-processing and validation.
type Extractor struct {
	gateway Gateway
}

// New creates an Extractor backed by gateway.
func New(gateway Gateway) *Extractor {
	return &Extractor{gateway: gateway}
}

// Result is the outcome of one extraction: the finished record (as a raw
// JSON-ready map, post-processed and normalized) plus its validation
// result and the model usage it cost.
type Result struct {
	Record     pinax.RawRecord
	Validation pinax.ValidationResult
	Usage      llmgateway.Usage
}

// Request carries the per-PI inputs that aren't part of the context bundle
// itself (spec §4.3): caller-supplied field overrides, a custom prompt
// fragment, and an access_url override.
type Request struct {
	Overrides         pinax.RawRecord
	CustomPrompt      string
	AccessURLOverride string
	DefaultSource     string
}

// Extract runs the full pipeline for one PI's context bundle. A malformed
// model response becomes a *ParseError; everything downstream of a
// successful parse (defaulting, normalization, validation) always
// succeeds — per spec's resolution of the validation-failure open
// question, a record that fails validation is still returned with its
// warnings attached, not retried (see DESIGN.md).
func (e *Extractor) Extract(ctx context.Context, bundle *chunkmodel.ContextBundle, req Request) (Result, error) {
	systemPrompt := BuildSystemPrompt(req.CustomPrompt)
	userPrompt := BuildUserPrompt(bundle)

	content, usage, err := e.gateway.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return Result{}, err
	}

	var raw pinax.RawRecord
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Result{}, &ParseError{Raw: content, Err: err}
	}

	postProcess(raw, req)

	validation := pinax.NewValidator().Validate(raw)

	return Result{Record: raw, Validation: validation, Usage: usage}, nil
}

// postProcess applies spec §4.3's post-processing rules in place: merge
// caller overrides over the model's output (overrides win), fill id via
// ULID if absent, fill access_url from the request or the default
// template, default source, strip empty creator/subjects, and normalize
// type/created.
func postProcess(raw pinax.RawRecord, req Request) {
	for field, value := range req.Overrides {
		raw[field] = value
	}

	if id, present := raw["id"].(string); !present || id == "" {
		raw["id"] = ulid.Make().String()
	}

	if au, present := raw["access_url"].(string); !present || au == "" {
		if req.AccessURLOverride != "" {
			raw["access_url"] = req.AccessURLOverride
		} else {
			raw["access_url"] = fmt.Sprintf("https://arke.institute/%v", raw["id"])
		}
	}

	if src, present := raw["source"].(string); !present || src == "" {
		source := req.DefaultSource
		if source == "" {
			source = "PINAX"
		}
		raw["source"] = source
	}

	if creator, present := raw["creator"]; present {
		switch c := creator.(type) {
		case string:
			if strings.TrimSpace(c) == "" {
				delete(raw, "creator")
			}
		case []any:
			if len(c) == 0 {
				delete(raw, "creator")
			}
		}
	}

	if subjects, present := raw["subjects"].([]any); present && len(subjects) == 0 {
		delete(raw, "subjects")
	}

	if created, present := raw["created"].(string); present {
		raw["created"] = pinax.NormalizeDate(created)
	}

	if typ, present := raw["type"].(string); present {
		raw["type"] = pinax.NormalizeType(typ)
	}
}
