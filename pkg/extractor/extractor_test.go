package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/llmgateway"
	"github.com/arke-institute/pinax/pkg/pinax"
)

type fakeGateway struct {
	content string
	usage   llmgateway.Usage
	err     error
}

func (f *fakeGateway) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, llmgateway.Usage, error) {
	return f.content, f.usage, f.err
}

func TestExtract_Success(t *testing.T) {
	gw := &fakeGateway{
		content: `{"title":"Summer photos","type":"photo","creator":"Jane Doe","created":"circa 1927"}`,
		usage:   llmgateway.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
	e := New(gw)

	bundle := &chunkmodel.ContextBundle{DirectoryName: "box-1"}
	result, err := e.Extract(context.Background(), bundle, Request{DefaultSource: "PINAX"})

	require.NoError(t, err)
	assert.Equal(t, "StillImage", result.Record["type"])
	assert.Equal(t, "1927", result.Record["created"])
	assert.Equal(t, "PINAX", result.Record["source"])
	assert.NotEmpty(t, result.Record["id"])
	assert.Equal(t, "https://arke.institute/"+result.Record["id"].(string), result.Record["access_url"])
	assert.Equal(t, 120, result.Usage.TotalTokens)
}

func TestExtract_OverridesWinOverModelOutput(t *testing.T) {
	gw := &fakeGateway{content: `{"title":"model title","institution":"model institution"}`}
	e := New(gw)

	result, err := e.Extract(context.Background(), &chunkmodel.ContextBundle{}, Request{
		Overrides: pinax.RawRecord{"institution": "Caller Institution"},
	})

	require.NoError(t, err)
	assert.Equal(t, "Caller Institution", result.Record["institution"])
	assert.Equal(t, "model title", result.Record["title"])
}

func TestExtract_AccessURLOverride(t *testing.T) {
	gw := &fakeGateway{content: `{"title":"x"}`}
	e := New(gw)

	result, err := e.Extract(context.Background(), &chunkmodel.ContextBundle{}, Request{
		AccessURLOverride: "https://example.org/entity/42",
	})

	require.NoError(t, err)
	assert.Equal(t, "https://example.org/entity/42", result.Record["access_url"])
}

func TestExtract_EmptyCreatorAndSubjectsStripped(t *testing.T) {
	gw := &fakeGateway{content: `{"title":"x","creator":"","subjects":[]}`}
	e := New(gw)

	result, err := e.Extract(context.Background(), &chunkmodel.ContextBundle{}, Request{})

	require.NoError(t, err)
	_, hasCreator := result.Record["creator"]
	_, hasSubjects := result.Record["subjects"]
	assert.False(t, hasCreator)
	assert.False(t, hasSubjects)
}

func TestExtract_UnparseableResponseIsParseError(t *testing.T) {
	gw := &fakeGateway{content: "not json at all"}
	e := New(gw)

	_, err := e.Extract(context.Background(), &chunkmodel.ContextBundle{}, Request{})

	require.Error(t, err)
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))
}

func TestExtract_GatewayErrorPropagates(t *testing.T) {
	gw := &fakeGateway{err: errors.New("gateway unreachable")}
	e := New(gw)

	_, err := e.Extract(context.Background(), &chunkmodel.ContextBundle{}, Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unreachable")
}

func TestExtract_ValidationFailureIsNonFatal(t *testing.T) {
	gw := &fakeGateway{content: `{}`}
	e := New(gw)

	result, err := e.Extract(context.Background(), &chunkmodel.ContextBundle{}, Request{})

	require.NoError(t, err)
	assert.False(t, result.Validation.Valid)
	assert.NotEmpty(t, result.Validation.MissingRequired)
}
