package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-institute/pinax/pkg/chunk"
	"github.com/arke-institute/pinax/pkg/chunkmodel"
	"github.com/arke-institute/pinax/pkg/extractor"
	"github.com/arke-institute/pinax/pkg/pinax"
	"github.com/arke-institute/pinax/pkg/store"
)

type fakeDispatcher struct {
	processResult chunk.AdmitResult
	processErr    error
	statusResult  chunk.StatusResult
	statusErr     error
	gotProcess    chunk.ProcessRequest
	gotStatusID   string
}

func (f *fakeDispatcher) Process(ctx context.Context, req chunk.ProcessRequest) (chunk.AdmitResult, error) {
	f.gotProcess = req
	return f.processResult, f.processErr
}

func (f *fakeDispatcher) Status(ctx context.Context, chunkID string) (chunk.StatusResult, error) {
	f.gotStatusID = chunkID
	return f.statusResult, f.statusErr
}

type fakeSyncExtractor struct {
	result extractor.Result
	err    error
	gotReq extractor.Request
}

func (f *fakeSyncExtractor) Extract(ctx context.Context, bundle *chunkmodel.ContextBundle, req extractor.Request) (extractor.Result, error) {
	f.gotReq = req
	return f.result, f.err
}

func newJSONRequest(t *testing.T, method, path, body string) (*echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e := echo.New()
	c := e.NewContext(req, rec)
	return c, rec
}

func TestProcessHandler_Accepted(t *testing.T) {
	disp := &fakeDispatcher{processResult: chunk.AdmitResult{AlreadyProcessing: false, Phase: chunkmodel.PhaseProcessing}}
	s := &Server{dispatcher: disp}

	c, rec := newJSONRequest(t, http.MethodPost, "/process",
		`{"batch_id":"batch-1","chunk_id":"chunk-1","pis":["pi-1","pi-2"]}`)

	require.NoError(t, s.processHandler(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp ProcessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "chunk-1", resp.ChunkID)
	assert.Equal(t, 2, resp.TotalPIs)
	assert.Equal(t, "batch-1", disp.gotProcess.BatchID)
}

func TestProcessHandler_AlreadyProcessing(t *testing.T) {
	disp := &fakeDispatcher{processResult: chunk.AdmitResult{AlreadyProcessing: true, Phase: chunkmodel.PhasePublishing}}
	s := &Server{dispatcher: disp}

	c, rec := newJSONRequest(t, http.MethodPost, "/process",
		`{"batch_id":"batch-1","chunk_id":"chunk-1","pis":["pi-1"]}`)

	require.NoError(t, s.processHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ProcessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "already_processing", resp.Status)
	assert.Equal(t, string(chunkmodel.PhasePublishing), resp.Phase)
}

func TestProcessHandler_MissingFieldsReturns400(t *testing.T) {
	s := &Server{dispatcher: &fakeDispatcher{}}
	c, _ := newJSONRequest(t, http.MethodPost, "/process", `{"batch_id":"batch-1"}`)

	err := s.processHandler(c)
	require.Error(t, err)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestProcessHandler_MalformedBodyReturns400(t *testing.T) {
	s := &Server{dispatcher: &fakeDispatcher{}}
	c, _ := newJSONRequest(t, http.MethodPost, "/process", `not json`)

	err := s.processHandler(c)
	require.Error(t, err)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestStatusHandler_ReturnsProgress(t *testing.T) {
	disp := &fakeDispatcher{statusResult: chunk.StatusResult{
		Phase: chunkmodel.PhaseDone,
		Progress: chunkmodel.Progress{Total: 3, Done: 3},
	}}
	s := &Server{dispatcher: disp}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/status/chunk-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("chunk_id")
	c.SetParamValues("chunk-1")

	require.NoError(t, s.statusHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(chunkmodel.PhaseDone), resp.Phase)
	assert.Equal(t, 3, resp.Progress.Total)
	assert.Equal(t, "chunk-1", disp.gotStatusID)
}

func TestStatusHandler_NotFoundMapsTo404(t *testing.T) {
	disp := &fakeDispatcher{statusErr: store.ErrNotFound}
	s := &Server{dispatcher: disp}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/status/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("chunk_id")
	c.SetParamValues("missing")

	err := s.statusHandler(c)
	require.Error(t, err)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Code)
}

func TestExtractMetadataHandler_Success(t *testing.T) {
	ext := &fakeSyncExtractor{result: extractor.Result{
		Record:     pinax.RawRecord{"title": "Letter from J. Smith"},
		Validation: pinax.ValidationResult{Valid: true},
	}}
	s := &Server{extractor: ext}

	c, rec := newJSONRequest(t, http.MethodPost, "/extract-metadata",
		`{"directory_name":"folder-1","files":[{"name":"note.txt","content":"hello"}],"custom_prompt":"emphasize dates"}`)

	require.NoError(t, s.extractMetadataHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ExtractMetadataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Letter from J. Smith", resp.Record["title"])
	assert.True(t, resp.Validation.Valid)
	assert.Equal(t, "emphasize dates", ext.gotReq.CustomPrompt)
}

func TestExtractMetadataHandler_MalformedBodyReturns400(t *testing.T) {
	s := &Server{extractor: &fakeSyncExtractor{}}
	c, _ := newJSONRequest(t, http.MethodPost, "/extract-metadata", `not json`)

	err := s.extractMetadataHandler(c)
	require.Error(t, err)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestExtractMetadataHandler_ExtractErrorReturns500(t *testing.T) {
	ext := &fakeSyncExtractor{err: &extractor.ParseError{Raw: "not json", Err: assertErr("boom")}}
	s := &Server{extractor: ext}

	c, rec := newJSONRequest(t, http.MethodPost, "/extract-metadata", `{"directory_name":"folder-1"}`)

	err := s.extractMetadataHandler(c)
	require.Error(t, err)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.Code)
	_ = rec
}

func TestValidateMetadataHandler_ReturnsValidationResult(t *testing.T) {
	s := &Server{}
	c, rec := newJSONRequest(t, http.MethodPost, "/validate-metadata",
		`{"title":"A Document","type":"Text"}`)

	require.NoError(t, s.validateMetadataHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ValidateMetadataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Validation.FieldValidations["title"], "present")
	assert.Contains(t, resp.Validation.FieldValidations["type"], "valid DCMI type")
}

func TestValidateMetadataHandler_MissingRequiredFields(t *testing.T) {
	s := &Server{}
	c, rec := newJSONRequest(t, http.MethodPost, "/validate-metadata", `{}`)

	require.NoError(t, s.validateMetadataHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ValidateMetadataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Validation.Valid)
	assert.NotEmpty(t, resp.Validation.MissingRequired)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
