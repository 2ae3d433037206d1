// Package objectstore provides HTTP access to the content-addressed object
// store: getEntity, download, upload, appendVersion (spec §6). Shaped after
// pkg/runbook/github.go's plain net/http client with explicit timeouts and
// bearer auth, generalized from "fetch GitHub content" to "fetch/append
// archive entities".
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/arke-institute/pinax/pkg/chunkmodel"
)

// Client talks to the object store's four RPCs over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an object-store client. token may be empty.
func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// entityResponse is the wire shape returned by getEntity.
type entityResponse struct {
	PI          string            `json:"pi"`
	Tip         string            `json:"tip"`
	ManifestCID string            `json:"manifest_cid"`
	Version     int               `json:"version"`
	Components  map[string]string `json:"components"`
	ChildrenPI  []string          `json:"children_pi"`
	ParentPI    string            `json:"parent_pi"`
	Label       string            `json:"label"`
}

// GetEntity fetches the current snapshot for a PI.
func (c *Client) GetEntity(ctx context.Context, pi string) (*chunkmodel.Entity, error) {
	url := fmt.Sprintf("%s/entities/%s", c.baseURL, pi)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create getEntity request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getEntity %s: %w", pi, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("getEntity %s returned HTTP %d: %s", pi, resp.StatusCode, string(body))
	}

	var er entityResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode getEntity response for %s: %w", pi, err)
	}

	tip := er.Tip
	if tip == "" {
		tip = er.ManifestCID
	}

	return &chunkmodel.Entity{
		PI:         er.PI,
		Tip:        tip,
		Version:    er.Version,
		Components: er.Components,
		ChildrenPI: er.ChildrenPI,
		ParentPI:   er.ParentPI,
		Label:      er.Label,
	}, nil
}

// Download fetches the raw bytes for a content address.
func (c *Client) Download(ctx context.Context, cid string) ([]byte, error) {
	url := fmt.Sprintf("%s/objects/%s", c.baseURL, cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", cid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download %s returned HTTP %d: %s", cid, resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download body for %s: %w", cid, err)
	}
	return data, nil
}

// uploadResponseItem is one element of the upload RPC's response array.
type uploadResponseItem struct {
	CID string `json:"cid"`
}

// Upload stores content under filename and returns its content address.
func (c *Client) Upload(ctx context.Context, content []byte, filename string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create multipart field: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("write multipart content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/objects", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload %s returned HTTP %d: %s", filename, resp.StatusCode, string(respBody))
	}

	var items []uploadResponseItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return "", fmt.Errorf("decode upload response for %s: %w", filename, err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("upload %s: empty response", filename)
	}
	return items[0].CID, nil
}

// ErrTipMismatch indicates appendVersion's compare-and-swap failed because
// expectTip no longer matches the entity's current tip.
var ErrTipMismatch = fmt.Errorf("tip mismatch")

type appendVersionRequest struct {
	ExpectTip  string            `json:"expect_tip"`
	Components map[string]string `json:"components"`
	Note       string            `json:"note"`
}

type appendVersionResponse struct {
	Tip     string `json:"tip"`
	Version int    `json:"version"`
}

// AppendVersion performs a compare-and-swap version append (spec §6). On a
// tip mismatch it returns ErrTipMismatch wrapped with context so callers can
// distinguish it from other failures for their refresh-and-retry loop.
func (c *Client) AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (tip string, version int, err error) {
	reqBody, err := json.Marshal(appendVersionRequest{
		ExpectTip:  expectTip,
		Components: components,
		Note:       note,
	})
	if err != nil {
		return "", 0, fmt.Errorf("marshal appendVersion request: %w", err)
	}

	url := fmt.Sprintf("%s/entities/%s/versions", c.baseURL, pi)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", 0, fmt.Errorf("create appendVersion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("appendVersion %s: %w", pi, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", 0, fmt.Errorf("appendVersion %s: %w", pi, ErrTipMismatch)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("appendVersion %s returned HTTP %d: %s", pi, resp.StatusCode, string(body))
	}

	var ar appendVersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", 0, fmt.Errorf("decode appendVersion response for %s: %w", pi, err)
	}
	return ar.Tip, ar.Version, nil
}
