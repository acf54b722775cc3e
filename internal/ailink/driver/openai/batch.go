package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/namelens/headroom/internal/ailink/driver"
)

// Batch API statuses that end polling.
const (
	BatchCompleted = "completed"
	BatchFailed    = "failed"
	BatchCancelled = "cancelled"
	BatchExpired   = "expired"
)

// Batch is the Batch API job object.
type Batch struct {
	ID               string        `json:"id"`
	Status           string        `json:"status"`
	Endpoint         string        `json:"endpoint"`
	InputFileID      string        `json:"input_file_id"`
	OutputFileID     string        `json:"output_file_id"`
	ErrorFileID      string        `json:"error_file_id"`
	CompletionWindow string        `json:"completion_window"`
	RequestCounts    RequestCounts `json:"request_counts"`
}

// RequestCounts tracks Batch API progress.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done reports whether the batch reached a terminal status.
func (b *Batch) Done() bool {
	switch b.Status {
	case BatchCompleted, BatchFailed, BatchCancelled, BatchExpired:
		return true
	}
	return false
}

// Percent returns completed requests as a percentage of the total.
func (c RequestCounts) Percent() float64 {
	if c.Total <= 0 {
		return 0
	}
	return float64(c.Completed) / float64(c.Total) * 100
}

// UploadBatchFile uploads JSONL batch input with purpose "batch" and returns
// the file id.
func (c *Client) UploadBatchFile(ctx context.Context, name string, r io.Reader) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := form.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read batch file: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/files", form.FormDataContentType(), &body, &file); err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", errNoFileID
	}
	return file.ID, nil
}

// CreateBatch starts a batch job over an uploaded input file.
func (c *Client) CreateBatch(ctx context.Context, inputFileID, endpoint, window string) (*Batch, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": window,
	})
	if err != nil {
		return nil, err
	}
	var batch Batch
	if err := c.call(ctx, http.MethodPost, "/batches", "application/json", bytes.NewReader(payload), &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// RetrieveBatch fetches the current state of a batch job.
func (c *Client) RetrieveBatch(ctx context.Context, id string) (*Batch, error) {
	var batch Batch
	if err := c.call(ctx, http.MethodGet, "/batches/"+url.PathEscape(id), "", nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// DownloadFile streams a file's content into w.
func (c *Client) DownloadFile(ctx context.Context, fileID string, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "/files/"+url.PathEscape(fileID)+"/content", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download file %s: %w", fileID, err)
	}
	return nil
}

// call sends a request and decodes the JSON response into out.
func (c *Client) call(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send issues an authenticated request. Non-2xx responses are returned as
// *driver.ProviderError with the response headers, and every exchange is
// traced.
func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("openai client not configured")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	entry := driver.TraceEntry{Driver: c.Name(), Endpoint: endpoint, Method: method}
	resp, err := client.Do(req)
	entry.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		entry.Error = err.Error()
		driver.Trace(entry)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	entry.StatusCode = resp.StatusCode
	entry.RateLimit = driver.RateLimitHeaders(resp.Header)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close() // nolint:errcheck // best-effort cleanup
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		perr := &driver.ProviderError{
			Provider:    c.Name(),
			StatusCode:  resp.StatusCode,
			Message:     strings.TrimSpace(string(raw)),
			RawResponse: raw,
			Header:      resp.Header.Clone(),
		}
		entry.Error = perr.Error()
		driver.Trace(entry)
		return nil, perr
	}
	driver.Trace(entry)
	return resp, nil
}
