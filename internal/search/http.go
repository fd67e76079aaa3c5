package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/viewsync/internal/document"
)

// HTTPError is a non-retryable error response from the index.
type HTTPError struct {
	StatusCode int
	Type       string
	Reason     string
}

func (e *HTTPError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Type, e.Reason)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Reason)
}

// HTTPClient talks to an OpenSearch/Elasticsearch compatible REST API.
type HTTPClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the index at baseURL.
func NewHTTPClient(baseURL, username, password string, timeout time.Duration) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:9200"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// EnsureIndex creates index with mapping unless it already exists.
func (c *HTTPClient) EnsureIndex(ctx context.Context, index string, mapping map[string]any) error {
	status, _, err := c.do(ctx, http.MethodHead, "/"+url.PathEscape(index), "", nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status != http.StatusNotFound {
		return &HTTPError{StatusCode: status, Reason: "unexpected status checking index"}
	}

	body, err := json.Marshal(map[string]any{"mappings": mapping})
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	status, payload, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(index), "application/json", body)
	if err != nil {
		return err
	}
	if status >= 200 && status <= 299 {
		slog.Info("index created", "component", "search", "index", index)
		return nil
	}
	herr := decodeError(status, payload)
	// Another process won the race to create it.
	if herr.Type == "resource_already_exists_exception" {
		return nil
	}
	return herr
}

// BulkUpsert issues one _bulk request of index actions.
func (c *HTTPClient) BulkUpsert(ctx context.Context, index string, docs []document.Document) (BulkResult, error) {
	var result BulkResult
	var buf bytes.Buffer
	var sent []string
	for _, d := range docs {
		if d.ID == "" {
			result.fail(d.ID, "document without id")
			continue
		}
		source, err := json.Marshal(d.Body)
		if err != nil {
			result.fail(d.ID, fmt.Sprintf("encode document: %v", err))
			continue
		}
		writeAction(&buf, "index", index, d.ID)
		buf.Write(source)
		buf.WriteByte('\n')
		sent = append(sent, d.ID)
	}
	if len(sent) == 0 {
		return result, nil
	}

	items, err := c.bulk(ctx, buf.Bytes())
	if err != nil {
		return result, err
	}
	c.collect(&result, sent, items, false)
	return result, nil
}

// BulkDelete issues one _bulk request of delete actions.
func (c *HTTPClient) BulkDelete(ctx context.Context, index string, ids []string) (BulkResult, error) {
	var result BulkResult
	var buf bytes.Buffer
	var sent []string
	for _, id := range ids {
		if id == "" {
			result.fail(id, "delete without id")
			continue
		}
		writeAction(&buf, "delete", index, id)
		sent = append(sent, id)
	}
	if len(sent) == 0 {
		return result, nil
	}

	items, err := c.bulk(ctx, buf.Bytes())
	if err != nil {
		return result, err
	}
	c.collect(&result, sent, items, true)
	return result, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

func (c *HTTPClient) bulk(ctx context.Context, body []byte) ([]bulkItem, error) {
	status, payload, err := c.do(ctx, http.MethodPost, "/_bulk", "application/x-ndjson", body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, decodeError(status, payload)
	}
	var resp bulkResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	items := make([]bulkItem, 0, len(resp.Items))
	for _, wrapped := range resp.Items {
		for _, item := range wrapped {
			items = append(items, item)
		}
	}
	return items, nil
}

func (c *HTTPClient) collect(result *BulkResult, sent []string, items []bulkItem, deleting bool) {
	for i, id := range sent {
		if i >= len(items) {
			result.fail(id, "missing bulk item result")
			continue
		}
		item := items[i]
		switch {
		case item.Status >= 200 && item.Status <= 299:
			result.ok(id)
		case deleting && item.Status == http.StatusNotFound:
			result.ok(id)
		default:
			reason := fmt.Sprintf("status %d", item.Status)
			if item.Error != nil {
				reason = item.Error.Type + ": " + item.Error.Reason
			}
			result.fail(id, reason)
		}
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return resp.StatusCode, payload, fmt.Errorf("%w: %s", ErrUnavailable, decodeError(resp.StatusCode, payload))
	}
	return resp.StatusCode, payload, nil
}

func writeAction(buf *bytes.Buffer, action, index, id string) {
	meta, _ := json.Marshal(map[string]any{action: map[string]string{"_index": index, "_id": id}})
	buf.Write(meta)
	buf.WriteByte('\n')
}

func decodeError(status int, payload []byte) *HTTPError {
	var envelope struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	herr := &HTTPError{StatusCode: status}
	if err := json.Unmarshal(payload, &envelope); err == nil {
		herr.Type = envelope.Error.Type
		herr.Reason = envelope.Error.Reason
	}
	if herr.Reason == "" {
		herr.Reason = http.StatusText(status)
	}
	return herr
}
