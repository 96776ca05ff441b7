package heartqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from the HeartQL API.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
	SQL        string
	TraceID    string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (http %d): %s", e.Kind, e.StatusCode, e.Message)
}

type askResult struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	Truncated  bool     `json:"truncated"`
	SQL        string   `json:"sql"`
	DurationMs int64    `json:"duration_ms"`
	TraceID    string   `json:"trace_id"`
}

type translateResult struct {
	SQL        string `json:"sql"`
	DurationMs int64  `json:"duration_ms"`
	TraceID    string `json:"trace_id"`
}

type columnInfo struct {
	Name        string `json:"name"`
	Group       string `json:"group"`
	Description string `json:"description"`
	Values      []struct {
		Code  string `json:"code"`
		Label string `json:"label"`
	} `json:"values"`
}

type schemaResult struct {
	Table       string       `json:"table"`
	Description string       `json:"description"`
	Columns     []columnInfo `json:"columns"`
	SampleRows  [][]any      `json:"sample_rows"`
}

type dictionaryResult struct {
	Table       string `json:"table"`
	Description string `json:"description"`
	Groups      []struct {
		Name    string       `json:"name"`
		Columns []columnInfo `json:"columns"`
	} `json:"groups"`
}

type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// call sends the request and returns the raw body of a 2xx answer.
func (c *apiClient) call(ctx context.Context, method, path string, payload any) ([]byte, http.Header, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(c.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, nil, decodeAPIError(resp.StatusCode, raw)
	}
	return raw, resp.Header, nil
}

func decodeAPIError(status int, raw []byte) error {
	var body struct {
		ErrorKind string `json:"error_kind"`
		Message   string `json:"message"`
		SQL       string `json:"sql"`
		TraceID   string `json:"trace_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{StatusCode: status, Kind: body.ErrorKind, Message: body.Message, SQL: body.SQL, TraceID: body.TraceID}
}

func decodeInto(raw []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
