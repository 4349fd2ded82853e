// Package client talks to the exam catalog and grading services over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

// ReplyError is returned when the service answered 2xx but the body could not be
// decoded. The request itself was accepted.
type ReplyError struct {
	Op  string
	Err error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Op, e.Err)
}

func (e *ReplyError) Unwrap() error { return e.Err }

// Accepted reports that the service processed the request.
func (e *ReplyError) Accepted() bool { return true }

const maxErrorBody = 4 << 10

type base struct {
	url  string
	http *http.Client
}

func newBase(baseURL string, timeout time.Duration) base {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return base{url: baseURL, http: &http.Client{Timeout: timeout}}
}

// do sends body (if any) as JSON and decodes a 2xx response into out.
func (b base) do(ctx context.Context, op, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.url+path, rdr)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return &StatusError{Op: op, Status: res.StatusCode, Message: errorMessage(res.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &ReplyError{Op: op, Err: err}
	}
	return nil
}

// errorMessage extracts {"error": "..."} from an error body, or returns the raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(bytes.TrimSpace(raw))
}
