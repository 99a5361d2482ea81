package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is a call forwarded to a remote module.
type Request struct {
	Method string
	// Path is joined to the module's base URL.
	Path   string
	Query  url.Values
	Header http.Header
	// Body is sent as JSON when non-nil.
	Body any
	// Timeout overrides the record's timeout for this call.
	Timeout time.Duration
	// NoRetry sends the request exactly once.
	NoRetry bool
}

// Response is what the remote module answered.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals a JSON body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Value returns the decoded JSON body, or the body as a string when it is
// not JSON.
func (r *Response) Value() any {
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return string(r.Body)
	}
	return v
}

// Proxy forwards req to module id. Connection errors and 5xx responses are
// retried up to the record's MaxRetries with RetryDelay between attempts;
// 4xx responses are returned at once with ErrClientError. Every failed
// attempt increments the record's error count and a success resets it.
func (r *Registry) Proxy(ctx context.Context, id string, req Request) (*Response, error) {
	rec, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	var body []byte
	if req.Body != nil {
		var err error
		if body, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	attempts := rec.MaxRetries
	if req.NoRetry || attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := r.send(ctx, rec, req, body)
		switch {
		case err == nil:
			r.update(id, func(stored *Record) { stored.ErrorCount = 0 })
			return resp, nil
		case errors.Is(err, ErrClientError):
			r.recordFailure(id)
			return resp, err
		}

		r.recordFailure(id)
		lastErr = err
		r.logger.Warn("Remote module request failed",
			"module", id, "path", req.Path, "attempt", attempt, "of", attempts, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < attempts {
			if err := sleep(ctx, rec.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, id, attempts, lastErr)
}

func (r *Registry) send(ctx context.Context, rec Record, req Request, body []byte) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = rec.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := rec.BaseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", userAgent)
	applyAuth(httpReq.Header, rec.Auth)

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}

	switch {
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatusCode, httpResp.StatusCode)
	case httpResp.StatusCode >= 400:
		return resp, fmt.Errorf("%w: %d", ErrClientError, httpResp.StatusCode)
	}
	return resp, nil
}

func (r *Registry) recordFailure(id string) {
	r.update(id, func(stored *Record) { stored.ErrorCount++ })
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
