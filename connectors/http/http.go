// Package http provides an example OffloadBlocking task body that
// issues an HTTP request, grounded on the host engine's
// HTTPTaskExecutor. ArgNode already resolves upstream values before a
// task body ever runs, so this connector has no template-substitution
// step of its own — callers build the URL/body from hydrated arguments
// directly in Go.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request describes one call for the Call task body.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
}

// Response is what Call returns on success.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

var defaultClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// defaultBreaker/defaultLimiter guard every Call against a downstream
// service that is failing or must not be hammered; both are generous
// enough not to interfere with a healthy target.
var (
	defaultBreaker = NewBreaker(30*time.Second, 6, 10, 0.5, 5*time.Second, 3)
	defaultLimiter = NewRateLimiter(50, 20)
)

// ErrCircuitOpen is returned by Call while the breaker is open.
var ErrCircuitOpen = fmt.Errorf("http connector: circuit open")

// ErrRateLimited is returned by Call when the token bucket is empty.
var ErrRateLimited = fmt.Errorf("http connector: rate limited")

// Call executes req and returns the raw Response. It is meant to be
// wrapped by workflow.Define1 so it can be used as a task body:
//
//	httpTask := workflow.Define1("fetch", http.Call, workflow.WithRunMode(workflow.OffloadBlocking))
func Call(ctx context.Context, req Request) (Response, error) {
	if !defaultBreaker.Allow() {
		return Response{}, ErrCircuitOpen
	}
	if !defaultLimiter.Allow(ctx) {
		return Response{}, ErrRateLimited
	}

	resp, err := doCall(ctx, req)
	defaultBreaker.RecordResult(err == nil)
	return resp, err
}

func doCall(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return Response{}, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := defaultClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	return Response{StatusCode: resp.StatusCode, Body: data, Headers: resp.Header}, nil
}
