// Package transport provides the abstract RequestClient that carries the
// agent's coordinator calls (spec.md §9 design note: "one abstract
// RequestClient interface with pluggable sync HTTP / streaming HTTP /
// WebSocket implementations, cancellation passed explicitly"). Grounded
// on services/orchestrator/task_executor.go's HTTPTaskExecutor
// (connection-pooled client, trace-context propagation).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Response is a transport-agnostic result: a status code, headers, and a
// body reader the caller drains and closes.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// RequestClient is the abstract request interface; HTTPClient, its
// sync-HTTP implementation, carries the agent's coordinator calls. The
// escalation backends, the gossip HTTP fallback and BLE sync each use
// their own *http.Client instead.
type RequestClient interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error)
}

// HTTPClient is the default sync-HTTP RequestClient, pooled the way the
// teacher's HTTPTaskExecutor is.
type HTTPClient struct {
	client *http.Client
	tracer trace.Tracer
}

// NewHTTPClient builds a connection-pooled client with the given
// request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("edgecoder"),
	}
}

func (c *HTTPClient) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "transport.do", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", url),
	))
	defer span.End()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: request failed: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// DecodeJSON drains and parses a Response body, closing it, matching
// every call site's "decode then forget" usage.
func DecodeJSON(resp *Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
