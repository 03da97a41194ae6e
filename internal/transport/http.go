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
	"go.opentelemetry.io/otel/propagation"
)

// HTTPClient invokes capabilities bound to an HTTP endpoint, posting the
// resolved input as JSON and decoding the response body as the raw output.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient builds an HTTPClient with a pooled transport and the given
// per-request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Invoke posts req.Input as JSON to req.Endpoint, propagating the trace
// context via an injected header carrier.
func (c *HTTPClient) Invoke(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req.Input)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("invoke capability %q: %w", req.Capability, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("capability %q returned status %d: %s", req.Capability, resp.StatusCode, raw)
	}

	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return Response{}, fmt.Errorf("decode response body: %w", err)
		}
	}
	return Response{Output: out, ExitCode: 0}, nil
}

// headerCarrier adapts http.Header to otel's TextMapCarrier so trace
// context can be injected onto outbound requests.
type headerCarrier http.Header

func (h headerCarrier) Get(key string) string { return http.Header(h).Get(key) }
func (h headerCarrier) Set(key, value string) { http.Header(h).Set(key, value) }
func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}
