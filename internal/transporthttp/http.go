// Package transporthttp implements router.Transport against a real
// OpenAI-compatible inference server over plain net/http.
//
// Grounded on the teacher's cmd/observe.go RealClient: same request body
// shape, same SSE framing convention ("data: " lines terminated by
// "[DONE]"), same usage-field token extraction — adapted from a one-shot
// record-the-whole-response client into router.ResponseStream's
// call-Next-until-done contract so the router can consume chunks as they
// arrive instead of buffering a full RequestRecord.
package transporthttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lightseekorg/smg/internal/router"
	"github.com/lightseekorg/smg/internal/worker"
)

// Transport sends requests to an OpenAI-compatible completions endpoint.
type Transport struct {
	client *http.Client
	apiKey string
}

// New creates a Transport. timeout bounds the whole request, including
// streaming; apiKey may be empty.
func New(timeout time.Duration, apiKey string) *Transport {
	return &Transport{client: &http.Client{Timeout: timeout}, apiKey: apiKey}
}

// Send implements router.Transport.
func (t *Transport) Send(ctx context.Context, w *worker.Worker, req *router.RoutingRequestView) (router.ResponseStream, error) {
	body := map[string]any{
		"model":      req.ModelID,
		"max_tokens": 2048,
		"stream":     req.IsStreaming,
	}
	if len(req.Tokens) > 0 {
		body["prompt"] = req.Tokens
	} else {
		body["prompt"] = req.Text
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("transporthttp: marshal request: %w", err)
	}

	url := strings.TrimRight(w.URL, "/") + "/v1/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("transporthttp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transporthttp: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("transporthttp: worker %s returned %d: %s", w.ID, resp.StatusCode, string(data))
	}

	if req.IsStreaming {
		return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
	}
	return newBufferedStream(resp.Body)
}

// Probe implements health.Prober / router.HealthProbe with a plain GET
// against the worker's configured health endpoint (defaulting to "/health").
func (t *Transport) Probe(ctx context.Context, w *worker.Worker, timeout time.Duration) error {
	endpoint := w.HealthEndpoint
	if endpoint == "" {
		endpoint = "/health"
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(w.URL, "/") + endpoint
	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("transporthttp: build probe request: %w", err)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transporthttp: probe %s: %w", w.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transporthttp: probe %s returned %d", w.ID, resp.StatusCode)
	}
	return nil
}

// sseStream reads one server-sent-events line at a time, matching the
// "data: ...\n\n[DONE]" framing vLLM's OpenAI-compatible server emits.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseStream) Next(ctx context.Context) (router.Chunk, error) {
	for s.scanner.Scan() {
		if ctx.Err() != nil {
			return router.Chunk{}, ctx.Err()
		}
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return router.Chunk{}, router.ErrStreamDone
		}

		var frame struct {
			Choices []struct {
				Text string `json:"text"`
			} `json:"choices"`
			Usage *struct {
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		chunk := router.Chunk{Data: []byte(data)}
		if frame.Usage != nil {
			chunk.TokensOut = frame.Usage.CompletionTokens
			chunk.FinishedOK = true
		} else if len(frame.Choices) > 0 {
			chunk.TokensOut = 1
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return router.Chunk{}, err
	}
	return router.Chunk{}, router.ErrStreamDone
}

func (s *sseStream) Close() error { return s.body.Close() }

// bufferedStream wraps a fully-read non-streaming response as a
// single-chunk ResponseStream so the router's consume loop is identical
// for both modes.
type bufferedStream struct {
	chunk router.Chunk
	done  bool
}

func newBufferedStream(body io.ReadCloser) (*bufferedStream, error) {
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("transporthttp: read response: %w", err)
	}

	var result struct {
		Usage struct {
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	tokensOut := 0
	if err := json.Unmarshal(data, &result); err == nil {
		tokensOut = result.Usage.CompletionTokens
	}

	return &bufferedStream{chunk: router.Chunk{Data: data, TokensOut: tokensOut, FinishedOK: true}}, nil
}

func (b *bufferedStream) Next(ctx context.Context) (router.Chunk, error) {
	if b.done {
		return router.Chunk{}, router.ErrStreamDone
	}
	b.done = true
	return b.chunk, nil
}

func (b *bufferedStream) Close() error { return nil }
