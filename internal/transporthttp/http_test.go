package transporthttp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightseekorg/smg/internal/router"
	"github.com/lightseekorg/smg/internal/worker"
)

func newPipe(t *testing.T) (*io.PipeReader, *io.PipeWriter) {
	t.Helper()
	return io.Pipe()
}

func TestTransport_Send_NonStreaming_ReturnsSingleChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"usage":{"completion_tokens":7}}`)
	}))
	defer srv.Close()

	tr := New(5*time.Second, "")
	wk := &worker.Worker{ID: "w1", URL: srv.URL}
	stream, err := tr.Send(context.Background(), wk, &router.RoutingRequestView{ModelID: "m", Text: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, chunk.FinishedOK)
	assert.Equal(t, 7, chunk.TokensOut)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, router.ErrStreamDone)
}

func TestTransport_Send_Streaming_ParsesSSEFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"a\"}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"usage\":{\"completion_tokens\":3}}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	tr := New(5*time.Second, "")
	wk := &worker.Worker{ID: "w1", URL: srv.URL}
	stream, err := tr.Send(context.Background(), wk, &router.RoutingRequestView{ModelID: "m", Text: "hi", IsStreaming: true})
	require.NoError(t, err)
	defer stream.Close()

	c1, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c1.TokensOut)
	assert.False(t, c1.FinishedOK)

	c2, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, c2.TokensOut)
	assert.True(t, c2.FinishedOK)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, router.ErrStreamDone)
}

func TestTransport_Send_NonOKStatus_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "overloaded")
	}))
	defer srv.Close()

	tr := New(5*time.Second, "")
	wk := &worker.Worker{ID: "w1", URL: srv.URL}
	_, err := tr.Send(context.Background(), wk, &router.RoutingRequestView{ModelID: "m"})
	require.Error(t, err)
}

func TestTransport_Send_SetsAuthHeaderAndRequestHeaders(t *testing.T) {
	var gotAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	tr := New(5*time.Second, "secret")
	wk := &worker.Worker{ID: "w1", URL: srv.URL}
	_, err := tr.Send(context.Background(), wk, &router.RoutingRequestView{
		ModelID: "m",
		Headers: map[string]string{"X-Custom": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "v", gotCustom)
}

func TestTransport_Probe_HealthyEndpoint_Succeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(5*time.Second, "")
	wk := &worker.Worker{ID: "w1", URL: srv.URL}
	require.NoError(t, tr.Probe(context.Background(), wk, time.Second))
}

func TestTransport_Probe_NonOK_Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := New(5*time.Second, "")
	wk := &worker.Worker{ID: "w1", URL: srv.URL}
	require.Error(t, tr.Probe(context.Background(), wk, time.Second))
}

// ensure the SSE scanner behaves with bufio's default split function over
// chunked flushes (sanity check independent of httptest's buffering).
func TestSSEStream_SkipsNonDataLines(t *testing.T) {
	r, w := newPipe(t)
	go func() {
		fmt.Fprint(w, "event: ping\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"x\"}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
		w.Close()
	}()
	s := &sseStream{body: r, scanner: bufio.NewScanner(r)}
	c, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.TokensOut)
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, router.ErrStreamDone)
}
