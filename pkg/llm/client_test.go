package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}))
}

func TestGenerateStreamDecodesThinkingAndResponseChunks(t *testing.T) {
	srv := sseServer(t, []string{
		`{"type":"thinking","content":"considering momentum signals","is_complete":false}`,
		`{"type":"thinking","content":"done thinking","is_complete":true}`,
		`{"type":"response","content":"buy when RSI < 30","is_complete":true,"is_final":true}`,
	})
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "test-model", Timeout: 5 * time.Second})
	chunks, errs := client.GenerateStream(context.Background(), "session-1", []Message{
		{Role: RoleUser, Content: "propose a strategy"},
	})

	var got []StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	require.NoError(t, drain(errs))

	require.Len(t, got, 3)
	assert.True(t, got[0].IsThinking)
	assert.False(t, got[0].IsComplete)
	assert.True(t, got[1].IsComplete)
	assert.False(t, got[2].IsThinking)
	assert.True(t, got[2].IsFinal)
	assert.Equal(t, "buy when RSI < 30", got[2].Content)
}

func TestGenerateStreamSurfacesErrorChunk(t *testing.T) {
	srv := sseServer(t, []string{
		`{"type":"error","message":"upstream rate limited"}`,
	})
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "test-model", Timeout: 5 * time.Second})
	chunks, errs := client.GenerateStream(context.Background(), "session-2", nil)

	var got []StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	require.NoError(t, drain(errs))
	require.Len(t, got, 1)
	assert.Equal(t, "upstream rate limited", got[0].Error)
}

func TestGenerateStreamNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "test-model", Timeout: 5 * time.Second})
	chunks, errs := client.GenerateStream(context.Background(), "session-3", nil)

	for range chunks {
		t.Fatal("expected no chunks on a non-200 response")
	}
	assert.Error(t, drain(errs))
}

func drain(errs <-chan error) error {
	var last error
	for e := range errs {
		last = e
	}
	return last
}
