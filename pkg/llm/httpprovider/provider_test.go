package httpprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	companionllm "github.com/rhao5556-beep/peiban-sub000/internal/companion/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedParsesFirstVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	p := New(cfg)

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedSurfacesStoreTransientOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 0
	p := New(cfg)

	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
}

func TestStreamReplyYieldsTextThenEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	p := New(cfg)

	frames, err := p.StreamReply(context.Background(), "hello", companionllm.Tier2)
	require.NoError(t, err)

	var texts []string
	var endSeen bool
	for f := range frames {
		switch f.Kind {
		case companionllm.FrameText:
			texts = append(texts, f.Text)
		case companionllm.FrameEnd:
			endSeen = true
		}
	}
	assert.Equal(t, []string{"hi"}, texts)
	assert.True(t, endSeen)
}

func TestExtractReturnsParseErrorOnMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"not json"}}]}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	p := New(cfg)

	_, err := p.Extract(context.Background(), "我喜欢茶")
	require.Error(t, err)
}
