// Package httpprovider implements an OpenAI-compatible HTTP client for the
// companion core's llm.Provider contract (embedding, tiered streaming
// reply, and extraction). It is grounded on the reference's
// pkg/llm/deepseek/provider.go — the OpenAI-compatible chat-completions
// request/response shape and header-setting pattern are carried over
// unchanged; streaming (the reference's deepseek provider never streamed)
// and an embeddings endpoint call and a JSON-mode extraction call are
// added, since the companion core needs all three where the reference's
// RAG service only needed non-streaming Chat.
package httpprovider

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	companionllm "github.com/rhao5556-beep/peiban-sub000/internal/companion/llm"
	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
	"github.com/rhao5556-beep/peiban-sub000/pkg/llm/resilience"
	"github.com/rhao5556-beep/peiban-sub000/pkg/utils/httpclient"
	"github.com/rhao5556-beep/peiban-sub000/pkg/utils/json"
)

// Config configures the HTTP provider.
type Config struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Dimension      int
	Timeout        time.Duration
	MaxRetries     int
}

// DefaultConfig returns sensible defaults; BaseURL/APIKey/model names must
// still be supplied from Config (CLI/environment per §6).
func DefaultConfig() Config {
	return Config{
		Timeout:    60 * time.Second,
		MaxRetries: 3,
		Dimension:  1024,
		ChatModel:  "default-chat",
	}
}

// Provider implements companionllm.Provider over an OpenAI-compatible HTTP API.
type Provider struct {
	cfg    Config
	client *httpclient.Client
	retry  *resilience.RetryConfig
}

// New constructs the HTTP-backed LLM provider.
func New(cfg Config) *Provider {
	return &Provider{
		cfg:    cfg,
		client: httpclient.NewClient(cfg.Timeout, cfg.MaxRetries),
		retry:  resilience.DefaultRetryConfig(),
	}
}

var _ companionllm.Provider = (*Provider)(nil)

func (p *Provider) Dimension() int { return p.cfg.Dimension }

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements C4: text -> fixed-dimension vector. Returns a typed
// StoreTransient error on network/5xx failure so callers can map it to the
// degraded fast path per §4.4's contract, instead of a bare error.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embeddingRequest{Model: p.cfg.EmbeddingModel, Input: text}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apierrors.ErrInternal.WithCause(err)
	}

	var out embeddingResponse
	err = resilience.RetryWithBackoff(ctx, p.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		p.setHeaders(req)
		return p.client.DoJSON(req, &out)
	})
	if err != nil {
		return nil, apierrors.ErrLLMUnavailable.WithCause(err)
	}
	if len(out.Data) == 0 {
		return nil, apierrors.ErrLLMUnavailable.WithMessage("empty embedding response")
	}
	return out.Data[0].Embedding, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// tierModelSuffix maps a Tier to a model-name suffix convention; deployments
// configure ChatModel as a base name and this appends the tier so the same
// provider config can address three capability levels without a second
// config surface, matching the closed-set Tier type in companionllm.
func tierModelSuffix(model string, tier companionllm.Tier) string {
	switch tier {
	case companionllm.Tier1:
		return model
	case companionllm.Tier3:
		return model + "-lite"
	default:
		return model + "-mini"
	}
}

// StreamReply implements C5's stream_reply capability over an
// OpenAI-compatible SSE stream.
func (p *Provider) StreamReply(ctx context.Context, prompt string, tier companionllm.Tier) (<-chan companionllm.StreamFrame, error) {
	reqBody := chatRequest{
		Model:    tierModelSuffix(p.cfg.ChatModel, tier),
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   true,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apierrors.ErrInternal.WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apierrors.ErrInternal.WithCause(err)
	}
	p.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, apierrors.ErrLLMUnavailable.WithCause(err)
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, apierrors.ErrLLMUnavailable.WithMessagef("llm returned status %d", resp.StatusCode)
	}

	out := make(chan companionllm.StreamFrame)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				out <- companionllm.StreamFrame{Kind: companionllm.FrameEnd}
				return
			}
			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			for _, c := range chunk.Choices {
				if c.Delta.Content != "" {
					select {
					case out <- companionllm.StreamFrame{Kind: companionllm.FrameText, Text: c.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
				if c.FinishReason != nil {
					out <- companionllm.StreamFrame{Kind: companionllm.FrameEnd}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- companionllm.StreamFrame{Kind: companionllm.FrameErr, Err: apierrors.ErrLLMUnavailable.WithCause(err)}
			return
		}
		out <- companionllm.StreamFrame{Kind: companionllm.FrameEnd}
	}()

	return out, nil
}

const extractionSystemPrompt = `Extract entities and relations from the user's message as a single JSON ` +
	`object with the exact shape {"entities":[{"name":"","type":"","properties":{}}],` +
	`"relations":[{"source":"","target":"","type":"","properties":{}}]}. Output JSON only.`

// Extract implements C5's extraction capability, called only from the
// Outbox worker. A non-parseable response maps to ErrExtractParse
// (StorePermanent), which the worker routes straight to DLQ per §4.5.
func (p *Provider) Extract(ctx context.Context, text string) (companionllm.ExtractResult, error) {
	reqBody := chatRequest{
		Model: p.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: text},
		},
		Stream: false,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return companionllm.ExtractResult{}, apierrors.ErrInternal.WithCause(err)
	}

	var resp chatResponse
	err = resilience.RetryWithBackoff(ctx, p.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		p.setHeaders(req)
		return p.client.DoJSON(req, &resp)
	})
	if err != nil {
		return companionllm.ExtractResult{}, apierrors.ErrLLMUnavailable.WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return companionllm.ExtractResult{}, apierrors.ErrExtractParse.WithMessage("empty extraction response")
	}

	var result companionllm.ExtractResult
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		return companionllm.ExtractResult{}, apierrors.ErrExtractParse.WithCause(err)
	}
	return result, nil
}
