package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider talks to an Ollama server over its NDJSON chat API.
type OllamaProvider struct {
	config *ProviderConfig
	client *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg *ProviderConfig) *OllamaProvider {
	def := DefaultConfig(KindOllama)
	if cfg == nil {
		cfg = def
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	return &OllamaProvider{
		config: cfg,
		client: &http.Client{
			// No Client.Timeout: it would cut off long streams. Response
			// headers arrive once the model is loaded and starts answering.
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.Timeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
	}
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	if p.config.Name != "" {
		return p.config.Name
	}
	return KindOllama
}

// Available checks that Ollama is running and has at least one model.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}
	return len(result.Models) > 0
}

// Chat collects a streamed response into one ChatResponse.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

// ChatStream sends the request and calls onToken for every content fragment.
func (p *OllamaProvider) ChatStream(ctx context.Context, req *ChatRequest, onToken func(string)) (*ChatResponse, error) {
	start := time.Now()

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	return p.readStream(ctx, resp.Body, start, onToken)
}

func (p *OllamaProvider) buildRequest(req *ChatRequest) ollamaChatRequest {
	out := ollamaChatRequest{Model: req.Model, Stream: true}
	if out.Model == "" {
		out.Model = p.config.Model
	}

	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, ollamaMessage{Role: msg.Role, Content: msg.Content})
	}

	out.Options.Temperature = req.Temperature
	if out.Options.Temperature == 0 {
		out.Options.Temperature = p.config.Temperature
	}
	out.Options.NumPredict = req.MaxTokens
	if out.Options.NumPredict == 0 {
		out.Options.NumPredict = p.config.MaxTokens
	}

	if req.NoThink {
		think := false
		out.Think = &think
	}
	return out
}

// readStream decodes NDJSON chunks until done, EOF or cancellation.
func (p *OllamaProvider) readStream(ctx context.Context, body io.Reader, start time.Time, onToken func(string)) (*ChatResponse, error) {
	var (
		full       strings.Builder
		totalBytes int64
		result     = &ChatResponse{FinishReason: "stop"}
		sawChunk   bool
	)

	decoder := json.NewDecoder(body)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var chunk ollamaChatResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		sawChunk = true
		if result.Model == "" {
			result.Model = chunk.Model
		}

		if text := chunk.Message.Content; text != "" {
			totalBytes += int64(len(text))
			if totalBytes > MaxStreamedResponseSize {
				return nil, fmt.Errorf("response size exceeded limit (%d bytes) - possible runaway generation", MaxStreamedResponseSize)
			}
			full.WriteString(text)
			if onToken != nil {
				onToken(text)
			}
		}

		if chunk.Done {
			result.PromptTokens = chunk.PromptEvalCount
			result.CompletionTokens = chunk.EvalCount
			if chunk.DoneReason != "" {
				result.FinishReason = chunk.DoneReason
			}
			break
		}
	}

	if !sawChunk {
		return nil, fmt.Errorf("empty response from Ollama")
	}

	result.Content = full.String()
	result.TokensUsed = result.PromptTokens + result.CompletionTokens
	result.Duration = time.Since(start)
	return result, nil
}

// Ollama API types
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Think    *bool           `json:"think,omitempty"`
	Options  struct {
		Temperature float64 `json:"temperature,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}
