package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// noThinkDirective is the prompt switch understood by hybrid reasoning
// models served behind OpenAI-compatible APIs.
const noThinkDirective = "/no_think"

// OpenAIProvider streams from any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	config *ProviderConfig
	client openai.Client
}

// NewOpenAIProvider creates a provider for cfg.Endpoint.
func NewOpenAIProvider(cfg *ProviderConfig) *OpenAIProvider {
	def := DefaultConfig(KindOpenAI)
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

	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(cfg.Endpoint, "/") + "/"),
		option.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.Timeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		}),
		option.WithMaxRetries(2),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	return &OpenAIProvider{config: cfg, client: openai.NewClient(opts...)}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	if p.config.Name != "" {
		return p.config.Name
	}
	return KindOpenAI
}

// Available lists models as a cheap reachability and credential check.
func (p *OpenAIProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.client.Models.List(ctx)
	return err == nil
}

// Chat sends a non-streaming completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: no choices")
	}
	choice := resp.Choices[0]
	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            resp.Model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TokensUsed:       int(resp.Usage.TotalTokens),
		Duration:         time.Since(start),
		FinishReason:     choice.FinishReason,
	}, nil
}

// ChatStream streams a completion, calling onToken per content delta.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest, onToken func(string)) (*ChatResponse, error) {
	start := time.Now()
	params := p.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: param.NewOpt(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		full   strings.Builder
		result = &ChatResponse{}
	)
	for stream.Next() {
		chunk := stream.Current()
		if result.Model == "" {
			result.Model = chunk.Model
		}
		if chunk.Usage.TotalTokens > 0 {
			result.PromptTokens = int(chunk.Usage.PromptTokens)
			result.CompletionTokens = int(chunk.Usage.CompletionTokens)
			result.TokensUsed = int(chunk.Usage.TotalTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if text := choice.Delta.Content; text != "" {
			if full.Len()+len(text) > MaxStreamedResponseSize {
				return nil, fmt.Errorf("response size exceeded limit (%d bytes) - possible runaway generation", MaxStreamedResponseSize)
			}
			full.WriteString(text)
			if onToken != nil {
				onToken(text)
			}
		}
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	result.Content = full.String()
	result.Duration = time.Since(start)
	return result, nil
}

func (p *OpenAIProvider) params(req *ChatRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	system := req.SystemPrompt
	if req.NoThink {
		system = strings.TrimSpace(system + "\n" + noThinkDirective)
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.config.Temperature
	}
	if temp > 0 {
		params.Temperature = param.NewOpt(temp)
	}
	return params
}
