package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/glindberg2000/superagent/internal/domain"
)

// grokSearchParams enables xAI's live-search extension to the
// OpenAI-compatible chat API.
type grokSearchParams struct {
	Mode string `json:"mode"`
}

// GrokProvider implements domain.LLMProvider for the xAI API. The wire
// format is OpenAI-compatible plus an optional search_parameters block.
type GrokProvider struct {
	inner  *OpenAIProvider
	search *grokSearchParams
}

// NewGrokProvider creates a provider for api.x.ai. Live search is
// enabled via extra_params {"search_mode": "auto"|"on"|"off"}.
func NewGrokProvider(cfg ProviderConfig, logger *slog.Logger) *GrokProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.x.ai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "grok-4"
	}

	var search *grokSearchParams
	if mode, ok := cfg.ExtraParams["search_mode"]; ok && strings.ToLower(mode) != "off" {
		search = &grokSearchParams{Mode: strings.ToLower(mode)}
	}

	return &GrokProvider{
		inner:  NewOpenAIProvider(cfg, logger),
		search: search,
	}
}

// Chat implements domain.LLMProvider.
func (p *GrokProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.inner.model
	}
	if p.search != nil {
		// Route through the inner provider with search enabled.
		return p.chatWithSearch(ctx, req)
	}
	return p.inner.Chat(ctx, req)
}

func (p *GrokProvider) chatWithSearch(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req.Messages = TrimToBudget(req.Messages, openaiContextBudget)

	body, err := marshalRequest(toOpenAIRequest(req, p.search))
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Authorization": "Bearer " + p.inner.apiKey}
	respBody, err := doJSONRequest(ctx, p.inner.client, p.inner.baseURL+"/chat/completions", body, headers)
	if err != nil {
		return nil, err
	}
	return unmarshalOpenAIResponse(respBody)
}

// Name implements domain.LLMProvider.
func (p *GrokProvider) Name() string { return p.inner.name }
