package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProviderConfig configures an OpenAI-compatible chat-completions
// backend (OpenAI, Anthropic's compat endpoint, DeepSeek, local
// gateways, ...).
type HTTPProviderConfig struct {
	ID      string
	BaseURL string // e.g. https://api.openai.com/v1
	APIKey  string
	// ExtraHeaders are sent verbatim on every request (e.g.
	// anthropic-version).
	ExtraHeaders map[string]string
}

// HTTPProvider speaks the chat-completions wire format over net/http.
// Heterogeneous response parsing lives here; callers only ever see
// Completion.Text.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider. httpClient may be nil, in which
// case http.DefaultClient is used; per-call deadlines come from the
// request context.
func NewHTTPProvider(cfg HTTPProviderConfig, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPProvider{cfg: cfg, client: httpClient}
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []ChatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat *wireFormatObject `json:"response_format,omitempty"`
	Stream         bool              `json:"stream"`
}

type wireFormatObject struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete performs one chat-completions call and classifies failures.
func (p *HTTPProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	wireReq := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Format == FormatJSONObject {
		wireReq.ResponseFormat = &wireFormatObject{Type: "json_object"}
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	for k, v := range p.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{
			Provider:    p.cfg.ID,
			Message:     err.Error(),
			Recoverable: true,
			Err:         err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{
			Provider:    p.cfg.ID,
			Message:     "reading response body: " + err.Error(),
			Recoverable: true,
			Err:         err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		recoverable := recoverableStatus(resp.StatusCode)
		return nil, &ProviderError{
			Provider:    p.cfg.ID,
			StatusCode:  resp.StatusCode,
			Message:     truncateForError(string(respBody)),
			Recoverable: recoverable,
		}
	}

	if looksLikeHTML(string(respBody)) {
		return nil, &ProviderError{
			Provider:    p.cfg.ID,
			StatusCode:  resp.StatusCode,
			Message:     "provider returned HTML instead of JSON",
			Recoverable: true,
		}
	}

	var wireResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, &ProviderError{
			Provider:    p.cfg.ID,
			Message:     "malformed provider JSON: " + err.Error(),
			Recoverable: true,
			Err:         err,
		}
	}
	if wireResp.Error != nil {
		return nil, &ProviderError{
			Provider:    p.cfg.ID,
			Message:     wireResp.Error.Message,
			Recoverable: false,
		}
	}
	if len(wireResp.Choices) == 0 {
		return nil, &ProviderError{
			Provider:    p.cfg.ID,
			Message:     "provider returned no choices",
			Recoverable: true,
		}
	}

	completion := &Completion{
		Text:      wireResp.Choices[0].Message.Content,
		Model:     req.Model,
		RequestID: wireResp.ID,
	}
	if wireResp.Usage != nil {
		completion.Usage = &Usage{
			InputTokens:  wireResp.Usage.PromptTokens,
			OutputTokens: wireResp.Usage.CompletionTokens,
			TotalTokens:  wireResp.Usage.TotalTokens,
		}
	}
	return completion, nil
}

func truncateForError(body string) string {
	const max = 400
	body = strings.TrimSpace(body)
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}
