// v1
// internal/decide/anthropic.go
package decide

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"nrgchamp/optimizer/internal/models"
)

const (
	defaultAnthropicURL    = "https://api.anthropic.com"
	defaultAnthropicModel  = "claude-3-5-haiku-latest"
	anthropicVersion       = "2023-06-01"
	anthropicMaxTokens     = 512
	anthropicMaxReplyBytes = 1 << 20
	anthropicMessagesPath  = "/v1/messages"
)

// Doer is satisfied by *http.Client and the circuit breaker HTTP client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AnthropicConfig configures the Messages API advisor.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// AnthropicAdvisor asks the Messages API for a remediation decision.
type AnthropicAdvisor struct {
	cfg    AnthropicConfig
	client Doer
}

// NewAnthropicAdvisor returns nil when no API key is set, so the engine
// never attempts the network call without a credential.
func NewAnthropicAdvisor(cfg AnthropicConfig, client Doer) *AnthropicAdvisor {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if client == nil {
		client = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &AnthropicAdvisor{cfg: cfg, client: client}
}

type messagesRequest struct {
	Model     string            `json:"model"`
	MaxTokens int               `json:"max_tokens"`
	System    string            `json:"system"`
	Messages  []messagesMessage `json:"messages"`
}

type messagesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// advice is the strict shape expected inside the model's reply.
type advice struct {
	Action                 models.Action `json:"action"`
	TargetWindow           string        `json:"targetWindow"`
	ExpectedSavingsPercent *float64      `json:"expectedSavingsPercent"`
	Confidence             *float64      `json:"confidence"`
	Reasoning              string        `json:"reasoning"`
}

const systemPrompt = `You are an energy optimization advisor. Reply with a single JSON object and nothing else.
Fields: action, targetWindow, expectedSavingsPercent, confidence, reasoning.
action must be one of:
  SHIFT_LOAD           when the excess is above 20%
  REDUCE_CONSUMPTION   when the excess is between 10% and 20%
  OPTIMIZE_SCHEDULING  when the excess is below 10%
targetWindow is a time-of-day range such as "02:00-05:00".
expectedSavingsPercent is between 0 and 30. confidence is between 0 and 1.`

func (a *AnthropicAdvisor) Advise(ctx context.Context, uc UsageContext) (models.Decision, error) {
	if a == nil {
		return models.Decision{}, ErrNoCredential
	}
	usage, err := json.Marshal(uc)
	if err != nil {
		return models.Decision{}, err
	}
	body, err := json.Marshal(messagesRequest{
		Model:     a.cfg.Model,
		MaxTokens: anthropicMaxTokens,
		System:    systemPrompt,
		Messages: []messagesMessage{{
			Role:    "user",
			Content: fmt.Sprintf("Daily energy usage exceeded its threshold by %.2f%%. Usage context: %s", uc.ExcessPercent, usage),
		}},
	})
	if err != nil {
		return models.Decision{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+anthropicMessagesPath, bytes.NewReader(body))
	if err != nil {
		return models.Decision{}, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return models.Decision{}, fmt.Errorf("ai request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, anthropicMaxReplyBytes))
	if err != nil {
		return models.Decision{}, fmt.Errorf("ai read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return models.Decision{}, fmt.Errorf("ai status %d", resp.StatusCode)
	}
	var mr messagesResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return models.Decision{}, fmt.Errorf("ai envelope: %w", err)
	}
	var text strings.Builder
	for _, c := range mr.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return decodeAdvice(text.String())
}

// decodeAdvice extracts the JSON object from the reply text and decodes it
// strictly. Unknown fields and missing required fields are errors.
func decodeAdvice(text string) (models.Decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return models.Decision{}, errors.New("ai reply has no JSON object")
	}
	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	dec.DisallowUnknownFields()
	var adv advice
	if err := dec.Decode(&adv); err != nil {
		return models.Decision{}, fmt.Errorf("ai reply: %w", err)
	}
	if !adv.Action.Valid() {
		return models.Decision{}, fmt.Errorf("ai reply: unknown action %q", adv.Action)
	}
	if strings.TrimSpace(adv.TargetWindow) == "" {
		return models.Decision{}, errors.New("ai reply: missing targetWindow")
	}
	if adv.Confidence == nil {
		return models.Decision{}, errors.New("ai reply: missing confidence")
	}
	if *adv.Confidence < 0 || *adv.Confidence > 1 {
		return models.Decision{}, fmt.Errorf("ai reply: confidence %v outside [0,1]", *adv.Confidence)
	}
	d := models.Decision{
		Action:       adv.Action,
		TargetWindow: strings.TrimSpace(adv.TargetWindow),
		Confidence:   *adv.Confidence,
		Reasoning:    strings.TrimSpace(adv.Reasoning),
		Source:       models.SourceAI,
	}
	if adv.ExpectedSavingsPercent != nil {
		d.ExpectedSavingsPercent = *adv.ExpectedSavingsPercent
	}
	return d, nil
}
