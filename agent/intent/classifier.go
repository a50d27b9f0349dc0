package intent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

// DefaultTimeout bounds one classification call. Classification sits on
// the hot path of every message; a slow model must not stall the reply.
const DefaultTimeout = 8 * time.Second

type Option func(*Classifier)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Classifier) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Classifier turns a raw user message into a structured Intent. It
// degrades instead of failing: any model or parse problem yields the
// chat fallback so the pipeline always has something to route.
type Classifier struct {
	model   contractx.LanguageModel
	prompt  string
	timeout time.Duration
}

func NewClassifier(model contractx.LanguageModel, systemPrompt string, opts ...Option) *Classifier {
	c := &Classifier{model: model, prompt: systemPrompt, timeout: DefaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Classify asks the model for an intent and parses the reply. It never
// returns an error; failures are logged and fall back to chat.
func (c *Classifier) Classify(ctx context.Context, text string) contractx.Intent {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.model.Generate(ctx, contractx.GenerateRequest{
		SystemPrompt: c.prompt,
		UserPrompt:   text,
		Temperature:  0,
		JSONMode:     true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("intent classification failed, falling back to chat")
		return fallback()
	}
	return Parse(raw)
}

// Parse extracts an Intent from a model reply. Replies are cleaned of
// code fences and scanned for the outermost JSON object before
// decoding; anything unusable becomes the chat fallback.
func Parse(raw string) contractx.Intent {
	payload := extractJSON(raw)
	if payload == "" {
		log.Warn().Str("reply", truncate(raw, 200)).Msg("no JSON object in classifier reply")
		return fallback()
	}

	var decoded struct {
		Action     string         `json:"action"`
		Confidence float64        `json:"confidence"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		log.Warn().Err(err).Str("reply", truncate(payload, 200)).Msg("malformed classifier reply")
		return fallback()
	}
	if decoded.Action == "" {
		log.Warn().Err(contractx.ErrSchemaViolation).Str("reply", truncate(payload, 200)).Msg("classifier reply has no action")
		return fallback()
	}
	if decoded.Parameters == nil {
		decoded.Parameters = map[string]any{}
	}
	return contractx.Intent{
		Action:     decoded.Action,
		Confidence: clamp(decoded.Confidence),
		Parameters: decoded.Parameters,
	}
}

func fallback() contractx.Intent {
	return contractx.Intent{Action: contractx.ActionChat, Confidence: 0, Parameters: map[string]any{}}
}

// extractJSON strips markdown fences and returns the slice between the
// first '{' and the last '}'. Models in json mode still occasionally
// wrap the object in prose or a fenced block.
func extractJSON(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return cleaned[start : end+1]
}

func clamp(confidence float64) float64 {
	switch {
	case confidence < 0:
		return 0
	case confidence > 1:
		return 1
	default:
		return confidence
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
