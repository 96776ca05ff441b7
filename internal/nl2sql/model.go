package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// Completion is the raw model reply. Text is untrusted.
type Completion struct {
	Text     string
	Provider string
	Model    string
	Tokens   int
}

// Model sends one prompt and returns one completion. Implementations make a
// single upstream attempt; retries are layered on with WithRetry.
type Model interface {
	Complete(ctx context.Context, prompt Prompt) (Completion, error)
	Name() string
}

// ProviderError is a non-2xx answer from the model provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether another attempt may succeed.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
}

var ErrNotConfigured = errors.New("model provider is not configured")

// NewModel builds the provider named in cfg and applies the retry policy.
// An empty API key yields ErrNotConfigured.
func NewModel(cfg Config) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	var (
		model Model
		err   error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, "":
		model, err = NewOpenAIModel(OpenAIConfig{
			Name:        ProviderOpenAI,
			BaseURL:     defaultString(cfg.BaseURL, "https://api.openai.com/v1"),
			APIKey:      cfg.APIKey,
			Model:       defaultString(cfg.Model, "gpt-4o-mini"),
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	case ProviderGemini:
		model, err = NewOpenAIModel(OpenAIConfig{
			Name:        ProviderGemini,
			BaseURL:     defaultString(cfg.BaseURL, "https://generativelanguage.googleapis.com/v1beta/openai"),
			APIKey:      cfg.APIKey,
			Model:       defaultString(cfg.Model, "gemini-2.5-flash-lite"),
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	case ProviderAnthropic:
		model, err = NewAnthropicModel(AnthropicConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       defaultString(cfg.Model, "claude-haiku-4-5"),
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxAttempts > 1 {
		return WithRetry(model, cfg.MaxAttempts, 500*time.Millisecond), nil
	}
	return model, nil
}

func defaultString(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
