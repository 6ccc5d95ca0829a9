package completion

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderEcho      = "echo"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Options selects and configures a Completer.
type Options struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	EchoLatency time.Duration
	HTTPClient  *http.Client
}

// ResolveProvider picks the backend once at startup. An explicit provider
// wins; otherwise the model name prefix decides. Without an API key every
// remote backend falls back to echo.
func ResolveProvider(provider, model, apiKey string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == ProviderEcho {
		return ProviderEcho
	}
	if strings.TrimSpace(apiKey) == "" {
		return ProviderEcho
	}
	if provider != "" {
		return provider
	}

	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return ProviderOpenAI
	case strings.HasPrefix(m, "claude-"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gemini-"):
		return ProviderGemini
	default:
		return ProviderOpenAI
	}
}

// New builds the Completer named by opts.
func New(opts Options) (Completer, error) {
	switch ResolveProvider(opts.Provider, opts.Model, opts.APIKey) {
	case ProviderEcho:
		return NewEcho(opts.EchoLatency), nil
	case ProviderOpenAI:
		return NewOpenAI(opts.APIKey, opts.Model, opts.BaseURL, opts.HTTPClient), nil
	case ProviderAnthropic:
		return NewAnthropic(opts.APIKey, opts.Model, opts.BaseURL, opts.HTTPClient), nil
	case ProviderGemini:
		return NewGemini(opts.APIKey, opts.Model, opts.BaseURL, opts.HTTPClient), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", opts.Provider)
	}
}
