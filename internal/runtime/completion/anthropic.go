package completion

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultAnthropicURL    = "https://api.anthropic.com"
	defaultAnthropicTokens = 1024
)

// Anthropic calls the messages endpoint through the Anthropic SDK. The SDK's
// own retries are disabled so Policy alone decides.
type Anthropic struct {
	model  string
	client anthropic.Client
}

func NewAnthropic(apiKey, model, baseURL string, httpClient *http.Client) *Anthropic {
	if baseURL == "" {
		baseURL = DefaultAnthropicURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Anthropic{
		model: model,
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(strings.TrimRight(baseURL, "/")),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(0),
		),
	}
}

func (a *Anthropic) Name() string { return ProviderAnthropic }

func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: defaultAnthropicTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", mapAnthropicError(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", &Error{Kind: KindEmpty, Err: errors.New("no text blocks returned")}
	}
	return b.String(), nil
}

func mapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return statusError(apiErr.StatusCode, header, isQuotaCode(apiErr.RawJSON()), errors.New(http.StatusText(apiErr.StatusCode)))
	}
	return transportError(err)
}
