package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultGeminiURL = "https://generativelanguage.googleapis.com"
	geminiAPIVersion = "v1beta"
	retryInfoType    = "type.googleapis.com/google.rpc.RetryInfo"
)

// Gemini calls generateContent through the Google Gen AI SDK.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewGemini(apiKey, model, baseURL string, httpClient *http.Client) *Gemini {
	if baseURL == "" {
		baseURL = DefaultGeminiURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Gemini{apiKey: apiKey, model: model, baseURL: strings.TrimRight(baseURL, "/") + "/", httpClient: httpClient}
}

func (g *Gemini) Name() string { return ProviderGemini }

func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     g.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    g.baseURL,
			APIVersion: geminiAPIVersion,
		},
	})
	if err != nil {
		return "", &Error{Kind: KindUnauthorized, Err: err}
	}

	resp, err := client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", mapGeminiError(err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", &Error{Kind: KindEmpty, Err: errors.New("no candidate text returned")}
	}
	return text, nil
}

func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		e := statusError(apiErr.Code, nil, isQuotaCode(apiErr.Message), errors.New(apiErr.Message))
		if e.Kind == KindRateLimited || e.Kind == KindServer {
			e.RetryAfter = retryInfoDelay(apiErr.Details)
		}
		return e
	}
	return transportError(err)
}

// retryInfoDelay reads the google.rpc.RetryInfo detail Gemini attaches to
// throttled responses.
func retryInfoDelay(details []map[string]any) time.Duration {
	for _, detail := range details {
		if detail["@type"] != retryInfoType {
			continue
		}
		d, err := time.ParseDuration(fmt.Sprint(detail["retryDelay"]))
		if err == nil && d > 0 {
			return d
		}
	}
	return 0
}
