package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAI calls the chat completions endpoint through go-openai.
type OpenAI struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAI(apiKey, model, baseURL string, httpClient *http.Client) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAI{apiKey: apiKey, model: model, baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (o *OpenAI) Name() string { return ProviderOpenAI }

func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	// go-openai drops response headers on failures, so each call records the
	// last response it saw to recover Retry-After.
	doer := &headerRecorder{client: o.httpClient}
	cfg := openai.DefaultConfig(o.apiKey)
	cfg.BaseURL = o.baseURL
	cfg.HTTPClient = doer
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", o.mapError(err, doer.header())
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &Error{Kind: KindEmpty, Err: errors.New("no choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) mapError(err error, header http.Header) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		quota := isQuotaCode(apiErr.Type, fmt.Sprint(apiErr.Code))
		return statusError(apiErr.HTTPStatusCode, header, quota, errors.New(apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return statusError(reqErr.HTTPStatusCode, header, isQuotaCode(string(reqErr.Body)), reqErr)
	}
	if errors.Is(err, openai.ErrChatCompletionInvalidModel) {
		return &Error{Kind: KindModelNotFound, Err: err}
	}
	return transportError(err)
}

type headerRecorder struct {
	client *http.Client
	mu     sync.Mutex
	last   http.Header
}

func (r *headerRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if resp != nil {
		r.mu.Lock()
		r.last = resp.Header.Clone()
		r.mu.Unlock()
	}
	return resp, err
}

func (r *headerRecorder) header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
