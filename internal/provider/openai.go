package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI answers prompts through an OpenAI-compatible chat completion
// endpoint. A custom base URL points it at any compatible gateway.
type OpenAI struct {
	name   string
	model  string
	client *openai.Client
}

// NewOpenAI builds an adapter for the given endpoint. name labels the
// backend in logs and attempt records.
func NewOpenAI(name, model, apiKey, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("backend %s: api key required", name)
	}
	if model == "" {
		return nil, fmt.Errorf("backend %s: model required", name)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		// Used verbatim; gateways disagree on path prefixes so none is
		// appended here.
		cfg.BaseURL = baseURL
	}

	return &OpenAI{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(cfg),
	}, nil
}

func (o *OpenAI) Name() string  { return o.name }
func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Generate(ctx context.Context, msgs []Message) (Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		return Reply{}, o.classify(err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, &Error{Backend: o.name, Kind: KindUnavailable,
			Err: errors.New("empty choices in completion response")}
	}

	model := resp.Model
	if model == "" {
		model = o.model
	}
	return Reply{Content: resp.Choices[0].Message.Content, Model: model}, nil
}

func (o *OpenAI) classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Backend: o.name, Kind: KindTimeout, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			// The request itself is bad; another backend will reject it too.
			return &Error{Backend: o.name, Kind: KindRejected, Err: err}
		}
	}
	return &Error{Backend: o.name, Kind: KindUnavailable, Err: err}
}
