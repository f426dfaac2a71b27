package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini answers prompts through Google's Gemini API.
type Gemini struct {
	name   string
	model  string
	client *genai.Client
}

// NewGemini builds an adapter for the Gemini API.
func NewGemini(name, model, apiKey string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("backend %s: api key required", name)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: creating genai client: %w", name, err)
	}

	return &Gemini{name: name, model: model, client: client}, nil
}

func (g *Gemini) Name() string  { return g.name }
func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Generate(ctx context.Context, msgs []Message) (Reply, error) {
	var config genai.GenerateContentConfig
	system, contents := splitForGemini(msgs)
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, &config)
	if err != nil {
		return Reply{}, g.classify(err)
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return Reply{}, &Error{Backend: g.name, Kind: KindUnavailable,
			Err: errors.New("empty generation response")}
	}
	return Reply{Content: text, Model: g.model}, nil
}

// splitForGemini folds every system message into one instruction block,
// since the API carries a single system instruction per request. The
// remaining turns become the content list.
func splitForGemini(msgs []Message) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}

func (g *Gemini) classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Backend: g.name, Kind: KindTimeout, Err: err}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 400 {
			return &Error{Backend: g.name, Kind: KindRejected, Err: err}
		}
	}
	return &Error{Backend: g.name, Kind: KindUnavailable, Err: err}
}
