// Package gemini adapts Google's Gemini API to the chat completion shape used
// by the persona pipeline.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"echoroom-agent/internal/domain"
)

// generator is the slice of *genai.Models used by Client.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// StatusError carries the HTTP status of a failed Gemini call.
type StatusError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: status %d (%s): %v", e.StatusCode, e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// Client generates chat completions with Gemini.
type Client struct {
	gen         generator
	maxTokens   int32
	temperature *float32
}

type Option func(*Client)

// WithMaxTokens caps the completion length. Zero leaves the provider default.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = int32(n)
		}
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = genai.Ptr(float32(t))
	}
}

// NewClient connects to the Gemini API with apiKey. baseURL may be empty.
func NewClient(ctx context.Context, apiKey, baseURL string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cc.HTTPOptions.BaseURL = baseURL
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return New(gc.Models, opts...)
}

// New wraps an existing generator.
func New(gen generator, opts ...Option) (*Client, error) {
	if gen == nil {
		return nil, errors.New("gemini: generator must not be nil")
	}
	c := &Client{gen: gen}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chat sends the conversation to Gemini. System messages become the system
// instruction; assistant turns are sent with the model role.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (domain.Completion, error) {
	if model == "" {
		return domain.Completion{}, errors.New("gemini: model must not be empty")
	}
	system, contents := toContents(messages)
	if len(contents) == 0 {
		return domain.Completion{}, errors.New("gemini: no user or assistant messages")
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       c.temperature,
		MaxOutputTokens:   c.maxTokens,
	}
	resp, err := c.gen.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return domain.Completion{}, classify(err)
	}
	if resp == nil {
		return domain.Completion{}, errors.New("gemini: empty response")
	}

	out := domain.Completion{Text: resp.Text()}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.Truncated = resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens
	}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.CompletionTokens = int(u.CandidatesTokenCount)
		out.TotalTokens = int(u.TotalTokenCount)
	}
	return out, nil
}

func toContents(messages []domain.ChatMessage) (*genai.Content, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.ChatRoleSystem:
			system = append(system, m.Content)
		case domain.ChatRoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser), contents
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.Code, Status: apiErr.Status, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &StatusError{StatusCode: apiErrPtr.Code, Status: apiErrPtr.Status, Err: err}
	}
	return fmt.Errorf("gemini: generate content: %w", err)
}
