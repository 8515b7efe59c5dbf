// Package gemini implements the evaluator's collaborators on top of the Google
// Gemini API: the speech engine, the scoring model and the PDF page reader.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/extract"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.5-flash"
)

// generator is the subset of *genai.Models used by the provider.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Provider implements collab.SpeechEngine, collab.ScoringModel and extract.PageReader.
type Provider struct {
	models      generator
	model       string
	temperature float32
	logger      *slog.Logger
}

var (
	_ collab.SpeechEngine = (*Provider)(nil)
	_ collab.ScoringModel = (*Provider)(nil)
	_ extract.PageReader  = (*Provider)(nil)
)

// New creates a provider backed by a genai client.
func New(ctx context.Context, apiKey string, httpClient *http.Client, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newWithGenerator(client.Models, opts...), nil
}

func newWithGenerator(g generator, opts ...Option) *Provider {
	p := &Provider{
		models:      g,
		model:       DefaultModel,
		temperature: 0.3,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "gemini"
}

func (p *Provider) generate(ctx context.Context, system string, parts []*genai.Part, temperature float32) (string, error) {
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		Temperature:       genai.Ptr(temperature),
		ResponseMIMEType:  "application/json",
	}
	resp, err := p.models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return "", wrapError(err)
	}
	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return "", &Error{Type: ErrEmptyResponse, Message: "model returned no text"}
	}
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
