package gemini

import (
	"context"

	"google.golang.org/genai"

	"github.com/vango-go/evalroom/pkg/core/collab"
)

// ReadPages extracts PDF page text with the model's native document support.
func (p *Provider) ReadPages(ctx context.Context, doc collab.Document) ([]string, error) {
	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: "application/pdf", Data: doc.Data}},
		{Text: "Extract the pages."},
	}
	text, err := p.generate(ctx, pagesSystemPrompt, parts, 0)
	if err != nil {
		return nil, err
	}
	var reply pagesReply
	if err := decodeJSON(text, &reply); err != nil {
		return nil, err
	}
	p.logger.Debug("pdf pages extracted", "filename", doc.Filename, "pages", len(reply.Pages))
	return reply.Pages, nil
}
