// Package extract turns uploaded presentation files into ordered slides.
package extract

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/collab"
	"github.com/vango-go/evalroom/pkg/core/session"
)

// PageReader returns the text of each page of a PDF, in order.
type PageReader interface {
	ReadPages(ctx context.Context, doc collab.Document) ([]string, error)
}

// Extractor implements collab.ContentExtractor.
type Extractor struct {
	PDF PageReader
	// MaxSlides truncates very long decks; 0 means unlimited.
	MaxSlides int
}

var _ collab.ContentExtractor = (*Extractor)(nil)

func (e *Extractor) Extract(ctx context.Context, doc collab.Document) ([]session.Slide, error) {
	if len(doc.Data) == 0 {
		return nil, core.NewInvalidRequestErrorWithParam("presentation file is empty", "file")
	}

	var (
		slides []session.Slide
		err    error
	)
	switch Kind(doc) {
	case KindPPTX:
		slides, err = ReadPPTX(doc.Data)
	case KindPDF:
		if e.PDF == nil {
			return nil, core.ErrUnsupportedFile.Withf("pdf extraction is not configured")
		}
		var pages []string
		pages, err = e.PDF.ReadPages(ctx, doc)
		if err == nil {
			slides = slidesFromPages(pages)
		}
	default:
		return nil, core.ErrUnsupportedFile.Withf("unsupported file %q (expected .pptx or .pdf)", doc.Filename)
	}
	if err != nil {
		return nil, err
	}
	if e.MaxSlides > 0 && len(slides) > e.MaxSlides {
		slides = slides[:e.MaxSlides]
	}
	return slides, nil
}

type FileKind string

const (
	KindPPTX    FileKind = "pptx"
	KindPDF     FileKind = "pdf"
	KindUnknown FileKind = ""
)

// Kind classifies a document by extension, falling back to its content type.
func Kind(doc collab.Document) FileKind {
	switch strings.ToLower(filepath.Ext(doc.Filename)) {
	case ".pptx":
		return KindPPTX
	case ".pdf":
		return KindPDF
	}
	ct := strings.ToLower(strings.TrimSpace(doc.ContentType))
	switch {
	case strings.HasPrefix(ct, "application/pdf"):
		return KindPDF
	case strings.HasPrefix(ct, "application/vnd.openxmlformats-officedocument.presentationml.presentation"):
		return KindPPTX
	}
	return KindUnknown
}

// Supported reports whether the filename has an extension the extractor handles.
func Supported(filename string) bool {
	return Kind(collab.Document{Filename: filename}) != KindUnknown
}

// slidesFromPages numbers pages from 1 and drops pages without text.
func slidesFromPages(pages []string) []session.Slide {
	out := make([]session.Slide, 0, len(pages))
	for i, p := range pages {
		text := strings.TrimSpace(p)
		if text == "" {
			continue
		}
		out = append(out, session.Slide{Number: i + 1, Content: text})
	}
	return out
}
