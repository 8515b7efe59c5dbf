package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/session"
)

var slidePartRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

const maxSlidePartBytes = 8 << 20

// ReadPPTX extracts the text of every slide in deck order. Paragraphs are
// separated by newlines. Slides without text are kept so numbering matches the deck.
func ReadPPTX(data []byte) ([]session.Slide, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, core.ErrUnsupportedFile.Withf("not a valid pptx archive: %v", err)
	}

	type part struct {
		num  int
		file *zip.File
	}
	var parts []part
	for _, f := range zr.File {
		m := slidePartRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		parts = append(parts, part{num: n, file: f})
	}
	if len(parts) == 0 {
		return nil, core.ErrUnsupportedFile.Withf("pptx archive contains no slides")
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].num < parts[j].num })

	slides := make([]session.Slide, 0, len(parts))
	for i, p := range parts {
		text, err := slideText(p.file)
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", p.num, err)
		}
		slides = append(slides, session.Slide{Number: i + 1, Content: text})
	}
	return slides, nil
}

func slideText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dec := xml.NewDecoder(io.LimitReader(rc, maxSlidePartBytes))
	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(current.String()); s != "" {
					paragraphs = append(paragraphs, s)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		paragraphs = append(paragraphs, s)
	}
	return strings.Join(paragraphs, "\n"), nil
}
