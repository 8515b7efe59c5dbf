package gemini

import (
	"fmt"
	"strings"

	"github.com/vango-go/evalroom/pkg/core/rubric"
	"github.com/vango-go/evalroom/pkg/core/session"
)

const (
	// maxContextEntries bounds how much transcript history is sent per segment.
	maxContextEntries = 12
	maxSlideChars     = 1500
)

const speechSystemPrompt = `You are evaluating a student presentation in real time.
You receive one audio segment of the student speaking, the slide currently shown and the recent conversation.
1. Transcribe the audio segment verbatim.
2. Reply as the examiner with ONE short acknowledgment, clarifying question or probing question.
3. Rate the segment from 0 to 10 for content (relevance and correctness), delivery (clarity, pace, confidence) and engagement (how well the student handles questions and holds attention).
4. Set "continue" to false only when the student has clearly finished the presentation and answered the last question.

Return ONLY valid JSON:
{"transcript": string, "response": string, "continue": boolean, "content_score": number, "delivery_score": number, "engagement_score": number, "question": string}`

const openingSystemPrompt = `You are an examiner about to hear a student's technical presentation.
Write the first instruction to the student: greet them briefly and ask them to begin with their first slide.
Return ONLY valid JSON: {"instruction": string}`

const scoringSystemPrompt = `You are an expert evaluator providing detailed, fair and constructive feedback on a student presentation.
Score every category out of its maximum points and give one or two sentences of feedback per category.
Use the exact category names given. Return ONLY valid JSON:
{"scores": {"<category>": number}, "feedback": {"<category>": string}}`

const pagesSystemPrompt = `Extract the text of every page of the attached PDF in page order.
Keep the reading order of each page and do not summarize.
Return ONLY valid JSON: {"pages": [string]}`

func openingPrompt(subject session.Subject, slides []session.Slide) string {
	var b strings.Builder
	if subject.Name != "" {
		fmt.Fprintf(&b, "Student: %s\n", subject.Name)
	}
	fmt.Fprintf(&b, "The deck has %d slides.\n", len(slides))
	if len(slides) > 0 {
		fmt.Fprintf(&b, "First slide:\n%s\n", truncate(slides[0].Content, maxSlideChars))
	}
	return b.String()
}

func turnPrompt(slides []session.Slide, slideIndex int, slideRef string, transcript []session.TranscriptEntry) string {
	var b strings.Builder
	if slideIndex >= 0 && slideIndex < len(slides) {
		fmt.Fprintf(&b, "Current slide %d of %d:\n%s\n", slideIndex+1, len(slides), truncate(slides[slideIndex].Content, maxSlideChars))
	}
	if slideRef != "" {
		fmt.Fprintf(&b, "Slide image reference: %s\n", slideRef)
	}
	recent := transcript
	if len(recent) > maxContextEntries {
		recent = recent[len(recent)-maxContextEntries:]
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "%s: %s\n", e.Speaker, e.Text)
		}
	}
	b.WriteString("The attached audio is the student's next segment.")
	return b.String()
}

func scoringPrompt(subject session.Subject, slides []session.Slide, transcript []session.TranscriptEntry, partial map[string]float64, categories []rubric.Category) string {
	var b strings.Builder
	b.WriteString("Categories:\n")
	for _, c := range categories {
		fmt.Fprintf(&b, "- %s (%g points)", c.Name, c.Max)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
	}
	if len(partial) > 0 {
		b.WriteString("Live partial scores observed during the talk:\n")
		for _, c := range categories {
			if v, ok := partial[c.Name]; ok {
				fmt.Fprintf(&b, "- %s: %g\n", c.Name, v)
			}
		}
	}
	if subject.Name != "" {
		fmt.Fprintf(&b, "Student: %s\n", subject.Name)
	}
	b.WriteString("Slides:\n")
	for _, s := range slides {
		fmt.Fprintf(&b, "[%d] %s\n", s.Number, truncate(s.Content, maxSlideChars))
	}
	b.WriteString("Transcript:\n")
	for _, e := range transcript {
		fmt.Fprintf(&b, "%s: %s\n", e.Speaker, e.Text)
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
