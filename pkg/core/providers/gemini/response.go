package gemini

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fenceRe  = regexp.MustCompile("(?is)```(?:json)?\\s*\\n(.*?)```")
	objectRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// decodeJSON parses a model reply into v, tolerating code fences and
// surrounding prose.
func decodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	err := json.Unmarshal([]byte(text), v)
	if err == nil {
		return nil
	}
	if obj := objectRe.FindString(text); obj != "" && obj != text {
		if err2 := json.Unmarshal([]byte(obj), v); err2 == nil {
			return nil
		}
	}
	return &Error{Type: ErrMalformed, Message: "model reply is not valid JSON", cause: err}
}

type turnReply struct {
	Transcript      string   `json:"transcript"`
	Response        string   `json:"response"`
	Continue        *bool    `json:"continue"`
	ContentScore    *float64 `json:"content_score"`
	DeliveryScore   *float64 `json:"delivery_score"`
	EngagementScore *float64 `json:"engagement_score"`
	Question        string   `json:"question"`
}

type openingReply struct {
	Instruction string `json:"instruction"`
}

type scoringReply struct {
	Scores   map[string]float64 `json:"scores"`
	Feedback map[string]string  `json:"feedback"`
}

type pagesReply struct {
	Pages []string `json:"pages"`
}
