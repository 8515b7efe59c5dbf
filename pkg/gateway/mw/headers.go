package mw

import (
	"net/http"
	"strings"
)

// headerTokens splits every value of a comma separated header into trimmed,
// non-empty tokens.
func headerTokens(h http.Header, name string) []string {
	var tokens []string
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				tokens = append(tokens, part)
			}
		}
	}
	return tokens
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	for _, tok := range headerTokens(r.Header, "Connection") {
		if strings.EqualFold(tok, "upgrade") {
			return true
		}
	}
	return false
}
