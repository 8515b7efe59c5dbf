package gemini

import (
	"log/slog"
	"strings"
)

// Option configures the Provider.
type Option func(*Provider)

// WithModel sets the Gemini model id.
// Default: gemini-2.5-flash
func WithModel(model string) Option {
	return func(p *Provider) {
		if m := strings.TrimSpace(model); m != "" {
			p.model = m
		}
	}
}

// WithTemperature sets the sampling temperature used for scoring and extraction.
// The speech engine samples slightly warmer so follow-up questions vary.
func WithTemperature(t float32) Option {
	return func(p *Provider) {
		p.temperature = t
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}
