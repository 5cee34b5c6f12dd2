package builtin

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/textmux/textmux/internal/feature"
	"github.com/textmux/textmux/internal/request"
)

// Summary is the result of one summarize call.
type Summary struct {
	Text      string `json:"summary"`
	Sentences int    `json:"sentences"`
}

// Summarize condenses text through the summarize service, which requires a
// configured API key.
type Summarize struct {
	backend Backend
}

// NewSummarize creates the summarize feature.
func NewSummarize(backend Backend) *Summarize {
	return &Summarize{backend: backend}
}

// Definition returns the registration record for the summarize feature.
// It reads selected text, so clipboard access is requested on activation.
func (s *Summarize) Definition() *feature.Definition {
	return &feature.Definition{
		ID:                  "summarize",
		Name:                "Summarize",
		Category:            "lookup",
		OptionalPermissions: []string{"clipboardRead"},
		Origins:             []string{"https://summarize.example.com/*"},
		DefaultSettings: map[string]any{
			"sentences": 3,
		},
		Activate: func(context.Context, *feature.Instance) error {
			return requireAvailable(s.backend, "summarize")
		},
	}
}

// Summarize condenses text down to at most sentences sentences.
func (s *Summarize) Summarize(ctx context.Context, text string, sentences int) (*Summary, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("summarize: empty text")
	}
	if sentences <= 0 {
		sentences = 3
	}

	resp, err := s.backend.Do(ctx, "summarize", "/summaries", request.Options{
		Method: http.MethodPost,
		Body: map[string]any{
			"text":      text,
			"sentences": sentences,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	var result Summary
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("summarize: decode response: %w", err)
	}
	return &result, nil
}
