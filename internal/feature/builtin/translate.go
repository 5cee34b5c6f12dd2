package builtin

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/textmux/textmux/internal/feature"
	"github.com/textmux/textmux/internal/request"
)

// Translation is the result of one translate call.
type Translation struct {
	Text           string `json:"translatedText"`
	DetectedSource string `json:"detectedSourceLanguage,omitempty"`
}

// Translate converts text between languages through the translate service,
// which requires an authenticated session.
type Translate struct {
	backend Backend
}

// NewTranslate creates the translate feature.
func NewTranslate(backend Backend) *Translate {
	return &Translate{backend: backend}
}

// Definition returns the registration record for the translate feature.
func (t *Translate) Definition() *feature.Definition {
	return &feature.Definition{
		ID:       "translate",
		Name:     "Translate",
		Category: "lookup",
		Origins:  []string{"https://translation.example.com/*"},
		DefaultSettings: map[string]any{
			"target": "en",
		},
		Activate: func(context.Context, *feature.Instance) error {
			return requireAvailable(t.backend, "translate")
		},
	}
}

// Translate converts text into the target language. Source may be empty to
// let the service detect it.
func (t *Translate) Translate(ctx context.Context, text, source, target string) (*Translation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("translate: empty text")
	}
	if target == "" {
		return nil, fmt.Errorf("translate: target language is required")
	}

	resp, err := t.backend.Do(ctx, "translate", "/translate", request.Options{
		Method: http.MethodPost,
		Body: map[string]any{
			"q":      text,
			"source": source,
			"target": target,
		},
		// Translations of identical input are stable enough to cache.
		Cache: request.CacheOn,
	})
	if err != nil {
		return nil, fmt.Errorf("translate to %s: %w", target, err)
	}

	var result Translation
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("translate to %s: decode response: %w", target, err)
	}
	return &result, nil
}
