package builtin

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/textmux/textmux/internal/feature"
	"github.com/textmux/textmux/internal/request"
	"github.com/textmux/textmux/internal/service"
)

// Backend is the slice of the api manager the remote features depend on.
type Backend interface {
	CheckAvailability(id string) service.Availability
	Do(ctx context.Context, id, path string, opts request.Options) (*request.Response, error)
}

// Entry is one dictionary result for a word.
type Entry struct {
	Word     string    `json:"word"`
	Phonetic string    `json:"phonetic"`
	Meanings []Meaning `json:"meanings"`
}

// Meaning groups definitions under a part of speech.
type Meaning struct {
	PartOfSpeech string `json:"partOfSpeech"`
	Definitions  []struct {
		Definition string `json:"definition"`
		Example    string `json:"example,omitempty"`
	} `json:"definitions"`
}

// Dictionary looks up word definitions through the dictionary service.
type Dictionary struct {
	backend Backend
}

// NewDictionary creates the dictionary feature.
func NewDictionary(backend Backend) *Dictionary {
	return &Dictionary{backend: backend}
}

// Definition returns the registration record for the dictionary feature.
func (d *Dictionary) Definition() *feature.Definition {
	return &feature.Definition{
		ID:             "dictionary",
		Name:           "Dictionary",
		Category:       "lookup",
		DefaultEnabled: true,
		Origins:        []string{"https://api.dictionaryapi.dev/*"},
		DefaultSettings: map[string]any{
			"language": "en",
		},
		Activate: func(context.Context, *feature.Instance) error {
			return requireAvailable(d.backend, "dictionary")
		},
	}
}

// Lookup fetches the dictionary entries for word. Results are cached by the
// request layer, so repeated lookups of the same word are free.
func (d *Dictionary) Lookup(ctx context.Context, lang, word string) ([]Entry, error) {
	word = strings.TrimSpace(word)
	if word == "" {
		return nil, fmt.Errorf("lookup: empty word")
	}
	if lang == "" {
		lang = "en"
	}

	path := "/entries/" + url.PathEscape(lang) + "/" + url.PathEscape(word)
	resp, err := d.backend.Do(ctx, "dictionary", path, request.Options{})
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", word, err)
	}

	var entries []Entry
	if err := resp.Decode(&entries); err != nil {
		return nil, fmt.Errorf("lookup %q: decode response: %w", word, err)
	}
	return entries, nil
}

// requireAvailable fails activation when the backing service cannot take
// requests right now.
func requireAvailable(backend Backend, id string) error {
	av := backend.CheckAvailability(id)
	if !av.Available {
		return fmt.Errorf("service %s unavailable: %s", id, av.Reason)
	}
	return nil
}
