package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*", "anything.at.all", true},
		{"features.enabled", "features.enabled", true},
		{"features", "features.enabled", true},
		{"features", "features.dictionary.settings.lang", true},
		{"features.enabled", "features", false},
		{"feat", "features.enabled", false},
		{"api", "features.enabled", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(tt.pattern, tt.path))
		})
	}
}

func TestMemStore_GetSetDefaults(t *testing.T) {
	s := NewMemStore()

	assert.Equal(t, "fallback", s.Get("api.dictionary.key", "fallback"))

	_ = s.Set("api.dictionary.key", "k-123", true)
	assert.Equal(t, "k-123", s.Get("api.dictionary.key", "fallback"))

	// Intermediate maps are created on demand.
	_ = s.Set("features.enabled", []any{"casefmt"}, true)
	assert.Equal(t, []any{"casefmt"}, s.Get("features.enabled", nil))
}

func TestMemStore_SubscribeAncestor(t *testing.T) {
	s := NewMemStore()

	var got []Change
	unsub := s.Subscribe("features", func(ch Change) { got = append(got, ch) })

	_ = s.Set("features.enabled", true, true)
	_ = s.Set("api.offline", true, true) // outside the subscription

	assert.Len(t, got, 1)
	assert.Equal(t, "features.enabled", got[0].Path)

	unsub()
	_ = s.Set("features.enabled", false, true)
	assert.Len(t, got, 1)
}

func TestMemStore_PanickingListenerSwallowed(t *testing.T) {
	s := NewMemStore()
	s.Subscribe("*", func(Change) { panic("listener bug") })

	var delivered bool
	s.Subscribe("*", func(Change) { delivered = true })

	assert.NotPanics(t, func() { _ = s.Set("x", 1, false) })
	assert.True(t, delivered)
}

func TestMemStore_GetReturnsDetachedCopy(t *testing.T) {
	s := NewMemStore()
	assert.NoError(t, s.Set("features.fmt.settings", map[string]any{
		"style": "title",
		"tags":  []any{"a", "b"},
	}, false))

	var changes int
	s.Subscribe("features", func(Change) { changes++ })

	got, ok := s.Get("features.fmt.settings", nil).(map[string]any)
	assert.True(t, ok)
	got["style"] = "upper"
	got["tags"].([]any)[0] = "z"

	// Mutating the returned map must not edit store state behind the
	// change notifications.
	again := s.Get("features.fmt.settings", nil).(map[string]any)
	assert.Equal(t, "title", again["style"])
	assert.Equal(t, "a", again["tags"].([]any)[0])
	assert.Zero(t, changes)

	// Interior nodes reached through an ancestor get are detached too.
	parent := s.Get("features", nil).(map[string]any)
	parent["fmt"].(map[string]any)["settings"].(map[string]any)["style"] = "upper"
	assert.Equal(t, "title", s.Get("features.fmt.settings.style", ""))
}
