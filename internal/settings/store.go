// Package settings provides the persistent key-value settings store: dot-path
// access with defaults, change subscription, and a YAML-file backend with
// external-change reconciliation.
package settings

import (
	"strings"
)

// Change describes one settings mutation delivered to subscribers.
type Change struct {
	Path string
	Old  any
	New  any
}

// Store is the settings surface the core consumes.
type Store interface {
	// Get returns the value at a dot path, or def when absent.
	Get(path string, def any) any

	// Set writes the value at a dot path. When persist is true the write is
	// flushed to the backing medium (possibly debounced); when false it only
	// updates the in-memory copy.
	Set(path string, value any, persist bool) error

	// Subscribe registers fn for changes matching pattern: an exact path, an
	// ancestor path (receives descendants), or "*" for everything. The
	// returned function removes the subscription.
	Subscribe(pattern string, fn func(Change)) (unsubscribe func())
}

// matches reports whether a change path matches a subscription pattern.
func matches(pattern, path string) bool {
	if pattern == "*" || pattern == path {
		return true
	}
	// Ancestor subscription: "features" matches "features.enabled".
	return strings.HasPrefix(path, pattern+".")
}

// splitPath splits a dot path into segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// getPath walks a nested map along the path segments.
func getPath(m map[string]any, segs []string) (any, bool) {
	var cur any = m
	for _, seg := range segs {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// cloneValue deep-copies nested maps and slices so values handed out by Get
// never alias store state. Mutating a returned map must not edit the store
// behind the change-notification machinery.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = cloneValue(child)
		}
		return out
	case []string:
		return append([]string{}, val...)
	default:
		return v
	}
}

// setPath writes a value into a nested map, creating intermediate maps.
// Returns the previous value at the path, if any.
func setPath(m map[string]any, segs []string, value any) any {
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	leaf := segs[len(segs)-1]
	old := cur[leaf]
	cur[leaf] = value
	return old
}

// flatten expands a nested map into dot-path leaves.
func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		out[path] = v
	}
}
