// Package feature provides the declarative feature catalog and the lifecycle
// manager that transitions features between inactive and active, honoring
// dependencies, conflicts, and permission grants.
//
// Activation requests are serialized through a single in-process worker so at
// most one feature's permission-prompt/hook sequence runs at a time; callers
// racing to activate the same id join one shared outcome.
package feature

import (
	"context"
)

// Permissions names a set of browser permission grants plus host origins.
type Permissions struct {
	Permissions []string
	Origins     []string
}

// Empty reports whether the set names no grants at all.
func (p Permissions) Empty() bool {
	return len(p.Permissions) == 0 && len(p.Origins) == 0
}

// Intersects reports whether the two sets share any permission or origin.
func (p Permissions) Intersects(other Permissions) bool {
	for _, a := range p.Permissions {
		for _, b := range other.Permissions {
			if a == b {
				return true
			}
		}
	}
	for _, a := range p.Origins {
		for _, b := range other.Origins {
			if a == b {
				return true
			}
		}
	}
	return false
}

// Broker answers whether a permission set is held and requests grants
// interactively. Request may prompt the user and resolves false on denial.
type Broker interface {
	Contains(ctx context.Context, p Permissions) (bool, error)
	Request(ctx context.Context, p Permissions) (bool, error)
}

// Hook is a user-supplied lifecycle function invoked with the feature's
// constructed instance.
type Hook func(ctx context.Context, inst *Instance) error

// Definition is the static registration record for one feature.
type Definition struct {
	ID       string
	Name     string
	Category string

	// RequiredPermissions must already be granted; activation never prompts
	// for them. OptionalPermissions and Origins are requested interactively
	// when missing.
	RequiredPermissions []string
	OptionalPermissions []string
	Origins             []string

	Dependencies []string
	Conflicts    []string

	DefaultEnabled  bool
	DefaultSettings map[string]any

	Activate   Hook
	Deactivate Hook
}

// Instance is the live runtime object for an activated feature.
// It is created on activation and discarded on deactivation; a feature id
// maps to at most one live instance.
type Instance struct {
	ID         string
	Definition *Definition

	// Settings is the definition's defaults merged under persisted overrides
	// (persisted values win).
	Settings map[string]any
}

// Setting returns a resolved setting value, or def when absent.
func (i *Instance) Setting(key string, def any) any {
	if v, ok := i.Settings[key]; ok {
		return v
	}
	return def
}
