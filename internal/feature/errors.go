package feature

import "errors"

// Common feature lifecycle errors.
var (
	// ErrUnknownFeature is returned when a feature id is not registered.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrDuplicateFeature is returned when a feature id is already registered.
	ErrDuplicateFeature = errors.New("duplicate feature id")

	// ErrInvalidDefinition is returned when a definition is missing id, name, or category.
	ErrInvalidDefinition = errors.New("invalid feature definition")

	// ErrDependencyCycle is returned when a feature's dependency chain loops back on itself.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrConflictActive is returned when a declared conflicting feature is currently active.
	ErrConflictActive = errors.New("conflicting feature active")

	// ErrPermissionRequired is returned when a mandatory permission is not already granted.
	ErrPermissionRequired = errors.New("required permission not granted")

	// ErrPermissionDenied is returned when the user declines an interactive grant request.
	ErrPermissionDenied = errors.New("permission request denied")

	// ErrHookFailed is returned when a feature's activation hook errors.
	ErrHookFailed = errors.New("activation hook failed")

	// ErrManagerClosed is returned when operations are attempted on a closed manager.
	ErrManagerClosed = errors.New("feature manager is closed")
)
