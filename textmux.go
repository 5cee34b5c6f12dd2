// Package textmux is the embeddable core of a text-utilities browser
// extension: a declarative feature catalog with dependency, conflict, and
// permission handling, wired to a rate-limited, retrying, caching client for
// the remote text services the features consume.
//
// Basic usage:
//
//	client, err := textmux.New(
//	    textmux.WithSettingsFile("settings.yaml"),
//	    textmux.WithPermissionBroker(broker),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Features.Activate(ctx, "dictionary"); err != nil {
//	    log.Fatal(err)
//	}
//	entries, err := client.Builtin.Dictionary.Lookup(ctx, "en", "cache")
package textmux

import (
	"github.com/textmux/textmux/internal/feature"
	"github.com/textmux/textmux/internal/ratelimit"
	"github.com/textmux/textmux/internal/request"
	"github.com/textmux/textmux/internal/service"
	"github.com/textmux/textmux/pkg/apierror"
)

// Version is the current version of textmux.
const Version = "1.0.0"

// Re-export the types callers touch in normal use, so most programs only
// import this package.
type (
	// FeatureDefinition is the static registration record for one feature.
	FeatureDefinition = feature.Definition

	// FeatureInstance is the live runtime object for an activated feature.
	FeatureInstance = feature.Instance

	// Permissions names a set of browser permission grants plus host origins.
	Permissions = feature.Permissions

	// PermissionBroker answers permission queries and prompts for grants.
	PermissionBroker = feature.Broker

	// ServiceConfig describes one remote service.
	ServiceConfig = service.Config

	// UsageStats is the per-service request accounting record.
	UsageStats = service.UsageStats

	// AuthFlow drives an interactive browser authorization.
	AuthFlow = service.AuthFlow

	// RequestOptions controls a single request.
	RequestOptions = request.Options

	// Response is the outcome of a successful request.
	Response = request.Response

	// RateLimits caps a service's request rate and concurrency.
	RateLimits = ratelimit.Limits

	// APIError is the classified failure for a request.
	APIError = apierror.Error
)

// Error kinds, re-exported for classification by callers.
const (
	KindNetwork    = apierror.KindNetwork
	KindTimeout    = apierror.KindTimeout
	KindRateLimit  = apierror.KindRateLimit
	KindAuth       = apierror.KindAuth
	KindPermission = apierror.KindPermission
	KindNotFound   = apierror.KindNotFound
	KindBadRequest = apierror.KindBadRequest
	KindServer     = apierror.KindServer
	KindUnknown    = apierror.KindUnknown
)

// Feature lifecycle errors, re-exported for errors.Is checks.
var (
	ErrUnknownFeature     = feature.ErrUnknownFeature
	ErrDuplicateFeature   = feature.ErrDuplicateFeature
	ErrInvalidDefinition  = feature.ErrInvalidDefinition
	ErrDependencyCycle    = feature.ErrDependencyCycle
	ErrConflictActive     = feature.ErrConflictActive
	ErrPermissionRequired = feature.ErrPermissionRequired
	ErrPermissionDenied   = feature.ErrPermissionDenied
	ErrHookFailed         = feature.ErrHookFailed
)
