package contour

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrShutdown will be returned if the bus or the pool is used after
	// Stop() or Close().
	ErrShutdown = errors.New("client is shutdown")

	// ErrBrokerUnreachable is returned when no broker could be dialed for a
	// requested URL.
	ErrBrokerUnreachable = errors.New("broker unreachable")

	// ErrCanceled is returned when a pending pool request or a listener
	// start observed a cancellation.
	ErrCanceled = errors.New("operation canceled")

	// ErrNotFound is returned by the bus lookup APIs when an endpoint or a
	// route key is missing.
	ErrNotFound = errors.New("not found")

	// ErrUnknownName is returned by the registry when no component is
	// registered under the requested name.
	ErrUnknownName = errors.New("unknown component name")

	// ErrCapabilityMismatch is returned by the registry when the requested
	// name exists but under a different capability.
	ErrCapabilityMismatch = errors.New("component capability mismatch")
)

// ConfigurationError is raised while materializing a declarative endpoint
// tree; it pinpoints the offending endpoint and, when applicable, the route
// key. Compatibility violations between co-located listeners use it as well.
type ConfigurationError struct {
	Endpoint string
	RouteKey string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.RouteKey != "" {
		return fmt.Sprintf("endpoint %q, route %q: %v", e.Endpoint, e.RouteKey, e.Err)
	}
	return fmt.Sprintf("endpoint %q: %v", e.Endpoint, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configError(endpoint, routeKey, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{
		Endpoint: endpoint,
		RouteKey: routeKey,
		Err:      errors.Errorf(format, args...),
	}
}

// ResolutionError is raised when the dependency registry cannot satisfy a
// (name, capability) lookup.
type ResolutionError struct {
	Name       string
	Capability CapabilityTag
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unable to resolve %q as %s: %v", e.Name, e.Capability, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
