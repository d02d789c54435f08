package contour

import (
	"sync"

	"github.com/pkg/errors"
)

// CapabilityTag is the semantic discriminator of a registry lookup. The same
// name may be registered under several capabilities; resolution always honors
// the capability asked for.
type CapabilityTag int

const (
	// CapabilityConsumer resolves to a Consumer for a payload schema.
	CapabilityConsumer CapabilityTag = iota
	// CapabilityValidator resolves to a single Validator.
	CapabilityValidator
	// CapabilityValidatorGroup resolves to a ValidatorGroup.
	CapabilityValidatorGroup
	// CapabilityLifecycleHandler resolves to a LifecycleHandler.
	CapabilityLifecycleHandler
	// CapabilityConnectionStringProvider resolves to a ConnectionStringProvider.
	CapabilityConnectionStringProvider
	// CapabilityRouteResolverBuilder resolves to a RouteResolver for dynamic
	// outgoing routing.
	CapabilityRouteResolverBuilder
)

func (c CapabilityTag) String() string {
	switch c {
	case CapabilityConsumer:
		return "consumer"
	case CapabilityValidator:
		return "validator"
	case CapabilityValidatorGroup:
		return "validator-group"
	case CapabilityLifecycleHandler:
		return "lifecycle-handler"
	case CapabilityConnectionStringProvider:
		return "connection-string-provider"
	case CapabilityRouteResolverBuilder:
		return "route-resolver-builder"
	default:
		return "unknown"
	}
}

// Factory produces a component instance. Whether successive calls return the
// same instance (singleton) or distinct instances (transient) is up to the
// factory.
type Factory func() (interface{}, error)

type registryKey struct {
	name       string
	capability CapabilityTag
}

// Registry resolves named component instances for a requested capability. It
// is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[registryKey]Factory),
	}
}

// Register binds a factory to a (name, capability) pair, replacing any
// previous binding.
func (r *Registry) Register(name string, capability CapabilityTag, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[registryKey{name: name, capability: capability}] = factory
}

// RegisterInstance binds a ready-made singleton instance to a
// (name, capability) pair.
func (r *Registry) RegisterInstance(name string, capability CapabilityTag, instance interface{}) {
	r.Register(name, capability, func() (interface{}, error) {
		return instance, nil
	})
}

// Resolve produces the component registered under (name, capability).
func (r *Registry) Resolve(name string, capability CapabilityTag) (interface{}, error) {
	r.mu.RLock()
	factory, ok := r.factories[registryKey{name: name, capability: capability}]
	known := ok || r.nameKnownLocked(name)
	r.mu.RUnlock()

	if !ok {
		cause := ErrUnknownName
		if known {
			cause = ErrCapabilityMismatch
		}
		return nil, &ResolutionError{Name: name, Capability: capability, Err: cause}
	}

	instance, err := factory()
	if err != nil {
		return nil, &ResolutionError{
			Name:       name,
			Capability: capability,
			Err:        errors.Wrap(err, "factory failed"),
		}
	}
	return instance, nil
}

// nameKnownLocked reports whether the name is registered under any
// capability. Caller holds at least the read lock.
func (r *Registry) nameKnownLocked(name string) bool {
	for key := range r.factories {
		if key.name == name {
			return true
		}
	}
	return false
}
