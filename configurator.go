package contour

import (
	"log/slog"

	"github.com/pkg/errors"
)

// Configurator materializes a declarative endpoint tree into an imperative
// bus configuration: it walks the declared endpoints and emits calls on a
// BusBuilder, resolving late-bound components (consumers, validators,
// lifecycle handlers, connection-string providers) from the registry.
//
// The configurator owns nothing at runtime: it writes into the builder and
// exits.
type Configurator struct {
	cfg      *Config
	registry *Registry
	schemas  *SchemaRegistry
}

// NewConfigurator builds a configurator over a populated configuration tree.
// A nil schema registry means every declared payload type fails to resolve.
func NewConfigurator(cfg *Config, registry *Registry, schemas *SchemaRegistry) *Configurator {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &Configurator{cfg: cfg, registry: registry, schemas: schemas}
}

// Configure wires the named endpoint into the builder. Errors pinpoint the
// offending endpoint and route key.
func (c *Configurator) Configure(endpointName string, b *BusBuilder) error {
	decl := c.cfg.Endpoint(endpointName)
	if decl == nil {
		return configError(endpointName, "", "endpoint is not declared in the configuration")
	}

	eb := b.Endpoint(endpointName)

	endpointReuse := b.DefaultReuseConnection
	if decl.ReuseConnection != nil {
		endpointReuse = *decl.ReuseConnection
	}

	eb.SetFaultQueuePolicy(FaultQueuePolicy{
		TTL:   stdDuration(decl.FaultQueueTTL),
		Limit: decl.FaultQueueLimit,
	})

	if decl.LifecycleHandler != "" {
		handler, err := c.resolveLifecycleHandler(decl.LifecycleHandler)
		if err != nil {
			return &ConfigurationError{Endpoint: endpointName, Err: err}
		}
		eb.SetLifecycleHandler(handler)
	}

	var provider ConnectionStringProvider
	if decl.ConnectionStringProvider != "" {
		p, err := c.resolveConnectionStringProvider(decl.ConnectionStringProvider)
		if err != nil {
			return &ConfigurationError{Endpoint: endpointName, Err: err}
		}
		provider = p
	}

	if decl.Dynamic.Outgoing != nil && *decl.Dynamic.Outgoing {
		eb.UseDynamicRouting(&dynamicRouteResolver{
			connectionString: decl.ConnectionString,
			reuseConnection:  endpointReuse,
			provider:         provider,
		})
	}

	for _, ref := range decl.Validators {
		v, err := c.resolveValidatorRef(ref)
		if err != nil {
			return &ConfigurationError{Endpoint: endpointName, Err: err}
		}
		eb.RegisterValidator(v)
	}

	for i := range decl.Outgoing {
		if err := c.configureOutgoing(eb, decl, &decl.Outgoing[i], provider, endpointReuse); err != nil {
			return err
		}
	}

	for i := range decl.Incoming {
		if err := c.configureIncoming(eb, decl, &decl.Incoming[i], provider, endpointReuse); err != nil {
			return err
		}
	}

	slog.Debug("endpoint configured",
		"endpoint", endpointName,
		"outgoing", len(decl.Outgoing),
		"incoming", len(decl.Incoming))

	return nil
}

// ConfigureAll wires every declared endpoint into the builder, in
// declaration order.
func (c *Configurator) ConfigureAll(b *BusBuilder) error {
	for i := range c.cfg.Endpoints {
		if err := c.Configure(c.cfg.Endpoints[i].Name, b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Configurator) configureOutgoing(eb *EndpointBuilder, decl *EndpointConfig, route *OutgoingConfig, provider ConnectionStringProvider, endpointReuse bool) error {
	if route.Key == "" || route.Label == "" {
		return configError(decl.Name, route.Key, "outgoing route needs both a key and a label")
	}

	label := NewLabel(route.Label)

	reuse := endpointReuse
	if route.ReuseConnection != nil {
		reuse = *route.ReuseConnection
	}

	eb.AddOutgoing(&OutgoingRoute{
		Key:              route.Key,
		Label:            label,
		Confirm:          route.Confirm,
		Persist:          route.Persist,
		TTL:              stdDuration(route.TTL),
		CallbackDefault:  route.CallbackEndpoint.Default,
		Timeout:          stdDuration(route.Timeout),
		ConnectionString: effectiveConnectionString(provider, label, route.ConnectionString, decl.ConnectionString),
		ReuseConnection:  reuse,
	})

	return nil
}

func (c *Configurator) configureIncoming(eb *EndpointBuilder, decl *EndpointConfig, route *IncomingConfig, provider ConnectionStringProvider, endpointReuse bool) error {
	if route.Key == "" || route.Label == "" {
		return configError(decl.Name, route.Key, "incoming route needs both a key and a label")
	}
	if route.React == "" {
		return configError(decl.Name, route.Key, "incoming route declares no consumer")
	}

	label := NewLabel(route.Label)

	schema, err := c.schemas.Resolve(route.Type)
	if err != nil {
		return &ConfigurationError{Endpoint: decl.Name, RouteKey: route.Key, Err: err}
	}

	consumer, err := c.buildConsumer(route)
	if err != nil {
		return &ConfigurationError{Endpoint: decl.Name, RouteKey: route.Key, Err: err}
	}

	var validator Validator
	if route.Validate != "" {
		validator, err = c.resolveValidator(route.Validate)
		if err != nil {
			return &ConfigurationError{Endpoint: decl.Name, RouteKey: route.Key, Err: err}
		}
	}

	reuse := endpointReuse
	if route.ReuseConnection != nil {
		reuse = *route.ReuseConnection
	}

	cs := effectiveConnectionString(provider, label, route.ConnectionString, decl.ConnectionString)
	urls := parseURLs(cs)
	if len(urls) == 0 {
		return configError(decl.Name, route.Key, "no broker URL in effective connection string")
	}

	opts := ReceiverOptions{
		Endpoint:            decl.Name,
		QueueName:           label.String(),
		ConnectionURLs:      urls,
		ReuseConnection:     reuse,
		ParallelismLevel:    effectiveParallelism(route.ParallelismLevel, decl.ParallelismLevel),
		PrefetchCount:       effectivePrefetchCount(route.QoS, decl.QoS),
		PrefetchSize:        effectivePrefetchSize(route.QoS, decl.QoS),
		RequiresAccept:      route.RequiresAccept,
		OnFailure:           DeliveryRequeue,
		ExcludedHeaders:     decl.ExcludedHeaders,
		PayloadSchema:       schema,
		QueueLimit:          firstUint(route.QueueLimit, decl.QueueLimit),
		QueueMaxLengthBytes: firstUint(route.QueueMaxLengthBytes, decl.QueueMaxLengthBytes),
	}

	eb.AddIncoming(route.Key, label, opts, consumer, validator)

	return nil
}

// buildConsumer resolves the route's consumer factory from the registry and
// wraps it according to the declared lifestyle.
func (c *Configurator) buildConsumer(route *IncomingConfig) (Consumer, error) {
	factory := func() (Consumer, error) {
		instance, err := c.registry.Resolve(route.React, CapabilityConsumer)
		if err != nil {
			return nil, err
		}
		consumer, ok := instance.(Consumer)
		if !ok {
			return nil, &ResolutionError{
				Name:       route.React,
				Capability: CapabilityConsumer,
				Err:        errors.Wrapf(ErrCapabilityMismatch, "instance %T is not a consumer", instance),
			}
		}
		return consumer, nil
	}

	lifestyle := route.Lifestyle
	if lifestyle == "" {
		lifestyle = LifestyleNormal
	}

	switch lifestyle {
	case LifestyleNormal:
		return factory()
	case LifestyleLazy:
		return newLazyConsumer(factory), nil
	case LifestyleDelegated:
		return newDelegatedConsumer(factory), nil
	default:
		return nil, errors.Errorf("unsupported lifestyle %q", lifestyle)
	}
}

func (c *Configurator) resolveValidator(name string) (Validator, error) {
	instance, err := c.registry.Resolve(name, CapabilityValidator)
	if err != nil {
		return nil, err
	}
	v, ok := instance.(Validator)
	if !ok {
		return nil, &ResolutionError{
			Name:       name,
			Capability: CapabilityValidator,
			Err:        errors.Wrapf(ErrCapabilityMismatch, "instance %T is not a validator", instance),
		}
	}
	return v, nil
}

func (c *Configurator) resolveValidatorRef(ref ValidatorRef) (Validator, error) {
	if !ref.IsGroup {
		return c.resolveValidator(ref.Name)
	}

	instance, err := c.registry.Resolve(ref.Name, CapabilityValidatorGroup)
	if err != nil {
		return nil, err
	}
	group, ok := instance.(ValidatorGroup)
	if !ok {
		return nil, &ResolutionError{
			Name:       ref.Name,
			Capability: CapabilityValidatorGroup,
			Err:        errors.Wrapf(ErrCapabilityMismatch, "instance %T is not a validator group", instance),
		}
	}
	return group, nil
}

func (c *Configurator) resolveLifecycleHandler(name string) (LifecycleHandler, error) {
	instance, err := c.registry.Resolve(name, CapabilityLifecycleHandler)
	if err != nil {
		return nil, err
	}
	h, ok := instance.(LifecycleHandler)
	if !ok {
		return nil, &ResolutionError{
			Name:       name,
			Capability: CapabilityLifecycleHandler,
			Err:        errors.Wrapf(ErrCapabilityMismatch, "instance %T is not a lifecycle handler", instance),
		}
	}
	return h, nil
}

func (c *Configurator) resolveConnectionStringProvider(name string) (ConnectionStringProvider, error) {
	instance, err := c.registry.Resolve(name, CapabilityConnectionStringProvider)
	if err != nil {
		return nil, err
	}
	p, ok := instance.(ConnectionStringProvider)
	if !ok {
		return nil, &ResolutionError{
			Name:       name,
			Capability: CapabilityConnectionStringProvider,
			Err:        errors.Wrapf(ErrCapabilityMismatch, "instance %T is not a connection string provider", instance),
		}
	}
	return p, nil
}

// effectiveConnectionString applies the precedence
// provider(label) > route > endpoint.
func effectiveConnectionString(provider ConnectionStringProvider, label MessageLabel, routeCS, endpointCS string) string {
	if provider != nil {
		if cs, ok := provider.ConnectionString(label); ok && cs != "" {
			return cs
		}
	}
	if routeCS != "" {
		return routeCS
	}
	return endpointCS
}

// effectivePrefetchCount applies the per-field precedence
// route.qos > endpoint.qos > DefaultPrefetchCount.
func effectivePrefetchCount(route, endpoint *QoSConfig) int {
	if route != nil && route.PrefetchCount != nil {
		return int(*route.PrefetchCount)
	}
	if endpoint != nil && endpoint.PrefetchCount != nil {
		return int(*endpoint.PrefetchCount)
	}
	return DefaultPrefetchCount
}

// effectivePrefetchSize applies the per-field precedence
// route.qos > endpoint.qos > DefaultPrefetchSize.
func effectivePrefetchSize(route, endpoint *QoSConfig) int {
	if route != nil && route.PrefetchSize != nil {
		return int(*route.PrefetchSize)
	}
	if endpoint != nil && endpoint.PrefetchSize != nil {
		return int(*endpoint.PrefetchSize)
	}
	return DefaultPrefetchSize
}

func effectiveParallelism(route, endpoint *uint) int {
	if route != nil {
		return int(*route)
	}
	if endpoint != nil {
		return int(*endpoint)
	}
	return DefaultParallelism
}

func firstUint(values ...*uint) *uint {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// dynamicRouteResolver resolves an outgoing route at publish time from the
// label of the message being published. It backs the catch-all Any route of
// endpoints with dynamic outgoing routing enabled.
type dynamicRouteResolver struct {
	connectionString string
	reuseConnection  bool
	provider         ConnectionStringProvider
}

func (r *dynamicRouteResolver) Resolve(label MessageLabel) (*OutgoingRoute, error) {
	if label.IsEmpty() || label.IsAny() {
		return nil, errors.Wrapf(ErrNotFound, "dynamic routing needs a concrete label, got %q", label)
	}
	return &OutgoingRoute{
		Key:              label.String(),
		Label:            label,
		Persist:          true,
		ConnectionString: effectiveConnectionString(r.provider, label, "", r.connectionString),
		ReuseConnection:  r.reuseConnection,
	}, nil
}
