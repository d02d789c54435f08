package contour

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// OutgoingRoute is the runtime form of a declared outgoing route, with all
// precedence rules already applied.
type OutgoingRoute struct {
	Key              string
	Label            MessageLabel
	Confirm          bool
	Persist          bool
	TTL              *time.Duration
	CallbackDefault  bool
	Timeout          *time.Duration
	ConnectionString string
	ReuseConnection  bool
}

// RequestConfig is the request/reply subset of an outgoing route.
type RequestConfig struct {
	Timeout *time.Duration
	Persist bool
	TTL     *time.Duration
}

// RouteResolver picks an outgoing route at publish time. It backs dynamic
// outgoing routing, where the destination is derived from the label of the
// message being published.
type RouteResolver interface {
	Resolve(label MessageLabel) (*OutgoingRoute, error)
}

// FaultQueuePolicy is the endpoint's policy for its fault queue, applied by
// topology declaration.
type FaultQueuePolicy struct {
	TTL   *time.Duration
	Limit *uint
}

// incomingRoute is the lookup record the bus keeps per subscription.
type incomingRoute struct {
	key      string
	label    MessageLabel
	receiver *Receiver
}

// Endpoint is the runtime aggregate of one configured endpoint: its producer
// routes, its receivers and its lifecycle handler.
type Endpoint struct {
	Name string

	outgoing   []*OutgoingRoute
	incoming   []incomingRoute
	resolver   RouteResolver
	lifecycle  LifecycleHandler
	validators []Validator
	faultQueue FaultQueuePolicy
}

// FaultQueue returns the endpoint's fault queue policy.
func (e *Endpoint) FaultQueue() FaultQueuePolicy {
	return e.faultQueue
}

// Validators returns the validators attached to the endpoint.
func (e *Endpoint) Validators() []Validator {
	return e.validators
}

// Outgoing returns the endpoint's producer routes.
func (e *Endpoint) Outgoing() []*OutgoingRoute {
	return e.outgoing
}

// Receivers returns the endpoint's receivers, one per incoming route.
func (e *Endpoint) Receivers() []*Receiver {
	out := make([]*Receiver, 0, len(e.incoming))
	for _, in := range e.incoming {
		out = append(out, in.receiver)
	}
	return out
}

// ResolveRoute finds the outgoing route for a label: explicit routes first,
// then the dynamic resolver if the endpoint has one.
func (e *Endpoint) ResolveRoute(label MessageLabel) (*OutgoingRoute, error) {
	for _, route := range e.outgoing {
		if route.Label == label {
			return route, nil
		}
	}
	if e.resolver != nil {
		return e.resolver.Resolve(label)
	}
	return nil, errors.Wrapf(ErrNotFound, "no route for label %q on endpoint %q", label, e.Name)
}

// Bus binds configured endpoints to receivers and producer routes and exposes
// the start/stop and lookup APIs.
type Bus struct {
	pool   *ConnectionPool
	names  []string // endpoint enumeration order
	byName map[string]*Endpoint

	started bool
}

// GetEvent returns the label of the route registered under key on the named
// endpoint, searching outgoing routes first, then incoming ones.
func (b *Bus) GetEvent(endpointName, key string) (MessageLabel, error) {
	e, ok := b.byName[endpointName]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "endpoint %q", endpointName)
	}
	for _, route := range e.outgoing {
		if route.Key == key {
			return route.Label, nil
		}
	}
	for _, in := range e.incoming {
		if in.key == key {
			return in.label, nil
		}
	}
	return "", errors.Wrapf(ErrNotFound, "key %q on endpoint %q", key, endpointName)
}

// GetRequestConfig returns the request options of the outgoing route
// registered under key on the named endpoint.
func (b *Bus) GetRequestConfig(endpointName, key string) (RequestConfig, error) {
	e, ok := b.byName[endpointName]
	if !ok {
		return RequestConfig{}, errors.Wrapf(ErrNotFound, "endpoint %q", endpointName)
	}
	for _, route := range e.outgoing {
		if route.Key == key {
			return RequestConfig{
				Timeout: route.Timeout,
				Persist: route.Persist,
				TTL:     route.TTL,
			}, nil
		}
	}
	return RequestConfig{}, errors.Wrapf(ErrNotFound, "key %q on endpoint %q", key, endpointName)
}

// Endpoints enumerates the configured endpoint names, in configuration order.
func (b *Bus) Endpoints() []string {
	out := make([]string, len(b.names))
	copy(out, b.names)
	return out
}

// Endpoint returns the runtime endpoint with the given name, or nil.
func (b *Bus) Endpoint(name string) *Endpoint {
	return b.byName[name]
}

// CanHandle reports whether any receiver of any endpoint can receive the
// label.
func (b *Bus) CanHandle(label MessageLabel) bool {
	for _, name := range b.names {
		for _, in := range b.byName[name].incoming {
			if in.receiver.CanReceive(label) {
				return true
			}
		}
	}
	return false
}

// Start builds and starts every receiver and notifies lifecycle handlers.
// Listeners of distinct subscriptions that land on the same (URL, queue) must
// be option-compatible; a mismatch aborts the start.
func (b *Bus) Start(ctx context.Context) error {
	if b.started {
		return nil
	}

	for _, name := range b.names {
		for _, in := range b.byName[name].incoming {
			if err := in.receiver.Build(ctx); err != nil {
				return errors.Wrapf(err, "unable to build receiver for %q", in.label)
			}
		}
	}

	if err := b.checkColocated(); err != nil {
		return err
	}

	for _, name := range b.names {
		for _, in := range b.byName[name].incoming {
			if err := in.receiver.Start(ctx); err != nil {
				return errors.Wrapf(err, "unable to start receiver for %q", in.label)
			}
		}
	}

	for _, name := range b.names {
		if h := b.byName[name].lifecycle; h != nil {
			h.OnStarted(ctx)
		}
	}

	b.started = true
	slog.Info("bus started", "endpoints", len(b.names))
	return nil
}

// checkColocated cross-checks listeners of different receivers that share a
// (URL, queue) pair.
func (b *Bus) checkColocated() error {
	var receivers []*Receiver
	for _, name := range b.names {
		receivers = append(receivers, b.byName[name].Receivers()...)
	}

	for i, r := range receivers {
		for _, other := range receivers[i+1:] {
			for _, l := range other.Listeners() {
				if r.GetListener(func(own *Listener) bool {
					return own.BrokerURL == l.BrokerURL && own.QueueName == l.QueueName
				}) == nil {
					continue
				}
				if err := r.CheckIfCompatible(l); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Stop stops every receiver and notifies lifecycle handlers. Stop is
// best-effort and idempotent.
func (b *Bus) Stop() error {
	ctx := context.Background()

	for _, name := range b.names {
		for _, in := range b.byName[name].incoming {
			if err := in.receiver.Shutdown(); err != nil {
				slog.Warn("error stopping receiver", "label", in.label, "error", err)
			}
		}
		if h := b.byName[name].lifecycle; h != nil {
			h.OnStopped(ctx)
		}
	}

	b.started = false
	slog.Info("bus stopped")
	return nil
}

// Close stops the bus and shuts the connection pool down.
func (b *Bus) Close() error {
	if err := b.Stop(); err != nil {
		return err
	}
	return b.pool.Close()
}

// BusBuilder accumulates the imperative configuration the configurator emits
// while walking a declarative endpoint tree.
type BusBuilder struct {
	pool *ConnectionPool

	// DefaultReuseConnection is inherited by endpoints and routes whose
	// reuseConnection is absent.
	DefaultReuseConnection bool

	names  []string
	byName map[string]*EndpointBuilder
}

// NewBusBuilder returns a builder over the given pool; a nil pool gets the
// default AMQP dialer.
func NewBusBuilder(pool *ConnectionPool) *BusBuilder {
	if pool == nil {
		pool = NewConnectionPool(nil)
	}
	return &BusBuilder{
		pool:   pool,
		byName: make(map[string]*EndpointBuilder),
	}
}

// Pool returns the builder's connection pool.
func (b *BusBuilder) Pool() *ConnectionPool {
	return b.pool
}

// Endpoint returns the builder for the named endpoint, creating it on first
// use.
func (b *BusBuilder) Endpoint(name string) *EndpointBuilder {
	if eb, ok := b.byName[name]; ok {
		return eb
	}
	eb := &EndpointBuilder{name: name, pool: b.pool}
	b.names = append(b.names, name)
	b.byName[name] = eb
	return eb
}

// Build assembles the bus from everything the configurator has emitted.
func (b *BusBuilder) Build() (*Bus, error) {
	bus := &Bus{
		pool:   b.pool,
		byName: make(map[string]*Endpoint),
	}
	for _, name := range b.names {
		eb := b.byName[name]
		bus.names = append(bus.names, name)
		bus.byName[name] = eb.build()
	}
	return bus, nil
}

// EndpointBuilder accumulates one endpoint's configuration.
type EndpointBuilder struct {
	name string
	pool *ConnectionPool

	outgoing   []*OutgoingRoute
	incoming   []incomingRoute
	resolver   RouteResolver
	lifecycle  LifecycleHandler
	validators []Validator
	faultQueue FaultQueuePolicy
}

// SetFaultQueuePolicy records the endpoint's fault queue TTL and length
// limit.
func (e *EndpointBuilder) SetFaultQueuePolicy(p FaultQueuePolicy) {
	e.faultQueue = p
}

// SetLifecycleHandler attaches the endpoint's lifecycle handler.
func (e *EndpointBuilder) SetLifecycleHandler(h LifecycleHandler) {
	e.lifecycle = h
}

// UseDynamicRouting registers the publish-time resolver backing the Any
// route.
func (e *EndpointBuilder) UseDynamicRouting(resolver RouteResolver) {
	e.resolver = resolver
}

// RegisterValidator attaches a validator (or group) to the endpoint.
func (e *EndpointBuilder) RegisterValidator(v Validator) {
	e.validators = append(e.validators, v)
}

// AddOutgoing appends a fully-resolved producer route.
func (e *EndpointBuilder) AddOutgoing(route *OutgoingRoute) {
	e.outgoing = append(e.outgoing, route)
}

// AddIncoming creates a receiver for a subscription and binds the consumer
// to its label.
func (e *EndpointBuilder) AddIncoming(key string, label MessageLabel, opts ReceiverOptions, consumer Consumer, validator Validator) *Receiver {
	r := NewReceiver(label, opts, e.pool)
	r.RegisterConsumer(label, consumer, validator)
	e.incoming = append(e.incoming, incomingRoute{key: key, label: label, receiver: r})
	return r
}

func (e *EndpointBuilder) build() *Endpoint {
	return &Endpoint{
		Name:       e.name,
		outgoing:   e.outgoing,
		incoming:   e.incoming,
		resolver:   e.resolver,
		lifecycle:  e.lifecycle,
		validators: e.validators,
		faultQueue: e.faultQueue,
	}
}
