package contour

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Consumer handles messages dispatched by a listener.
type Consumer interface {
	Handle(ctx context.Context, m *Message) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, m *Message) error

func (f ConsumerFunc) Handle(ctx context.Context, m *Message) error {
	return f(ctx, m)
}

// ConsumerFactory produces a consumer instance. How often it runs is decided
// by the route's lifestyle.
type ConsumerFactory func() (Consumer, error)

// Lifestyle is the instantiation policy of a consumer declared on an
// incoming route.
type Lifestyle string

const (
	// LifestyleNormal invokes the factory once, at registration time.
	LifestyleNormal Lifestyle = "Normal"
	// LifestyleLazy invokes the factory on the first message and memoizes
	// the result.
	LifestyleLazy Lifestyle = "Lazy"
	// LifestyleDelegated invokes the factory for every message.
	LifestyleDelegated Lifestyle = "Delegated"
)

// lazyConsumer defers factory invocation until the first message, then
// memoizes the produced consumer (and any construction error).
type lazyConsumer struct {
	factory ConsumerFactory

	once     sync.Once
	consumer Consumer
	err      error
}

func newLazyConsumer(factory ConsumerFactory) *lazyConsumer {
	return &lazyConsumer{factory: factory}
}

func (l *lazyConsumer) Handle(ctx context.Context, m *Message) error {
	l.once.Do(func() {
		l.consumer, l.err = l.factory()
	})
	if l.err != nil {
		return errors.Wrap(l.err, "lazy consumer construction failed")
	}
	return l.consumer.Handle(ctx, m)
}

// delegatedConsumer invokes the factory for each message, handing every
// delivery to a fresh instance.
type delegatedConsumer struct {
	factory ConsumerFactory
}

func newDelegatedConsumer(factory ConsumerFactory) *delegatedConsumer {
	return &delegatedConsumer{factory: factory}
}

func (d *delegatedConsumer) Handle(ctx context.Context, m *Message) error {
	consumer, err := d.factory()
	if err != nil {
		return errors.Wrap(err, "delegated consumer construction failed")
	}
	return consumer.Handle(ctx, m)
}

// LifecycleHandler is notified when the endpoint it is declared on starts and
// stops.
type LifecycleHandler interface {
	OnStarted(ctx context.Context)
	OnStopped(ctx context.Context)
}

// ConnectionStringProvider supplies a per-label connection string. It takes
// precedence over both the route's and the endpoint's connection strings.
type ConnectionStringProvider interface {
	ConnectionString(label MessageLabel) (string, bool)
}

// ConnectionStringProviderFunc adapts a function to the
// ConnectionStringProvider interface.
type ConnectionStringProviderFunc func(label MessageLabel) (string, bool)

func (f ConnectionStringProviderFunc) ConnectionString(label MessageLabel) (string, bool) {
	return f(label)
}
