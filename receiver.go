package contour

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// ReceiverOptions carries the effective, fully-resolved settings of one
// subscription after configuration precedence has been applied.
type ReceiverOptions struct {
	Endpoint  string
	QueueName string

	// ConnectionURLs are the broker URLs of the effective connection string,
	// one listener each.
	ConnectionURLs  []string
	ReuseConnection bool

	ParallelismLevel int
	PrefetchCount    int
	PrefetchSize     int
	RequiresAccept   bool
	OnFailure        FailedDeliveryStrategy

	ExcludedHeaders []string
	PayloadSchema   string

	// Declared queue policies, carried for topology declaration. They are not
	// part of the compatibility check between co-located listeners.
	QueueLimit          *uint
	QueueMaxLengthBytes *uint
}

type registration struct {
	label     MessageLabel
	consumer  Consumer
	validator Validator
}

// Receiver is the per-subscription aggregate of listeners: one per broker URL
// in the subscription's connection string, deduplicated by (URL, queue).
type Receiver struct {
	label MessageLabel
	opts  ReceiverOptions
	pool  *ConnectionPool

	stopEvents chan StopEvent
	quit       chan struct{}

	// onListenerBuilt, when set, runs for every listener appended to the
	// set (not for deduplicated tentative ones).
	onListenerBuilt func(*Listener)

	mu        sync.Mutex // guards Start/Stop/Build transitions
	built     bool
	isStarted bool

	lmu           sync.RWMutex // guards the listener set and registrations
	listeners     []*Listener
	registrations []registration
}

// NewReceiver builds a receiver for a configuration label. Listeners are not
// created until the first CanReceive or Start.
func NewReceiver(label MessageLabel, opts ReceiverOptions, pool *ConnectionPool) *Receiver {
	r := &Receiver{
		label:      label,
		opts:       opts,
		pool:       pool,
		stopEvents: make(chan StopEvent, 16),
		quit:       make(chan struct{}),
	}
	go r.watch()
	return r
}

// OnListenerBuilt installs a hook invoked for every listener appended to the
// set, for callers that declare topology or track subscriptions.
func (r *Receiver) OnListenerBuilt(hook func(*Listener)) {
	r.onListenerBuilt = hook
}

// Label returns the configuration label of the subscription.
func (r *Receiver) Label() MessageLabel {
	return r.label
}

// Options returns the receiver's effective options.
func (r *Receiver) Options() ReceiverOptions {
	return r.opts
}

// IsStarted reports whether the receiver's listeners are consuming.
func (r *Receiver) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isStarted
}

// Build creates the listener set without starting consumption. It is lazy
// and idempotent; Start and CanReceive call it implicitly.
func (r *Receiver) Build(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildLocked(ctx)
}

// CanReceive reports whether any listener supports the label, building the
// listener set if it does not exist yet.
func (r *Receiver) CanReceive(label MessageLabel) bool {
	r.mu.Lock()
	if err := r.buildLocked(context.Background()); err != nil {
		r.mu.Unlock()
		slog.Warn("unable to build listeners", "endpoint", r.opts.Endpoint, "error", err)
		return false
	}
	r.mu.Unlock()

	r.lmu.RLock()
	defer r.lmu.RUnlock()
	for _, l := range r.listeners {
		if l.Supports(label) {
			return true
		}
	}
	return false
}

// RegisterConsumer binds a consumer (and an optional validator) to a label on
// every current listener. The registration is also recorded so a rebuild
// after an unexpected stop re-applies it.
func (r *Receiver) RegisterConsumer(label MessageLabel, consumer Consumer, validator Validator) {
	r.lmu.Lock()
	r.registrations = append(r.registrations, registration{
		label:     label,
		consumer:  consumer,
		validator: validator,
	})
	listeners := make([]*Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.lmu.Unlock()

	for _, l := range listeners {
		l.RegisterConsumer(label, consumer, validator)
	}
}

// GetListener returns the first listener matching the predicate, or nil.
func (r *Receiver) GetListener(predicate func(*Listener) bool) *Listener {
	r.lmu.RLock()
	defer r.lmu.RUnlock()

	for _, l := range r.listeners {
		if predicate(l) {
			return l
		}
	}
	return nil
}

// CheckIfCompatible verifies that a listener can share its (URL, queue) pair
// with the listeners already in the set. Co-located listeners must agree on
// requiresAccept, parallelism, failed-delivery strategy and QoS.
func (r *Receiver) CheckIfCompatible(candidate *Listener) error {
	r.lmu.RLock()
	defer r.lmu.RUnlock()
	return r.checkCompatibleLocked(candidate)
}

func (r *Receiver) checkCompatibleLocked(candidate *Listener) error {
	for _, existing := range r.listeners {
		if existing.BrokerURL != candidate.BrokerURL || existing.QueueName != candidate.QueueName {
			continue
		}
		if err := compatible(existing.Options(), candidate.Options()); err != nil {
			return &ConfigurationError{
				Endpoint: r.opts.Endpoint,
				Err: errors.Wrapf(err,
					"listener on %q for queue %q is incompatible with an existing one",
					candidate.BrokerURL, candidate.QueueName),
			}
		}
	}
	return nil
}

func compatible(a, b ReceiverOptions) error {
	switch {
	case a.RequiresAccept != b.RequiresAccept:
		return errors.Errorf("requiresAccept differs (%v vs %v)", a.RequiresAccept, b.RequiresAccept)
	case a.ParallelismLevel != b.ParallelismLevel:
		return errors.Errorf("parallelismLevel differs (%d vs %d)", a.ParallelismLevel, b.ParallelismLevel)
	case a.OnFailure != b.OnFailure:
		return errors.Errorf("failedDeliveryStrategy differs (%s vs %s)", a.OnFailure, b.OnFailure)
	case a.PrefetchCount != b.PrefetchCount || a.PrefetchSize != b.PrefetchSize:
		return errors.Errorf("qos differs (%d/%d vs %d/%d)",
			a.PrefetchCount, a.PrefetchSize, b.PrefetchCount, b.PrefetchSize)
	}
	return nil
}

// Start builds the listener set if needed and starts consuming on every
// listener. It is idempotent.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isStarted {
		return nil
	}

	select {
	case <-r.quit:
		return errors.Wrapf(ErrShutdown, "receiver for %q", r.label)
	default:
	}

	if err := r.buildLocked(ctx); err != nil {
		return err
	}

	r.lmu.RLock()
	listeners := make([]*Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.lmu.RUnlock()

	for _, l := range listeners {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(ErrCanceled, "listener start on %q: %v", l.BrokerURL, err)
		}
		if err := l.StartConsuming(); err != nil {
			return errors.Wrapf(err, "unable to start listener on %q", l.BrokerURL)
		}
	}

	r.isStarted = true
	return nil
}

// Stop stops and disposes every listener, best-effort: errors are logged and
// swallowed so that the set is always drained.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lmu.Lock()
	listeners := r.listeners
	r.listeners = nil
	r.lmu.Unlock()

	for _, l := range listeners {
		if err := l.StopConsuming(); err != nil {
			slog.Warn("error stopping listener", "url", l.BrokerURL, "queue", l.QueueName, "error", err)
		}
		l.Dispose()
		r.pool.Release(l.Connection())
	}

	r.built = false
	r.isStarted = false
	return nil
}

// Shutdown stops the receiver and its stop-event watcher. The receiver
// cannot be restarted afterwards.
func (r *Receiver) Shutdown() error {
	err := r.Stop()
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	return err
}

// buildLocked creates one listener per URL of the connection string, lazily
// and idempotently. A tentative listener that shares (URL, queue) with an
// existing one is checked for compatibility and discarded. Caller holds r.mu.
func (r *Receiver) buildLocked(ctx context.Context) error {
	if r.built {
		return nil
	}

	for _, url := range r.opts.ConnectionURLs {
		conn, err := r.pool.Get(ctx, url, r.opts.ReuseConnection)
		if err != nil {
			return errors.Wrapf(err, "unable to obtain connection for %q", url)
		}

		tentative := NewListener(conn, url, r.opts.QueueName, r.opts, r.stopEvents)

		r.lmu.Lock()
		if existing := r.findLocked(url, r.opts.QueueName); existing != nil {
			err := r.checkCompatibleLocked(tentative)
			r.lmu.Unlock()
			r.pool.Release(conn)
			if err != nil {
				return err
			}
			continue
		}

		r.listeners = append(r.listeners, tentative)
		for _, reg := range r.registrations {
			tentative.RegisterConsumer(reg.label, reg.consumer, reg.validator)
		}
		r.lmu.Unlock()

		if r.onListenerBuilt != nil {
			r.onListenerBuilt(tentative)
		}
	}

	r.built = true
	return nil
}

func (r *Receiver) findLocked(url, queue string) *Listener {
	for _, l := range r.listeners {
		if l.BrokerURL == url && l.QueueName == queue {
			return l
		}
	}
	return nil
}

// watch reacts to listener stop events. A regular stop is a no-op; an
// unexpected one triggers re-enlistment.
func (r *Receiver) watch() {
	for {
		select {
		case ev := <-r.stopEvents:
			if ev.Reason != StopReasonUnexpected {
				continue
			}
			r.reenlist(ev.Listener)
		case <-r.quit:
			return
		}
	}
}

// reenlist drops the stopped listener from the set preserving the order of
// the rest, then rebuilds and restarts with exponential backoff.
func (r *Receiver) reenlist(stopped *Listener) {
	slog.Warn("listener stopped unexpectedly - re-enlisting",
		"url", stopped.BrokerURL, "queue", stopped.QueueName)

	r.mu.Lock()
	wasStarted := r.isStarted

	r.lmu.Lock()
	kept := r.listeners[:0]
	for _, l := range r.listeners {
		if l != stopped {
			kept = append(kept, l)
		}
	}
	r.listeners = kept
	r.lmu.Unlock()

	stopped.Dispose()
	r.pool.Release(stopped.Connection())
	r.built = false
	r.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	rebuild := func() error {
		select {
		case <-r.quit:
			return backoff.Permanent(ErrShutdown)
		default:
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		// The receiver was stopped while re-enlisting; nothing to restore.
		if wasStarted && !r.isStarted {
			return nil
		}

		if err := r.buildLocked(context.Background()); err != nil {
			return err
		}
		if !wasStarted {
			return nil
		}

		r.lmu.RLock()
		listeners := make([]*Listener, len(r.listeners))
		copy(listeners, r.listeners)
		r.lmu.RUnlock()

		for _, l := range listeners {
			if err := l.StartConsuming(); err != nil {
				return err
			}
		}
		return nil
	}

	if err := backoff.Retry(rebuild, policy); err != nil {
		slog.Error("unable to re-enlist listeners", "endpoint", r.opts.Endpoint, "error", err)
	}
}

// Listeners returns a snapshot of the current listener set, in build order.
func (r *Receiver) Listeners() []*Listener {
	r.lmu.RLock()
	defer r.lmu.RUnlock()

	out := make([]*Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}
