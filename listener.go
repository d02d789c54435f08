package contour

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	uuid "github.com/satori/go.uuid"
)

// StopReason tells a receiver why one of its listeners stopped.
type StopReason int

const (
	// StopReasonRegular is an orderly stop: StopConsuming, Dispose, or bus
	// cancellation.
	StopReasonRegular StopReason = iota
	// StopReasonUnexpected is a transport failure: the consuming channel or
	// its connection was closed by the broker.
	StopReasonUnexpected
)

func (r StopReason) String() string {
	if r == StopReasonUnexpected {
		return "unexpected"
	}
	return "regular"
}

// StopEvent is emitted on the receiver-owned notification channel when a
// listener stops.
type StopEvent struct {
	Listener *Listener
	Reason   StopReason
}

type listenerState int

const (
	listenerCreated listenerState = iota
	listenerRunning
	listenerStopping
	listenerStopped
)

type consumerEntry struct {
	consumer  Consumer
	validator Validator
}

// Listener owns a consuming channel against one (broker URL, queue) pair and
// dispatches incoming messages by label to registered consumers, through an
// optional validator.
type Listener struct {
	BrokerURL string
	QueueName string

	opts ReceiverOptions
	conn *Connection
	tag  string

	stopped chan<- StopEvent

	mu        sync.Mutex // guards state transitions
	state     listenerState
	channel   BrokerChannel
	ctx       context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	emitOnce  sync.Once
	consumers struct {
		sync.RWMutex
		byLabel map[MessageLabel]consumerEntry
	}
}

// NewListener builds a listener over a pooled connection. Stop events are
// sent on the provided receiver-owned channel.
func NewListener(conn *Connection, brokerURL, queueName string, opts ReceiverOptions, stopped chan<- StopEvent) *Listener {
	l := &Listener{
		BrokerURL: brokerURL,
		QueueName: queueName,
		opts:      opts,
		conn:      conn,
		tag:       DefaultConsumerTag + "-" + uuid.NewV4().String()[0:8],
		stopped:   stopped,
	}
	l.consumers.byLabel = make(map[MessageLabel]consumerEntry)
	return l
}

// Options returns the effective per-subscription options the listener runs
// with. Co-located listeners are checked for compatibility against these.
func (l *Listener) Options() ReceiverOptions {
	return l.opts
}

// Connection returns the pooled connection the listener consumes over.
func (l *Listener) Connection() *Connection {
	return l.conn
}

// RegisterConsumer binds a consumer (and an optional validator) to a label.
// Registering the same label twice replaces the previous binding.
func (l *Listener) RegisterConsumer(label MessageLabel, consumer Consumer, validator Validator) {
	l.consumers.Lock()
	defer l.consumers.Unlock()

	l.consumers.byLabel[label] = consumerEntry{consumer: consumer, validator: validator}
}

// Supports reports whether a consumer is registered for the label, directly
// or through a catch-all registration.
func (l *Listener) Supports(label MessageLabel) bool {
	l.consumers.RLock()
	defer l.consumers.RUnlock()

	if _, ok := l.consumers.byLabel[label]; ok {
		return true
	}
	_, ok := l.consumers.byLabel[Any]
	return ok
}

// StartConsuming opens the consuming channel, applies QoS and spins up the
// dispatch workers. It is idempotent while running.
func (l *Listener) StartConsuming() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case listenerRunning:
		return nil
	case listenerStopping, listenerStopped:
		return errors.Wrapf(ErrShutdown, "listener for %q on %q", l.QueueName, l.BrokerURL)
	}

	ch, err := l.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "unable to open consuming channel")
	}

	if err := ch.Qos(l.opts.PrefetchCount, l.opts.PrefetchSize, false); err != nil {
		_ = ch.Close()
		return errors.Wrap(err, "unable to set qos policy")
	}

	deliveries, err := ch.Consume(
		l.QueueName,
		l.tag,
		!l.opts.RequiresAccept, // autoAck
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return errors.Wrapf(err, "unable to consume from queue %q", l.QueueName)
	}

	l.channel = ch
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.state = listenerRunning

	parallelism := l.opts.ParallelismLevel
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	for i := 0; i < parallelism; i++ {
		l.workers.Add(1)
		go l.run(deliveries)
	}

	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go l.watch(notify)

	slog.Debug("listener consuming",
		"url", l.BrokerURL, "queue", l.QueueName, "workers", parallelism)

	return nil
}

// run is one dispatch worker. Per-message ordering within a label is only
// preserved when a single worker runs.
func (l *Listener) run(deliveries <-chan amqp.Delivery) {
	defer l.workers.Done()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.dispatch(d)
		case <-l.ctx.Done():
			return
		case <-l.conn.Done():
			return
		}
	}
}

// dispatch routes one delivery: label lookup, validation, consumer callback.
// Consumer errors and panics never escape; they are handed to the
// failed-delivery strategy.
func (l *Listener) dispatch(d amqp.Delivery) {
	label := labelOf(d)

	l.consumers.RLock()
	entry, ok := l.consumers.byLabel[label]
	if !ok {
		entry, ok = l.consumers.byLabel[Any]
	}
	l.consumers.RUnlock()

	if !ok {
		slog.Warn("no consumer for label", "label", label, "queue", l.QueueName)
		if l.opts.RequiresAccept {
			DeliveryDeadLetter.apply(&d)
		} else {
			l.opts.OnFailure.apply(&d)
		}
		return
	}

	m := &Message{
		Label:   label,
		Headers: stripHeaders(d.Headers, l.opts.ExcludedHeaders),
	}
	if l.opts.PayloadSchema != UntypedSchema {
		m.Payload = TypedPayload(l.opts.PayloadSchema, d.Body)
	} else {
		m.Payload = UntypedPayload(d.Body)
	}

	if entry.validator != nil {
		if err := entry.validator.Validate(m); err != nil {
			slog.Warn("message rejected by validator", "label", label, "error", err)
			l.opts.OnFailure.apply(&d)
			return
		}
	}

	if err := l.invoke(entry.consumer, m); err != nil {
		slog.Warn("consumer failed", "label", label, "error", err)
		l.opts.OnFailure.apply(&d)
		return
	}

	if l.opts.RequiresAccept && d.Acknowledger != nil {
		if err := d.Ack(false); err != nil {
			slog.Warn("unable to ack delivery", "label", label, "error", err)
		}
	}
}

func (l *Listener) invoke(consumer Consumer, m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("consumer panicked: %v", r)
		}
	}()
	return consumer.Handle(l.ctx, m)
}

// watch turns a broker-side channel close into an unexpected stop, and a
// close without error or a cancelled connection token into a regular stop.
func (l *Listener) watch(notify chan *amqp.Error) {
	select {
	case amqpErr := <-notify:
		l.mu.Lock()
		running := l.state == listenerRunning
		if running {
			l.state = listenerStopped
			l.cancel()
		}
		l.mu.Unlock()

		if running && amqpErr != nil {
			slog.Warn("consuming channel closed by broker",
				"url", l.BrokerURL, "queue", l.QueueName, "error", amqpErr)
			l.emit(StopReasonUnexpected)
		} else if running {
			l.emit(StopReasonRegular)
		}
	case <-l.conn.Done():
		l.mu.Lock()
		running := l.state == listenerRunning
		if running {
			l.state = listenerStopped
			l.cancel()
		}
		l.mu.Unlock()

		if running {
			l.emit(StopReasonRegular)
		}
	case <-l.ctx.Done():
	}
}

// StopConsuming cancels the broker-side consumer and drains in-flight
// dispatch workers up to DefaultStopTimeout.
func (l *Listener) StopConsuming() error {
	l.mu.Lock()
	if l.state != listenerRunning {
		l.mu.Unlock()
		return nil
	}
	l.state = listenerStopping
	ch := l.channel
	l.mu.Unlock()

	if err := ch.Cancel(l.tag, false); err != nil {
		slog.Warn("unable to cancel consumer", "tag", l.tag, "error", err)
	}

	l.cancel()

	donec := make(chan struct{})
	go func() {
		l.workers.Wait()
		close(donec)
	}()

	var drainErr error
	select {
	case <-donec:
	case <-time.After(DefaultStopTimeout):
		drainErr = fmt.Errorf("timeout waiting for dispatch workers to stop after '%v'", DefaultStopTimeout)
	}

	l.mu.Lock()
	l.state = listenerStopped
	l.mu.Unlock()

	l.emit(StopReasonRegular)

	return drainErr
}

// Dispose forces the listener into the stopped state from any state, closing
// the consuming channel. Unsettled in-flight messages are requeued by the
// broker once the channel closes.
func (l *Listener) Dispose() {
	l.mu.Lock()
	prev := l.state
	l.state = listenerStopped
	ch := l.channel
	l.channel = nil
	l.mu.Unlock()

	if prev == listenerRunning {
		l.cancel()
	}

	if ch != nil {
		if err := ch.Close(); err != nil {
			slog.Debug("error closing consuming channel", "queue", l.QueueName, "error", err)
		}
	}

	if prev == listenerRunning {
		l.emit(StopReasonRegular)
	}
}

// emit publishes the terminal stop event exactly once. The receiver owns the
// channel; a full channel drops the event rather than blocking dispatch.
func (l *Listener) emit(reason StopReason) {
	l.emitOnce.Do(func() {
		if l.stopped == nil {
			return
		}
		select {
		case l.stopped <- StopEvent{Listener: l, Reason: reason}:
		default:
			slog.Warn("stop event channel full - dropping event",
				"queue", l.QueueName, "reason", reason.String())
		}
	})
}

// labelOf extracts the message label from a delivery: the Type property when
// set, the routing key otherwise.
func labelOf(d amqp.Delivery) MessageLabel {
	if d.Type != "" {
		return NewLabel(d.Type)
	}
	return NewLabel(d.RoutingKey)
}
