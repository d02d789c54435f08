package contour

import (
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Validator inspects a message before it reaches the consumer. A non-nil
// error hands the message to the failed-delivery strategy.
type Validator interface {
	Validate(m *Message) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(m *Message) error

func (f ValidatorFunc) Validate(m *Message) error {
	return f(m)
}

// ValidatorGroup runs its members in order and fails on the first rejection.
type ValidatorGroup []Validator

func (g ValidatorGroup) Validate(m *Message) error {
	for _, v := range g {
		if err := v.Validate(m); err != nil {
			return err
		}
	}
	return nil
}

// FailedDeliveryStrategy is the policy applied to a message that a consumer
// or validator rejects, or that no consumer is registered for.
type FailedDeliveryStrategy int

const (
	// DeliveryRequeue nacks the message back onto the queue.
	DeliveryRequeue FailedDeliveryStrategy = iota
	// DeliveryDeadLetter nacks the message without requeue, handing it to
	// the queue's dead-letter exchange if one is bound.
	DeliveryDeadLetter
	// DeliveryDrop acknowledges and discards the message.
	DeliveryDrop
)

func (s FailedDeliveryStrategy) String() string {
	switch s {
	case DeliveryRequeue:
		return "requeue"
	case DeliveryDeadLetter:
		return "dead-letter"
	case DeliveryDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// apply settles the broker-side fate of a failed delivery. Errors are logged
// and swallowed; at this point the message is already lost to the consumer.
func (s FailedDeliveryStrategy) apply(d *amqp.Delivery) {
	if d.Acknowledger == nil {
		return
	}

	var err error
	switch s {
	case DeliveryRequeue:
		err = d.Nack(false, true)
	case DeliveryDeadLetter:
		err = d.Nack(false, false)
	case DeliveryDrop:
		err = d.Ack(false)
	}
	if err != nil {
		slog.Warn("unable to settle failed delivery", "strategy", s.String(), "error", err)
	}
}
