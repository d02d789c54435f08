// Package contour is a client-side message-bus library built on top of
// rabbitmq/amqp091-go that comes with:
//
// * Declarative endpoint configuration (labels, QoS, parallelism, validators,
// consumer lifestyles) materialized into a running bus
//
// * One listener per broker URL and queue, with deduplication and
// option-compatibility enforcement between co-located listeners
//
// * A connection pool handing out shared or exclusive broker connections
//
// * Automatic re-enlistment of subscriptions when a listener stops
// unexpectedly
package contour

import (
	"time"

	uuid "github.com/satori/go.uuid"
)

const (
	// DefaultPrefetchCount is applied to a subscription when neither the
	// incoming route nor its endpoint declares a prefetch count.
	DefaultPrefetchCount = 50

	// DefaultPrefetchSize is applied to a subscription when neither the
	// incoming route nor its endpoint declares a prefetch size.
	DefaultPrefetchSize = 0

	// DefaultParallelism is the number of dispatch workers a listener runs
	// when no parallelism level is configured.
	DefaultParallelism = 1

	// DefaultStopTimeout is the default amount of time StopConsuming() will
	// wait for in-flight dispatch workers to drain.
	DefaultStopTimeout = 5 * time.Second

	// DefaultConnectionTimeout is the default amount of time the pool's
	// dialer will wait before aborting the connection to the broker.
	DefaultConnectionTimeout = 30 * time.Second
)

var (
	// DefaultConsumerTag is used for identifying consumers on the broker.
	DefaultConsumerTag = "c-contour-" + uuid.NewV4().String()[0:8]

	// DefaultAppID is used for identifying the producing application.
	DefaultAppID = "p-contour-" + uuid.NewV4().String()[0:8]
)
