package contour

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/singleflight"
)

// BrokerChannel is the subset of *amqp.Channel a listener consumes through.
type BrokerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// BrokerConn is the subset of *amqp.Connection the pool hands out.
type BrokerConn interface {
	Channel() (BrokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection for a URL. The pool's default dialer uses
// amqp091-go; tests inject fakes.
type Dialer func(ctx context.Context, url string) (BrokerConn, error)

// amqpConn adapts *amqp.Connection to BrokerConn.
type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (BrokerChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialerOptions configures the default AMQP dialer.
type DialerOptions struct {
	// ConnectionTimeout is applied when dialling the server; falls back to
	// DefaultConnectionTimeout.
	ConnectionTimeout time.Duration

	// Use TLS
	UseTLS bool

	// Skip cert verification (only applies if UseTLS is true)
	SkipVerifyTLS bool
}

// AMQPDialer returns the default dialer: it dials the broker over TCP with a
// handshake deadline so a dead server cannot stall the open forever.
func AMQPDialer(opts DialerOptions) Dialer {
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}

	return func(ctx context.Context, url string) (BrokerConn, error) {
		config := amqp.Config{
			Dial: func(network, addr string) (net.Conn, error) {
				conn, err := net.DialTimeout(network, addr, opts.ConnectionTimeout)
				if err != nil {
					return nil, err
				}

				// Heartbeating hasn't started yet, don't stall forever on a
				// dead server. A deadline is set for TLS and AMQP
				// handshaking; it is cleared once AMQP is established.
				if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
					return nil, err
				}

				return conn, nil
			},
		}

		if opts.UseTLS {
			config.TLSClientConfig = &tls.Config{}
			if opts.SkipVerifyTLS {
				config.TLSClientConfig.InsecureSkipVerify = true
			}
		}

		ac, err := amqp.DialConfig(url, config)
		if err != nil {
			return nil, err
		}
		return amqpConn{Connection: ac}, nil
	}
}

// Connection is a broker connection handed out by the pool. Shared
// connections are pool-owned; exclusive ones belong to the caller and are
// destroyed on Release.
type Connection struct {
	ID     string
	URL    string
	Shared bool

	conn   BrokerConn
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (BrokerChannel, error) {
	return c.conn.Channel()
}

// NotifyClose registers a listener for broker-side connection close.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

// Done returns the connection's cancellation token. It unblocks when the
// connection is closed or the pool shuts down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// ConnectionPool supplies a connection per (URL, reuse-policy). With
// reuse=true the pool returns the existing connection for a URL, or opens
// one; concurrent callers await a single open. With reuse=false every call
// opens a fresh connection owned by the caller.
type ConnectionPool struct {
	dial   Dialer
	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // protects following
	shared map[string]*Connection
	closed bool
}

// NewConnectionPool returns a pool using the given dialer; a nil dialer falls
// back to the default AMQP dialer.
func NewConnectionPool(dial Dialer) *ConnectionPool {
	if dial == nil {
		dial = AMQPDialer(DialerOptions{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ConnectionPool{
		dial:   dial,
		ctx:    ctx,
		cancel: cancel,
		shared: make(map[string]*Connection),
	}
}

// Get returns a connection for the URL. The passed context cancels a pending
// open; connections already handed out are unaffected by it.
func (p *ConnectionPool) Get(ctx context.Context, url string, reuse bool) (*Connection, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	if !reuse {
		return p.open(ctx, url, false)
	}

	resc := p.group.DoChan(url, func() (interface{}, error) {
		p.mu.Lock()
		if existing, ok := p.shared[url]; ok {
			p.mu.Unlock()
			return existing, nil
		}
		p.mu.Unlock()

		// The shared open runs on the pool's context: a single caller
		// abandoning the wait must not kill the connection for everyone
		// else awaiting it.
		c, err := p.open(p.ctx, url, true)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = c.close()
			return nil, ErrShutdown
		}
		p.shared[url] = c
		p.mu.Unlock()

		go p.watch(c)

		return c, nil
	})

	select {
	case res := <-resc:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ErrCanceled, ctx.Err().Error())
	}
}

// Release returns a connection to the pool. Exclusive connections are
// destroyed; shared ones stay alive for other consumers.
func (p *ConnectionPool) Release(c *Connection) {
	if c == nil || c.Shared {
		return
	}
	if err := c.close(); err != nil {
		slog.Warn("unable to close exclusive connection", "url", c.URL, "error", err)
	}
}

// Close shuts the pool down, closing every shared connection and cancelling
// all connection tokens.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	p.closed = true
	shared := make([]*Connection, 0, len(p.shared))
	for _, c := range p.shared {
		shared = append(shared, c)
	}
	p.shared = make(map[string]*Connection)
	p.mu.Unlock()

	for _, c := range shared {
		if err := c.close(); err != nil {
			slog.Warn("unable to close shared connection", "url", c.URL, "error", err)
		}
	}

	p.cancel()

	return nil
}

func (p *ConnectionPool) open(ctx context.Context, url string, shared bool) (*Connection, error) {
	type dialResult struct {
		conn BrokerConn
		err  error
	}
	resc := make(chan dialResult, 1)

	go func() {
		conn, err := p.dial(ctx, url)
		resc <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resc:
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
				return nil, errors.Wrapf(ErrCanceled, "dial %q: %v", url, res.err)
			}
			slog.Warn("could not connect to server", "url", url, "error", res.err)
			return nil, errors.Wrapf(ErrBrokerUnreachable, "dial %q: %v", url, res.err)
		}

		connCtx, cancel := context.WithCancel(p.ctx)
		c := &Connection{
			ID:     uuid.NewV4().String(),
			URL:    url,
			Shared: shared,
			conn:   res.conn,
			ctx:    connCtx,
			cancel: cancel,
		}
		slog.Debug("successfully connected to server", "url", url, "id", c.ID, "shared", shared)
		return c, nil

	case <-ctx.Done():
		// Don't leak a dial that completes after the caller gave up.
		go func() {
			if res := <-resc; res.err == nil {
				_ = res.conn.Close()
			}
		}()
		return nil, errors.Wrap(ErrCanceled, ctx.Err().Error())
	}
}

// watch evicts a shared connection from the pool when the broker closes it,
// so a later Get re-dials instead of handing out a dead connection.
func (p *ConnectionPool) watch(c *Connection) {
	notify := c.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case amqpErr := <-notify:
		if amqpErr != nil {
			slog.Warn("shared connection closed by broker", "url", c.URL, "error", amqpErr)
		}
		p.mu.Lock()
		if p.shared[c.URL] == c {
			delete(p.shared, c.URL)
		}
		p.mu.Unlock()
		_ = c.close()
	case <-c.ctx.Done():
	}
}
