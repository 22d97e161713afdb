// Package godbus implements bus.Conn on a private system bus connection
// from github.com/godbus/dbus/v5.
package godbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/groutine"
)

// WatchGoroutineName labels the goroutine that notices a lost connection.
const WatchGoroutineName = "bus-watch"

// connectFunc opens the raw, not yet authenticated connection.
var connectFunc = func(opts ...dbus.ConnOption) (*dbus.Conn, error) {
	return dbus.SystemBusPrivate(opts...)
}

// Conn routes every inbound method call through a channel to the engine and
// lets the engine decide whether godbus should answer it.
type Conn struct {
	logger   *logrus.Logger
	conn     *dbus.Conn
	incoming chan *bus.Incoming
	closed   chan struct{}
	once     sync.Once

	// mu is held shared while route sends on incoming and exclusively
	// while incoming is closed.
	mu       sync.RWMutex
	lost     chan struct{}
	lostOnce sync.Once
}

// Dialer returns a bus.DialFunc performing auth and Hello on the system bus.
func Dialer(logger *logrus.Logger) bus.DialFunc {
	if logger == nil {
		logger = logrus.New()
	}
	return func(ctx context.Context) (bus.Conn, error) {
		return Dial(ctx, logger)
	}
}

// Dial connects to the system bus. Cancelling ctx aborts the handshake.
func Dial(ctx context.Context, logger *logrus.Logger) (*Conn, error) {
	c := &Conn{
		logger:   logger,
		incoming: make(chan *bus.Incoming),
		closed:   make(chan struct{}),
		lost:     make(chan struct{}),
	}

	raw, err := connectFunc(dbus.WithHandler(c), dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	if err := raw.Auth(nil); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if err := raw.Hello(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	if ctx.Err() != nil {
		_ = raw.Close()
		return nil, ctx.Err()
	}

	c.conn = raw
	groutine.Go(raw.Context(), WatchGoroutineName, c.watch)
	logger.WithField("unique_name", raw.Names()[0]).Debug("Connected to system bus")
	return c, nil
}

// Send implements bus.Conn. Method calls are written without waiting for
// the reply; only immediate write failures are reported.
func (c *Conn) Send(msg *dbus.Message) error {
	call := c.conn.Send(msg, make(chan *dbus.Call, 1))
	if call == nil {
		return nil
	}
	if msg.Type != dbus.TypeMethodCall {
		return call.Err
	}
	select {
	case done := <-call.Done:
		if done.Err != nil {
			return done.Err
		}
	default:
	}
	return nil
}

// SendWithReply implements bus.Conn.
func (c *Conn) SendWithReply(ctx context.Context, msg *dbus.Message) (*dbus.Message, error) {
	call := c.conn.SendWithContext(ctx, msg, make(chan *dbus.Call, 1))

	select {
	case done := <-call.Done:
		if done.Err != nil {
			return nil, done.Err
		}
		reply := &dbus.Message{
			Type:    dbus.TypeMethodReply,
			Headers: map[dbus.HeaderField]dbus.Variant{},
			Body:    done.Body,
		}
		if len(done.Body) > 0 {
			reply.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(done.Body...))
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Incoming implements bus.Conn.
func (c *Conn) Incoming() <-chan *bus.Incoming {
	return c.incoming
}

// Close implements bus.Conn.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// watch closes Incoming once ctx, the raw connection's context, is done.
// godbus cancels it when reading from the socket fails or on Close.
func (c *Conn) watch(ctx context.Context) {
	<-ctx.Done()
	c.markLost()
	c.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("System bus connection closed")
}

func (c *Conn) markLost() {
	c.lostOnce.Do(func() {
		close(c.lost)
		c.mu.Lock()
		close(c.incoming)
		c.mu.Unlock()
	})
}

// route hands one inbound call to the engine and waits for its disposition.
// It runs on the goroutine godbus spawns per call.
func (c *Conn) route(msg *dbus.Message) bus.Disposition {
	in := bus.NewIncoming(msg)

	c.mu.RLock()
	select {
	case <-c.lost:
		c.mu.RUnlock()
		return bus.Released
	default:
	}
	select {
	case c.incoming <- in:
	case <-c.lost:
		c.mu.RUnlock()
		return bus.Released
	case <-c.closed:
		c.mu.RUnlock()
		return bus.Released
	}
	c.mu.RUnlock()

	select {
	case d := <-in.Disposition():
		return d
	case <-c.lost:
		return bus.Released
	case <-c.closed:
		return bus.Released
	}
}
