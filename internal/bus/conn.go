package bus

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Conn is an established bus connection. Only the engine's I/O goroutine
// calls into it.
type Conn interface {
	// Send writes msg without waiting for a reply.
	Send(msg *dbus.Message) error
	// SendWithReply writes a method call and waits for its reply until ctx is done.
	SendWithReply(ctx context.Context, msg *dbus.Message) (*dbus.Message, error)
	// Incoming delivers inbound method calls. It is closed when the
	// connection is lost.
	Incoming() <-chan *Incoming
	Close() error
}

// DialFunc performs the bus handshake and returns a ready connection.
// Implementations must give up once ctx is done.
type DialFunc func(ctx context.Context) (Conn, error)

// Disposition tells the connection what became of an inbound message.
type Disposition int

const (
	// Released leaves the message to the connection's default handling.
	Released Disposition = iota
	// Consumed means a subscriber took the message and replied itself.
	Consumed
)

func (d Disposition) String() string {
	if d == Consumed {
		return "consumed"
	}
	return "released"
}

// Incoming is one inbound message awaiting a disposition from the engine.
type Incoming struct {
	Msg  *dbus.Message
	once sync.Once
	done chan Disposition
}

// NewIncoming wraps msg for delivery to the engine.
func NewIncoming(msg *dbus.Message) *Incoming {
	return &Incoming{Msg: msg, done: make(chan Disposition, 1)}
}

// Resolve records the disposition. Only the first call has effect.
func (in *Incoming) Resolve(d Disposition) {
	in.once.Do(func() {
		in.done <- d
	})
}

// Disposition returns a channel yielding the disposition once resolved.
func (in *Incoming) Disposition() <-chan Disposition {
	return in.done
}
