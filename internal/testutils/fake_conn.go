package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/codec"
)

// ErrFakeClosed is returned by a FakeConn after Close.
var ErrFakeClosed = errors.New("fake connection closed")

// SendFunc scripts the outcome of a fire-and-forget send.
type SendFunc func(msg *dbus.Message) error

// SendWithReplyFunc scripts the outcome of a method call awaiting a reply.
type SendWithReplyFunc func(ctx context.Context, msg *dbus.Message) (*dbus.Message, error)

// FakeConn is a scripted bus.Conn. Its Dial method is a bus.DialFunc.
//
// By default the handshake succeeds immediately, every send succeeds and
// every method call gets an empty method return.
type FakeConn struct {
	mu            sync.Mutex
	sent          []*dbus.Message
	sendHook      SendFunc
	replyHook     SendWithReplyFunc
	dialErr       error
	blockDial     bool
	dialDelay     time.Duration
	closed        bool
	incomingOnce  sync.Once
	incoming      chan *bus.Incoming
	dials         atomic.Int32
	closeCount    atomic.Int32
	senderCounter atomic.Uint32
}

// NewFakeConn creates a fake connection with default behaviour.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		incoming: make(chan *bus.Incoming),
	}
}

// BlockHandshake makes Dial wait until its context is done.
func (f *FakeConn) BlockHandshake() *FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockDial = true
	return f
}

// DelayHandshake makes Dial take d before succeeding.
func (f *FakeConn) DelayHandshake(d time.Duration) *FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialDelay = d
	return f
}

// FailHandshake makes Dial return err.
func (f *FakeConn) FailHandshake(err error) *FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
	return f
}

// OnSend replaces the fire-and-forget behaviour.
func (f *FakeConn) OnSend(fn SendFunc) *FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendHook = fn
	return f
}

// OnSendWithReply replaces the method call behaviour.
func (f *FakeConn) OnSendWithReply(fn SendWithReplyFunc) *FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyHook = fn
	return f
}

// Dial implements bus.DialFunc.
func (f *FakeConn) Dial(ctx context.Context) (bus.Conn, error) {
	f.dials.Add(1)

	f.mu.Lock()
	block, delay, err := f.blockDial, f.dialDelay, f.dialErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Dials returns how many times Dial was called.
func (f *FakeConn) Dials() int {
	return int(f.dials.Load())
}

// Send implements bus.Conn.
func (f *FakeConn) Send(msg *dbus.Message) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFakeClosed
	}
	hook := f.sendHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(msg); err != nil {
			return err
		}
	}
	f.record(msg)
	return nil
}

// SendWithReply implements bus.Conn.
func (f *FakeConn) SendWithReply(ctx context.Context, msg *dbus.Message) (*dbus.Message, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFakeClosed
	}
	hook := f.replyHook
	f.mu.Unlock()

	f.record(msg)
	if hook != nil {
		return hook(ctx, msg)
	}
	return codec.MethodReturn(msg), nil
}

// Incoming implements bus.Conn.
func (f *FakeConn) Incoming() <-chan *bus.Incoming {
	return f.incoming
}

// Close implements bus.Conn.
func (f *FakeConn) Close() error {
	f.closeCount.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeConn) Closed() bool {
	return f.closeCount.Load() > 0
}

// Drop simulates a lost connection by closing the inbound channel.
func (f *FakeConn) Drop() {
	f.incomingOnce.Do(func() { close(f.incoming) })
}

// Deliver hands msg to the engine as an inbound call from a remote peer and
// waits for the engine's disposition.
func (f *FakeConn) Deliver(msg *dbus.Message, timeout time.Duration) (bus.Disposition, error) {
	if _, ok := msg.Headers[dbus.FieldSender]; !ok {
		msg.Headers[dbus.FieldSender] = dbus.MakeVariant(fmt.Sprintf(":1.%d", f.senderCounter.Add(1)))
	}

	in := bus.NewIncoming(msg)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f.incoming <- in:
	case <-timer.C:
		return bus.Released, fmt.Errorf("engine did not accept inbound message within %s", timeout)
	}

	select {
	case d := <-in.Disposition():
		return d, nil
	case <-timer.C:
		return bus.Released, fmt.Errorf("engine did not dispose of inbound message within %s", timeout)
	}
}

// Call builds a method call and delivers it.
func (f *FakeConn) Call(path dbus.ObjectPath, iface, member string, args ...any) (bus.Disposition, error) {
	return f.Deliver(codec.MethodCall("", path, iface, member, args...), time.Second)
}

// Sent returns a copy of every message written so far.
func (f *FakeConn) Sent() []*dbus.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*dbus.Message(nil), f.sent...)
}

// SentCalls returns the method calls written for iface.member.
func (f *FakeConn) SentCalls(iface, member string) []*dbus.Message {
	var out []*dbus.Message
	for _, m := range f.Sent() {
		info := bus.NewMessageInfo(m)
		if info.IsMethodCall(iface, member) {
			out = append(out, m)
		}
	}
	return out
}

// SentOfType returns the written messages of the given type.
func (f *FakeConn) SentOfType(t dbus.Type) []*dbus.Message {
	var out []*dbus.Message
	for _, m := range f.Sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// LastReply returns the most recent method return or error written.
func (f *FakeConn) LastReply() *dbus.Message {
	sent := f.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Type == dbus.TypeMethodReply || sent[i].Type == dbus.TypeError {
			return sent[i]
		}
	}
	return nil
}

// Reset forgets recorded messages.
func (f *FakeConn) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func (f *FakeConn) record(msg *dbus.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}
