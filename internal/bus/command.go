package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// CommandKind selects how the I/O goroutine executes a Command.
type CommandKind int

const (
	KindSend CommandKind = iota
	KindSendWithReply
)

func (k CommandKind) String() string {
	if k == KindSendWithReply {
		return "send-with-reply"
	}
	return "send"
}

// CommandStatus is the completion state of a Command.
type CommandStatus int

const (
	StatusNew CommandStatus = iota
	StatusRunning
	StatusFinished
)

func (s CommandStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("CommandStatus(%d)", int(s))
	}
}

// Command is one outbound bus call queued for the I/O goroutine.
//
// Status and result are written only by the I/O goroutine and may be read
// from any goroutine. Done is closed once the command reaches StatusFinished.
type Command struct {
	id      uint64
	kind    CommandKind
	msg     *dbus.Message
	timeout time.Duration

	mu     sync.Mutex
	status CommandStatus
	result Result
	reply  *dbus.Message
	done   chan struct{}
}

func newCommand(id uint64, kind CommandKind, msg *dbus.Message, timeout time.Duration) *Command {
	return &Command{
		id:      id,
		kind:    kind,
		msg:     msg,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// ID returns the engine-assigned, monotonically increasing identifier.
func (c *Command) ID() uint64 { return c.id }

// Kind returns how the command is executed.
func (c *Command) Kind() CommandKind { return c.kind }

// Message returns the outbound message.
func (c *Command) Message() *dbus.Message { return c.msg }

// Status returns the current status.
func (c *Command) Status() CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Result returns the outcome and the reply payload (nil unless the command
// was a successful send-with-reply). Only meaningful once Done is closed.
func (c *Command) Result() (Result, *dbus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.reply
}

// Done is closed when the command finishes.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// begin moves New -> Running. Any other starting status is rejected.
func (c *Command) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusNew {
		return false
	}
	c.status = StatusRunning
	return true
}

// finish moves Running -> Finished and publishes the result.
// A command that never ran cannot finish.
func (c *Command) finish(r Result, reply *dbus.Message) bool {
	c.mu.Lock()
	if c.status != StatusRunning {
		c.mu.Unlock()
		return false
	}
	c.status = StatusFinished
	c.result = r
	c.reply = reply
	c.mu.Unlock()

	close(c.done)
	return true
}

// abort completes a command that will never be executed, passing through
// Running so observers still see every status.
func (c *Command) abort(r Result) {
	c.begin()
	c.finish(r, nil)
}
