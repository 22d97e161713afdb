package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/godbus/dbus/v5"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/groutine"
)

// IOGoroutineName labels the engine's I/O goroutine in profiles and logs.
const IOGoroutineName = "bus-io"

// State is the life-cycle state of an Engine.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// HandleResult is a subscriber's verdict on an inbound message.
type HandleResult int

const (
	NotHandled HandleResult = iota
	Handled
	NeedResources
)

// Handler receives inbound messages on the I/O goroutine. A handler that
// returns Handled is responsible for replying through Engine.Reply.
type Handler interface {
	HandleMessage(ctx context.Context, info MessageInfo, msg *dbus.Message) HandleResult
}

// Transport is the outbound surface of the engine used by higher layers.
type Transport interface {
	Send(msg *dbus.Message, timeout time.Duration) Result
	SendWithReply(msg *dbus.Message, timeout time.Duration) (Result, *dbus.Message)
	Reply(msg *dbus.Message) Result
}

// Options configures an Engine. Zero durations and capacities take the
// defaults below.
type Options struct {
	Dial             DialFunc
	HandshakeTimeout time.Duration `default:"250ms"`
	SendTimeout      time.Duration `default:"25ms"`
	ReplyTimeout     time.Duration `default:"25ms"`
	QueueCapacity    int           `default:"64"`
	Logger           *logrus.Logger
}

type subscriber struct {
	resolve func() Handler
}

// Engine owns the bus connection and the only goroutine allowed to use it.
//
// Callers on any goroutine enqueue Commands; the I/O goroutine executes them
// in FIFO order, interleaved with dispatch of inbound messages to subscribers.
type Engine struct {
	opts   Options
	logger *logrus.Logger

	state   atomic.Int32
	started atomic.Bool
	ioGID   atomic.Uint64
	nextID  atomic.Uint64

	queue *Queue[*Command]
	wake  chan struct{}
	ready chan struct{}
	done  chan struct{}

	runCtx context.Context
	cancel context.CancelFunc

	// conn is written once by the I/O goroutine and used only there.
	conn Conn

	failureMu sync.Mutex
	failure   error

	subsMu sync.Mutex
	subs   atomic.Pointer[[]subscriber]
}

var alwaysReady = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewEngine creates an engine in the Initializing state.
func NewEngine(opts Options) *Engine {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	e := &Engine{
		opts:   opts,
		logger: opts.Logger,
		queue:  NewQueue[*Command](opts.QueueCapacity),
		wake:   make(chan struct{}, 1),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.subs.Store(&[]subscriber{})
	return e
}

// State returns the current engine state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start spawns the I/O goroutine and waits for the bus handshake, at most
// HandshakeTimeout. A handshake that does not finish in time leaves the
// engine in StateError; a late handshake is discarded.
func (e *Engine) Start(ctx context.Context) error {
	if e.opts.Dial == nil {
		return &Error{Kind: KindMisuse, Op: "start", Msg: "no dial function configured"}
	}
	if !e.started.CompareAndSwap(false, true) {
		return &Error{Kind: KindMisuse, Op: "start", Msg: "engine already started"}
	}

	e.runCtx, e.cancel = context.WithCancel(context.Background())
	groutine.Go(e.runCtx, IOGoroutineName, e.run)

	timer := time.NewTimer(e.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-e.ready:
	case <-timer.C:
	case <-ctx.Done():
	}

	if e.state.CompareAndSwap(int32(StateInitializing), int32(StateError)) {
		e.cancel()
		err := &Error{
			Kind: KindTransport,
			Op:   "start",
			Msg:  fmt.Sprintf("bus handshake did not complete within %s", e.opts.HandshakeTimeout),
			Err:  ctx.Err(),
		}
		e.setFailure(err)
		e.logger.WithField("timeout", e.opts.HandshakeTimeout).Error("Bus handshake did not complete")
		return err
	}

	if e.State() != StateRunning {
		return e.lastFailure()
	}

	e.logger.Info("Bus engine running")
	return nil
}

// Stop shuts the I/O goroutine down and closes the connection. Queued
// commands that did not run finish with a Failure result.
func (e *Engine) Stop() error {
	if !e.started.Load() {
		return nil
	}
	if e.OnIOGoroutine() {
		return &Error{Kind: KindMisuse, Op: "stop", Msg: "called from the I/O goroutine"}
	}

	if e.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		e.logger.Info("Stopping bus engine")
	}
	e.cancel()
	<-e.done
	return nil
}

// OnIOGoroutine reports whether the caller runs on the engine's I/O goroutine.
func (e *Engine) OnIOGoroutine() bool {
	gid := e.ioGID.Load()
	return gid != 0 && gid == groutine.GetGID()
}

// Send enqueues a fire-and-forget message and waits up to timeout for it to
// be written. A non-positive timeout selects Options.SendTimeout.
func (e *Engine) Send(msg *dbus.Message, timeout time.Duration) Result {
	r, _ := e.submit(KindSend, msg, timeout, e.opts.SendTimeout)
	return r
}

// SendWithReply enqueues a method call and waits up to timeout for its reply.
// A non-positive timeout selects Options.ReplyTimeout.
func (e *Engine) SendWithReply(msg *dbus.Message, timeout time.Duration) (Result, *dbus.Message) {
	return e.submit(KindSendWithReply, msg, timeout, e.opts.ReplyTimeout)
}

// Reply writes msg directly on the connection. Valid only from a subscriber
// callback, i.e. on the I/O goroutine.
func (e *Engine) Reply(msg *dbus.Message) Result {
	if !e.OnIOGoroutine() {
		return Result{Code: NotOnIOGoroutine, Detail: "reply must be sent from the I/O goroutine"}
	}
	if err := e.conn.Send(msg); err != nil {
		return failed("reply: %v", err)
	}
	return succeeded()
}

// Subscribe registers h for inbound messages after all earlier subscribers.
// The engine keeps only a weak reference: once h is unreachable elsewhere it
// is skipped and eventually dropped.
func Subscribe[T any, H interface {
	*T
	Handler
}](e *Engine, h H) {
	wp := weak.Make((*T)(h))
	e.addSubscriber(subscriber{resolve: func() Handler {
		p := wp.Value()
		if p == nil {
			return nil
		}
		return H(p)
	}})
}

func (e *Engine) addSubscriber(s subscriber) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	cur := *e.subs.Load()
	next := make([]subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	e.subs.Store(&next)
}

func (e *Engine) pruneSubscribers() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	cur := *e.subs.Load()
	next := make([]subscriber, 0, len(cur))
	for _, s := range cur {
		if s.resolve() != nil {
			next = append(next, s)
		}
	}
	e.subs.Store(&next)
}

// subscriberCount is the number of registered subscribers, live or not.
func (e *Engine) subscriberCount() int {
	return len(*e.subs.Load())
}

// Enqueue queues msg for the I/O goroutine and returns the Command without
// waiting. Callers observe completion through Command.Done.
func (e *Engine) Enqueue(kind CommandKind, msg *dbus.Message, timeout time.Duration) (*Command, error) {
	if timeout <= 0 {
		timeout = e.opts.SendTimeout
		if kind == KindSendWithReply {
			timeout = e.opts.ReplyTimeout
		}
	}
	if st := e.State(); st != StateRunning {
		return nil, &Error{Kind: KindTransport, Op: "enqueue", Msg: "engine is " + st.String()}
	}

	cmd := newCommand(e.nextID.Add(1), kind, msg, timeout)
	if err := e.push(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// push queues cmd and wakes the I/O goroutine. A cmd pushed after the final
// drain of a stopping engine is failed here, since nothing would run it.
func (e *Engine) push(cmd *Command) error {
	if err := e.queue.Push(cmd); err != nil {
		return &Error{Kind: KindTransport, Op: "enqueue", Err: err}
	}
	if st := e.State(); st != StateRunning {
		if cmd.begin() {
			cmd.finish(failed("engine is %s", st), nil)
		}
		return &Error{Kind: KindTransport, Op: "enqueue", Msg: "engine is " + st.String()}
	}
	e.signal()
	return nil
}

func (e *Engine) submit(kind CommandKind, msg *dbus.Message, timeout, fallback time.Duration) (Result, *dbus.Message) {
	if timeout <= 0 {
		timeout = fallback
	}
	if st := e.State(); st != StateRunning {
		return failed("engine is %s", st), nil
	}

	// Nothing drains the queue while a subscriber holds the I/O goroutine.
	if e.OnIOGoroutine() {
		cmd := newCommand(e.nextID.Add(1), kind, msg, timeout)
		e.execute(e.runCtx, e.conn, cmd)
		return cmd.Result()
	}

	cmd, err := e.Enqueue(kind, msg, timeout)
	if err != nil {
		return failed("%v", err), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-cmd.Done():
		return cmd.Result()
	case <-timer.C:
		return Result{
			Code:   CommandTimeout,
			Detail: fmt.Sprintf("%s #%d not finished within %s", kind, cmd.id, timeout),
		}, nil
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.done)

	markReady := sync.OnceFunc(func() { close(e.ready) })
	defer markReady()

	e.ioGID.Store(groutine.GetGID())
	logger := e.logger.WithField("goroutine", groutine.GetName(ctx))

	conn, err := e.opts.Dial(ctx)
	if err != nil {
		e.setFailure(&Error{Kind: KindTransport, Op: "handshake", Err: err})
		if e.state.CompareAndSwap(int32(StateInitializing), int32(StateError)) {
			logger.WithError(err).Error("Bus handshake failed")
		}
		e.drain("handshake failed")
		return
	}

	e.conn = conn
	if !e.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) {
		logger.Warn("Bus handshake completed after the engine gave up, closing connection")
		_ = conn.Close()
		return
	}
	markReady()

	e.loop(ctx, conn)

	e.drain("engine stopped")
	if err := conn.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close bus connection")
	}
	logger.Debug("I/O goroutine exited")
}

func (e *Engine) loop(ctx context.Context, conn Conn) {
	incoming := conn.Incoming()
	for {
		if cmd, ok := e.queue.Pop(); ok {
			e.execute(ctx, conn, cmd)
		}

		wake := (<-chan struct{})(e.wake)
		if !e.queue.Empty() {
			wake = alwaysReady
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case in, ok := <-incoming:
			if !ok {
				if e.state.CompareAndSwap(int32(StateRunning), int32(StateError)) {
					e.setFailure(&Error{Kind: KindTransport, Op: "receive", Msg: "connection lost"})
					e.logger.Error("Bus connection lost")
				}
				return
			}
			e.dispatch(ctx, in)
		}
	}
}

func (e *Engine) execute(ctx context.Context, conn Conn, cmd *Command) {
	if !cmd.begin() {
		return
	}

	var (
		r     Result
		reply *dbus.Message
		err   error
	)

	switch cmd.kind {
	case KindSendWithReply:
		callCtx, cancel := context.WithTimeout(ctx, cmd.timeout)
		reply, err = conn.SendWithReply(callCtx, cmd.msg)
		cancel()
		switch {
		case err == nil:
			r = succeeded()
		case errors.Is(err, context.DeadlineExceeded):
			r = Result{Code: CommandTimeout, Detail: fmt.Sprintf("no reply within %s", cmd.timeout)}
		default:
			r = failed("%v", err)
		}
	default:
		if err = conn.Send(cmd.msg); err != nil {
			r = failed("%v", err)
		} else {
			r = succeeded()
		}
	}

	cmd.finish(r, reply)

	e.logger.WithFields(logrus.Fields{
		"command": cmd.id,
		"kind":    cmd.kind,
		"message": NewMessageInfo(cmd.msg),
		"result":  r,
	}).Trace("Command finished")
}

func (e *Engine) dispatch(ctx context.Context, in *Incoming) {
	info := NewMessageInfo(in.Msg)
	e.logger.WithField("message", info).Trace("Inbound message")

	disposition := Released
	stale := 0
	for _, s := range *e.subs.Load() {
		h := s.resolve()
		if h == nil {
			stale++
			continue
		}
		if r := e.offer(ctx, h, info, in.Msg); r == Handled || r == NeedResources {
			disposition = Consumed
			break
		}
	}

	if stale > 0 {
		e.pruneSubscribers()
	}
	in.Resolve(disposition)
}

func (e *Engine) offer(ctx context.Context, h Handler, info MessageInfo, msg *dbus.Message) (r HandleResult) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.WithFields(logrus.Fields{
				"message": info,
				"panic":   p,
			}).Error("Subscriber panicked while handling message")
			r = NotHandled
		}
	}()
	return h.HandleMessage(ctx, info, msg)
}

func (e *Engine) drain(reason string) {
	for {
		cmd, ok := e.queue.Pop()
		if !ok {
			return
		}
		cmd.abort(failed("%s", reason))
	}
}

func (e *Engine) setFailure(err error) {
	e.failureMu.Lock()
	defer e.failureMu.Unlock()
	if e.failure == nil {
		e.failure = err
	}
}

func (e *Engine) lastFailure() error {
	e.failureMu.Lock()
	defer e.failureMu.Unlock()
	if e.failure == nil {
		return &Error{Kind: KindTransport, Op: "start", Msg: "engine is " + e.State().String()}
	}
	return e.failure
}
