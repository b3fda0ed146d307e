// Package channel implements the duplex, line-oriented message transport
// bound to one worker process's standard streams. Its sole interaction
// primitive is "send a request and wait for the correlated reply"; anything
// else arriving on the stream is delivered as an out-of-band event.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"trainer/pkg/logx"
	"trainer/pkg/proto"
)

// Exchange failure modes. Callers should treat a timeout or a protocol
// mismatch as grounds to consider the worker suspect.
var (
	ErrExchangeInFlight = errors.New("exchange already in flight on this channel")
	ErrChannelClosed    = errors.New("channel closed")
	ErrExchangeTimeout  = errors.New("exchange timed out")
	ErrProtocolMismatch = errors.New("reply type does not match expectation")
)

// Scanner limits for worker output lines. Evaluation replies can carry large
// object payloads.
const (
	initialLineBuffer = 64 * 1024
	maxLineBuffer     = 16 * 1024 * 1024
)

// EventKind classifies out-of-band channel events.
type EventKind string

const (
	// EventLog is a log-tagged or otherwise uncorrelated record from the worker.
	EventLog EventKind = "log"
	// EventClosed signals that the worker's stream ended (exit, disconnect).
	EventClosed EventKind = "closed"
	// EventDecodeError signals a line that could not be parsed as a record.
	EventDecodeError EventKind = "decode_error"
)

// Event is an out-of-band notification. Events never satisfy a pending
// exchange.
type Event struct {
	Kind EventKind
	Msg  *proto.Msg // set for EventLog
	Err  error      // set for EventClosed / EventDecodeError
}

// Direction tags observed records for tracing.
type Direction string

const (
	DirSent     Direction = "sent"
	DirReceived Direction = "received"
)

// Observer is notified of every record crossing the channel. Used to wire the
// exchange trace and metrics without coupling the transport to them.
type Observer func(dir Direction, msg *proto.Msg)

// Options configures a Channel.
type Options struct {
	// Timeout is the default per-exchange deadline. Zero means no deadline
	// beyond the caller's context.
	Timeout time.Duration
	// Observer, if set, sees every sent and received record.
	Observer Observer
	// Logger defaults to a channel-scoped logx logger.
	Logger *logx.Logger
	// EventBuffer is the capacity of the out-of-band event stream.
	EventBuffer int
}

type pendingExchange struct {
	expect proto.MsgType
	result chan exchangeResult
}

type exchangeResult struct {
	msg *proto.Msg
	err error
}

// Channel is the message transport for a single worker. At most one exchange
// may be outstanding at a time; replies are correlated by request id, with a
// fallback for legacy workers that do not echo one.
type Channel struct {
	stdin    io.Writer
	writeMu  sync.Mutex
	events   chan Event
	observer Observer
	timeout  time.Duration
	logger   *logx.Logger

	mu      sync.Mutex
	pending map[string]*pendingExchange
	closed  bool

	done chan struct{}
}

// New creates a channel over the given streams and starts the reader. The
// caller owns the streams; Close does not close them (terminating the process
// does).
func New(stdin io.Writer, stdout io.Reader, opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("channel")
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	c := &Channel{
		stdin:    stdin,
		events:   make(chan Event, opts.EventBuffer),
		observer: opts.Observer,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		pending:  make(map[string]*pendingExchange),
		done:     make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Events returns the out-of-band event stream. Events are dropped rather than
// blocking the reader when the observer lags.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Send transmits one record without awaiting a reply.
func (c *Channel) Send(msg *proto.Msg) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return c.write(msg)
}

// Call transmits a request and blocks until the correlated reply of the
// expected type arrives, the channel closes, the deadline expires, or ctx is
// done. A second Call while one is outstanding fails with ErrExchangeInFlight.
func (c *Channel) Call(ctx context.Context, msg *proto.Msg, expect proto.MsgType) (*proto.Msg, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if msg.RequestID == "" {
		return nil, fmt.Errorf("request %s has no request id", msg.Type)
	}

	pend := &pendingExchange{
		expect: expect,
		result: make(chan exchangeResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if len(c.pending) > 0 {
		c.mu.Unlock()
		return nil, ErrExchangeInFlight
	}
	c.pending[msg.RequestID] = pend
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.removePending(msg.RequestID)
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-pend.result:
		return res.msg, res.err
	case <-timeoutCh:
		c.removePending(msg.RequestID)
		return nil, fmt.Errorf("%s exchange after %s: %w", msg.Type, c.timeout, ErrExchangeTimeout)
	case <-ctx.Done():
		c.removePending(msg.RequestID)
		return nil, fmt.Errorf("%s exchange: %w", msg.Type, ctx.Err())
	}
}

// Close fails any pending exchange and stops event delivery. Idempotent.
func (c *Channel) Close() {
	c.fail(ErrChannelClosed)
}

// Closed reports whether the channel has shut down.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed when the reader has finished.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) write(msg *proto.Msg) error {
	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", msg.Type, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write %s record: %w", msg.Type, err)
	}

	if c.observer != nil {
		c.observer(DirSent, msg)
	}
	return nil
}

func (c *Channel) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := proto.FromJSON(line)
		if err != nil {
			c.logger.Warn("undecodable worker output: %v", err)
			c.emit(Event{Kind: EventDecodeError, Err: err})
			continue
		}

		if c.observer != nil {
			c.observer(DirReceived, msg)
		}
		c.dispatch(msg)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(fmt.Errorf("%w: %v", ErrChannelClosed, err))
	c.emit(Event{Kind: EventClosed, Err: err})
}

// dispatch routes one received record: correlated replies resolve their
// pending exchange, everything else is an out-of-band event.
func (c *Channel) dispatch(msg *proto.Msg) {
	// Log-tagged records are always out-of-band, whatever they carry.
	if msg.Type == proto.MsgTypeLog {
		c.emit(Event{Kind: EventLog, Msg: msg})
		return
	}

	c.mu.Lock()
	pend, id := c.matchLocked(msg)
	if pend != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if pend == nil {
		if msg.Type != proto.MsgTypeLog {
			c.logger.Debug("uncorrelated %s record treated as log", msg.Type)
		}
		c.emit(Event{Kind: EventLog, Msg: msg})
		return
	}

	if msg.Type != pend.expect {
		pend.result <- exchangeResult{err: fmt.Errorf("expected %s, got %s: %w", pend.expect, msg.Type, ErrProtocolMismatch)}
		return
	}
	pend.result <- exchangeResult{msg: msg}
}

// matchLocked finds the pending exchange a record correlates with. Legacy
// workers echo no request id, so a reply with an empty id matches the single
// outstanding exchange when its type agrees.
func (c *Channel) matchLocked(msg *proto.Msg) (*pendingExchange, string) {
	if msg.RequestID != "" {
		if pend, ok := c.pending[msg.RequestID]; ok {
			return pend, msg.RequestID
		}
		return nil, ""
	}
	if len(c.pending) == 1 {
		for id, pend := range c.pending {
			if msg.Type == pend.expect {
				return pend, id
			}
		}
	}
	return nil, ""
}

func (c *Channel) removePending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// fail closes the channel and resolves all pending exchanges with err.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingExchange)
	c.mu.Unlock()

	for _, pend := range pending {
		pend.result <- exchangeResult{err: err}
	}
	close(c.done)
}

// emit delivers an event without ever blocking the reader.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event dropped: observer lagging (%s)", ev.Kind)
	}
}
