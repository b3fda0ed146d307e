// Package worker couples a spawned worker process to its message channel and
// tracks liveness. Workers run the generated training program rooted at the
// shared script folder and speak the wire protocol on stdin/stdout.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"trainer/pkg/channel"
	"trainer/pkg/logx"
	"trainer/pkg/metrics"
	"trainer/pkg/proto"
)

// Process abstracts the OS process behind a handle, for termination. Tests
// substitute an in-process fake.
type Process interface {
	// Kill forcibly terminates the process. Not graceful: in-flight
	// exchanges are abandoned.
	Kill() error
	// Wait blocks until the process has exited and releases its resources.
	Wait() error
}

// Handle is one pool slot: a worker process and the channel it owns
// exclusively.
type Handle struct {
	index   int
	ch      *channel.Channel
	proc    Process
	alive   atomic.Bool
	logger  *logx.Logger
	metrics *metrics.Recorder
}

// Spawn starts a worker process with the given argv rooted at dir, attaches a
// channel to its standard streams and starts liveness tracking. The worker's
// stderr is streamed into the log sink line by line.
func Spawn(ctx context.Context, index int, argv []string, dir string, opts channel.Options) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker command cannot be empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d: stdin pipe: %w", index, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d: stdout pipe: %w", index, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d: stderr pipe: %w", index, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker %d: failed to start %q: %w", index, argv[0], err)
	}

	logger := logx.NewLogger(fmt.Sprintf("worker-%d", index))
	if opts.Logger == nil {
		opts.Logger = logger
	}

	h := New(index, channel.New(stdin, stdout, opts), &osProcess{cmd: cmd}, logger)
	go h.drainStderr(stderr)
	return h, nil
}

// New builds a handle from an existing channel and process. Used by Spawn and
// by test harnesses that run scripted workers in-process.
func New(index int, ch *channel.Channel, proc Process, logger *logx.Logger) *Handle {
	if logger == nil {
		logger = logx.NewLogger(fmt.Sprintf("worker-%d", index))
	}
	h := &Handle{
		index:  index,
		ch:     ch,
		proc:   proc,
		logger: logger,
	}
	h.alive.Store(true)
	go h.watch()
	return h
}

// WithMetrics makes the handle record exchange outcomes and exits on the
// given recorder.
func (h *Handle) WithMetrics(rec *metrics.Recorder) *Handle {
	h.metrics = rec
	return h
}

// Index returns the worker's 0-based position in the pool.
func (h *Handle) Index() int {
	return h.index
}

// Alive reports whether the worker is still usable. Flips false on exit,
// disconnect or termination.
func (h *Handle) Alive() bool {
	return h.alive.Load()
}

// Exited is closed once the worker's channel has shut down.
func (h *Handle) Exited() <-chan struct{} {
	return h.ch.Done()
}

// Call runs one exchange on the worker's channel.
func (h *Handle) Call(ctx context.Context, msg *proto.Msg, expect proto.MsgType) (*proto.Msg, error) {
	return h.ch.Call(ctx, msg, expect)
}

// Send transmits one record without awaiting a reply.
func (h *Handle) Send(msg *proto.Msg) error {
	return h.ch.Send(msg)
}

// Exchange builds a request of the given type and runs it against the paired
// reply type.
func (h *Handle) Exchange(ctx context.Context, req *proto.Msg) (*proto.Msg, error) {
	expect, ok := proto.ReplyTypeFor(req.Type)
	if !ok {
		return nil, fmt.Errorf("no reply type defined for %s", req.Type)
	}

	start := time.Now()
	reply, err := h.ch.Call(ctx, req, expect)
	if h.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		h.metrics.RecordExchange(string(req.Type), h.index, status, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", h.index, err)
	}
	return reply, nil
}

// Terminate forcibly kills the worker process and closes its channel. No
// attempt is made to let an in-flight exchange complete; any reply arriving
// afterwards is discarded.
func (h *Handle) Terminate() {
	h.alive.Store(false)
	if err := h.proc.Kill(); err != nil {
		h.logger.Debug("kill: %v", err)
	}
	h.ch.Close()
	_ = h.proc.Wait()
}

// watch consumes the channel's out-of-band events: worker log records go to
// the log sink, a closed stream flips liveness.
func (h *Handle) watch() {
	for ev := range h.ch.Events() {
		switch ev.Kind {
		case channel.EventLog:
			if text, ok := ev.Msg.GetString(proto.KeyMessage); ok {
				h.logger.Info("worker log: %s", text)
			} else {
				h.logger.Warn("unexpected %s record from worker", ev.Msg.Type)
			}
		case channel.EventDecodeError:
			h.logger.Warn("worker output decode error: %v", ev.Err)
		case channel.EventClosed:
			reason := "terminated"
			if h.alive.Swap(false) {
				reason = "unexpected"
				h.logger.Error("worker exited unexpectedly: %v", ev.Err)
			}
			if h.metrics != nil {
				h.metrics.RecordWorkerExit(reason)
			}
			return
		}
	}
}

func (h *Handle) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			h.logger.Info("worker stderr: %s", line)
		}
	}
}

// osProcess adapts exec.Cmd to the Process interface.
type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) Wait() error {
	return p.cmd.Wait()
}
