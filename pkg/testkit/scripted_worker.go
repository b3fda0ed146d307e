// Package testkit provides testing utilities for the orchestrator: a scripted
// in-process worker that speaks the full wire protocol over pipes, and
// protocol assertions.
package testkit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"trainer/pkg/channel"
	"trainer/pkg/pool"
	"trainer/pkg/proto"
	"trainer/pkg/worker"
)

// ScriptedWorker simulates a generated worker program in-process. It keeps an
// object store, answers every protocol request, and supports fault injection.
// Zero value is a well-behaved worker.
type ScriptedWorker struct {
	// Name reported in the handshake reply.
	Name string
	// Dir, if set, is where save/prepareBatch materialize files.
	Dir string
	// LegacyReplies omits the request id echo, exercising the
	// single-outstanding-exchange compatibility match.
	LegacyReplies bool
	// FailOn makes the worker answer the given request types with a
	// mismatched reply type (protocol error on the orchestrator side).
	FailOn map[proto.MsgType]bool
	// DieOn makes the worker close its streams upon receiving the given
	// request type, before replying.
	DieOn proto.MsgType
	// Delay postpones the reply for the given request types.
	Delay map[proto.MsgType]time.Duration
	// OmitIDs lists object ids silently dropped from evaluation replies.
	OmitIDs map[string]bool
	// LogOnStart, if set, is emitted as a log record before any exchange.
	LogOnStart string
	// IterationLoss is reported by iteration replies.
	IterationLoss float64

	mu          sync.Mutex
	objects     map[string]storedObject
	batches     map[string][]string
	received    []*proto.Msg
	paramResets int
	iterations  int
}

type storedObject struct {
	input  any
	output any
}

// Run services the protocol on the given streams until EOF or DieOn. The
// write side of out is closed on return.
func (w *ScriptedWorker) Run(in io.Reader, out io.WriteCloser) {
	defer out.Close() //nolint:errcheck // Best-effort close on worker exit

	if w.LogOnStart != "" {
		log := &proto.Msg{Type: proto.MsgTypeLog, Payload: map[string]any{proto.KeyMessage: w.LogOnStart}}
		w.writeMsg(out, log)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := proto.FromJSON(line)
		if err != nil {
			continue
		}

		w.mu.Lock()
		w.received = append(w.received, req.Clone())
		w.mu.Unlock()

		if w.DieOn != "" && req.Type == w.DieOn {
			return
		}
		if d, ok := w.Delay[req.Type]; ok {
			time.Sleep(d)
		}

		reply := w.handle(req)
		if reply == nil {
			continue
		}
		if w.FailOn[req.Type] {
			// Echo the id under a wrong type tag so the exchange fails with
			// a protocol mismatch instead of a timeout.
			reply.Type = wrongTypeFor(reply.Type)
		}
		if w.LegacyReplies {
			reply.RequestID = ""
		}
		w.writeMsg(out, reply)
	}
}

func (w *ScriptedWorker) handle(req *proto.Msg) *proto.Msg {
	reply := func(t proto.MsgType) *proto.Msg {
		return proto.NewReply(t, req.RequestID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.objects == nil {
		w.objects = make(map[string]storedObject)
	}
	if w.batches == nil {
		w.batches = make(map[string][]string)
	}

	switch req.Type {
	case proto.MsgTypeHandshake:
		name := w.Name
		if name == "" {
			name = "scripted-worker"
		}
		return reply(proto.MsgTypeHandshake).
			SetPayload(proto.KeyName, name).
			SetPayload(proto.KeyVersion, "0.0.1")

	case proto.MsgTypeReset:
		w.paramResets++
		return reply(proto.MsgTypeResetCompleted)

	case proto.MsgTypeStore:
		id, _ := req.GetString(proto.KeyID)
		input, _ := req.GetPayload(proto.KeyInput)
		output, _ := req.GetPayload(proto.KeyOutput)
		w.objects[id] = storedObject{input: input, output: output}
		return reply(proto.MsgTypeStored)

	case proto.MsgTypeForget:
		id, _ := req.GetString(proto.KeyID)
		delete(w.objects, id)
		return reply(proto.MsgTypeForgotten)

	case proto.MsgTypeEvaluate:
		samples, _ := req.GetStringSlice(proto.KeySamples)
		objects := make([]map[string]any, 0, len(samples))
		for _, id := range samples {
			if w.OmitIDs[id] {
				continue
			}
			obj := map[string]any{"id": id, "score": 0.5}
			if stored, ok := w.objects[id]; ok {
				obj["output"] = stored.output
			}
			objects = append(objects, obj)
		}
		return reply(proto.MsgTypeEvaluationCompleted).SetPayload(proto.KeyObjects, objects)

	case proto.MsgTypeEvaluateBatch:
		filename, _ := req.GetString(proto.KeyBatchFilename)
		ids := w.batches[filename]
		objects := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			objects = append(objects, map[string]any{"id": id, "score": 0.5})
		}
		return reply(proto.MsgTypeEvaluationCompleted).SetPayload(proto.KeyObjects, objects)

	case proto.MsgTypeIteration:
		w.iterations++
		loss := w.IterationLoss
		if loss == 0 {
			loss = 0.5
		}
		return reply(proto.MsgTypeIterationCompleted).SetPayload("loss", loss)

	case proto.MsgTypePrepareBatch:
		ids, _ := req.GetStringSlice(proto.KeyIDs)
		fileName, _ := req.GetString(proto.KeyFileName)
		w.batches[fileName] = ids
		if w.Dir != "" {
			_ = os.WriteFile(filepath.Join(w.Dir, fileName), []byte(fmt.Sprintf("batch %d ids", len(ids))), 0644)
		}
		return reply(proto.MsgTypeBatchPrepared)

	case proto.MsgTypeSave:
		if w.Dir != "" {
			_ = os.WriteFile(filepath.Join(w.Dir, "model.ckpt"), []byte("checkpoint"), 0644)
		}
		return reply(proto.MsgTypeSaved)

	case proto.MsgTypeLoad:
		return reply(proto.MsgTypeLoaded)

	case proto.MsgTypeStats:
		return reply(proto.MsgTypeStats).SetPayload(proto.KeyStats, map[string]any{
			"iterations": w.iterations,
			"objects":    len(w.objects),
		})

	default:
		return nil
	}
}

func (w *ScriptedWorker) writeMsg(out io.Writer, msg *proto.Msg) {
	data, err := msg.ToJSON()
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = out.Write(data)
}

// Received returns a copy of all requests seen so far, in order.
func (w *ScriptedWorker) Received() []*proto.Msg {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*proto.Msg, len(w.received))
	copy(out, w.received)
	return out
}

// CountType returns how many requests of the given type were received.
func (w *ScriptedWorker) CountType(t proto.MsgType) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, msg := range w.received {
		if msg.Type == t {
			n++
		}
	}
	return n
}

// ObjectIDs returns the ids currently stored in the worker.
func (w *ScriptedWorker) ObjectIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.objects))
	for id := range w.objects {
		ids = append(ids, id)
	}
	return ids
}

// ParamResets returns how many reset exchanges completed.
func (w *ScriptedWorker) ParamResets() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paramResets
}

// wrongTypeFor picks a valid reply type different from the expected one.
func wrongTypeFor(expected proto.MsgType) proto.MsgType {
	if expected == proto.MsgTypeSaved {
		return proto.MsgTypeStored
	}
	return proto.MsgTypeSaved
}

// fakeProcess satisfies worker.Process for in-process scripted workers.
type fakeProcess struct {
	in     *io.PipeReader
	out    *io.PipeWriter
	done   <-chan struct{}
	killed chan struct{}
	once   sync.Once
}

func (p *fakeProcess) Kill() error {
	_ = p.in.CloseWithError(io.EOF)
	_ = p.out.Close()
	p.once.Do(func() { close(p.killed) })
	return nil
}

// Wait returns once the worker goroutine exits or Kill has been called: a
// scripted worker asleep in a configured Delay cannot be interrupted the way
// SIGKILL interrupts a real process, and Terminate must not block on it.
func (p *fakeProcess) Wait() error {
	select {
	case <-p.done:
	case <-p.killed:
	}
	return nil
}

// SpawnScripted attaches a scripted worker to a handle over in-process pipes.
func SpawnScripted(index int, w *ScriptedWorker, opts channel.Options) *worker.Handle {
	stdinR, stdinW := io.Pipe()   // orchestrator -> worker
	stdoutR, stdoutW := io.Pipe() // worker -> orchestrator

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(stdinR, stdoutW)
	}()

	proc := &fakeProcess{in: stdinR, out: stdoutW, done: done, killed: make(chan struct{})}
	ch := channel.New(stdinW, stdoutR, opts)
	return worker.New(index, ch, proc, nil)
}

// ScriptedSpawner returns a pool.SpawnFunc serving the given workers by
// index.
func ScriptedSpawner(workers []*ScriptedWorker, opts channel.Options) pool.SpawnFunc {
	return func(_ context.Context, index int) (*worker.Handle, error) {
		if index >= len(workers) {
			return nil, fmt.Errorf("no scripted worker for index %d", index)
		}
		return SpawnScripted(index, workers[index], opts), nil
	}
}

// NewScriptedPool builds n well-behaved scripted workers and returns them
// with a spawner.
func NewScriptedPool(n int, opts channel.Options) ([]*ScriptedWorker, pool.SpawnFunc) {
	workers := make([]*ScriptedWorker, n)
	for i := range workers {
		workers[i] = &ScriptedWorker{Name: fmt.Sprintf("scripted-%d", i)}
	}
	return workers, ScriptedSpawner(workers, opts)
}
