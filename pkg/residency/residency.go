// Package residency tracks which data-object identifiers are loaded into the
// workers' working set. Every load and unload is mirrored to every worker so
// all workers hold an identical object set; an id is only recorded (or
// dropped) once every worker has acknowledged.
package residency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"trainer/pkg/logx"
	"trainer/pkg/metrics"
	"trainer/pkg/pool"
	"trainer/pkg/proto"
)

// ErrInconsistent marks a partial broadcast failure: some workers applied the
// mutation and some did not. The pool must be reset or restarted before the
// residency set can be trusted again.
var ErrInconsistent = errors.New("residency state inconsistent across workers")

// Tracker owns the residency set for one pool. The set is only mutated
// through Load and Unload, never shared ambiently.
type Tracker struct {
	pool    *pool.Pool
	logger  *logx.Logger
	metrics *metrics.Recorder

	mu           sync.Mutex
	resident     map[string]bool
	inconsistent bool
}

func NewTracker(p *pool.Pool) *Tracker {
	return &Tracker{
		pool:     p,
		logger:   logx.NewLogger("residency"),
		resident: make(map[string]bool),
	}
}

// WithMetrics makes the tracker report the residency set size on the given
// recorder.
func (t *Tracker) WithMetrics(rec *metrics.Recorder) *Tracker {
	t.metrics = rec
	return t
}

// Load broadcasts a store exchange for the object to every worker in
// parallel and records the id once all have acknowledged. On partial failure
// the tracker is marked inconsistent and the error wraps ErrInconsistent.
func (t *Tracker) Load(ctx context.Context, id string, input, output any) error {
	if err := t.checkUsable(); err != nil {
		return err
	}

	err := t.pool.Broadcast(ctx, func(i int) *proto.Msg {
		return proto.NewMsg(proto.MsgTypeStore).
			SetPayload(proto.KeyID, id).
			SetPayload(proto.KeyInput, input).
			SetPayload(proto.KeyOutput, output)
	})
	if err != nil {
		t.markInconsistent()
		return fmt.Errorf("load %q: %v: %w", id, err, ErrInconsistent)
	}

	t.mu.Lock()
	t.resident[id] = true
	size := len(t.resident)
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.SetObjectsResident(size)
	}
	t.logger.Debug("loaded %q into %d workers", id, t.pool.Size())
	return nil
}

// Unload broadcasts a forget exchange for the object to every worker and
// removes the id after all acknowledgements.
func (t *Tracker) Unload(ctx context.Context, id string) error {
	if err := t.checkUsable(); err != nil {
		return err
	}

	err := t.pool.Broadcast(ctx, func(i int) *proto.Msg {
		return proto.NewMsg(proto.MsgTypeForget).SetPayload(proto.KeyID, id)
	})
	if err != nil {
		t.markInconsistent()
		return fmt.Errorf("unload %q: %v: %w", id, err, ErrInconsistent)
	}

	t.mu.Lock()
	delete(t.resident, id)
	size := len(t.resident)
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.SetObjectsResident(size)
	}
	t.logger.Debug("unloaded %q from %d workers", id, t.pool.Size())
	return nil
}

// Contains reports whether the id is currently resident.
func (t *Tracker) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resident[id]
}

// IDs returns a sorted snapshot of the resident identifiers.
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.resident))
	for id := range t.resident {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of resident objects.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resident)
}

// Inconsistent reports whether a partial broadcast failure has occurred.
func (t *Tracker) Inconsistent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inconsistent
}

func (t *Tracker) checkUsable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inconsistent {
		return ErrInconsistent
	}
	return nil
}

// markInconsistent latches after any failed broadcast. Some workers may have
// applied the mutation before the failure and nothing on this side of the
// pipe can tell which, so even an all-workers failure is treated as unknown
// state.
func (t *Tracker) markInconsistent() {
	t.mu.Lock()
	t.inconsistent = true
	t.mu.Unlock()
	t.logger.Error("partial broadcast failure: reset or restart the pool")
}
