// Package pool owns the fixed-size collection of worker processes running the
// generated training program. All workers are spawned against the same script
// folder, handshaked before the pool is usable, and terminated as a unit.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trainer/pkg/channel"
	"trainer/pkg/logx"
	"trainer/pkg/metrics"
	"trainer/pkg/proto"
	"trainer/pkg/worker"
)

// Config describes one pool. The worker count is fixed for the pool's
// lifetime.
type Config struct {
	// Workers is the number of identical worker processes (N >= 1).
	Workers int
	// Command is the argv used to start every worker.
	Command []string
	// Dir is the shared script folder the workers run in.
	Dir string
	// ExchangeTimeout is the per-exchange deadline applied on every channel.
	ExchangeTimeout time.Duration
	// HandshakeTimeout bounds the startup handshake per worker.
	HandshakeTimeout time.Duration
	// Observer, if set, sees every record on every channel (trace, metrics).
	// It receives the worker index.
	Observer func(workerIndex int, dir channel.Direction, msg *proto.Msg)
	// Metrics, if set, records exchange outcomes and worker exits for every
	// handle in the pool.
	Metrics *metrics.Recorder
}

// SpawnFunc produces one attached worker handle. The default spawns an OS
// process; tests substitute scripted in-process workers.
type SpawnFunc func(ctx context.Context, index int) (*worker.Handle, error)

// Pool is a running set of workers. Operations that touch every worker use
// parallel fan-out with all-or-nothing error reporting.
type Pool struct {
	workers []*worker.Handle
	logger  *logx.Logger
}

// Start spawns and handshakes cfg.Workers OS processes. If any worker fails
// to spawn or handshake, the partial pool is torn down and Start fails.
func Start(ctx context.Context, cfg Config) (*Pool, error) {
	spawn := func(ctx context.Context, index int) (*worker.Handle, error) {
		opts := channel.Options{Timeout: cfg.ExchangeTimeout}
		if cfg.Observer != nil {
			idx := index
			opts.Observer = func(dir channel.Direction, msg *proto.Msg) {
				cfg.Observer(idx, dir, msg)
			}
		}
		return worker.Spawn(ctx, index, cfg.Command, cfg.Dir, opts)
	}
	return StartWith(ctx, cfg, spawn)
}

// StartWith is Start with an explicit spawn function.
func StartWith(ctx context.Context, cfg Config, spawn SpawnFunc) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", cfg.Workers)
	}

	p := &Pool{
		workers: make([]*worker.Handle, 0, cfg.Workers),
		logger:  logx.NewLogger("pool"),
	}

	for i := 0; i < cfg.Workers; i++ {
		h, err := spawn(ctx, i)
		if err != nil {
			p.Stop()
			return nil, logx.Wrap(err, fmt.Sprintf("failed to spawn worker %d", i))
		}
		if cfg.Metrics != nil {
			h.WithMetrics(cfg.Metrics)
		}
		p.workers = append(p.workers, h)
	}

	if err := p.handshakeAll(ctx, cfg.HandshakeTimeout); err != nil {
		p.Stop()
		return nil, err
	}

	p.logger.Info("pool started: %d workers in %s", cfg.Workers, cfg.Dir)
	return p, nil
}

func (p *Pool) handshakeAll(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := p.Broadcast(ctx, func(i int) *proto.Msg {
		return proto.NewMsg(proto.MsgTypeHandshake)
	})
	if err != nil {
		return logx.Wrap(err, "handshake failed")
	}
	return nil
}

// Size returns the fixed worker count.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Worker returns the handle at the given index.
func (p *Pool) Worker(i int) (*worker.Handle, error) {
	if i < 0 || i >= len(p.workers) {
		return nil, fmt.Errorf("worker index %d out of range [0,%d)", i, len(p.workers))
	}
	return p.workers[i], nil
}

// Workers returns all handles in index order.
func (p *Pool) Workers() []*worker.Handle {
	return p.workers
}

// Alive reports whether every worker is still usable.
func (p *Pool) Alive() bool {
	for _, h := range p.workers {
		if !h.Alive() {
			return false
		}
	}
	return len(p.workers) > 0
}

// Broadcast runs one exchange against every worker concurrently and joins
// them; the first error wins but all exchanges complete or fail before
// return. The build function produces the request for each worker index.
func (p *Pool) Broadcast(ctx context.Context, build func(i int) *proto.Msg) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, h := range p.workers {
		wg.Add(1)
		go func(i int, h *worker.Handle) {
			defer wg.Done()
			if _, err := h.Exchange(ctx, build(i)); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i, h)
	}
	wg.Wait()
	return firstErr
}

// Reset broadcasts a reset exchange to every worker and succeeds only once
// all have acknowledged. Resets trained parameters, not loaded objects.
func (p *Pool) Reset(ctx context.Context) error {
	err := p.Broadcast(ctx, func(i int) *proto.Msg {
		return proto.NewMsg(proto.MsgTypeReset)
	})
	if err != nil {
		return logx.Wrap(err, "reset failed")
	}
	p.logger.Debug("reset acknowledged by all %d workers", len(p.workers))
	return nil
}

// Stop forcibly terminates every worker. Not graceful: no in-flight exchange
// is allowed to complete.
func (p *Pool) Stop() {
	for _, h := range p.workers {
		h.Terminate()
	}
	if len(p.workers) > 0 {
		p.logger.Info("pool stopped: %d workers terminated", len(p.workers))
	}
}
