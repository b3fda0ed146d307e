// Package trainer drives single-worker training operations (iterations,
// batch preparation, model save/load, statistics) and artifact retrieval
// (checkpoint stream, rendered architecture diagrams).
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"trainer/pkg/logx"
	"trainer/pkg/metrics"
	"trainer/pkg/persistence"
	"trainer/pkg/pool"
	"trainer/pkg/proto"
	"trainer/pkg/workspace"
)

// ErrNoDiagrams is returned when the diagram retry budget is exhausted with
// zero diagram files found.
var ErrNoDiagrams = errors.New("no diagram files appeared within the retry budget")

// Config tunes the controller. Zero values fall back to the reference
// behavior (100 attempts, 150 ms apart, dot -Tsvg, 10 MiB output cap).
type Config struct {
	DiagramAttempts int
	DiagramDelay    time.Duration
	RenderCommand   []string
	MaxRenderBytes  int64
}

const (
	defaultDiagramAttempts = 100
	defaultDiagramDelay    = 150 * time.Millisecond
	defaultMaxRenderBytes  = 10 * 1024 * 1024
)

func (c *Config) applyDefaults() {
	if c.DiagramAttempts <= 0 {
		c.DiagramAttempts = defaultDiagramAttempts
	}
	if c.DiagramDelay <= 0 {
		c.DiagramDelay = defaultDiagramDelay
	}
	if len(c.RenderCommand) == 0 {
		c.RenderCommand = []string{"dot", "-Tsvg"}
	}
	if c.MaxRenderBytes <= 0 {
		c.MaxRenderBytes = defaultMaxRenderBytes
	}
}

// IterationResult describes one completed training iteration.
type IterationResult struct {
	BatchFile string
	Duration  time.Duration
	// Loss is nil when the worker reported none.
	Loss *float64
}

// Controller runs training and persistence operations against a pool and its
// script folder.
type Controller struct {
	pool    *pool.Pool
	folder  *workspace.Folder
	cfg     Config
	logger  *logx.Logger
	metrics *metrics.Recorder

	history *persistence.Store
	runID   string
}

func New(p *pool.Pool, folder *workspace.Folder, cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		pool:   p,
		folder: folder,
		cfg:    cfg,
		logger: logx.NewLogger("trainer"),
	}
}

// WithHistory records completed iterations into the given run.
func (c *Controller) WithHistory(store *persistence.Store, runID string) *Controller {
	c.history = store
	c.runID = runID
	return c
}

// WithMetrics reports diagram render failures to the given recorder.
func (c *Controller) WithMetrics(rec *metrics.Recorder) *Controller {
	c.metrics = rec
	return c
}

// PrepareBatch instructs worker 0 to materialize a batch file from the given
// resident ids for later reuse.
func (c *Controller) PrepareBatch(ctx context.Context, ids []string, fileName string) error {
	h, err := c.pool.Worker(0)
	if err != nil {
		return err
	}

	req := proto.NewMsg(proto.MsgTypePrepareBatch).
		SetPayload(proto.KeyIDs, ids).
		SetPayload(proto.KeyFileName, fileName)
	if _, err := h.Exchange(ctx, req); err != nil {
		return fmt.Errorf("prepare batch %q: %w", fileName, err)
	}
	c.logger.Debug("batch %q prepared from %d ids", fileName, len(ids))
	return nil
}

// TrainingIteration executes one iteration against a prepared batch file on
// worker 0 and records it in the run history when one is attached.
func (c *Controller) TrainingIteration(ctx context.Context, batchFilename string) (*IterationResult, error) {
	h, err := c.pool.Worker(0)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	req := proto.NewMsg(proto.MsgTypeIteration).SetPayload(proto.KeyBatchFilename, batchFilename)
	reply, err := h.Exchange(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("iteration on batch %q: %w", batchFilename, err)
	}

	result := &IterationResult{
		BatchFile: batchFilename,
		Duration:  time.Since(start),
	}
	if raw, ok := reply.GetPayload("loss"); ok {
		if loss, ok := raw.(float64); ok {
			result.Loss = &loss
		}
	}

	if c.history != nil {
		if err := c.history.RecordIteration(c.runID, batchFilename, result.Duration, result.Loss); err != nil {
			c.logger.Warn("failed to record iteration: %v", err)
		}
	}
	return result, nil
}

// SaveModel asks worker 0 to persist its parameters (only worker 0 may write
// the checkpoint file) and returns a readable stream over the checkpoint.
func (c *Controller) SaveModel(ctx context.Context) (io.ReadCloser, error) {
	h, err := c.pool.Worker(0)
	if err != nil {
		return nil, err
	}

	if _, err := h.Exchange(ctx, proto.NewMsg(proto.MsgTypeSave)); err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}
	return c.folder.OpenCheckpoint()
}

// LoadModel resynchronizes every worker's in-memory parameters from the
// checkpoint file.
func (c *Controller) LoadModel(ctx context.Context) error {
	err := c.pool.Broadcast(ctx, func(i int) *proto.Msg {
		return proto.NewMsg(proto.MsgTypeLoad)
	})
	if err != nil {
		return logx.Wrap(err, "load model")
	}
	return nil
}

// Statistics returns the opaque statistics payload reported by worker 0.
func (c *Controller) Statistics(ctx context.Context) (map[string]any, error) {
	h, err := c.pool.Worker(0)
	if err != nil {
		return nil, err
	}

	reply, err := h.Exchange(ctx, proto.NewMsg(proto.MsgTypeStats))
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	raw, ok := reply.GetPayload(proto.KeyStats)
	if !ok {
		return nil, fmt.Errorf("stats reply carries no stats payload")
	}
	stats, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stats payload is not an object")
	}
	return stats, nil
}
