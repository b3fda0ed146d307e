// Package dispatch partitions evaluation work across the worker pool and
// reassembles ordered results. Identifiers are assigned round-robin
// (ids[i] -> worker i mod N); buckets run concurrently, one exchange per
// non-empty bucket.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"trainer/pkg/logx"
	"trainer/pkg/pool"
	"trainer/pkg/proto"
)

// ErrMissingResult reports requested ids absent from the merged replies. A
// missing slot is an error condition, never an undefined result.
var ErrMissingResult = errors.New("evaluation reply missing requested ids")

// Result is one evaluated object keyed by its identifier.
type Result struct {
	ID     string
	Fields map[string]any
}

// Dispatcher fans evaluation requests out over a pool.
type Dispatcher struct {
	pool   *pool.Pool
	logger *logx.Logger
}

func New(p *pool.Pool) *Dispatcher {
	return &Dispatcher{
		pool:   p,
		logger: logx.NewLogger("dispatch"),
	}
}

// Assignment is the transient mapping from worker index to its ordered id
// bucket for a single dispatch call.
type Assignment map[int][]string

// Partition assigns ids[i] to worker i mod n. Workers with empty buckets do
// not appear in the result.
func Partition(ids []string, n int) Assignment {
	assignment := make(Assignment)
	for i, id := range ids {
		w := i % n
		assignment[w] = append(assignment[w], id)
	}
	return assignment
}

// Evaluate runs the given identifiers (each assumed already resident) through
// the pool and returns results in the exact order of ids. An empty input
// sends nothing and returns immediately.
func (d *Dispatcher) Evaluate(ctx context.Context, ids []string) ([]Result, error) {
	if len(ids) == 0 {
		return []Result{}, nil
	}

	assignment := Partition(ids, d.pool.Size())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	merged := make(map[string]map[string]any, len(ids))

	for workerIdx, bucket := range assignment {
		wg.Add(1)
		go func(workerIdx int, bucket []string) {
			defer wg.Done()

			objects, err := d.evaluateBucket(ctx, workerIdx, bucket)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for _, obj := range objects {
				if id, ok := obj["id"].(string); ok {
					merged[id] = obj
				}
			}
		}(workerIdx, bucket)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	results := make([]Result, 0, len(ids))
	var missing []string
	for _, id := range ids {
		obj, ok := merged[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		results = append(results, Result{ID: id, Fields: obj})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingResult, strings.Join(missing, ", "))
	}
	return results, nil
}

func (d *Dispatcher) evaluateBucket(ctx context.Context, workerIdx int, bucket []string) ([]map[string]any, error) {
	h, err := d.pool.Worker(workerIdx)
	if err != nil {
		return nil, err
	}

	req := proto.NewMsg(proto.MsgTypeEvaluate).SetPayload(proto.KeySamples, bucket)
	reply, err := h.Exchange(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("evaluate bucket of %d on worker %d: %w", len(bucket), workerIdx, err)
	}

	objects, ok := reply.GetObjects(proto.KeyObjects)
	if !ok {
		return nil, fmt.Errorf("worker %d evaluation reply carries no object list", workerIdx)
	}
	return objects, nil
}

// EvaluateBatch evaluates a previously prepared batch file. The protocol does
// not define how to shard a materialized batch file, so this runs on worker 0
// only.
func (d *Dispatcher) EvaluateBatch(ctx context.Context, batchFilename string) ([]map[string]any, error) {
	h, err := d.pool.Worker(0)
	if err != nil {
		return nil, err
	}

	req := proto.NewMsg(proto.MsgTypeEvaluateBatch).SetPayload(proto.KeyBatchFilename, batchFilename)
	reply, err := h.Exchange(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("evaluate batch %q: %w", batchFilename, err)
	}

	objects, ok := reply.GetObjects(proto.KeyObjects)
	if !ok {
		return nil, fmt.Errorf("batch evaluation reply carries no object list")
	}
	return objects, nil
}

// RunIteration executes one training iteration against a prepared batch file
// on worker 0 (single-target by protocol, like EvaluateBatch).
func (d *Dispatcher) RunIteration(ctx context.Context, batchFilename string) (*proto.Msg, error) {
	h, err := d.pool.Worker(0)
	if err != nil {
		return nil, err
	}

	req := proto.NewMsg(proto.MsgTypeIteration).SetPayload(proto.KeyBatchFilename, batchFilename)
	reply, err := h.Exchange(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("iteration on batch %q: %w", batchFilename, err)
	}
	return reply, nil
}
