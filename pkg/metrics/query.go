package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ExchangeStats aggregates exchange metrics for display.
type ExchangeStats struct {
	Exchanges   int64   `json:"exchanges"`
	Failures    int64   `json:"failures"`
	Evaluations int64   `json:"evaluations"`
	Iterations  int64   `json:"iterations"`
	AvgSeconds  float64 `json:"avg_seconds"`
}

// QueryService queries aggregated orchestrator metrics from a Prometheus
// server scraping the /metrics endpoint.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetExchangeStats aggregates exchange totals and mean latency across all
// workers.
func (q *QueryService) GetExchangeStats(ctx context.Context) (*ExchangeStats, error) {
	stats := &ExchangeStats{}

	total, err := q.scalar(ctx, `sum(trainer_exchanges_total)`)
	if err != nil {
		return nil, err
	}
	stats.Exchanges = int64(total)

	failures, err := q.scalar(ctx, `sum(trainer_exchanges_total{status!="ok"})`)
	if err != nil {
		return nil, err
	}
	stats.Failures = int64(failures)

	evals, err := q.scalar(ctx, `sum(trainer_exchanges_total{type="evaluate"})`)
	if err != nil {
		return nil, err
	}
	stats.Evaluations = int64(evals)

	iterations, err := q.scalar(ctx, `sum(trainer_exchanges_total{type="iteration"})`)
	if err != nil {
		return nil, err
	}
	stats.Iterations = int64(iterations)

	avg, err := q.scalar(ctx,
		`sum(trainer_exchange_duration_seconds_sum) / sum(trainer_exchange_duration_seconds_count)`)
	if err != nil {
		return nil, err
	}
	stats.AvgSeconds = avg

	return stats, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, warnings, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query %q: %w", query, err)
	}
	if len(warnings) > 0 {
		return 0, fmt.Errorf("query %q returned warnings: %v", query, warnings)
	}

	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
