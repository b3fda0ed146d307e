// trainerd runs a worker pool against a script folder and serves training
// operations until interrupted. It wires together the pool, protocol trace,
// run history, and the Prometheus endpoint.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trainer/pkg/channel"
	"trainer/pkg/config"
	"trainer/pkg/dispatch"
	"trainer/pkg/eventlog"
	"trainer/pkg/logx"
	"trainer/pkg/metrics"
	"trainer/pkg/persistence"
	"trainer/pkg/pool"
	"trainer/pkg/proto"
	"trainer/pkg/residency"
	"trainer/pkg/trainer"
	"trainer/pkg/workspace"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to trainer.yaml (defaults used when empty)")
		scriptDir  = flag.String("scripts", "", "Existing script folder to run in (a fresh one is created when empty)")
		workers    = flag.Int("workers", 0, "Override pool.workers from the config")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  %s [-config trainer.yaml] [-scripts dir] [-workers n]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(*configPath, *scriptDir, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "trainerd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, scriptDir string, workerOverride int) error {
	logger := logx.NewLogger("trainerd")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if workerOverride > 0 {
		cfg.Pool.Workers = workerOverride
	}

	// Script folder: reuse an existing one or create a fresh temp folder.
	var folder *workspace.Folder
	var err error
	if scriptDir != "" {
		folder, err = workspace.Open(scriptDir)
	} else {
		folder, err = workspace.Create(cfg.Pool.BaseDir)
		if err == nil {
			defer folder.Remove()
		}
	}
	if err != nil {
		return err
	}
	if cfg.Pool.SupportDir != "" {
		if err := folder.CopySupportFiles(cfg.Pool.SupportDir); err != nil {
			return err
		}
	}
	logger.Info("script folder: %s", folder.Path())

	rec := metrics.Default()

	// Protocol trace, optional.
	var observer func(int, channel.Direction, *proto.Msg)
	if cfg.Trace.Dir != "" {
		trace, err := eventlog.NewWriter(cfg.Trace.Dir)
		if err != nil {
			return err
		}
		defer trace.Close()
		observer = trace.Observer()
	}

	// Aggregated exchange stats, optional; answered from a Prometheus
	// server scraping this daemon.
	var queries *metrics.QueryService
	if cfg.Metrics.PrometheusURL != "" {
		queries, err = metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return err
		}
	}

	// Run history, optional.
	var history *persistence.Store
	runID := uuid.New().String()
	if cfg.History.Path != "" {
		history, err = persistence.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer history.Close()
		if err := history.CreateRun(runID, cfg.Pool.Workers, folder.Path()); err != nil {
			return err
		}
		defer func() {
			if err := history.FinishRun(runID); err != nil {
				logger.Warn("failed to finish run: %v", err)
			}
		}()
	}

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics on %s/metrics", cfg.Metrics.ListenAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pool.Start(ctx, pool.Config{
		Workers:          cfg.Pool.Workers,
		Command:          cfg.Pool.Command,
		Dir:              folder.Path(),
		ExchangeTimeout:  cfg.Pool.ExchangeTimeout.Std(),
		HandshakeTimeout: cfg.Pool.HandshakeTimeout.Std(),
		Observer:         observer,
		Metrics:          rec,
	})
	if err != nil {
		return err
	}
	defer p.Stop()

	ctrl := trainer.New(p, folder, trainer.Config{
		DiagramAttempts: cfg.Diagrams.Attempts,
		DiagramDelay:    cfg.Diagrams.Delay.Std(),
		RenderCommand:   cfg.Diagrams.RenderCommand,
		MaxRenderBytes:  cfg.Diagrams.MaxRenderBytes,
	}).WithMetrics(rec)
	if history != nil {
		ctrl.WithHistory(history, runID)
	}

	cmds := &commands{
		pool:    p,
		ctrl:    ctrl,
		objects: residency.NewTracker(p).WithMetrics(rec),
		eval:    dispatch.New(p),
		queries: queries,
	}

	logger.Info("pool running: %d workers, pid %d", p.Size(), os.Getpid())
	go commandLoop(ctx, stop, cmds, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// commands bundles the components driven from stdin.
type commands struct {
	pool    *pool.Pool
	ctrl    *trainer.Controller
	objects *residency.Tracker
	eval    *dispatch.Dispatcher
	queries *metrics.QueryService
}

// commandLoop drives training operations from stdin, one command per line.
// trainerd is normally run as a child of a supervising process that writes
// commands and reads the log stream.
func commandLoop(ctx context.Context, stop context.CancelFunc, cmds *commands, logger *logx.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := cmds.run(ctx, fields); err != nil {
			if err == errQuit {
				stop()
				return
			}
			logger.Error("%s: %v", fields[0], err)
			continue
		}
	}
	// stdin closed: the supervisor is gone.
	stop()
}

var errQuit = fmt.Errorf("quit")

func (c *commands) run(ctx context.Context, fields []string) error {
	switch fields[0] {
	case "reset":
		return c.pool.Reset(ctx)

	case "store":
		if len(fields) < 2 || len(fields) > 4 {
			return fmt.Errorf("usage: store <id> [inputJSON [outputJSON]]")
		}
		var input, output any
		if len(fields) > 2 {
			if err := json.Unmarshal([]byte(fields[2]), &input); err != nil {
				return fmt.Errorf("input: %w", err)
			}
		}
		if len(fields) > 3 {
			if err := json.Unmarshal([]byte(fields[3]), &output); err != nil {
				return fmt.Errorf("output: %w", err)
			}
		}
		return c.objects.Load(ctx, fields[1], input, output)

	case "forget":
		if len(fields) != 2 {
			return fmt.Errorf("usage: forget <id>")
		}
		return c.objects.Unload(ctx, fields[1])

	case "resident":
		data, err := json.Marshal(c.objects.IDs())
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil

	case "evaluate":
		if len(fields) < 2 {
			return fmt.Errorf("usage: evaluate <id>...")
		}
		results, err := c.eval.Evaluate(ctx, fields[1:])
		if err != nil {
			return err
		}
		for _, res := range results {
			data, err := json.Marshal(res.Fields)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		}
		return nil

	case "prepare":
		if len(fields) < 3 {
			return fmt.Errorf("usage: prepare <file> <id>...")
		}
		return c.ctrl.PrepareBatch(ctx, fields[2:], fields[1])

	case "iterate":
		if len(fields) != 2 {
			return fmt.Errorf("usage: iterate <file>")
		}
		res, err := c.ctrl.TrainingIteration(ctx, fields[1])
		if err != nil {
			return err
		}
		if res.Loss != nil {
			fmt.Printf("iteration done in %s, loss %g\n", res.Duration.Round(time.Millisecond), *res.Loss)
		} else {
			fmt.Printf("iteration done in %s\n", res.Duration.Round(time.Millisecond))
		}
		return nil

	case "save":
		if len(fields) != 2 {
			return fmt.Errorf("usage: save <dest>")
		}
		rc, err := c.ctrl.SaveModel(ctx)
		if err != nil {
			return err
		}
		defer rc.Close()
		dst, err := os.Create(fields[1])
		if err != nil {
			return err
		}
		defer dst.Close()
		if _, err := io.Copy(dst, rc); err != nil {
			return err
		}
		fmt.Printf("checkpoint written to %s\n", fields[1])
		return nil

	case "load":
		return c.ctrl.LoadModel(ctx)

	case "stats":
		stats, err := c.ctrl.Statistics(ctx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		fmt.Println(string(data))

		if c.queries != nil {
			exchanges, err := c.queries.GetExchangeStats(ctx)
			if err != nil {
				return err
			}
			data, err := json.Marshal(exchanges)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		}
		return nil

	case "diagrams":
		if len(fields) != 2 {
			return fmt.Errorf("usage: diagrams <outdir>")
		}
		diagrams, err := c.ctrl.ExtractDiagrams(ctx)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(fields[1], 0755); err != nil {
			return err
		}
		for _, d := range diagrams {
			if d.Err != nil {
				fmt.Printf("%s: render failed: %v\n", d.Source, d.Err)
				continue
			}
			data, err := base64.StdEncoding.DecodeString(d.Encoded)
			if err != nil {
				return err
			}
			out := filepath.Join(fields[1], d.Source+".svg")
			if err := os.WriteFile(out, data, 0644); err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", d.Source, out)
		}
		return nil

	case "quit":
		return errQuit

	default:
		return fmt.Errorf("unknown command (reset|store|forget|resident|evaluate|prepare|iterate|save|load|stats|diagrams|quit)")
	}
}
