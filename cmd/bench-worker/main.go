package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/socraticlabs/bench/cmd/internal/setup"
	"github.com/socraticlabs/bench/pipeline/curator"
	"github.com/socraticlabs/bench/pipeline/judge"
	"github.com/socraticlabs/bench/pipeline/queue"
	"github.com/socraticlabs/bench/pipeline/runner"
	"github.com/socraticlabs/bench/pipeline/telemetry"
	"github.com/socraticlabs/bench/pipeline/worker"
)

func main() {
	var (
		configF = flag.String("config", "bench.yaml", "Path to the YAML configuration file")
		roleF   = flag.String("role", "runner", "Worker role (valid values: runner, judge, curator)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "role", V: *roleF})

	cfg, err := setup.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	dialogue, judgment, signals, err := cfg.Queues(initCtx)
	if err != nil {
		cancel()
		log.Fatalf(ctx, err, "connect queues")
	}
	index, err := cfg.Index(initCtx)
	if err != nil {
		cancel()
		log.Fatalf(ctx, err, "connect index")
	}
	blob, err := cfg.Blob(initCtx)
	if err != nil {
		cancel()
		log.Fatalf(ctx, err, "connect blob store")
	}
	cancel()

	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewClueMetrics()
	)

	// Build the role handler and the queue it consumes.
	var (
		q       queue.Queue
		group   string
		handler worker.Handler
	)
	switch *roleF {
	case "runner":
		invoker, err := cfg.Invoker()
		if err != nil {
			log.Fatalf(ctx, err, "build invoker")
		}
		scenarios, err := cfg.Scenarios()
		if err != nil {
			log.Fatalf(ctx, err, "load scenarios")
		}
		r, err := runner.New(runner.Options{
			Index:     index,
			Blob:      blob,
			Invoker:   invoker,
			Scenarios: scenarios,
			Judgment:  judgment,
			Logger:    logger,
			Metrics:   metrics,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build runner")
		}
		q, group, handler = dialogue, "runners", r.Handle
	case "judge":
		invoker, err := cfg.Invoker()
		if err != nil {
			log.Fatalf(ctx, err, "build invoker")
		}
		j, err := judge.New(judge.Options{
			Index:   index,
			Blob:    blob,
			Signals: signals,
			Invoker: invoker,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build judge")
		}
		q, group, handler = judgment, "judges", j.Handle
	case "curator":
		c, err := curator.New(curator.Options{
			Index:   index,
			Blob:    blob,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build curator")
		}
		q, group, handler = signals, "curators", c.Handle
	default:
		log.Fatal(ctx, fmt.Errorf("invalid role: %q (valid roles: runner, judge, curator)", *roleF))
	}

	w, err := worker.New(worker.Options{
		Queue:       q,
		Group:       group,
		Handler:     handler,
		Blob:        blob,
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build worker")
	}

	// Create channel used by both the signal handler and worker goroutine to
	// notify the main goroutine when to stop.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the worker
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, stop := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- err
		}
	}()

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the worker goroutine.
	stop()

	wg.Wait()
	log.Printf(ctx, "exited")
}
