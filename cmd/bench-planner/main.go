package main

import (
	"context"
	"flag"
	"os"
	"time"

	"goa.design/clue/log"

	"github.com/socraticlabs/bench/cmd/internal/setup"
	"github.com/socraticlabs/bench/pipeline/planner"
	"github.com/socraticlabs/bench/pipeline/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "bench.yaml", "Path to the YAML configuration file")
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

	cfg, err := setup.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	dialogue, _, _, err := cfg.Queues(initCtx)
	if err != nil {
		log.Fatalf(ctx, err, "connect queues")
	}
	index, err := cfg.Index(initCtx)
	if err != nil {
		log.Fatalf(ctx, err, "connect index")
	}
	blob, err := cfg.Blob(initCtx)
	if err != nil {
		log.Fatalf(ctx, err, "connect blob store")
	}
	scenarios, err := cfg.Scenarios()
	if err != nil {
		log.Fatalf(ctx, err, "load scenarios")
	}

	p, err := planner.New(planner.Options{
		Blob:      blob,
		Index:     index,
		Dialogue:  dialogue,
		Scenarios: scenarios,
		Logger:    telemetry.NewClueLogger(),
		Metrics:   telemetry.NewClueMetrics(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build planner")
	}

	res, err := p.Plan(ctx)
	if err != nil {
		log.Fatalf(ctx, err, "plan benchmark runs")
	}
	log.Print(ctx,
		log.KV{K: "manifest_id", V: res.ManifestID},
		log.KV{K: "manifest_created", V: res.ManifestCreated},
		log.KV{K: "runs_created", V: len(res.RunsCreated)},
		log.KV{K: "enqueue_failures", V: res.EnqueueFailures},
	)
	if res.EnqueueFailures > 0 {
		os.Exit(1)
	}
}
