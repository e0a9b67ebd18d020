package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"conveyor/internal/engine"
	"conveyor/internal/logging"

	_ "conveyor/journal/kafka"
	_ "conveyor/journal/memory"
	_ "conveyor/sink/postgres"
	_ "conveyor/sink/stdout"
	_ "conveyor/source/csvfile"
)

func main() {
	httpPort := flag.String("http-port", "8080", "management API port")
	metricsPort := flag.Int("metrics-port", 9090, "prometheus port, 0 disables")
	pipelineYml := flag.String("pipeline", "pipeline.yml", "pipeline spec file")
	flag.Parse()

	logging.InitFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Bootstrap(engine.Config{
		HTTPPort:    *httpPort,
		MetricsPort: *metricsPort,
		PipelineYml: *pipelineYml,
	})
	if err != nil {
		logging.L().Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	if err := eng.Run(ctx); err != nil {
		logging.L().Error("engine stopped", "err", err)
		os.Exit(1)
	}
}
