package engine

import (
	"context"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
	"conveyor/internal/telemetry"
	"conveyor/internal/transport"
)

// Config carries the process-level knobs; everything else comes from the
// pipeline spec file.
type Config struct {
	HTTPPort    string
	MetricsPort int
	PipelineYml string
}

// Engine ties the compiled pipeline to its management surface and owns
// the shutdown sequence.
type Engine struct {
	cfg    Config
	runner *pipeline.Runner
	api    *transport.Server
}

// Bootstrap compiles the pipeline and wires the management API. Nothing
// starts moving until Run.
func Bootstrap(cfg Config) (*Engine, error) {
	runner, err := pipeline.Compile(cfg.PipelineYml)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:    cfg,
		runner: runner,
		api:    transport.NewServer(cfg.HTTPPort, runner),
	}, nil
}

// Run starts the connectors and blocks serving the management API until
// ctx is cancelled. Shutdown order: stop the API, cancel the connectors,
// then close the runner so in-flight state is persisted.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.MetricsPort > 0 {
		telemetry.Expose(e.cfg.MetricsPort)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := e.runner.Start(runCtx); err != nil {
		cancel()
		return err
	}

	go func() {
		<-ctx.Done()
		logging.L().Info("shutting down")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := e.api.Stop(stopCtx); err != nil {
			logging.L().Error("management API shutdown", "err", err)
		}
		cancel()
		if err := e.runner.Close(); err != nil {
			logging.L().Error("runner close", "err", err)
		}
	}()

	return e.api.Serve()
}
