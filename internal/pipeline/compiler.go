package pipeline

import (
	"fmt"

	"conveyor/internal/config"
	"conveyor/internal/spec"
	"conveyor/journal"
	"conveyor/schema"
	"conveyor/sink"
	"conveyor/sink/stdout"
	"conveyor/source"
	"conveyor/state"
)

// Compile turns a pipeline spec file into a ready-to-start Runner: state
// store, schema registry, journal driver, then each connector instance
// with its driver config loaded and its bindings wired.
func Compile(path string) (*Runner, error) {
	file, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}

	store, err := buildState(file.State)
	if err != nil {
		return nil, err
	}
	if err := store.Start(); err != nil {
		return nil, fmt.Errorf("compile: state storage: %w", err)
	}

	reg, err := buildRegistry(file.Registry, store)
	if err != nil {
		store.Stop()
		return nil, err
	}

	drv, err := journal.NewDriver(file.Journal.Driver)
	if err != nil {
		store.Stop()
		return nil, fmt.Errorf("compile: %w", err)
	}
	jcfg, err := config.LoadJournalConfig(file.Journal.Config)
	if err != nil {
		store.Stop()
		return nil, err
	}
	if err := drv.Configure(jcfg); err != nil {
		store.Stop()
		return nil, fmt.Errorf("compile: journal driver: %w", err)
	}
	app, err := drv.Appender()
	if err != nil {
		drv.Close()
		store.Stop()
		return nil, fmt.Errorf("compile: journal appender: %w", err)
	}

	r := NewRunner(drv, app, store, reg)

	for _, cs := range file.Connectors {
		switch cs.Kind {
		case spec.KindSource:
			src, err := buildSource(r, cs, store, reg)
			if err != nil {
				r.Close()
				return nil, err
			}
			r.AddSource(cs, src)
		case spec.KindSink:
			snk, consumer, err := buildSink(cs, drv, app, reg)
			if err != nil {
				r.Close()
				return nil, err
			}
			r.AddSink(cs, snk, consumer)
		}
	}
	return r, nil
}

func buildState(sc spec.StateSpec) (state.Storage, error) {
	switch sc.Kind {
	case "", "file":
		p := sc.Path
		if p == "" {
			p = "conveyor.state"
		}
		return state.NewFileStorage(p)
	case "memory":
		return state.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("compile: unknown state storage kind %q", sc.Kind)
	}
}

func buildRegistry(rc spec.RegistrySpec, store state.Storage) (schema.Registry, error) {
	switch rc.Kind {
	case "", "embedded":
		reg, err := schema.NewEmbedded(store)
		if err != nil {
			return nil, err
		}
		return reg, nil
	case "http":
		if rc.URL == "" {
			return nil, fmt.Errorf("compile: http registry requires a url")
		}
		return schema.NewHTTPRegistry(rc.URL), nil
	default:
		return nil, fmt.Errorf("compile: unknown registry kind %q", rc.Kind)
	}
}

func buildSource(r *Runner, cs spec.ConnectorSpec, store state.Storage, reg schema.Registry) (source.Adapter, error) {
	src, err := source.NewAdapter(cs.Driver)
	if err != nil {
		return nil, fmt.Errorf("compile: connector %q: %w", cs.Name, err)
	}
	var cfg any
	switch cs.Driver {
	case "csvfile":
		c, err := config.LoadCSVFileConfig(cs.Config)
		if err != nil {
			return nil, fmt.Errorf("compile: connector %q: %w", cs.Name, err)
		}
		if c.RetryMaxElapsed > 0 {
			r.retryMax = c.RetryMaxElapsed
		}
		cfg = c
	default:
		return nil, fmt.Errorf("compile: connector %q: no config loader for source driver %q", cs.Name, cs.Driver)
	}
	if err := src.Configure(cfg); err != nil {
		return nil, fmt.Errorf("compile: connector %q: %w", cs.Name, err)
	}
	if b, ok := src.(interface{ BindState(state.Storage) }); ok {
		b.BindState(store)
	}
	if b, ok := src.(interface{ BindRegistry(schema.Registry) }); ok {
		b.BindRegistry(reg)
	}
	return src, nil
}

func buildSink(cs spec.ConnectorSpec, drv journal.Driver, app journal.Appender, reg schema.Registry) (sink.Adapter, journal.Consumer, error) {
	snk, err := sink.NewAdapter(cs.Driver)
	if err != nil {
		return nil, nil, fmt.Errorf("compile: connector %q: %w", cs.Name, err)
	}
	var cfg any
	switch cs.Driver {
	case "postgres":
		c, err := config.LoadPostgresConfig(cs.Config)
		if err != nil {
			return nil, nil, fmt.Errorf("compile: connector %q: %w", cs.Name, err)
		}
		cfg = c
	case "stdout":
		cfg = stdout.Config{PrintCounter: true, PrintValue: true, BatchSize: 1}
	default:
		return nil, nil, fmt.Errorf("compile: connector %q: no config loader for sink driver %q", cs.Name, cs.Driver)
	}
	if err := snk.Configure(cfg); err != nil {
		return nil, nil, fmt.Errorf("compile: connector %q: %w", cs.Name, err)
	}
	if len(cs.Topics) == 0 {
		return nil, nil, fmt.Errorf("compile: connector %q: sink needs at least one topic", cs.Name)
	}
	if b, ok := snk.(interface{ BindRegistry(schema.Registry) }); ok {
		b.BindRegistry(reg)
	}
	if b, ok := snk.(interface{ BindDeadLetter(journal.Appender) }); ok {
		b.BindDeadLetter(app)
	}
	consumer, err := drv.Consumer("conveyor-" + cs.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("compile: connector %q: consumer: %w", cs.Name, err)
	}
	return snk, consumer, nil
}
