package spec

const (
	KindSource = "source"
	KindSink   = "sink"
)

// ConnectorSpec names one engine instance hosted by the pipeline. Source
// connectors feed the journal, sink connectors drain it; they never talk
// to each other directly.
type ConnectorSpec struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`   // "source" or "sink"
	Driver string `yaml:"driver"` // "csvfile", "postgres", "stdout", ...
	Config string `yaml:"config"` // driver YAML, relative to the pipeline file

	// Topics a sink consumes; sources take theirs from the driver config.
	Topics []string `yaml:"topics"`
}

type JournalSpec struct {
	Driver string `yaml:"driver"` // "kafka" or "memory"
	Config string `yaml:"config"`
}

type RegistrySpec struct {
	Kind string `yaml:"kind"` // "embedded" (default) or "http"
	URL  string `yaml:"url"`  // http only
}

type StateSpec struct {
	Kind string `yaml:"kind"` // "file" (default) or "memory"
	Path string `yaml:"path"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Journal  JournalSpec  `yaml:"journal"`
	Registry RegistrySpec `yaml:"registry"`
	State    StateSpec    `yaml:"state"`

	Connectors []ConnectorSpec `yaml:"connectors"`
}
