package journal

import "fmt"

// Factory builds a Driver (e.g., the sarama-backed Kafka driver).
type Factory func() Driver

var registry = map[string]Factory{}

// Register is called from each driver's init() or from main().
func Register(name string, f Factory) {
	registry[name] = f
}

// NewDriver returns a driver by name ("kafka", "memory", ...).
func NewDriver(name string) (Driver, error) {
	if f, ok := registry[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("journal: unsupported driver %q", name)
}
