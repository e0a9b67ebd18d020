package source

import "fmt"

// Factory builds an Adapter (e.g., the csvfile driver).
type Factory func() Adapter

var registry = map[string]Factory{}

// Register is called from each driver's init() or main() factory map.
func Register(name string, f Factory) {
	registry[name] = f
}

// NewAdapter returns a driver by name ("csvfile", ...).
func NewAdapter(name string) (Adapter, error) {
	if f, ok := registry[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("source: unsupported driver %q", name)
}
