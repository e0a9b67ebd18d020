package schema

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"conveyor/state"
)

// Registry resolves and registers versioned descriptors. Register is
// all-or-nothing: a rejected candidate leaves the registry untouched, an
// accepted one is visible to every later Resolve/Latest call.
type Registry interface {
	Register(d Descriptor) (version int, err error)
	Resolve(subject string, version int) (Descriptor, error)
	Latest(subject string) (Descriptor, bool, error)
}

const registryStateName = "schema_registry"

// Embedded is an in-process registry persisted as a named encoded state in
// the tracker storage, so registered versions survive a restart.
type Embedded struct {
	mu       sync.RWMutex
	storage  state.Storage
	subjects map[string][]Descriptor
}

func NewEmbedded(storage state.Storage) (*Embedded, error) {
	r := &Embedded{storage: storage, subjects: make(map[string][]Descriptor)}
	if storage != nil {
		data, ok := storage.EncodedState(registryStateName)
		if ok {
			if err := json.Unmarshal(data, &r.subjects); err != nil {
				return nil, fmt.Errorf("schema: corrupt registry state: %w", err)
			}
		}
	}
	return r, nil
}

func (r *Embedded) Register(d Descriptor) (int, error) {
	if err := d.validate(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.subjects[d.Subject]
	if len(versions) > 0 {
		latest := versions[len(versions)-1]
		if equalFields(latest.Fields, d.Fields) {
			return latest.Version, nil
		}
		if err := compatibilityError(latest, d); err != nil {
			return 0, err
		}
	}

	d.Version = len(versions) + 1
	r.subjects[d.Subject] = append(versions, d)
	if err := r.persistLocked(); err != nil {
		// roll the registration back so a failed persist is not half-visible
		r.subjects[d.Subject] = versions
		return 0, err
	}
	return d.Version, nil
}

func (r *Embedded) Resolve(subject string, version int) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.subjects[subject]
	if version < 1 || version > len(versions) {
		return Descriptor{}, fmt.Errorf("%w: %s v%d", ErrNotFound, subject, version)
	}
	return versions[version-1], nil
}

func (r *Embedded) Latest(subject string) (Descriptor, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.subjects[subject]
	if len(versions) == 0 {
		return Descriptor{}, false, nil
	}
	return versions[len(versions)-1], true, nil
}

func (r *Embedded) persistLocked() error {
	if r.storage == nil {
		return nil
	}
	data, err := json.Marshal(r.subjects)
	if err != nil {
		return err
	}
	r.storage.SetEncodedState(registryStateName, data)
	return r.storage.Save()
}

func equalFields(a, b []Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
