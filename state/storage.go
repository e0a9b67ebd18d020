package state

import "encoding"

// Storage persists source file progress plus opaque named states (the
// embedded schema registry rides along as one of those) across restarts.
// Sink delivery checkpoints do not live here: they commit transactionally
// with the data inside the target store.
type Storage interface {
	Start() error
	Stop() error
	Save() error
	Load() error

	// Files returns a snapshot of all known source file states, keyed by
	// content hash.
	Files() (map[string]*SourceFileState, error)
	Get(hash string) (*SourceFileState, bool)
	Set(hash string, st *SourceFileState) error

	StateEncoder(name string, enc encoding.BinaryMarshaler) error
	StateDecoder(name string, dec encoding.BinaryUnmarshaler) (present bool, err error)
	EncodedState(name string) (data []byte, present bool)
	SetEncodedState(name string, data []byte)
}
