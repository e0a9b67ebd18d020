package state

import (
	"encoding"
	"sync"
)

// MemoryStorage satisfies Storage without touching disk. Used by tests and
// throwaway local runs; nothing survives a restart.
type MemoryStorage struct {
	mu            sync.Mutex
	files         map[string]*SourceFileState
	encodedStates map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		files:         make(map[string]*SourceFileState),
		encodedStates: make(map[string][]byte),
	}
}

func (m *MemoryStorage) Start() error { return nil }
func (m *MemoryStorage) Stop() error  { return nil }
func (m *MemoryStorage) Save() error  { return nil }
func (m *MemoryStorage) Load() error  { return nil }

func (m *MemoryStorage) Files() (map[string]*SourceFileState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*SourceFileState, len(m.files))
	for k, v := range m.files {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStorage) Get(hash string) (*SourceFileState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.files[hash]
	return st, ok
}

func (m *MemoryStorage) Set(hash string, st *SourceFileState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[hash] = st
	return nil
}

func (m *MemoryStorage) StateEncoder(name string, enc encoding.BinaryMarshaler) error {
	data, err := enc.MarshalBinary()
	if err != nil {
		return err
	}
	m.SetEncodedState(name, data)
	return nil
}

func (m *MemoryStorage) StateDecoder(name string, dec encoding.BinaryUnmarshaler) (bool, error) {
	if data, ok := m.EncodedState(name); ok {
		return true, dec.UnmarshalBinary(data)
	}
	return false, nil
}

func (m *MemoryStorage) EncodedState(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.encodedStates[name]
	return data, ok
}

func (m *MemoryStorage) SetEncodedState(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encodedStates[name] = data
}
