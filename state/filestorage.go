package state

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conveyor/internal/logging"
)

const autoSaveInterval = 20 * time.Second

// FileStorage keeps the tracker state in a single length-prefixed binary
// file, saved atomically (temp file + rename) on a timer and on Stop.
type FileStorage struct {
	path  string
	mu    sync.Mutex
	files map[string]*SourceFileState

	encodedStates map[string][]byte

	ticker *time.Ticker
	done   chan struct{}
}

func NewFileStorage(path string) (*FileStorage, error) {
	dir := filepath.Dir(path)
	fi, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, err
		}
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("state: parent path %q is not a directory", dir)
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return nil, fmt.Errorf("state: path %q exists but is a directory", path)
	}
	return &FileStorage{
		path:          path,
		files:         make(map[string]*SourceFileState),
		encodedStates: make(map[string][]byte),
		done:          make(chan struct{}),
	}, nil
}

func (f *FileStorage) Start() error {
	logging.L().Info("starting file state storage", "path", f.path)
	if err := f.Load(); err != nil {
		return err
	}
	if f.ticker == nil {
		f.ticker = time.NewTicker(autoSaveInterval)
		go f.autoSave()
	}
	return nil
}

func (f *FileStorage) Stop() error {
	logging.L().Info("stopping file state storage", "path", f.path)
	if f.ticker != nil {
		f.ticker.Stop()
		close(f.done)
	}
	return f.Save()
}

func (f *FileStorage) autoSave() {
	for {
		select {
		case <-f.done:
			return
		case <-f.ticker.C:
			if err := f.Save(); err != nil {
				logging.L().Error("state auto-save failed", "path", f.path, "err", err)
			}
		}
	}
}

func (f *FileStorage) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data := make([]byte, 0, 1024)
	data = binary.BigEndian.AppendUint32(data, uint32(len(f.files)))
	for key, st := range f.files {
		data = appendString(data, key)
		record, err := st.MarshalBinary()
		if err != nil {
			return err
		}
		data = binary.BigEndian.AppendUint32(data, uint32(len(record)))
		data = append(data, record...)
	}
	data = binary.BigEndian.AppendUint32(data, uint32(len(f.encodedStates)))
	for name, blob := range f.encodedStates {
		data = appendString(data, name)
		data = binary.BigEndian.AppendUint32(data, uint32(len(blob)))
		data = append(data, blob...)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o666); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStorage) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	files := make(map[string]*SourceFileState)
	count, data, err := readUint32(data)
	if err != nil {
		return fmt.Errorf("state: corrupt storage file %q: %w", f.path, err)
	}
	for i := uint32(0); i < count; i++ {
		var key string
		if key, data, err = readString(data); err != nil {
			return fmt.Errorf("state: corrupt storage file %q: %w", f.path, err)
		}
		var n uint32
		if n, data, err = readUint32(data); err != nil {
			return fmt.Errorf("state: corrupt storage file %q: %w", f.path, err)
		}
		if len(data) < int(n) {
			return fmt.Errorf("state: corrupt storage file %q: truncated record", f.path)
		}
		st := &SourceFileState{}
		if err := st.UnmarshalBinary(data[:n]); err != nil {
			return fmt.Errorf("state: corrupt storage file %q: %w", f.path, err)
		}
		files[key] = st
		data = data[n:]
	}

	encoded := make(map[string][]byte)
	count, data, err = readUint32(data)
	if err != nil {
		return fmt.Errorf("state: corrupt storage file %q: %w", f.path, err)
	}
	for i := uint32(0); i < count; i++ {
		var name string
		if name, data, err = readString(data); err != nil {
			return fmt.Errorf("state: corrupt storage file %q: %w", f.path, err)
		}
		var n uint32
		if n, data, err = readUint32(data); err != nil {
			return fmt.Errorf("state: corrupt storage file %q: %w", f.path, err)
		}
		if len(data) < int(n) {
			return fmt.Errorf("state: corrupt storage file %q: truncated state", f.path)
		}
		encoded[name] = append([]byte(nil), data[:n]...)
		data = data[n:]
	}

	f.files = files
	f.encodedStates = encoded
	return nil
}

func (f *FileStorage) Files() (map[string]*SourceFileState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*SourceFileState, len(f.files))
	for k, v := range f.files {
		out[k] = v
	}
	return out, nil
}

func (f *FileStorage) Get(hash string) (*SourceFileState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.files[hash]
	return st, ok
}

func (f *FileStorage) Set(hash string, st *SourceFileState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[hash] = st
	return nil
}

func (f *FileStorage) StateEncoder(name string, enc encoding.BinaryMarshaler) error {
	data, err := enc.MarshalBinary()
	if err != nil {
		return err
	}
	f.SetEncodedState(name, data)
	return nil
}

func (f *FileStorage) StateDecoder(name string, dec encoding.BinaryUnmarshaler) (bool, error) {
	if data, ok := f.EncodedState(name); ok {
		return true, dec.UnmarshalBinary(data)
	}
	return false, nil
}

func (f *FileStorage) EncodedState(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.encodedStates[name]
	return data, ok
}

func (f *FileStorage) SetEncodedState(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encodedStates[name] = data
}

func readUint32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("truncated length prefix")
	}
	return binary.BigEndian.Uint32(data[:4]), data[4:], nil
}
