package csvfile

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"conveyor/envelope"
	"conveyor/internal/logging"
	"conveyor/internal/telemetry"
	"conveyor/journal"
	"conveyor/schema"
	"conveyor/source"
	"conveyor/state"
)

func init() {
	source.Register("csvfile", func() source.Adapter { return &Driver{} })
}

// progress is the tracker payload: the byte offset just past a row and the
// count of rows up to it. Only the contiguous acked prefix is persisted.
// The persisted offset is a durability marker for operators, not a resume
// point: a PROCESSING file found on restart is re-read from byte zero, and
// duplicate appends are absorbed by keyed upserts on the sink side.
type progress struct {
	offset int64
	rows   int64
}

type Driver struct {
	cfg      Config
	store    state.Storage
	reg      schema.Registry
	throttle *Throttle
	gate     *gate
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup

	// stateMu serializes SourceFileState writes: journal ack callbacks
	// persist progress concurrently with the processFile status paths.
	stateMu sync.Mutex
}

func (d *Driver) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("csvfile: want Config, got %T", raw)
	}
	d.cfg = cfg
	d.gate = newGate()
	d.now = time.Now
	d.inflight = make(map[string]bool)
	if cfg.RowsPerSec > 0 {
		d.throttle = NewThrottle(cfg.RowsPerSec)
	}
	return nil
}

// BindState and BindRegistry are wired by the pipeline compiler.
func (d *Driver) BindState(st state.Storage)     { d.store = st }
func (d *Driver) BindRegistry(r schema.Registry) { d.reg = r }

// Pause stops dispatching new files; in-flight files run to completion so
// the acked-offset invariant is never broken mid-file.
func (d *Driver) Pause()  { d.gate.pause() }
func (d *Driver) Resume() { d.gate.resume() }

func (d *Driver) Run(ctx context.Context, emit source.EmitFunc) error {
	if d.store == nil || d.reg == nil {
		return fmt.Errorf("csvfile: state storage and schema registry must be bound before Run")
	}
	for _, dir := range []string{d.cfg.InputDir, d.cfg.ProcessedDir, d.cfg.ErrorDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return err
		}
	}

	w := newWatcher(d.cfg.InputDir, d.cfg.Pattern, d.cfg.ScanInterval)
	go func() { _ = w.run(ctx) }()

	sem := make(chan struct{}, d.cfg.MaxInFlightFiles)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case path := <-w.out:
			if err := d.gate.wait(ctx); err != nil {
				d.wg.Wait()
				return err
			}
			if !d.claim(path) {
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				d.release(path)
				d.wg.Wait()
				return ctx.Err()
			}
			d.wg.Add(1)
			go func(path string) {
				defer d.wg.Done()
				defer func() { <-sem }()
				defer d.release(path)
				d.processFile(ctx, path, emit)
			}(path)
		}
	}
}

func (d *Driver) Close() error {
	d.wg.Wait()
	if d.throttle != nil {
		d.throttle.Close()
	}
	return nil
}

func (d *Driver) claim(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[path] {
		return false
	}
	d.inflight[path] = true
	return true
}

func (d *Driver) release(path string) {
	d.mu.Lock()
	delete(d.inflight, path)
	d.mu.Unlock()
}

func (d *Driver) processFile(ctx context.Context, path string, emit source.EmitFunc) {
	log := logging.L().With("file", path, "topic", d.cfg.Topic)

	hash, err := hashFile(path)
	if err != nil {
		log.Warn("hash failed, will retry on next scan", "err", err)
		return
	}

	now := d.now()
	st, known := d.store.Get(hash)
	if known {
		switch st.Status {
		case state.StatusCompleted:
			// same content re-dropped: no-op besides relocation
			if err := d.relocate(path, d.cfg.ProcessedDir, hash); err != nil {
				log.Warn("relocating duplicate failed", "err", err)
			}
			log.Info("skipping already completed file", "hash", hash)
			return
		case state.StatusFailed:
			if err := d.relocate(path, d.cfg.ErrorDir, hash); err != nil {
				log.Warn("relocating failed file", "err", err)
			}
			log.Info("skipping failed file, operator intervention required", "hash", hash)
			return
		case state.StatusProcessing:
			if !st.Lease.Expired(now) && st.Lease.Owner != d.cfg.Owner {
				log.Info("file leased elsewhere", "owner", st.Lease.Owner)
				return
			}
		}
	} else {
		st = &state.SourceFileState{Path: path, Hash: hash, Status: state.StatusDiscovered}
	}

	d.stateMu.Lock()
	st.Path = path
	st.Status = state.StatusProcessing
	st.Lease = &state.Lease{ID: uuid.NewString(), Owner: d.cfg.Owner, Expiry: now.Add(d.cfg.LeaseTTL)}
	st.UpdatedAt = now
	err = d.store.Set(hash, st)
	if err == nil {
		err = d.store.Save()
	}
	d.stateMu.Unlock()
	if err != nil {
		log.Error("persisting lease failed", "err", err)
		return
	}
	log.Info("processing file", "hash", hash, "lease", st.Lease.ID)

	rows, endOffset, err := d.ingest(ctx, path, st, emit)
	d.stateMu.Lock()
	st.Lease = nil
	st.UpdatedAt = d.now()
	if err != nil {
		if ctx.Err() != nil {
			// shutdown, not failure: keep PROCESSING so a restart resumes
			st.Status = state.StatusProcessing
			_ = d.store.Set(hash, st)
			_ = d.store.Save()
			d.stateMu.Unlock()
			return
		}
		st.Status = state.StatusFailed
		partialRows, partialOffset := st.Rows, st.ByteOffset
		_ = d.store.Set(hash, st)
		_ = d.store.Save()
		d.stateMu.Unlock()
		telemetry.FilesFailed.WithLabelValues(d.cfg.Topic).Inc()
		log.Error("file failed", "rows", partialRows, "offset", partialOffset, "err", err)
		if mvErr := d.relocate(path, d.cfg.ErrorDir, hash); mvErr != nil {
			log.Error("relocating failed file", "err", mvErr)
		}
		return
	}

	st.Status = state.StatusCompleted
	st.ByteOffset = endOffset
	st.Rows = rows
	persistErr := d.store.Set(hash, st)
	if persistErr == nil {
		persistErr = d.store.Save()
	}
	d.stateMu.Unlock()
	if persistErr != nil {
		log.Error("persisting completion failed", "err", persistErr)
		return
	}
	telemetry.FilesCompleted.WithLabelValues(d.cfg.Topic).Inc()
	log.Info("file completed", "rows", rows)
	if err := d.relocate(path, d.cfg.ProcessedDir, hash); err != nil {
		log.Error("relocating completed file", "err", err)
	}
}

// ingest streams the file's rows into the journal and waits until every
// row is durably acked. Returns the row count and final byte offset.
func (d *Driver) ingest(ctx context.Context, path string, st *state.SourceFileState, emit source.EmitFunc) (int64, int64, error) {
	desc, names, err := d.resolveDescriptor(path)
	if err != nil {
		return 0, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = rune(d.cfg.Delimiter[0])
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	if d.cfg.Header {
		if _, err := r.Read(); err != nil {
			return 0, 0, &source.ParseError{Path: path, Row: 0, Cause: err}
		}
	}

	tracker := source.NewTracker[progress](d.cfg.MaxPendingRows, d.cfg.CommitInterval)
	var (
		rowNum int64
		errMu  sync.Mutex
		rowErr error
	)
	setErr := func(err error) {
		errMu.Lock()
		if rowErr == nil {
			rowErr = err
		}
		errMu.Unlock()
	}
	failed := func() error {
		errMu.Lock()
		defer errMu.Unlock()
		return rowErr
	}

	for {
		if err := failed(); err != nil {
			break
		}
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			setErr(&source.ParseError{Path: path, Row: rowNum + 1, Offset: contiguousOffset(tracker), Cause: err})
			break
		}
		rowNum++

		env, err := d.buildEnvelope(desc, names, row, rowNum)
		if err != nil {
			setErr(&source.ParseError{Path: path, Row: rowNum, Offset: contiguousOffset(tracker), Cause: err})
			break
		}
		value, err := envelope.Encode(env)
		if err != nil {
			setErr(err)
			break
		}
		rec := journal.Record{
			Key:   envelope.Key(env, d.cfg.KeyFields),
			Value: value,
			Headers: map[string][]byte{
				envelope.HeaderSubject: []byte(desc.Subject),
				envelope.HeaderVersion: []byte(fmt.Sprint(desc.Version)),
				envelope.HeaderOrigin:  []byte(filepath.Base(path)),
			},
		}

		if d.throttle != nil {
			if err := d.throttle.Acquire(ctx); err != nil {
				return rowNum, 0, err
			}
		}
		resolve, err := tracker.Track(ctx, progress{offset: r.InputOffset(), rows: rowNum})
		if err != nil {
			return rowNum, 0, ctx.Err()
		}
		err = emit(ctx, d.cfg.Topic, rec, func(_ journal.Position, appendErr error) {
			if appendErr != nil {
				setErr(fmt.Errorf("append row %d: %w", env.Row, appendErr))
				return
			}
			highest, due := resolve()
			if due && highest != nil {
				d.persistProgress(st, *highest)
			}
			telemetry.RecordsAppended.WithLabelValues(d.cfg.Topic).Inc()
		})
		if err != nil {
			setErr(err)
			break
		}
		telemetry.RowsRead.WithLabelValues(d.cfg.Topic).Inc()
	}

	if err := failed(); err != nil {
		d.persistPartial(st, tracker)
		return rowNum, 0, err
	}
	if err := tracker.WaitIdle(ctx); err != nil {
		d.persistPartial(st, tracker)
		return rowNum, 0, err
	}
	if err := failed(); err != nil {
		d.persistPartial(st, tracker)
		return rowNum, 0, err
	}
	return rowNum, r.InputOffset(), nil
}

func (d *Driver) persistProgress(st *state.SourceFileState, p progress) {
	d.stateMu.Lock()
	st.ByteOffset = p.offset
	st.Rows = p.rows
	st.UpdatedAt = d.now()
	err := d.store.Set(st.Hash, st)
	if err == nil {
		err = d.store.Save()
	}
	d.stateMu.Unlock()
	if err != nil {
		logging.L().Warn("persisting file offset failed", "file", st.Path, "err", err)
	}
}

func (d *Driver) persistPartial(st *state.SourceFileState, tracker *source.Tracker[progress]) {
	if p := tracker.Highest(); p != nil {
		d.stateMu.Lock()
		st.ByteOffset = p.offset
		st.Rows = p.rows
		d.stateMu.Unlock()
	}
}

// buildEnvelope coerces one parsed row against the descriptor. Columns the
// descriptor knows but the file lacks read back as null downstream.
func (d *Driver) buildEnvelope(desc schema.Descriptor, names []string, row []string, rowNum int64) (envelope.Envelope, error) {
	fields := make(map[string]any, len(names))
	for i, name := range names {
		f, ok := desc.Field(name)
		if !ok {
			return envelope.Envelope{}, fmt.Errorf("column %q not present in schema %s v%d", name, desc.Subject, desc.Version)
		}
		var raw string
		if i < len(row) {
			raw = row[i]
		}
		v, err := envelope.Coerce(raw, f)
		if err != nil {
			return envelope.Envelope{}, err
		}
		if v != nil {
			fields[name] = v
		}
	}
	return envelope.Envelope{Subject: desc.Subject, Version: desc.Version, Row: rowNum, Fields: fields}, nil
}

// resolveDescriptor reads the file's header and reconciles it with the
// registry: first stream file infers a v1 schema, later files either match
// the latest version or register a compatible superset; anything else is a
// schema conflict and fails the file.
func (d *Driver) resolveDescriptor(path string) (schema.Descriptor, []string, error) {
	names, err := d.readColumnNames(path)
	if err != nil {
		return schema.Descriptor{}, nil, err
	}

	latest, ok, err := d.reg.Latest(d.cfg.Subject)
	if err != nil {
		return schema.Descriptor{}, nil, err
	}
	if !ok {
		if !d.cfg.InferSchema {
			return schema.Descriptor{}, nil, fmt.Errorf("csvfile: no schema registered for %q and inference disabled", d.cfg.Subject)
		}
		inferred, err := d.inferFromFile(path, names)
		if err != nil {
			return schema.Descriptor{}, nil, err
		}
		version, err := d.reg.Register(inferred)
		if err != nil {
			return schema.Descriptor{}, nil, err
		}
		inferred.Version = version
		logging.L().Info("registered inferred schema", "subject", d.cfg.Subject, "version", version)
		return inferred, names, nil
	}

	var added []string
	for _, name := range names {
		if _, ok := latest.Field(name); !ok {
			added = append(added, name)
		}
	}
	if len(added) == 0 {
		return latest, names, nil
	}

	// new columns: infer their types from this file and register the
	// superset as the next version
	inferred, err := d.inferFromFile(path, names)
	if err != nil {
		return schema.Descriptor{}, nil, err
	}
	candidate := schema.Descriptor{Subject: d.cfg.Subject, Fields: append([]schema.Field(nil), latest.Fields...)}
	for _, name := range added {
		f, _ := inferred.Field(name)
		f.Nullable = true
		candidate.Fields = append(candidate.Fields, f)
	}
	version, err := d.reg.Register(candidate)
	if err != nil {
		return schema.Descriptor{}, nil, err
	}
	candidate.Version = version
	logging.L().Info("registered evolved schema", "subject", d.cfg.Subject, "version", version, "added", added)
	return candidate, names, nil
}

func (d *Driver) readColumnNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = rune(d.cfg.Delimiter[0])
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	first, err := r.Read()
	if err != nil {
		return nil, &source.ParseError{Path: path, Row: 0, Cause: err}
	}
	if d.cfg.Header {
		return first, nil
	}
	names := make([]string, len(first))
	for i := range first {
		names[i] = fmt.Sprintf("col_%d", i)
	}
	return names, nil
}

// inferFromFile scans every data row so a column's type reflects the whole
// file, not just its first value.
func (d *Driver) inferFromFile(path string, names []string) (schema.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return schema.Descriptor{}, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = rune(d.cfg.Delimiter[0])
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	if d.cfg.Header {
		if _, err := r.Read(); err != nil {
			return schema.Descriptor{}, &source.ParseError{Path: path, Row: 0, Cause: err}
		}
	}
	in := schema.NewInferrer(names)
	var row int64
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return schema.Descriptor{}, &source.ParseError{Path: path, Row: row + 1, Cause: err}
		}
		row++
		in.Observe(rec)
	}
	return in.Descriptor(d.cfg.Subject, d.cfg.KeyFields), nil
}

func (d *Driver) relocate(path, dir, hash string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		short := hash
		if len(short) > 8 {
			short = short[:8]
		}
		dst = filepath.Join(dir, short+"-"+filepath.Base(path))
	}
	return os.Rename(path, dst)
}

func contiguousOffset(t *source.Tracker[progress]) int64 {
	if p := t.Highest(); p != nil {
		return p.offset
	}
	return 0
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

/*──────── pause gate ───────*/

type gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

func newGate() *gate {
	g := &gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

func (g *gate) resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *gate) wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, g.cond.Broadcast)
	defer stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.paused && ctx.Err() == nil {
		g.cond.Wait()
	}
	return ctx.Err()
}
