// Package gigavector is the database façade: it composes the columnar
// primary store, one chosen ANN index, the metadata inverted index, the
// MVCC version table, and the write-ahead log into a single handle with
// an open/write/search/save/close lifecycle (spec.md §4.7).
package gigavector

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	crc32klaus "github.com/klauspost/crc32"

	"github.com/gigavector/gigavector/pkg/core"
	"github.com/gigavector/gigavector/pkg/index"
	"github.com/gigavector/gigavector/pkg/wal"
)

const snapshotMagic = "GVDB"
const snapshotVersion = 3

// config is built from functional Options at Open time.
type config struct {
	logger    core.Logger
	walDir    string
	hnswOpts  []index.HNSWOption
	ivfpqOpts []index.IVFPQOption
	oversample int
}

func defaultConfig() config {
	return config{
		logger:     core.NopLogger(),
		oversample: 4,
	}
}

// Option configures a DB at Open time.
type Option func(*config)

// WithLogger sets the logger used for replay, checkpoint, and corruption
// events. Defaults to a no-op logger.
func WithLogger(l core.Logger) Option { return func(c *config) { c.logger = l } }

// WithWALDir overrides where the WAL file is placed, taking precedence
// over the GV_WAL_DIR environment variable (spec.md §6).
func WithWALDir(dir string) Option { return func(c *config) { c.walDir = dir } }

// WithHNSWOptions forwards options to index.NewHNSW when indexType is
// index.TypeHNSW.
func WithHNSWOptions(opts ...index.HNSWOption) Option {
	return func(c *config) { c.hnswOpts = opts }
}

// WithIVFPQOptions forwards options to index.NewIVFPQ when indexType is
// index.TypeIVFPQ.
func WithIVFPQOptions(opts ...index.IVFPQOption) Option {
	return func(c *config) { c.ivfpqOpts = opts }
}

// WithOversample sets the post-filter oversampling multiplier (default 4,
// per spec.md §4.7 "The façade oversamples (default 4×k)...").
func WithOversample(n int) Option { return func(c *config) { c.oversample = n } }

// DB is an open GigaVector instance: one dimension, one index type, one
// primary store, one WAL, for the lifetime of the handle.
type DB struct {
	mu sync.RWMutex

	path      string
	dim       int
	indexType index.Type

	storage  *core.Storage
	metaIdx  *core.MetaIndex
	versions *core.VersionTable
	idx      index.Index

	w         *wal.WAL
	walPath   string
	replaying bool

	logger     core.Logger
	oversample int
	closed     bool
}

// storageSource adapts core.Storage to index.VectorSource so HNSW can
// resolve a vector id back to its payload without owning a copy.
type storageSource struct{ s *core.Storage }

func (a storageSource) GetVector(id int) ([]float32, []index.MetaPair, bool) {
	v, err := a.s.GetView(id)
	if err != nil {
		return nil, nil, false
	}
	deleted, err := a.s.IsDeleted(id)
	if err != nil || deleted {
		return nil, nil, false
	}
	return v.Data, toMetaPairs(v.Meta), true
}

func (a storageSource) IsDeleted(id int) bool {
	d, err := a.s.IsDeleted(id)
	return err == nil && d
}

func toMetaPairs(m core.Metadata) []index.MetaPair {
	out := make([]index.MetaPair, len(m))
	for i, e := range m {
		out[i] = index.MetaPair{Key: e.Key, Value: e.Value}
	}
	return out
}

func toMetadata(m []index.MetaPair) core.Metadata {
	out := make(core.Metadata, len(m))
	for i, e := range m {
		out[i] = core.MetaEntry{Key: e.Key, Value: e.Value}
	}
	return out
}

// sourceSetter is implemented by indexes that resolve vectors through a
// VectorSource rather than owning a full copy (HNSW; IVF-PQ keeps its own
// copy for rerank and does not need this).
type sourceSetter interface {
	SetSource(index.VectorSource)
}

// trainer is implemented by indexes that require an offline training step
// before Insert/Search (IVF-PQ).
type trainer interface {
	Train([][]float32) error
}

func newIndex(dim int, t index.Type, cfg config) (index.Index, error) {
	switch t {
	case index.TypeHNSW:
		return index.NewHNSW(dim, cfg.hnswOpts...), nil
	case index.TypeIVFPQ:
		return index.NewIVFPQ(dim, cfg.ivfpqOpts...), nil
	default:
		return nil, fmt.Errorf("gigavector: new index: %w: unsupported index type %d", core.ErrInvalidArgument, t)
	}
}

func (db *DB) wireSource() {
	if ss, ok := db.idx.(sourceSetter); ok {
		ss.SetSource(storageSource{s: db.storage})
	}
}

// Open opens (or creates) a database at path for vectors of the given
// dimension, using the requested index type. See spec.md §4.7 for the full
// open protocol.
func Open(path string, dim int, indexType index.Type, opts ...Option) (*DB, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.walDir == "" {
		cfg.walDir = os.Getenv("GV_WAL_DIR")
	}

	db := &DB{
		path:       path,
		dim:        dim,
		indexType:  indexType,
		logger:     cfg.logger,
		oversample: cfg.oversample,
		versions:   core.NewVersionTable(),
		metaIdx:    core.NewMetaIndex(),
	}

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if err := db.loadSnapshot(path, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(statErr):
		db.storage = core.NewStorage(dim)
		idx, err := newIndex(dim, indexType, cfg)
		if err != nil {
			return nil, err
		}
		db.idx = idx
		db.wireSource()
	default:
		return nil, fmt.Errorf("gigavector: open: %w: %v", core.ErrIO, statErr)
	}

	walPath := path + ".wal"
	if cfg.walDir != "" {
		walPath = filepath.Join(cfg.walDir, filepath.Base(path)+".wal")
	}
	w, err := wal.Open(walPath, dim, uint32(indexType))
	if err != nil {
		return nil, fmt.Errorf("gigavector: open: %w", err)
	}
	db.w = w
	db.walPath = walPath

	if err := db.replayWAL(); err != nil {
		w.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) loadSnapshot(path string, cfg config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("gigavector: open: %w: %v", core.ErrIO, err)
	}
	if len(raw) < 4+4+4+8+4+4 {
		return fmt.Errorf("gigavector: open: %w: truncated snapshot", core.ErrCorruptSnapshot)
	}
	body := raw[:len(raw)-4]
	wantCRC := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	gotCRC := crc32klaus.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		db.logger.Error("snapshot corrupted", "path", path, "reason", "crc mismatch")
		return fmt.Errorf("gigavector: open: %w: crc mismatch", core.ErrCorruptSnapshot)
	}

	r := bytes.NewReader(body)
	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil || string(magic) != snapshotMagic {
		return fmt.Errorf("gigavector: open: %w: bad magic", core.ErrCorruptSnapshot)
	}
	var version, fileDim, fileIndexType uint32
	var count uint64
	for _, p := range []*uint32{&version, &fileDim} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return fmt.Errorf("gigavector: open: %w: %v", core.ErrCorruptSnapshot, err)
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("gigavector: open: %w: %v", core.ErrCorruptSnapshot, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &fileIndexType); err != nil {
		return fmt.Errorf("gigavector: open: %w: %v", core.ErrCorruptSnapshot, err)
	}
	if int(fileDim) != db.dim {
		return fmt.Errorf("gigavector: open: %w: dim mismatch (file=%d want=%d)", core.ErrCorruptSnapshot, fileDim, db.dim)
	}
	if index.Type(fileIndexType) != db.indexType {
		return fmt.Errorf("gigavector: open: %w: index type mismatch (file=%d want=%d)", core.ErrCorruptSnapshot, fileIndexType, db.indexType)
	}

	storage := core.NewStorage(db.dim)
	for id := uint64(0); id < count; id++ {
		deleted, err := readBool(r)
		if err != nil {
			return fmt.Errorf("gigavector: open: %w: %v", core.ErrCorruptSnapshot, err)
		}
		data, err := readFloatsSnapshot(r, db.dim)
		if err != nil {
			return fmt.Errorf("gigavector: open: %w: %v", core.ErrCorruptSnapshot, err)
		}
		meta, err := readMetaSnapshot(r)
		if err != nil {
			return fmt.Errorf("gigavector: open: %w: %v", core.ErrCorruptSnapshot, err)
		}
		rowID, err := storage.Add(data, meta)
		if err != nil {
			return fmt.Errorf("gigavector: open: %w: %v", core.ErrCorruptSnapshot, err)
		}
		if deleted {
			storage.MarkDeleted(rowID)
		}
	}

	idx, err := newIndex(db.dim, db.indexType, cfg)
	if err != nil {
		return err
	}
	if err := idx.Load(r); err != nil {
		return fmt.Errorf("gigavector: open: %w: %v", core.ErrCorruptSnapshot, err)
	}

	db.storage = storage
	db.idx = idx
	db.wireSource()

	metaIdx := core.NewMetaIndex()
	storage.Range(func(id int, v core.View) error {
		for _, e := range v.Meta {
			metaIdx.Add(e.Key, e.Value, id)
		}
		return nil
	})
	db.metaIdx = metaIdx

	db.logger.Info("loaded snapshot", "path", path, "count", count)
	return nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func readFloatsSnapshot(r *bytes.Reader, dim int) ([]float32, error) {
	return readFloatsN(r, dim)
}

func readMetaSnapshot(r *bytes.Reader) (core.Metadata, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make(core.Metadata, n)
	for i := range out {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		out[i] = core.MetaEntry{Key: k, Value: v}
	}
	return out, nil
}

func (db *DB) replayWAL() error {
	db.replaying = true
	defer func() { db.replaying = false }()

	var inserted, deleted, updated int
	err := db.w.Replay(func(rec wal.Record) error {
		switch rec.Type {
		case wal.RecInsert:
			id, err := db.storage.Add(rec.Data, rec.Meta)
			if err != nil {
				return err
			}
			if err := db.idx.Insert(id, rec.Data, toMetaPairs(rec.Meta)); err != nil {
				return err
			}
			for _, e := range rec.Meta {
				db.metaIdx.Add(e.Key, e.Value, id)
			}
			inserted++
		case wal.RecDelete:
			id := int(rec.ID)
			if err := db.storage.MarkDeleted(id); err != nil {
				return err
			}
			if err := db.idx.Delete(id); err != nil {
				return err
			}
			deleted++
		case wal.RecUpdate:
			id := int(rec.ID)
			view, err := db.storage.GetView(id)
			if err != nil {
				return err
			}
			oldMeta := view.Meta.Clone()
			if err := db.storage.UpdateData(id, rec.Data); err != nil {
				return err
			}
			if err := db.storage.UpdateMetadata(id, rec.Meta); err != nil {
				return err
			}
			if err := db.idx.Update(id, rec.Data, toMetaPairs(rec.Meta)); err != nil {
				return err
			}
			db.metaIdx.Update(id, oldMeta, rec.Meta)
			updated++
		}
		db.logger.Debug("wal record replayed", "type", rec.Type)
		return nil
	})
	if err != nil {
		db.logger.Error("wal replay failed", "path", db.path, "error", err)
		return err
	}
	if inserted+deleted+updated > 0 {
		db.logger.Info("wal replay complete", "inserted", inserted, "deleted", deleted, "updated", updated)
	}
	return nil
}

// Train trains the active index, when it requires training (IVF-PQ).
// Returns an error if the active index does not support training.
func (db *DB) Train(samples [][]float32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.idx.(trainer)
	if !ok {
		return fmt.Errorf("gigavector: train: %w: index type %d does not require training", core.ErrInvalidArgument, db.indexType)
	}
	return t.Train(samples)
}

// Add inserts a vector with metadata, returning its new id (spec.md §4.7).
func (db *DB) Add(data []float32, meta core.Metadata) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(data) != db.dim {
		return 0, fmt.Errorf("gigavector: add: %w", core.ErrInvalidArgument)
	}
	if !db.replaying {
		if err := db.w.AppendInsert(data, meta); err != nil {
			return 0, fmt.Errorf("gigavector: add: %w", err)
		}
	}
	id, err := db.storage.Add(data, meta.Clone())
	if err != nil {
		return 0, err
	}
	if err := db.idx.Insert(id, data, toMetaPairs(meta)); err != nil {
		return 0, err
	}
	for _, e := range meta {
		db.metaIdx.Add(e.Key, e.Value, id)
	}
	return id, nil
}

// Delete unconditionally soft-deletes id (spec.md §4.7's delete_by_id).
func (db *DB) Delete(id int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	view, err := db.storage.GetView(id)
	if err != nil {
		return err
	}
	if !db.replaying {
		if err := db.w.AppendDelete(uint64(id)); err != nil {
			return fmt.Errorf("gigavector: delete: %w", err)
		}
	}
	if err := db.storage.MarkDeleted(id); err != nil {
		return err
	}
	if err := db.idx.Delete(id); err != nil {
		return err
	}
	db.metaIdx.RemoveAll(id, view.Meta)
	return nil
}

// UpdateMetadata unconditionally replaces id's metadata list (spec.md
// §4.7's update_metadata write op).
func (db *DB) UpdateMetadata(id int, newMeta core.Metadata) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	view, err := db.storage.GetView(id)
	if err != nil {
		return err
	}
	oldMeta := view.Meta.Clone()
	data := append([]float32(nil), view.Data...)
	if !db.replaying {
		if err := db.w.AppendUpdate(uint64(id), data, newMeta); err != nil {
			return fmt.Errorf("gigavector: update metadata: %w", err)
		}
	}
	if err := db.storage.UpdateMetadata(id, newMeta); err != nil {
		return err
	}
	if err := db.idx.Update(id, data, toMetaPairs(newMeta)); err != nil {
		return err
	}
	db.metaIdx.Update(id, oldMeta, newMeta)
	return nil
}

func pushdownCapable(t index.Type) bool { return t == index.TypeHNSW }

// Search returns up to k nearest neighbours of query under an optional
// metadata equality filter (spec.md §4.7).
func (db *DB) Search(query []float32, k int, filter *index.Filter) ([]index.SearchResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if k <= 0 {
		return nil, fmt.Errorf("gigavector: search: %w", core.ErrInvalidArgument)
	}

	searchK := k
	pushFilter := filter
	if filter != nil && !pushdownCapable(db.indexType) {
		pushFilter = nil
		searchK = k * db.oversample
		if searchK < k {
			searchK = k
		}
	}

	results, err := db.idx.Search(query, searchK, pushFilter)
	if err != nil {
		return nil, err
	}
	if filter != nil && !pushdownCapable(db.indexType) {
		results = db.postFilter(results, filter)
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// RangeSearch returns every neighbour of query within radius, up to
// maxResults, under an optional metadata equality filter.
func (db *DB) RangeSearch(query []float32, radius float32, maxResults int, filter *index.Filter) ([]index.SearchResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	fetch := maxResults
	if filter != nil {
		fetch = maxResults * db.oversample
	}

	results, err := db.idx.RangeSearch(query, radius, fetch)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		results = db.postFilter(results, filter)
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func (db *DB) postFilter(results []index.SearchResult, filter *index.Filter) []index.SearchResult {
	out := results[:0]
	for _, r := range results {
		view, err := db.storage.GetView(r.ID)
		if err != nil {
			continue
		}
		if v, ok := view.Meta.Get(filter.Key); ok && v == filter.Value {
			out = append(out, r)
		}
	}
	return out
}

// Rebuild reconstructs the active index from scratch from live storage
// rows, discarding decayed graph/list structure (spec.md §9).
func (db *DB) Rebuild() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.idx.Rebuild(storageSource{s: db.storage})
}

// Stats is a read-only snapshot of the database's current size.
type Stats struct {
	Count     int
	IndexType index.Type
	WALBytes  int64
}

// Stats reports current size and index type.
func (db *DB) Stats() (Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var walBytes int64
	if info, err := os.Stat(db.walPath); err == nil {
		walBytes = info.Size()
	}
	return Stats{Count: db.storage.Count(), IndexType: db.indexType, WALBytes: walBytes}, nil
}

// Save writes a checkpoint snapshot, then truncates the WAL (spec.md
// §4.7's Save). Uses a uuid-suffixed staging file plus rename so a
// concurrent or crashed checkpoint attempt never corrupts the live file.
func (db *DB) Save() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	writeU32(&buf, snapshotVersion)
	writeU32(&buf, uint32(db.dim))
	writeU64(&buf, uint64(db.storage.Count()))
	writeU32(&buf, uint32(db.indexType))

	for id := 0; id < db.storage.Count(); id++ {
		view, err := db.storage.GetView(id)
		if err != nil {
			return err
		}
		deleted, err := db.storage.IsDeleted(id)
		if err != nil {
			return err
		}
		writeBoolTo(&buf, deleted)
		writeFloatsN(&buf, view.Data)
		writeMetaN(&buf, view.Meta)
	}

	if err := db.idx.Save(&buf); err != nil {
		return fmt.Errorf("gigavector: save: %w", err)
	}

	sum := crc32klaus.ChecksumIEEE(buf.Bytes())
	writeU32(&buf, sum)

	staging := db.path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(staging, buf.Bytes(), 0o644); err != nil {
		os.Remove(staging)
		return fmt.Errorf("gigavector: save: %w: %v", core.ErrIO, err)
	}
	if err := os.Rename(staging, db.path); err != nil {
		os.Remove(staging)
		return fmt.Errorf("gigavector: save: %w: %v", core.ErrIO, err)
	}

	if err := db.w.Reset(); err != nil {
		return fmt.Errorf("gigavector: save: %w", err)
	}
	db.logger.Info("checkpoint complete", "path", db.path, "count", db.storage.Count())
	return nil
}

// Close flushes and closes the WAL. It does not implicitly Save.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.w.Close()
}
