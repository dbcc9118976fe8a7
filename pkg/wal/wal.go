// Package wal implements GigaVector's append-only write-ahead log: a
// header identifying the log's dimension and index type, followed by a
// stream of per-record CRC32-protected mutation records (spec.md §4.6, §6).
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	crc32klaus "github.com/klauspost/crc32"

	"github.com/gigavector/gigavector/pkg/core"
)

// Magic is the WAL file's ASCII header magic.
const Magic = "GVW1"

// CurrentVersion is the version a freshly created WAL is written as.
const CurrentVersion = 3

// Record type tags.
type RecordType uint8

const (
	RecInsert RecordType = 1
	RecDelete RecordType = 2
	RecUpdate RecordType = 3
)

// Record is one decoded WAL entry.
type Record struct {
	Type RecordType
	ID   uint64        // target id for Delete/Update; unused for Insert
	Data []float32     // payload for Insert/Update
	Meta core.Metadata // metadata for Insert/Update
}

// WAL is an open write-ahead log file.
type WAL struct {
	f         *os.File
	w         *bufio.Writer
	path      string
	version   uint32
	dim       int
	indexType uint32
}

// Open opens (creating if absent) the WAL at path for a database of the
// given dim and indexType. An existing v1 file has no per-record CRC and
// no index-type word; v2 adds CRC; v3 adds CRC + index-type. Mismatched
// dimension or (for v3+) index-type aborts with an error wrapping
// core.ErrCorruptWAL.
func Open(path string, dim int, indexType uint32) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}

	w := &WAL{f: f, path: path, dim: dim, indexType: indexType}

	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		w.version = CurrentVersion
		w.w = bufio.NewWriter(f)
		return w, nil
	}

	if err := w.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if w.dim != dim {
		f.Close()
		return nil, fmt.Errorf("wal: %w: dim mismatch (file=%d want=%d)", core.ErrCorruptWAL, w.dim, dim)
	}
	if w.version >= 3 && w.indexType != indexType {
		f.Close()
		return nil, fmt.Errorf("wal: %w: index type mismatch (file=%d want=%d)", core.ErrCorruptWAL, w.indexType, indexType)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: seek %s: %w", path, err)
	}
	w.w = bufio.NewWriter(f)
	return w, nil
}

func (w *WAL) writeHeader() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek header: %w", err)
	}
	buf := make([]byte, 0, 16)
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint32(buf, CurrentVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(w.dim))
	buf = binary.LittleEndian.AppendUint32(buf, w.indexType)
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	return nil
}

func (w *WAL) readHeader() error {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(w.f, magic); err != nil {
		return fmt.Errorf("wal: %w: %v", core.ErrCorruptWAL, err)
	}
	if string(magic) != Magic {
		return fmt.Errorf("wal: %w: bad magic %q", core.ErrCorruptWAL, magic)
	}
	var version, dim uint32
	if err := binary.Read(w.f, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("wal: %w: %v", core.ErrCorruptWAL, err)
	}
	if err := binary.Read(w.f, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("wal: %w: %v", core.ErrCorruptWAL, err)
	}
	w.version = version
	w.dim = int(dim)
	if version >= 3 {
		var indexType uint32
		if err := binary.Read(w.f, binary.LittleEndian, &indexType); err != nil {
			return fmt.Errorf("wal: %w: %v", core.ErrCorruptWAL, err)
		}
		w.indexType = indexType
	}
	return nil
}

// Version reports the on-disk WAL format version currently in effect
// (1, 2, or 3).
func (w *WAL) Version() uint32 { return w.version }

func encodeInsertOrUpdate(t RecordType, id uint64, data []float32, meta core.Metadata) []byte {
	size := 1
	if t == RecUpdate {
		size += 8
	}
	size += 4 + len(data)*4 + 4
	for _, e := range meta {
		size += 4 + len(e.Key) + 4 + len(e.Value)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(t))
	if t == RecUpdate {
		buf = binary.LittleEndian.AppendUint64(buf, id)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	for _, v := range data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(meta)))
	for _, e := range meta {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

func encodeDelete(id uint64) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, byte(RecDelete))
	buf = binary.LittleEndian.AppendUint64(buf, id)
	return buf
}

// AppendInsert appends an INSERT record for data/meta and flushes it to
// disk (fflush semantics; not fsync'd — spec.md §4.6 requires durability
// only at checkpoint, not per record).
func (w *WAL) AppendInsert(data []float32, meta core.Metadata) error {
	return w.append(encodeInsertOrUpdate(RecInsert, 0, data, meta))
}

// AppendDelete appends a DELETE record for id. Rejected under an opened
// v1/v2 WAL because v3's richer recovery is canonical (spec.md §9). Open
// writes a v3 header only for a new or empty file and keeps an existing
// file's older version; such a log accepts DELETE records again only after
// Reset has rewritten its header as v3.
func (w *WAL) AppendDelete(id uint64) error {
	if w.version < 3 {
		return fmt.Errorf("wal: %w: cannot append DELETE to v%d log", core.ErrCorruptWAL, w.version)
	}
	return w.append(encodeDelete(id))
}

// AppendUpdate appends an UPDATE record replacing id's payload and
// metadata.
func (w *WAL) AppendUpdate(id uint64, data []float32, meta core.Metadata) error {
	if w.version < 3 {
		return fmt.Errorf("wal: %w: cannot append UPDATE to v%d log", core.ErrCorruptWAL, w.version)
	}
	return w.append(encodeInsertOrUpdate(RecUpdate, id, data, meta))
}

func (w *WAL) append(body []byte) error {
	if w.version >= 2 {
		sum := crc32klaus.ChecksumIEEE(body)
		body = binary.LittleEndian.AppendUint32(body, sum)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("wal: %w: %v", core.ErrIO, err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal: %w: %v", core.ErrIO, err)
	}
	return nil
}

// ReplayFunc is invoked once per decoded record during Replay.
type ReplayFunc func(Record) error

// Replay flushes pending writes, seeks to the first record after the
// header, reads every record and invokes fn for each, then leaves the file
// positioned at EOF for further appends. On CRC failure or a
// short read it stops and returns core.ErrCorruptWAL-wrapping error; the
// caller decides whether a torn tail is fatal or should be truncated.
// Replay is single-threaded; the façade must set its replaying flag before
// calling this so applied mutations do not re-enter the WAL.
func (w *WAL) Replay(fn ReplayFunc) error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal: %w: %v", core.ErrIO, err)
	}
	if _, err := w.f.Seek(w.headerSize(), io.SeekStart); err != nil {
		return fmt.Errorf("wal: %w: %v", core.ErrIO, err)
	}
	r := bufio.NewReader(w.f)
	for {
		rec, _, err := w.decodeOne(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: %w: %v", core.ErrIO, err)
	}
	return nil
}

func (w *WAL) headerSize() int64 {
	if w.version >= 3 {
		return 16
	}
	return 12
}

func (w *WAL) decodeOne(r *bufio.Reader) (Record, []byte, error) {
	typeByte, err := r.ReadByte()
	if err == io.EOF {
		return Record{}, nil, io.EOF
	}
	if err != nil {
		return Record{}, nil, fmt.Errorf("wal: %w: %v", core.ErrCorruptWAL, err)
	}
	t := RecordType(typeByte)

	bodyStart := []byte{typeByte}
	var rec Record
	rec.Type = t

	switch t {
	case RecDelete:
		idBuf := make([]byte, 8)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return Record{}, nil, fmt.Errorf("wal: %w: short delete record: %v", core.ErrCorruptWAL, err)
		}
		rec.ID = binary.LittleEndian.Uint64(idBuf)
		bodyStart = append(bodyStart, idBuf...)
	case RecInsert, RecUpdate:
		if t == RecUpdate {
			idBuf := make([]byte, 8)
			if _, err := io.ReadFull(r, idBuf); err != nil {
				return Record{}, nil, fmt.Errorf("wal: %w: short update record: %v", core.ErrCorruptWAL, err)
			}
			rec.ID = binary.LittleEndian.Uint64(idBuf)
			bodyStart = append(bodyStart, idBuf...)
		}
		dimBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, dimBuf); err != nil {
			return Record{}, nil, fmt.Errorf("wal: %w: short dim: %v", core.ErrCorruptWAL, err)
		}
		dim := binary.LittleEndian.Uint32(dimBuf)
		bodyStart = append(bodyStart, dimBuf...)

		data := make([]float32, dim)
		payload := make([]byte, int(dim)*4)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Record{}, nil, fmt.Errorf("wal: %w: short payload: %v", core.ErrCorruptWAL, err)
		}
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
		bodyStart = append(bodyStart, payload...)
		rec.Data = data

		metaCountBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, metaCountBuf); err != nil {
			return Record{}, nil, fmt.Errorf("wal: %w: short meta count: %v", core.ErrCorruptWAL, err)
		}
		metaCount := binary.LittleEndian.Uint32(metaCountBuf)
		bodyStart = append(bodyStart, metaCountBuf...)

		meta := make(core.Metadata, 0, metaCount)
		for i := uint32(0); i < metaCount; i++ {
			k, raw, err := readLenPrefixed(r)
			if err != nil {
				return Record{}, nil, err
			}
			bodyStart = append(bodyStart, raw...)
			v, raw2, err := readLenPrefixed(r)
			if err != nil {
				return Record{}, nil, err
			}
			bodyStart = append(bodyStart, raw2...)
			meta = append(meta, core.MetaEntry{Key: k, Value: v})
		}
		rec.Meta = meta
	default:
		return Record{}, nil, fmt.Errorf("wal: %w: unknown record type %d", core.ErrCorruptWAL, t)
	}

	if w.version >= 2 {
		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, crcBuf); err != nil {
			return Record{}, nil, fmt.Errorf("wal: %w: short crc: %v", core.ErrCorruptWAL, err)
		}
		want := binary.LittleEndian.Uint32(crcBuf)
		got := crc32klaus.ChecksumIEEE(bodyStart)
		if want != got {
			return Record{}, nil, fmt.Errorf("wal: %w: crc mismatch", core.ErrCorruptWAL)
		}
	}

	return rec, bodyStart, nil
}

func readLenPrefixed(r *bufio.Reader) (string, []byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return "", nil, fmt.Errorf("wal: %w: short string length: %v", core.ErrCorruptWAL, err)
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	strBuf := make([]byte, n)
	if _, err := io.ReadFull(r, strBuf); err != nil {
		return "", nil, fmt.Errorf("wal: %w: short string: %v", core.ErrCorruptWAL, err)
	}
	raw := make([]byte, 0, 4+n)
	raw = append(raw, lenBuf...)
	raw = append(raw, strBuf...)
	return string(strBuf), raw, nil
}

// Reset truncates the log to zero bytes and writes a fresh v3 header, as
// done after a successful checkpoint.
func (w *WAL) Reset() error {
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("wal: %w: truncate: %v", core.ErrIO, err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: %w: seek: %v", core.ErrIO, err)
	}
	w.version = CurrentVersion
	if err := w.writeHeader(); err != nil {
		return err
	}
	w.w = bufio.NewWriter(w.f)
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("wal: %w: %v", core.ErrIO, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("wal: %w: %v", core.ErrIO, err)
	}
	return nil
}
