package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gigavector/gigavector/pkg/core"
)

func openTemp(t *testing.T, dim int, indexType uint32) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, dim, indexType)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w, path
}

func TestWALAppendAndReplay(t *testing.T) {
	w, _ := openTemp(t, 2, 1)
	defer w.Close()

	if err := w.AppendInsert([]float32{1, 2}, core.Metadata{{Key: "k", Value: "v"}}); err != nil {
		t.Fatalf("AppendInsert: %v", err)
	}
	if err := w.AppendInsert([]float32{3, 4}, nil); err != nil {
		t.Fatalf("AppendInsert: %v", err)
	}
	if err := w.AppendUpdate(0, []float32{9, 9}, core.Metadata{{Key: "k", Value: "v2"}}); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}
	if err := w.AppendDelete(1); err != nil {
		t.Fatalf("AppendDelete: %v", err)
	}

	var records []Record
	err := w.Replay(func(r Record) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Replay produced %d records, want 4", len(records))
	}
	if records[0].Type != RecInsert || records[0].Data[0] != 1 {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[2].Type != RecUpdate || records[2].ID != 0 || records[2].Data[0] != 9 {
		t.Errorf("record 2 = %+v", records[2])
	}
	if records[3].Type != RecDelete || records[3].ID != 1 {
		t.Errorf("record 3 = %+v", records[3])
	}
}

func TestWALRecoveryAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.wal")
	w, err := Open(path, 3, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.AppendInsert([]float32{1, 2, 3}, nil); err != nil {
		t.Fatalf("AppendInsert: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(path, 3, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	var got []Record
	if err := w2.Replay(func(r Record) error { got = append(got, r); return nil }); err != nil {
		t.Fatalf("Replay after reopen: %v", err)
	}
	if len(got) != 1 || got[0].Data[0] != 1 {
		t.Fatalf("replay after reopen = %+v, want one insert record", got)
	}
}

func TestWALDimMismatchRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dim.wal")
	w, err := Open(path, 3, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Close()

	if _, err := Open(path, 4, 1); err == nil {
		t.Error("Open with mismatched dim should fail")
	}
}

func TestWALIndexTypeMismatchRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.wal")
	w, err := Open(path, 3, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Close()

	if _, err := Open(path, 3, 2); err == nil {
		t.Error("Open with mismatched index type should fail")
	}
}

func TestWALCorruptRecordDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.wal")
	w, err := Open(path, 2, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.AppendInsert([]float32{1, 2}, nil); err != nil {
		t.Fatalf("AppendInsert: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// Flip a byte inside the payload, after the 16-byte v3 header.
	raw[21] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w2, err := Open(path, 2, 1)
	if err != nil {
		t.Fatalf("reopen corrupted wal: %v", err)
	}
	defer w2.Close()

	err = w2.Replay(func(r Record) error { return nil })
	if err == nil {
		t.Error("Replay over a corrupted record should fail its CRC check")
	}
}

func TestWALReset(t *testing.T) {
	w, path := openTemp(t, 2, 1)
	defer w.Close()

	if err := w.AppendInsert([]float32{1, 2}, nil); err != nil {
		t.Fatalf("AppendInsert: %v", err)
	}
	if err := w.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 16 {
		t.Errorf("size after Reset = %d, want 16 (bare v3 header)", info.Size())
	}

	var got []Record
	if err := w.Replay(func(r Record) error { got = append(got, r); return nil }); err != nil {
		t.Fatalf("Replay after Reset: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Replay after Reset produced %d records, want 0", len(got))
	}
}

func writeV1Header(t *testing.T, path string, dim uint32) {
	t.Helper()
	buf := make([]byte, 0, 12)
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, dim)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestWALRejectsWritesUntilCheckpointUpgradesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.wal")
	writeV1Header(t, path, 2)

	w, err := Open(path, 2, 1)
	if err != nil {
		t.Fatalf("Open on a v1 header: %v", err)
	}
	defer w.Close()

	if w.Version() != 1 {
		t.Fatalf("Version() after opening a v1 file = %d, want 1 (no silent upgrade on Open)", w.Version())
	}
	if err := w.AppendDelete(0); err == nil {
		t.Error("AppendDelete against an opened v1 WAL should be rejected")
	}
	if err := w.AppendUpdate(0, []float32{1, 2}, nil); err == nil {
		t.Error("AppendUpdate against an opened v1 WAL should be rejected")
	}
	// Insert-only v1 logs still accept inserts.
	if err := w.AppendInsert([]float32{1, 2}, nil); err != nil {
		t.Errorf("AppendInsert against a v1 WAL should still succeed, got %v", err)
	}

	if err := w.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if w.Version() != CurrentVersion {
		t.Fatalf("Version() after Reset = %d, want %d", w.Version(), CurrentVersion)
	}
	if err := w.AppendDelete(0); err != nil {
		t.Errorf("AppendDelete after Reset upgraded the header should succeed, got %v", err)
	}
}

func TestWALHeaderFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "header.wal")
	w, err := Open(path, 5, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw[:4]) != Magic {
		t.Errorf("magic = %q, want %q", raw[:4], Magic)
	}
	version := binary.LittleEndian.Uint32(raw[4:8])
	if version != CurrentVersion {
		t.Errorf("version = %d, want %d", version, CurrentVersion)
	}
	dim := binary.LittleEndian.Uint32(raw[8:12])
	if dim != 5 {
		t.Errorf("dim = %d, want 5", dim)
	}
	indexType := binary.LittleEndian.Uint32(raw[12:16])
	if indexType != 2 {
		t.Errorf("index type = %d, want 2", indexType)
	}
}
