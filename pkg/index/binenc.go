package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Shared little-endian binary framing helpers used by both HNSW and
// IVF-PQ serialization (spec.md §6), following the
// encoding/binary.Write/Read shape the teacher uses throughout
// internal/encoding/utils.go.

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("index: write u32: %w", err)
	}
	return nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("index: write u64: %w", err)
	}
	return nil
}

func writeFloats(w io.Writer, data []float32) error {
	if err := writeU32(w, uint32(len(data))); err != nil {
		return err
	}
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("index: write floats: %w", err)
	}
	return nil
}

func readFloats(r io.Reader, expectedDim int) ([]float32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("index: read float count: %w", err)
	}
	_ = expectedDim
	buf := make([]byte, int(n)*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("index: read floats: %w", err)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

func writeMeta(w io.Writer, meta []MetaPair) error {
	if err := writeU32(w, uint32(len(meta))); err != nil {
		return err
	}
	for _, e := range meta {
		if err := writeU32(w, uint32(len(e.Key))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, e.Key); err != nil {
			return fmt.Errorf("index: write meta key: %w", err)
		}
		if err := writeU32(w, uint32(len(e.Value))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, e.Value); err != nil {
			return fmt.Errorf("index: write meta value: %w", err)
		}
	}
	return nil
}

func readMeta(r io.Reader) ([]MetaPair, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("index: read meta count: %w", err)
	}
	out := make([]MetaPair, n)
	for i := range out {
		k, err := readLenPrefixedString(r)
		if err != nil {
			return nil, err
		}
		v, err := readLenPrefixedString(r)
		if err != nil {
			return nil, err
		}
		out[i] = MetaPair{Key: k, Value: v}
	}
	return out, nil
}

func readLenPrefixedString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("index: read string length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("index: read string: %w", err)
	}
	return string(buf), nil
}
