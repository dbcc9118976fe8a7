package gigavector

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/gigavector/gigavector/pkg/core"
)

// Little-endian binary framing helpers for the snapshot's storage section,
// mirroring pkg/index/binenc.go's shape (spec.md §6).

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeBoolTo(w io.Writer, b bool) error {
	if b {
		_, err := w.Write([]byte{1})
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeFloatsN(w io.Writer, data []float32) error {
	if err := writeU32(w, uint32(len(data))); err != nil {
		return err
	}
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

func readFloatsN(r io.Reader, expectedDim int) ([]float32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, int(n)*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

func writeMetaN(w io.Writer, meta core.Metadata) error {
	if err := writeU32(w, uint32(len(meta))); err != nil {
		return err
	}
	for _, e := range meta {
		if err := writeU32(w, uint32(len(e.Key))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, e.Key); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(e.Value))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, e.Value); err != nil {
			return err
		}
	}
	return nil
}
