package blob

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/x448/float16"

	"github.com/gomlx/go-edgeir/graph"
)

// Options configures blob serialization.
type Options struct {
	// HalfPrecision narrows float32 entries to float16 on disk. Reads widen
	// them back to float32, losing the low mantissa bits.
	HalfPrecision bool
}

// Writer serializes named tensors to a weight blob file.
//
// Usage:
//
//	w, err := blob.NewWriter("weights.bin", blob.Options{})
//	if err != nil { ... }
//	err = w.AddTensor("conv.weight", tensor)
//	err = w.Close()
type Writer struct {
	file    *os.File
	opts    Options
	fileID  string
	offset  uint64 // next entry header position
	entries []entry
}

type entry struct {
	header EntryHeader
	name   string
	dims   []int64
	data   []byte
}

// NewWriter creates a blob writer targeting path. The file is written on
// Close.
func NewWriter(path string, opts Options) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create blob file: %w", err)
	}
	return &Writer{
		file:   f,
		opts:   opts,
		fileID: uuid.New().String(),
		offset: Alignment, // first entry header follows the storage header
	}, nil
}

// FileID returns the UUID written into the file header.
func (w *Writer) FileID() string { return w.fileID }

// AddTensor appends a named tensor to the file.
func (w *Writer) AddTensor(name string, t *graph.Tensor) error {
	dtype, err := dataTypeFor(t.DType())
	if err != nil {
		return fmt.Errorf("entry %q: %w", name, err)
	}
	data, err := encodeData(t, w.opts.HalfPrecision)
	if err != nil {
		return fmt.Errorf("entry %q: %w", name, err)
	}
	if w.opts.HalfPrecision && dtype == DataTypeFloat32 {
		dtype = DataTypeFloat16
	}

	dims := make([]int64, 0, t.Rank())
	for _, d := range t.Dimensions() {
		dims = append(dims, int64(d))
	}
	headerOffset := w.offset
	dataOffset := alignTo(headerOffset+Alignment+uint64(len(name))+uint64(8*len(dims)), Alignment)
	w.entries = append(w.entries, entry{
		header: EntryHeader{
			Sentinel:    EntrySentinel,
			DType:       uint32(dtype),
			Rank:        uint32(len(dims)),
			NameLen:     uint32(len(name)),
			SizeInBytes: uint64(len(data)),
			DataOffset:  dataOffset,
		},
		name: name,
		dims: dims,
		data: data,
	})
	w.offset = alignTo(dataOffset+uint64(len(data)), Alignment)
	return nil
}

// Close writes the storage header and all entries, then closes the file.
func (w *Writer) Close() error {
	header := StorageHeader{
		Count:   uint32(len(w.entries)),
		Version: Version,
	}
	copy(header.FileID[:], w.fileID)
	if err := binary.Write(w.file, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("write storage header: %w", err)
	}

	pos := uint64(Alignment)
	for _, e := range w.entries {
		if err := binary.Write(w.file, binary.LittleEndian, &e.header); err != nil {
			return fmt.Errorf("write entry header %q: %w", e.name, err)
		}
		if _, err := w.file.WriteString(e.name); err != nil {
			return fmt.Errorf("write entry name %q: %w", e.name, err)
		}
		if err := binary.Write(w.file, binary.LittleEndian, e.dims); err != nil {
			return fmt.Errorf("write entry dims %q: %w", e.name, err)
		}
		pos += Alignment + uint64(len(e.name)) + uint64(8*len(e.dims))
		if err := w.pad(e.header.DataOffset - pos); err != nil {
			return err
		}
		if _, err := w.file.Write(e.data); err != nil {
			return fmt.Errorf("write entry data %q: %w", e.name, err)
		}
		pos = e.header.DataOffset + uint64(len(e.data))
		next := alignTo(pos, Alignment)
		if err := w.pad(next - pos); err != nil {
			return err
		}
		pos = next
	}
	return w.file.Close()
}

func (w *Writer) pad(n uint64) error {
	if n == 0 {
		return nil
	}
	if _, err := w.file.Write(make([]byte, n)); err != nil {
		return fmt.Errorf("write padding: %w", err)
	}
	return nil
}

// Save writes every tensor in the map to path, in sorted name order so the
// output is deterministic. Returns the file's UUID.
func Save(path string, tensors map[string]*graph.Tensor, opts Options) (string, error) {
	w, err := NewWriter(path, opts)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.AddTensor(name, tensors[name]); err != nil {
			w.file.Close()
			return "", err
		}
	}
	return w.FileID(), w.Close()
}

// encodeData flattens a tensor's data to little-endian bytes.
func encodeData(t *graph.Tensor, halfPrecision bool) ([]byte, error) {
	switch d := t.Data().(type) {
	case []float32:
		if halfPrecision {
			out := make([]byte, 2*len(d))
			for i, v := range d {
				binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
			}
			return out, nil
		}
		out := make([]byte, 4*len(d))
		for i, v := range d {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out, nil
	case []float64:
		out := make([]byte, 8*len(d))
		for i, v := range d {
			binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
		}
		return out, nil
	case []int32:
		out := make([]byte, 4*len(d))
		for i, v := range d {
			binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
		}
		return out, nil
	case []int64:
		out := make([]byte, 8*len(d))
		for i, v := range d {
			binary.LittleEndian.PutUint64(out[8*i:], uint64(v))
		}
		return out, nil
	case []int8:
		out := make([]byte, len(d))
		for i, v := range d {
			out[i] = byte(v)
		}
		return out, nil
	case []bool:
		out := make([]byte, len(d))
		for i, v := range d {
			if v {
				out[i] = 1
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", d)
	}
}
