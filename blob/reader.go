package blob

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/x448/float16"

	"github.com/gomlx/go-edgeir/graph"
)

// Load reads every entry of a weight blob file. Float16 entries are widened
// back to float32 tensors. Returns the tensors keyed by entry name and the
// file's UUID.
func Load(path string) (map[string]*graph.Tensor, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open blob file: %w", err)
	}
	defer f.Close()

	var header StorageHeader
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, "", fmt.Errorf("read storage header: %w", err)
	}
	if header.Version != Version {
		return nil, "", fmt.Errorf("unsupported blob version %d", header.Version)
	}
	fileID := strings.TrimRight(string(header.FileID[:]), "\x00")

	tensors := make(map[string]*graph.Tensor, header.Count)
	offset := uint64(Alignment)
	for i := uint32(0); i < header.Count; i++ {
		if _, err := f.Seek(int64(offset), 0); err != nil {
			return nil, "", fmt.Errorf("seek entry %d: %w", i, err)
		}
		var eh EntryHeader
		if err := binary.Read(f, binary.LittleEndian, &eh); err != nil {
			return nil, "", fmt.Errorf("read entry header %d: %w", i, err)
		}
		if eh.Sentinel != EntrySentinel {
			return nil, "", fmt.Errorf("entry %d has bad sentinel %#x", i, eh.Sentinel)
		}
		nameBytes := make([]byte, eh.NameLen)
		if _, err := io.ReadFull(f, nameBytes); err != nil {
			return nil, "", fmt.Errorf("read entry name %d: %w", i, err)
		}
		dims64 := make([]int64, eh.Rank)
		if err := binary.Read(f, binary.LittleEndian, dims64); err != nil {
			return nil, "", fmt.Errorf("read entry dims %d: %w", i, err)
		}
		data := make([]byte, eh.SizeInBytes)
		if _, err := f.Seek(int64(eh.DataOffset), 0); err != nil {
			return nil, "", fmt.Errorf("seek entry data %d: %w", i, err)
		}
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, "", fmt.Errorf("read entry data %d: %w", i, err)
		}

		dims := make([]int, len(dims64))
		for j, d := range dims64 {
			dims[j] = int(d)
		}
		name := string(nameBytes)
		tensor, err := decodeData(DataType(eh.DType), data, dims)
		if err != nil {
			return nil, "", fmt.Errorf("entry %q: %w", name, err)
		}
		tensors[name] = tensor
		offset = alignTo(eh.DataOffset+eh.SizeInBytes, Alignment)
	}
	return tensors, fileID, nil
}

func decodeData(dtype DataType, data []byte, dims []int) (*graph.Tensor, error) {
	switch dtype {
	case DataTypeFloat16:
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
		return graph.NewTensor(out, dims...)
	case DataTypeFloat32:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return graph.NewTensor(out, dims...)
	case DataTypeFloat64:
		out := make([]float64, len(data)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
		}
		return graph.NewTensor(out, dims...)
	case DataTypeInt32:
		out := make([]int32, len(data)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return graph.NewTensor(out, dims...)
	case DataTypeInt64:
		out := make([]int64, len(data)/8)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(data[8*i:]))
		}
		return graph.NewTensor(out, dims...)
	case DataTypeInt8:
		out := make([]int8, len(data))
		for i := range out {
			out[i] = int8(data[i])
		}
		return graph.NewTensor(out, dims...)
	case DataTypeBool:
		out := make([]bool, len(data))
		for i := range out {
			out[i] = data[i] != 0
		}
		return graph.NewTensor(out, dims...)
	default:
		return nil, fmt.Errorf("unsupported blob data type %d", dtype)
	}
}
