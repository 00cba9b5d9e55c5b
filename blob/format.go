// Package blob implements a binary container for an exported program's
// weight table, so a host pipeline can persist the post-pass tensors
// (parameters, buffers, constants) externally from the program description.
//
// Entries are named, carry their dtype and shape, and are 64-byte aligned so
// the file can be memory-mapped. Float32 entries can optionally be narrowed
// to float16 on write and are widened back on read.
//
// File format:
//
//	[storage header (64B)]
//	[entry header (64B)] [name] [dims (int64 each)] [data (64B aligned)]
//	...
package blob

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

const (
	// Alignment is the byte alignment of entry headers and entry data.
	Alignment = 64

	// EntrySentinel is a magic number validating each entry header.
	EntrySentinel uint32 = 0x1DB10B5E

	// Version is the current file format version.
	Version uint32 = 1
)

// DataType is the on-disk element type of an entry.
type DataType uint32

const (
	DataTypeInvalid DataType = iota
	DataTypeFloat16
	DataTypeFloat32
	DataTypeFloat64
	DataTypeInt8
	DataTypeInt32
	DataTypeInt64
	DataTypeBool
)

// dataTypeFor maps an in-memory dtype to the on-disk DataType.
func dataTypeFor(dtype dtypes.DType) (DataType, error) {
	switch dtype {
	case dtypes.Float32:
		return DataTypeFloat32, nil
	case dtypes.Float64:
		return DataTypeFloat64, nil
	case dtypes.Int8:
		return DataTypeInt8, nil
	case dtypes.Int32:
		return DataTypeInt32, nil
	case dtypes.Int64:
		return DataTypeInt64, nil
	case dtypes.Bool:
		return DataTypeBool, nil
	default:
		return DataTypeInvalid, errors.Errorf("dtype %s has no blob encoding", dtype)
	}
}

// StorageHeader is the 64-byte file header.
type StorageHeader struct {
	Count    uint32   // number of entries
	Version  uint32   // format version
	FileID   [36]byte // UUID string identifying the file
	Reserved [20]byte // must be zero
}

// EntryHeader is the 64-byte header preceding each entry.
type EntryHeader struct {
	Sentinel    uint32   // EntrySentinel
	DType       uint32   // DataType enum
	Rank        uint32   // number of dimensions
	NameLen     uint32   // byte length of the entry name
	SizeInBytes uint64   // size of the entry data
	DataOffset  uint64   // absolute file offset of the entry data
	Reserved    [32]byte // must be zero
}

// alignTo returns the smallest multiple of alignment >= offset.
func alignTo(offset uint64, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	remainder := offset % alignment
	if remainder == 0 {
		return offset
	}
	return offset + (alignment - remainder)
}
