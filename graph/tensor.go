package graph

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Tensor is an n-dimensional array backing a graph value: a parameter, a
// buffer, a constant, or a raw module attribute. Data is stored flat in
// row-major order, so a Tensor is always contiguous.
type Tensor struct {
	shape shapes.Shape
	data  any // flat storage; one of []float32, []float64, []int32, []int64, []int8, []bool

	// requiresGrad marks the tensor as trainable. Lowering passes clear it
	// when they rewrite a parameter into a backend-specific layout.
	requiresGrad bool
}

// dtypeForData returns the element type for a supported flat slice.
func dtypeForData(data any) (dtypes.DType, int, error) {
	switch d := data.(type) {
	case []float32:
		return dtypes.Float32, len(d), nil
	case []float64:
		return dtypes.Float64, len(d), nil
	case []int32:
		return dtypes.Int32, len(d), nil
	case []int64:
		return dtypes.Int64, len(d), nil
	case []int8:
		return dtypes.Int8, len(d), nil
	case []bool:
		return dtypes.Bool, len(d), nil
	default:
		return dtypes.InvalidDType, 0, errors.Errorf("unsupported tensor data type %T", data)
	}
}

// NewTensor creates a tensor from flat row-major data and dimensions.
// The data length must equal the product of the dimensions.
func NewTensor(data any, dimensions ...int) (*Tensor, error) {
	dtype, n, err := dtypeForData(data)
	if err != nil {
		return nil, err
	}
	shape := shapes.Make(dtype, dimensions...)
	if shape.Size() != n {
		return nil, errors.Errorf("tensor data has %d elements, shape %s requires %d",
			n, shape, shape.Size())
	}
	return &Tensor{shape: shape, data: data}, nil
}

// MustNewTensor is NewTensor for static data known to be well-formed.
// It panics on error and is intended for tests and literals.
func MustNewTensor(data any, dimensions ...int) *Tensor {
	t, err := NewTensor(data, dimensions...)
	if err != nil {
		panic(err)
	}
	return t
}

// Shape returns the tensor's shape (dtype and dimensions).
func (t *Tensor) Shape() shapes.Shape {
	return t.shape
}

// DType returns the tensor's element type.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Dimensions returns a copy of the tensor's dimensions.
func (t *Tensor) Dimensions() []int {
	dims := make([]int, len(t.shape.Dimensions))
	copy(dims, t.shape.Dimensions)
	return dims
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return t.shape.Rank()
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return t.shape.Size()
}

// Data returns the flat backing slice. Callers must not resize it.
func (t *Tensor) Data() any {
	return t.data
}

// Float32s returns the flat data as []float32, or an error for other dtypes.
func (t *Tensor) Float32s() ([]float32, error) {
	d, ok := t.data.([]float32)
	if !ok {
		return nil, errors.Errorf("tensor has dtype %s, not float32", t.shape.DType)
	}
	return d, nil
}

// Int8s returns the flat data as []int8, or an error for other dtypes.
func (t *Tensor) Int8s() ([]int8, error) {
	d, ok := t.data.([]int8)
	if !ok {
		return nil, errors.Errorf("tensor has dtype %s, not int8", t.shape.DType)
	}
	return d, nil
}

// RequiresGrad reports whether the tensor is marked trainable.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor trainable or frozen and returns it.
func (t *Tensor) SetRequiresGrad(v bool) *Tensor {
	t.requiresGrad = v
	return t
}

// Clone returns a deep copy of the tensor, including its data.
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{shape: t.shape.Clone(), requiresGrad: t.requiresGrad}
	switch d := t.data.(type) {
	case []float32:
		clone.data = append([]float32(nil), d...)
	case []float64:
		clone.data = append([]float64(nil), d...)
	case []int32:
		clone.data = append([]int32(nil), d...)
	case []int64:
		clone.data = append([]int64(nil), d...)
	case []int8:
		clone.data = append([]int8(nil), d...)
	case []bool:
		clone.data = append([]bool(nil), d...)
	}
	return clone
}

// Unsqueeze returns a new tensor with a size-1 dimension inserted at axis.
// Negative axes count from the end, with -1 appending a trailing dimension.
// The element count and element order are unchanged (a pure reshape); the
// data is deep-copied so the result never aliases the source.
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	rank := t.Rank()
	if axis < 0 {
		axis = rank + 1 + axis
	}
	if axis < 0 || axis > rank {
		return nil, errors.Errorf("unsqueeze axis %d out of range for rank %d", axis, rank)
	}
	dims := make([]int, 0, rank+1)
	dims = append(dims, t.shape.Dimensions[:axis]...)
	dims = append(dims, 1)
	dims = append(dims, t.shape.Dimensions[axis:]...)
	out := t.Clone()
	out.shape = shapes.Make(t.shape.DType, dims...)
	return out, nil
}

// Squeeze returns a new tensor with the size-1 dimension at axis removed.
// Negative axes count from the end. It is an error if the dimension at axis
// is not 1.
func (t *Tensor) Squeeze(axis int) (*Tensor, error) {
	rank := t.Rank()
	if axis < 0 {
		axis = rank + axis
	}
	if axis < 0 || axis >= rank {
		return nil, errors.Errorf("squeeze axis %d out of range for rank %d", axis, rank)
	}
	if t.shape.Dimensions[axis] != 1 {
		return nil, errors.Errorf("cannot squeeze axis %d of shape %s: dimension is %d, not 1",
			axis, t.shape, t.shape.Dimensions[axis])
	}
	dims := make([]int, 0, rank-1)
	dims = append(dims, t.shape.Dimensions[:axis]...)
	dims = append(dims, t.shape.Dimensions[axis+1:]...)
	out := t.Clone()
	out.shape = shapes.Make(t.shape.DType, dims...)
	return out, nil
}

// Reshape returns a copy of the tensor with the given dimensions. The
// element count must be unchanged.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	size := 1
	for _, d := range dimensions {
		size *= d
	}
	if size != t.Size() {
		return nil, errors.Errorf("reshape of %s to %v changes element count", t.shape, dimensions)
	}
	out := t.Clone()
	out.shape = shapes.Make(t.shape.DType, dimensions...)
	return out, nil
}

// Equal reports whether two tensors have the same shape, dtype, and data.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	switch d := t.data.(type) {
	case []float32:
		o, ok := other.data.([]float32)
		return ok && sliceEqual(d, o)
	case []float64:
		o, ok := other.data.([]float64)
		return ok && sliceEqual(d, o)
	case []int32:
		o, ok := other.data.([]int32)
		return ok && sliceEqual(d, o)
	case []int64:
		o, ok := other.data.([]int64)
		return ok && sliceEqual(d, o)
	case []int8:
		o, ok := other.data.([]int8)
		return ok && sliceEqual(d, o)
	case []bool:
		o, ok := other.data.([]bool)
		return ok && sliceEqual(d, o)
	}
	return false
}

func sliceEqual[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
