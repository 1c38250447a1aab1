// Package tensors implements host-side multi-dimensional arrays used to feed programs and hold their results.
//
// A Tensor is a dtype, its dimensions and a flat Go slice with the values in row-major order.
// Tensors are treated as immutable: functions that transform them return new tensors.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Supported lists the Go types that can back a Tensor.
type Supported interface {
	bool | int32 | int64 | float16.Float16 | float32 | float64
}

// Tensor is a host array with a fixed shape and dtype.
type Tensor struct {
	dtype dtypes.DType
	dims  []int
	flat  any
}

// SupportedDTypes lists the dtypes a Tensor can hold.
var SupportedDTypes = []dtypes.DType{
	dtypes.Bool, dtypes.Int32, dtypes.Int64, dtypes.Float16, dtypes.Float32, dtypes.Float64,
}

// IsSupported returns whether the dtype can be held by a Tensor.
func IsSupported(dtype dtypes.DType) bool {
	return slices.Contains(SupportedDTypes, dtype)
}

// IsFloat returns whether dtype is one of the supported floating point dtypes.
func IsFloat(dtype dtypes.DType) bool {
	return dtype == dtypes.Float16 || dtype == dtypes.Float32 || dtype == dtypes.Float64
}

// ByteSize returns the number of bytes used by one element of dtype, or 0 if not supported.
func ByteSize(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Bool:
		return 1
	case dtypes.Float16:
		return 2
	case dtypes.Int32, dtypes.Float32:
		return 4
	case dtypes.Int64, dtypes.Float64:
		return 8
	}
	return 0
}

// SizeOf returns the number of elements of an array with the given dimensions. A scalar has size 1.
func SizeOf(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

func validateDims(dims []int) error {
	for axis, dim := range dims {
		if dim < 0 {
			return errors.Errorf("invalid negative dimension %d for axis %d in %v", dim, axis, dims)
		}
	}
	return nil
}

// FromFlat creates a Tensor from a flat slice of values and the dimensions. The slice is not copied.
// An empty dims creates a scalar (flat must have exactly one element).
func FromFlat[T Supported](flat []T, dims ...int) (*Tensor, error) {
	if err := validateDims(dims); err != nil {
		return nil, err
	}
	if len(flat) != SizeOf(dims) {
		return nil, errors.Errorf("flat values have %d elements, but dimensions %v require %d", len(flat), dims, SizeOf(dims))
	}
	return &Tensor{
		dtype: dtypes.FromGenericsType[T](),
		dims:  slices.Clone(dims),
		flat:  flat,
	}, nil
}

// FromFlatAndDimensions creates a Tensor from a flat slice given as `any`, as returned by PJRT buffers
// transferred to host.
func FromFlatAndDimensions(flat any, dims []int) (*Tensor, error) {
	switch values := flat.(type) {
	case []bool:
		return FromFlat(values, dims...)
	case []int32:
		return FromFlat(values, dims...)
	case []int64:
		return FromFlat(values, dims...)
	case []float16.Float16:
		return FromFlat(values, dims...)
	case []float32:
		return FromFlat(values, dims...)
	case []float64:
		return FromFlat(values, dims...)
	case nil:
		return nil, errors.Errorf("cannot infer dtype of nil flat values with dimensions %v", dims)
	}
	return nil, errors.Errorf("unsupported flat values type %T", flat)
}

// Zeros returns a Tensor of the given dtype and dimensions filled with zeros.
func Zeros(dtype dtypes.DType, dims ...int) (*Tensor, error) {
	return FromFloat64s(dtype, make([]float64, SizeOf(dims)), dims...)
}

// Full returns a Tensor of the given dtype and dimensions filled with value.
func Full(dtype dtypes.DType, value float64, dims ...int) (*Tensor, error) {
	values := make([]float64, SizeOf(dims))
	for i := range values {
		values[i] = value
	}
	return FromFloat64s(dtype, values, dims...)
}

// Arange returns a Tensor with the values 0, 1, 2, ... in row-major order, with the given dtype and dimensions.
// E.g.: Arange(dtypes.Float32, 10, 10) is a 10x10 matrix with the values 0 to 99.
func Arange(dtype dtypes.DType, dims ...int) (*Tensor, error) {
	values := make([]float64, SizeOf(dims))
	for i := range values {
		values[i] = float64(i)
	}
	return FromFloat64s(dtype, values, dims...)
}

// FromFloat64s converts values to the given dtype and creates a Tensor with them.
// Values are truncated for integer dtypes, and any non-zero value is true for dtypes.Bool.
func FromFloat64s(dtype dtypes.DType, values []float64, dims ...int) (*Tensor, error) {
	if err := validateDims(dims); err != nil {
		return nil, err
	}
	if len(values) != SizeOf(dims) {
		return nil, errors.Errorf("%d values given, but dimensions %v require %d", len(values), dims, SizeOf(dims))
	}
	var flat any
	switch dtype {
	case dtypes.Bool:
		flat = convertFloat64s(values, func(v float64) bool { return v != 0 })
	case dtypes.Int32:
		flat = convertFloat64s(values, func(v float64) int32 { return int32(v) })
	case dtypes.Int64:
		flat = convertFloat64s(values, func(v float64) int64 { return int64(v) })
	case dtypes.Float16:
		flat = convertFloat64s(values, func(v float64) float16.Float16 { return float16.Fromfloat32(float32(v)) })
	case dtypes.Float32:
		flat = convertFloat64s(values, func(v float64) float32 { return float32(v) })
	case dtypes.Float64:
		flat = slices.Clone(values)
	default:
		return nil, errors.Errorf("dtype %s not supported by tensors", dtype)
	}
	return &Tensor{dtype: dtype, dims: slices.Clone(dims), flat: flat}, nil
}

func convertFloat64s[T any](values []float64, convertFn func(float64) T) []T {
	converted := make([]T, len(values))
	for i, v := range values {
		converted[i] = convertFn(v)
	}
	return converted
}

func toFloat64s[T any](values []T, convertFn func(T) float64) []float64 {
	converted := make([]float64, len(values))
	for i, v := range values {
		converted[i] = convertFn(v)
	}
	return converted
}

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dims returns a copy of the dimensions of the tensor.
func (t *Tensor) Dims() []int { return slices.Clone(t.dims) }

// Rank is the number of axes.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size is the number of elements.
func (t *Tensor) Size() int { return SizeOf(t.dims) }

// Memory returns the number of bytes used by the values.
func (t *Tensor) Memory() int { return t.Size() * ByteSize(t.dtype) }

// IsScalar returns whether the tensor has rank 0.
func (t *Tensor) IsScalar() bool { return len(t.dims) == 0 }

// Flat returns the underlying flat slice. It shouldn't be modified.
func (t *Tensor) Flat() any { return t.flat }

// Float64s returns a copy of the values widened to float64. Booleans become 0 or 1.
func (t *Tensor) Float64s() []float64 {
	switch values := t.flat.(type) {
	case []bool:
		return toFloat64s(values, func(v bool) float64 {
			if v {
				return 1
			}
			return 0
		})
	case []int32:
		return toFloat64s(values, func(v int32) float64 { return float64(v) })
	case []int64:
		return toFloat64s(values, func(v int64) float64 { return float64(v) })
	case []float16.Float16:
		return toFloat64s(values, func(v float16.Float16) float64 { return float64(v.Float32()) })
	case []float32:
		return toFloat64s(values, func(v float32) float64 { return float64(v) })
	case []float64:
		return slices.Clone(values)
	}
	return nil
}

// Value returns the flat values of the tensor as a []T. It fails if T doesn't match the dtype.
func Value[T Supported](t *Tensor) ([]T, error) {
	values, ok := t.flat.([]T)
	if !ok {
		var dummy T
		return nil, errors.Errorf("tensor of dtype %s cannot be accessed as %T", t.dtype, dummy)
	}
	return values, nil
}

// Reshape returns a tensor sharing the values with new dimensions of the same total size.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	if err := validateDims(dims); err != nil {
		return nil, err
	}
	if SizeOf(dims) != t.Size() {
		return nil, errors.Errorf("cannot reshape tensor with dimensions %v (size %d) to %v (size %d)",
			t.dims, t.Size(), dims, SizeOf(dims))
	}
	return &Tensor{dtype: t.dtype, dims: slices.Clone(dims), flat: t.flat}, nil
}

// SameShape returns whether both tensors have the same dtype and dimensions.
func SameShape(a, b *Tensor) bool {
	return a.dtype == b.dtype && slices.Equal(a.dims, b.dims)
}

// Equal returns whether both tensors have the same shape and values.
// NaNs are never equal.
func Equal(a, b *Tensor) bool {
	if !SameShape(a, b) {
		return false
	}
	return slices.Equal(a.Float64s(), b.Float64s())
}

// ShapeString returns a short description of the shape, e.g. "(Float32)[10 10]".
func (t *Tensor) ShapeString() string {
	return ShapeString(t.dtype, t.dims)
}

// ShapeString formats dtype and dims the same way Tensor.ShapeString does.
func ShapeString(dtype dtypes.DType, dims []int) string {
	return fmt.Sprintf("(%s)%v", dtype, dims)
}

// String implements fmt.Stringer. It prints the shape followed by the values nested by axis.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString(t.ShapeString())
	sb.WriteString(": ")
	values := t.formattedValues()
	if t.IsScalar() {
		if len(values) > 0 {
			sb.WriteString(values[0])
		}
		return sb.String()
	}
	writeNested(&sb, values, t.dims, 0, 1)
	return sb.String()
}

func (t *Tensor) formattedValues() []string {
	formatted := make([]string, 0, t.Size())
	switch values := t.flat.(type) {
	case []bool:
		for _, v := range values {
			formatted = append(formatted, fmt.Sprintf("%v", v))
		}
	case []int32:
		for _, v := range values {
			formatted = append(formatted, fmt.Sprintf("%d", v))
		}
	case []int64:
		for _, v := range values {
			formatted = append(formatted, fmt.Sprintf("%d", v))
		}
	default:
		for _, v := range t.Float64s() {
			formatted = append(formatted, fmt.Sprintf("%g", v))
		}
	}
	return formatted
}

// writeNested writes values[offset...] for the sub-array starting at axis, with brackets per axis.
func writeNested(sb *strings.Builder, values []string, dims []int, axis, indent int) {
	sb.WriteString("[")
	stride := SizeOf(dims[axis+1:])
	for i := 0; i < dims[axis]; i++ {
		if i > 0 {
			if axis == len(dims)-1 {
				sb.WriteString(" ")
			} else {
				sb.WriteString("\n")
				sb.WriteString(strings.Repeat(" ", indent))
			}
		}
		if axis == len(dims)-1 {
			sb.WriteString(values[i])
			continue
		}
		writeNested(sb, values[i*stride:(i+1)*stride], dims, axis+1, indent+1)
	}
	sb.WriteString("]")
}
