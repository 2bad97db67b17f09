package num

import (
	"fmt"
	"strings"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	if t == Int32 {
		return "int32"
	}
	return "float32"
}

// Array interface is a general n dimensional tensor similar to a numpy ndarray.
// Data is stored in row major order with the batch index as the outermost dimension.
type Array interface {
	// Dims returns the shape of the array, outermost dimension first
	Dims() []int
	// Size is total number of elements
	Size() int
	// Dtype returns the data type of the elements in the array
	Dtype() DataType
	// Reshape returns a new array of the same size with a view on the same data but with a different shape
	Reshape(dims ...int) Array
	// Float32s returns the backing slice, panics if the array is not Float32
	Float32s() []float32
	// Int32s returns the backing slice, panics if the array is not Int32
	Int32s() []int32
	// Formatted output
	String() string
}

type array struct {
	dims  []int
	size  int
	dtype DataType
	f32   []float32
	i32   []int32
}

func newArray(dtype DataType, dims []int) *array {
	size := Prod(dims)
	a := &array{dims: append([]int{}, dims...), size: size, dtype: dtype}
	if dtype == Int32 {
		a.i32 = make([]int32, size)
	} else {
		a.f32 = make([]float32, size)
	}
	return a
}

func (a *array) Dims() []int { return a.dims }

func (a *array) Size() int { return a.size }

func (a *array) Dtype() DataType { return a.dtype }

func (a *array) Float32s() []float32 {
	if a.dtype != Float32 {
		panic("Float32s: array is " + a.dtype.String())
	}
	return a.f32
}

func (a *array) Int32s() []int32 {
	if a.dtype != Int32 {
		panic("Int32s: array is " + a.dtype.String())
	}
	return a.i32
}

func (a *array) Reshape(dims ...int) Array {
	n := 1
	unknown := -1
	for i, d := range dims {
		if d == -1 {
			if unknown >= 0 {
				panic("Reshape: only one dimension may be -1")
			}
			unknown = i
		} else {
			n *= d
		}
	}
	newDims := append([]int{}, dims...)
	if unknown >= 0 {
		newDims[unknown] = a.size / n
		n *= newDims[unknown]
	}
	if n != a.size {
		panic(fmt.Sprintf("Reshape: invalid shape %v for array of size %d", dims, a.size))
	}
	return &array{dims: newDims, size: a.size, dtype: a.dtype, f32: a.f32, i32: a.i32}
}

func (a *array) String() string {
	if len(a.dims) == 0 {
		return fmt.Sprintf("%s\n", a.format(0))
	}
	cols := a.dims[len(a.dims)-1]
	rows := a.size / max(cols, 1)
	var b strings.Builder
	for r := 0; r < rows; r++ {
		if rows > PrintThreshold && r == PrintEdgeitems {
			b.WriteString(" ...\n")
			r = rows - PrintEdgeitems - 1
			continue
		}
		b.WriteString("[")
		for c := 0; c < cols; c++ {
			if cols > PrintThreshold && c == PrintEdgeitems {
				b.WriteString(" ...")
				c = cols - PrintEdgeitems - 1
				continue
			}
			b.WriteString(" ")
			b.WriteString(a.format(r*cols + c))
		}
		b.WriteString(" ]\n")
	}
	return b.String()
}

func (a *array) format(i int) string {
	if a.dtype == Int32 {
		return fmt.Sprint(a.i32[i])
	}
	return fmt.Sprintf("%.4g", a.f32[i])
}

// Prod returns the product of the given dimensions.
func Prod(arr []int) int {
	prod := 1
	for _, x := range arr {
		prod *= x
	}
	return prod
}

// SameShape checks if two arrays have the same dimensions.
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i, d := range xd {
		if yd[i] != d {
			return false
		}
	}
	return true
}
