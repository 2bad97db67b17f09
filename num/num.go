// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return newFunction("read", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(d, a.Float32s())
		case []int32:
			copy(d, a.Int32s())
		default:
			panic(fmt.Sprintf("Read: invalid slice type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return newFunction("write", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(a.Float32s(), d)
		case []int32:
			copy(a.Int32s(), d)
		default:
			panic(fmt.Sprintf("Write: invalid slice type %T", data))
		}
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return newFunction("fill", func(int) {
		if a.Dtype() == Int32 {
			x := a.Int32s()
			for i := range x {
				x[i] = int32(scalar)
			}
			return
		}
		x := a.Float32s()
		for i := range x {
			x[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to each row of a matrix if needed
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	switch {
	case src.Size() == dst.Size():
		return newFunction("copy", func(int) {
			if src.Dtype() == Int32 {
				copy(dst.Int32s(), src.Int32s())
			} else {
				copy(dst.Float32s(), src.Float32s())
			}
		})
	case len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] && src.Dtype() == Float32:
		return newFunction("copy_row", func(int) {
			d, s := dst.Float32s(), src.Float32s()
			for row := 0; row < ddim[0]; row++ {
				copy(d[row*ddim[1]:], s)
			}
		})
	default:
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return newFunction("neq", func(int) {
		xv, yv, rv := x.Int32s(), y.Int32s(), res.Int32s()
		for i := range rv {
			if xv[i] != yv[i] {
				rv[i] = 1
			} else {
				rv[i] = 0
			}
		}
	})
}

// Convert labels to one hot representation with one row per sample
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[0] || ydim[1] != classes {
		panic("Onehot: invalid array shape")
	}
	return newFunction("onehot", func(int) {
		labels, out := x.Int32s(), y.Float32s()
		for i := range out {
			out[i] = 0
		}
		for row, label := range labels {
			if label >= 0 && int(label) < classes {
				out[row*classes+int(label)] = 1
			}
		}
	})
}

// Convert from OneHot format back to labels by taking the index of the maximum value in each row
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[0] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	return newFunction("unhot", func(int) {
		in, out := x.Float32s(), y.Int32s()
		cols := xdim[1]
		for row := range out {
			out[row] = int32(argmax(in[row*cols : (row+1)*cols]))
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return newFunction("scale", func(int) {
		blas32.Scal(alpha, vector(x))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return newFunction("axpy", func(int) {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if total.Size() != 1 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return newFunction("sum", func(int) {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range a.Int32s() {
				sum += float64(v)
			}
		} else {
			for _, v := range a.Float32s() {
				sum += float64(v)
			}
		}
		total.Float32s()[0] = float32(sum) * scale
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return newFunction("gemm", func(int) {
		blas32.Gemm(aTrans.blas(), bTrans.blas(), alpha, general(mA), general(mB), beta, general(mC))
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

// ReluD computes the gradient of the relu function: y = grad if x > 0 else 0
func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Softmax activation function applied to each row
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	return newFunction("softmax", func(int) {
		in, out := x.Float32s(), res.Float32s()
		cols := xdim[1]
		for row := 0; row < xdim[0]; row++ {
			softmax(in[row*cols:(row+1)*cols], out[row*cols:(row+1)*cols])
		}
	})
}

// SoftmaxLoss is the cross entropy loss for each element: -y*log(p)
func SoftmaxLoss(yOneHot, yPred, res Array) Function {
	return binaryFunc("softmax_loss", yOneHot, yPred, res, func(y, p float32) float32 {
		if y == 0 {
			return 0
		}
		return -y * float32(math.Log(math.Max(float64(p), 1e-30)))
	})
}

func softmax(in, out []float32) {
	maxVal := in[0]
	for _, v := range in[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range in {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("UnaryFunc: arrays must be same size")
	}
	return newFunction(name, func(threads int) {
		in, out := x.Float32s(), y.Float32s()
		parallel(threads, len(in)/4096+1, func(lo, hi int) {
			for i := lo * 4096; i < min(hi*4096, len(in)); i++ {
				out[i] = fn(in[i])
			}
		})
	})
}

func binaryFunc(name string, x, y, z Array, fn func(a, b float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic("BinaryFunc: arrays must be same size")
	}
	return newFunction(name, func(threads int) {
		a, b, out := x.Float32s(), y.Float32s(), z.Float32s()
		parallel(threads, len(out)/4096+1, func(lo, hi int) {
			for i := lo * 4096; i < min(hi*4096, len(out)); i++ {
				out[i] = fn(a[i], b[i])
			}
		})
	})
}

func vector(a Array) blas32.Vector {
	return blas32.Vector{N: a.Size(), Inc: 1, Data: a.Float32s()}
}

func general(a Array) blas32.General {
	d := a.Dims()
	return blas32.General{Rows: d[0], Cols: d[1], Stride: d[1], Data: a.Float32s()}
}

// AdamUpdate applies one step of the Adam optimiser to the weights w given gradients dw.
// m and v hold the first and second moment estimates and step is the 1 based update count.
// If decay is non-zero then decay*w is added to the gradient first.
func AdamUpdate(w, dw, m, v Array, eta, beta1, beta2, eps, decay float32, step int) Function {
	if w.Size() != dw.Size() || w.Size() != m.Size() || w.Size() != v.Size() {
		panic("AdamUpdate: arrays must be same size")
	}
	corr1 := 1 - float32(math.Pow(float64(beta1), float64(step)))
	corr2 := 1 - float32(math.Pow(float64(beta2), float64(step)))
	return newFunction("adam", func(threads int) {
		wv, gv, mv, vv := w.Float32s(), dw.Float32s(), m.Float32s(), v.Float32s()
		parallel(threads, len(wv)/4096+1, func(lo, hi int) {
			for i := lo * 4096; i < min(hi*4096, len(wv)); i++ {
				g := gv[i] + decay*wv[i]
				mv[i] = beta1*mv[i] + (1-beta1)*g
				vv[i] = beta2*vv[i] + (1-beta2)*g*g
				mhat := mv[i] / corr1
				vhat := vv[i] / corr2
				wv[i] -= eta * mhat / (float32(math.Sqrt(float64(vhat))) + eps)
			}
		})
	})
}
