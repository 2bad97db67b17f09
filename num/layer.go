package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Layer interface type represents a DNN layer
type Layer interface {
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
	fprop(threads int)
	bpropData(threads int)
	bpropFilter(threads int)
	bpropBias(threads int)
}

// NormLayer is a batch normalisation layer which keeps running statistics.
type NormLayer interface {
	Layer
	SetTraining(on bool)
	Stats() (mean, variance Array)
}

// Forward propagation
func Fprop(layer Layer) Function {
	return newFunction(layer.Type()+"_fprop", layer.fprop)
}

// Backward propagation
func BpropData(layer Layer) Function {
	return newFunction(layer.Type()+"_bprop", layer.bpropData)
}

func BpropFilter(layer Layer) Function {
	return newFunction(layer.Type()+"_bprop_filter", layer.bpropFilter)
}

func BpropBias(layer Layer) Function {
	return newFunction(layer.Type()+"_bprop_bias", layer.bpropBias)
}

type layerBase struct {
	name     string
	inShape  []int
	outShape []int
	src      Array
	dst      Array
	diffSrc  Array
	diffDst  Array
	w, b     Array
	dw, db   Array
}

func newLayerBase(name string, inShape, outShape []int) layerBase {
	return layerBase{
		name:     name,
		inShape:  inShape,
		outShape: outShape,
		dst:      newArray(Float32, outShape),
		diffSrc:  newArray(Float32, inShape),
	}
}

func (l *layerBase) Dst() Array         { return l.dst }
func (l *layerBase) DiffSrc() Array     { return l.diffSrc }
func (l *layerBase) SetSrc(a Array)     { l.src = a }
func (l *layerBase) SetDiffDst(a Array) { l.diffDst = a }
func (l *layerBase) Type() string       { return l.name }
func (l *layerBase) InShape() []int     { return l.inShape }
func (l *layerBase) OutShape() []int    { return l.outShape }
func (l *layerBase) HasParams() bool    { return false }
func (l *layerBase) FilterShape() []int { return nil }
func (l *layerBase) BiasShape() []int   { return nil }
func (l *layerBase) bpropFilter(int)    {}
func (l *layerBase) bpropBias(int)      {}

func (l *layerBase) SetParams(W, B, dW, dB Array) {
	l.w, l.b, l.dw, l.db = W, B, dW, dB
}

func (l *layerBase) String() string {
	return fmt.Sprintf("%s %v -> %v\n", l.name, l.inShape, l.outShape)
}

// convolution layer, src is [n, c, h, w], filter is [nFeats, c, size, size]
type convLayer struct {
	layerBase
	n, c          int
	height, width int
	f, k, s, p    int
	ho, wo        int
	col, diffCol  []float32
}

func (d cpuDevice) ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer {
	ho := (h+2*pad-size)/stride + 1
	wo := (w+2*pad-size)/stride + 1
	if ho < 1 || wo < 1 {
		panic(fmt.Sprintf("ConvLayer: filter size %d too large for %dx%d input", size, h, w))
	}
	l := &convLayer{
		layerBase: newLayerBase("conv", []int{nBatch, depth, h, w}, []int{nBatch, nFeats, ho, wo}),
		n:         nBatch,
		c:         depth,
		height:    h,
		width:     w,
		f:         nFeats,
		k:         size,
		s:         stride,
		p:         pad,
		ho:        ho,
		wo:        wo,
	}
	l.col = make([]float32, nBatch*l.colSize())
	return l
}

func (l *convLayer) HasParams() bool    { return true }
func (l *convLayer) FilterShape() []int { return []int{l.f, l.c, l.k, l.k} }
func (l *convLayer) BiasShape() []int   { return []int{l.f} }

func (l *convLayer) colSize() int { return l.c * l.k * l.k * l.ho * l.wo }

func (l *convLayer) fprop(threads int) {
	src, dst := l.src.Float32s(), l.dst.Float32s()
	W, B := l.w.Float32s(), l.b.Float32s()
	rows, cols := l.c*l.k*l.k, l.ho*l.wo
	insize, outsize := l.c*l.height*l.width, l.f*cols
	parallel(threads, l.n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			col := l.col[i*l.colSize() : (i+1)*l.colSize()]
			im2col(src[i*insize:(i+1)*insize], col, l.c, l.height, l.width, l.k, l.s, l.p, l.ho, l.wo)
			out := dst[i*outsize : (i+1)*outsize]
			for f := 0; f < l.f; f++ {
				row := out[f*cols : (f+1)*cols]
				for j := range row {
					row[j] = B[f]
				}
			}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				blas32.General{Rows: l.f, Cols: rows, Stride: rows, Data: W},
				blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: col},
				1, blas32.General{Rows: l.f, Cols: cols, Stride: cols, Data: out})
		}
	})
}

func (l *convLayer) bpropData(threads int) {
	if l.diffCol == nil {
		l.diffCol = make([]float32, len(l.col))
	}
	grad, dsrc, W := l.diffDst.Float32s(), l.diffSrc.Float32s(), l.w.Float32s()
	rows, cols := l.c*l.k*l.k, l.ho*l.wo
	insize, outsize := l.c*l.height*l.width, l.f*cols
	parallel(threads, l.n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dcol := l.diffCol[i*l.colSize() : (i+1)*l.colSize()]
			blas32.Gemm(blas.Trans, blas.NoTrans, 1,
				blas32.General{Rows: l.f, Cols: rows, Stride: rows, Data: W},
				blas32.General{Rows: l.f, Cols: cols, Stride: cols, Data: grad[i*outsize : (i+1)*outsize]},
				0, blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: dcol})
			col2im(dcol, dsrc[i*insize:(i+1)*insize], l.c, l.height, l.width, l.k, l.s, l.p, l.ho, l.wo)
		}
	})
}

func (l *convLayer) bpropFilter(threads int) {
	grad, dW := l.diffDst.Float32s(), l.dw.Float32s()
	rows, cols := l.c*l.k*l.k, l.ho*l.wo
	outsize := l.f * cols
	for i := 0; i < l.n; i++ {
		beta := float32(1)
		if i == 0 {
			beta = 0
		}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: l.f, Cols: cols, Stride: cols, Data: grad[i*outsize : (i+1)*outsize]},
			blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: l.col[i*l.colSize() : (i+1)*l.colSize()]},
			beta, blas32.General{Rows: l.f, Cols: rows, Stride: rows, Data: dW})
	}
}

func (l *convLayer) bpropBias(threads int) {
	grad, dB := l.diffDst.Float32s(), l.db.Float32s()
	cols := l.ho * l.wo
	for f := range dB {
		var sum float32
		for i := 0; i < l.n; i++ {
			for _, g := range grad[(i*l.f+f)*cols : (i*l.f+f+1)*cols] {
				sum += g
			}
		}
		dB[f] = sum
	}
}

// unpack image patches into columns: row index is (ch*k+ky)*k+kx, column index is oy*wo+ox
func im2col(src, col []float32, c, h, w, k, s, p, ho, wo int) {
	for ch := 0; ch < c; ch++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((ch*k+ky)*k+kx)*ho*wo:]
				for oy := 0; oy < ho; oy++ {
					y := oy*s - p + ky
					for ox := 0; ox < wo; ox++ {
						x := ox*s - p + kx
						if y < 0 || y >= h || x < 0 || x >= w {
							row[oy*wo+ox] = 0
						} else {
							row[oy*wo+ox] = src[(ch*h+y)*w+x]
						}
					}
				}
			}
		}
	}
}

// inverse of im2col, overlapping values are summed
func col2im(col, dst []float32, c, h, w, k, s, p, ho, wo int) {
	for i := range dst {
		dst[i] = 0
	}
	for ch := 0; ch < c; ch++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((ch*k+ky)*k+kx)*ho*wo:]
				for oy := 0; oy < ho; oy++ {
					y := oy*s - p + ky
					if y < 0 || y >= h {
						continue
					}
					for ox := 0; ox < wo; ox++ {
						x := ox*s - p + kx
						if x >= 0 && x < w {
							dst[(ch*h+y)*w+x] += row[oy*wo+ox]
						}
					}
				}
			}
		}
	}
}

// max pooling layer, records the index of the max input for each output
type poolLayer struct {
	layerBase
	planes        int
	height, width int
	ho, wo, size  int
	stride        int
	mask          []int32
}

func (d cpuDevice) MaxPoolLayer(inShape []int, size, stride int) Layer {
	if len(inShape) != 4 {
		panic("MaxPoolLayer: expect 4 dimensional input")
	}
	n, c, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	ho, wo := (h-size)/stride+1, (w-size)/stride+1
	l := &poolLayer{
		layerBase: newLayerBase("maxpool", inShape, []int{n, c, ho, wo}),
		planes:    n * c,
		height:    h,
		width:     w,
		ho:        ho,
		wo:        wo,
		size:      size,
		stride:    stride,
	}
	l.mask = make([]int32, n*c*ho*wo)
	return l
}

func (l *poolLayer) fprop(threads int) {
	src, dst := l.src.Float32s(), l.dst.Float32s()
	parallel(threads, l.planes, func(lo, hi int) {
		for pl := lo; pl < hi; pl++ {
			in := src[pl*l.height*l.width : (pl+1)*l.height*l.width]
			for oy := 0; oy < l.ho; oy++ {
				for ox := 0; ox < l.wo; ox++ {
					best := (oy*l.stride)*l.width + ox*l.stride
					for ky := 0; ky < l.size; ky++ {
						for kx := 0; kx < l.size; kx++ {
							ix := (oy*l.stride+ky)*l.width + ox*l.stride + kx
							if in[ix] > in[best] {
								best = ix
							}
						}
					}
					out := (pl*l.ho+oy)*l.wo + ox
					dst[out] = in[best]
					l.mask[out] = int32(best)
				}
			}
		}
	})
}

func (l *poolLayer) bpropData(threads int) {
	grad, dsrc := l.diffDst.Float32s(), l.diffSrc.Float32s()
	parallel(threads, l.planes, func(lo, hi int) {
		for pl := lo; pl < hi; pl++ {
			out := dsrc[pl*l.height*l.width : (pl+1)*l.height*l.width]
			for i := range out {
				out[i] = 0
			}
			for j := pl * l.ho * l.wo; j < (pl+1)*l.ho*l.wo; j++ {
				out[l.mask[j]] += grad[j]
			}
		}
	})
}

// spatial batch normalisation, src is [n, c, h, w] or [n, c]
type normLayer struct {
	layerBase
	n, c, spatial int
	momentum, eps float64
	training      bool
	runMean       Array
	runVar        Array
	xhat          []float32
	invStd        []float32
}

func (d cpuDevice) BatchNormLayer(inShape []int, momentum, epsilon float64) Layer {
	if len(inShape) != 2 && len(inShape) != 4 {
		panic("BatchNormLayer: expect 2 or 4 dimensional input")
	}
	l := &normLayer{
		layerBase: newLayerBase("batchnorm", inShape, inShape),
		n:         inShape[0],
		c:         inShape[1],
		spatial:   Prod(inShape[2:]),
		momentum:  momentum,
		eps:       epsilon,
		training:  true,
		runMean:   newArray(Float32, []int{inShape[1]}),
		runVar:    newArray(Float32, []int{inShape[1]}),
	}
	for i := range l.runVar.Float32s() {
		l.runVar.Float32s()[i] = 1
	}
	l.xhat = make([]float32, Prod(inShape))
	l.invStd = make([]float32, l.c)
	return l
}

func (l *normLayer) HasParams() bool    { return true }
func (l *normLayer) FilterShape() []int { return []int{l.c} }
func (l *normLayer) BiasShape() []int   { return []int{l.c} }

func (l *normLayer) SetTraining(on bool) { l.training = on }

func (l *normLayer) Stats() (mean, variance Array) { return l.runMean, l.runVar }

func (l *normLayer) fprop(threads int) {
	src, dst := l.src.Float32s(), l.dst.Float32s()
	gamma, beta := l.w.Float32s(), l.b.Float32s()
	rmean, rvar := l.runMean.Float32s(), l.runVar.Float32s()
	m := float64(l.n * l.spatial)
	parallel(threads, l.c, func(lo, hi int) {
		for ch := lo; ch < hi; ch++ {
			var mean, variance float64
			if l.training {
				l.eachPlane(ch, func(off int) {
					for _, v := range src[off : off+l.spatial] {
						mean += float64(v)
					}
				})
				mean /= m
				l.eachPlane(ch, func(off int) {
					for _, v := range src[off : off+l.spatial] {
						d := float64(v) - mean
						variance += d * d
					}
				})
				variance /= m
				unbiased := variance
				if m > 1 {
					unbiased = variance * m / (m - 1)
				}
				rmean[ch] = float32((1-l.momentum)*float64(rmean[ch]) + l.momentum*mean)
				rvar[ch] = float32((1-l.momentum)*float64(rvar[ch]) + l.momentum*unbiased)
			} else {
				mean, variance = float64(rmean[ch]), float64(rvar[ch])
			}
			inv := float32(1 / math.Sqrt(variance+l.eps))
			l.invStd[ch] = inv
			mu := float32(mean)
			l.eachPlane(ch, func(off int) {
				for i := off; i < off+l.spatial; i++ {
					l.xhat[i] = (src[i] - mu) * inv
					dst[i] = gamma[ch]*l.xhat[i] + beta[ch]
				}
			})
		}
	})
}

// gradients for gamma and beta are computed here along with the data gradient
func (l *normLayer) bpropData(threads int) {
	grad, dsrc := l.diffDst.Float32s(), l.diffSrc.Float32s()
	gamma, dgamma, dbeta := l.w.Float32s(), l.dw.Float32s(), l.db.Float32s()
	m := float32(l.n * l.spatial)
	parallel(threads, l.c, func(lo, hi int) {
		for ch := lo; ch < hi; ch++ {
			var sumG, sumGX float32
			l.eachPlane(ch, func(off int) {
				for i := off; i < off+l.spatial; i++ {
					sumG += grad[i]
					sumGX += grad[i] * l.xhat[i]
				}
			})
			dbeta[ch], dgamma[ch] = sumG, sumGX
			scale := gamma[ch] * l.invStd[ch]
			l.eachPlane(ch, func(off int) {
				for i := off; i < off+l.spatial; i++ {
					if l.training {
						dsrc[i] = scale / m * (m*grad[i] - sumG - l.xhat[i]*sumGX)
					} else {
						dsrc[i] = scale * grad[i]
					}
				}
			})
		}
	})
}

func (l *normLayer) eachPlane(ch int, fn func(off int)) {
	for i := 0; i < l.n; i++ {
		fn((i*l.c + ch) * l.spatial)
	}
}
