package nnet

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/jnb666/demos/num"
)

// Layer interface type represents one layer of the neural net.
type Layer interface {
	Init(q num.Queue, inShape []int, prev Layer) Layer
	OutShape(inShape []int) []int
	Fprop(in num.Array) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(scale, bias float32, normal bool, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(W, B num.Array)
}

// BufferLayer has additional state which is saved with the parameters, e.g. running statistics.
type BufferLayer interface {
	Buffers() []num.Array
}

// ModeLayer behaves differently when training and when evaluating.
type ModeLayer interface {
	SetTraining(on bool)
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(yOneHot, yPred num.Array) num.Array
}

// LayerDNN hold a layer which implements the num.Layer interface
type LayerDNN interface {
	DNNLayer() num.Layer
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() Layer {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		return cfg.unmarshal(l.Data)
	case "batchNorm":
		cfg := new(BatchNorm)
		return cfg.unmarshal(l.Data)
	case "maxPool":
		cfg := new(MaxPool)
		return cfg.unmarshal(l.Data)
	case "linear":
		cfg := new(Linear)
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := new(Activation)
		return cfg.unmarshal(l.Data)
	case "logRegression":
		return &logRegression{}
	case "flatten":
		return &flatten{}
	default:
		panic("invalid layer type: " + l.Type)
	}
}

func (l LayerConfig) String() string {
	return l.Unmarshal().ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c *Conv) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &convDNN{Conv: *c}
}

// Batch normalisation layer, normalises each channel over the batch.
type BatchNorm struct {
	Momentum, Epsilon float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.Momentum == 0 {
		c.Momentum = 0.1
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-5
	}
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

func (c *BatchNorm) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &batchNormDNN{BatchNorm: *c}
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c *MaxPool) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &poolDNN{MaxPool: *c}
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c *Linear) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &linear{Linear: *c}
}

// Relu activation layer.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c *Activation) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	layer := &activation{Activation: *c}
	switch c.Atype {
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	default:
		panic(fmt.Sprintf("activation type %s invalid", c.Atype))
	}
	return layer
}

// LogRegression output layer with soft max activation.
type LogRegression struct{}

func (c LogRegression) Marshal() LayerConfig {
	return LayerConfig{Type: "logRegression"}
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// linear layer implementation, weights are stored as [nOut, nIn]
type linear struct {
	Linear
	layerBase
	paramBase
	ones  num.Array
	queue num.Queue
}

func (l *linear) OutShape(inShape []int) []int {
	return []int{inShape[0], l.Nout}
}

func (l *linear) Init(queue num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 2 {
		panic("Linear: expect 2 dimensional input")
	}
	nBatch, nIn := inShape[0], inShape[1]
	l.queue = queue
	l.layerBase = newLayerBase(queue, inShape, l.OutShape(inShape))
	l.paramBase = newParams(queue, []int{l.Nout, nIn}, []int{l.Nout})
	l.ones = queue.NewArray(num.Float32, 1, nBatch)
	queue.Call(num.Fill(l.ones, 1))
	return l
}

func (l *linear) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(
		num.Copy(l.dst, l.b),
		num.Gemm(1, 1, l.src, l.w, l.dst, num.NoTrans, num.Trans),
	)
	return l.dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.Gemm(1, 0, l.ones, grad, l.db.Reshape(1, l.Nout), num.NoTrans, num.NoTrans),
		num.Gemm(1, 0, grad, l.src, l.dw, num.Trans, num.NoTrans),
		num.Gemm(1, 0, grad, l.w, l.dsrc, num.NoTrans, num.NoTrans),
	)
	return l.dsrc
}

// convolutional layer implementation
type convDNN struct {
	Conv
	paramBase
	*layerDNN
}

func (l *convDNN) Init(queue num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 4 {
		panic("ConvDNN: expect 4 dimensional input")
	}
	n, d, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := queue.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.paramBase = newParams(queue, layer.FilterShape(), layer.BiasShape())
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(queue, layer)
	return l
}

// batch normalisation implementation, W is the scale and B is the shift parameter
type batchNormDNN struct {
	BatchNorm
	paramBase
	*layerDNN
}

func (l *batchNormDNN) Init(queue num.Queue, inShape []int, prev Layer) Layer {
	layer := queue.BatchNormLayer(inShape, l.Momentum, l.Epsilon)
	l.paramBase = newParams(queue, layer.FilterShape(), layer.BiasShape())
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(queue, layer)
	return l
}

func (l *batchNormDNN) InitParams(scale, bias float32, normal bool, rng *rand.Rand) {
	l.queue.Call(
		num.Fill(l.w, 1),
		num.Fill(l.b, 0),
	)
}

func (l *batchNormDNN) SetTraining(on bool) {
	l.layer.(num.NormLayer).SetTraining(on)
}

func (l *batchNormDNN) Buffers() []num.Array {
	mean, variance := l.layer.(num.NormLayer).Stats()
	return []num.Array{mean, variance}
}

// pool layer implentation
type poolDNN struct {
	MaxPool
	*layerDNN
}

func (l *poolDNN) Init(queue num.Queue, inShape []int, prev Layer) Layer {
	if len(inShape) != 4 {
		panic("PoolDNN: expect 4 dimensional input")
	}
	layer := queue.MaxPoolLayer(inShape, l.Size, l.Stride)
	l.layerDNN = newLayerDNN(queue, layer)
	return l
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, y, z num.Array) num.Function
	queue num.Queue
}

func (l *activation) Init(queue num.Queue, inShape []int, prev Layer) Layer {
	l.queue = queue
	l.layerBase = newLayerBase(queue, inShape, inShape)
	return l
}

func (l *activation) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *activation) Bprop(grad num.Array) num.Array {
	l.queue.Call(l.deriv(l.src, grad, l.dsrc))
	return l.dsrc
}

// log regression output layer
type logRegression struct {
	layerBase
	loss  num.Array
	queue num.Queue
}

func (l *logRegression) ToString() string { return "logRegression" }

func (l *logRegression) Init(queue num.Queue, inShape []int, prev Layer) Layer {
	l.queue = queue
	l.layerBase = newLayerBase(queue, inShape, inShape)
	l.loss = queue.NewArray(num.Float32, inShape...)
	return l
}

func (l *logRegression) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(num.Softmax(l.src, l.dst))
	return l.dst
}

// the gradient at the output is passed in already combined with the softmax derivative
func (l *logRegression) Bprop(grad num.Array) num.Array {
	return grad
}

func (l *logRegression) Loss(yOneHot, yPred num.Array) num.Array {
	l.queue.Call(num.SoftmaxLoss(yOneHot, yPred, l.loss))
	return l.loss
}

type flatten struct {
	layerBase
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	return []int{inShape[0], num.Prod(inShape[1:])}
}

func (l *flatten) Init(queue num.Queue, inShape []int, prev Layer) Layer {
	return l
}

func (l *flatten) Fprop(in num.Array) num.Array {
	l.src = in
	l.dst = in.Reshape(in.Dims()[0], -1)
	return l.dst
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	l.dsrc = grad.Reshape(l.src.Dims()...)
	return l.dsrc
}

// base blas layer type
type layerBase struct {
	src  num.Array
	dst  num.Array
	dsrc num.Array
}

func newLayerBase(queue num.Queue, inShape, outShape []int) layerBase {
	return layerBase{
		dst:  queue.NewArray(num.Float32, outShape...),
		dsrc: queue.NewArray(num.Float32, inShape...),
	}
}

func (l layerBase) OutShape(inShape []int) []int { return inShape }

type layerDNN struct {
	que   num.Queue
	layer num.Layer
}

func newLayerDNN(queue num.Queue, layer num.Layer) *layerDNN {
	return &layerDNN{que: queue, layer: layer}
}

func (l *layerDNN) DNNLayer() num.Layer {
	return l.layer
}

func (l *layerDNN) OutShape(inShape []int) []int {
	return l.layer.OutShape()
}

func (l *layerDNN) Fprop(in num.Array) num.Array {
	l.layer.SetSrc(in)
	l.que.Call(num.Fprop(l.layer))
	return l.layer.Dst()
}

func (l *layerDNN) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	l.que.Call(num.BpropData(l.layer))
	if l.layer.HasParams() {
		l.que.Call(
			num.BpropFilter(l.layer),
			num.BpropBias(l.layer),
		)
	}
	return l.layer.DiffSrc()
}

// weight and bias parameters
type paramBase struct {
	queue  num.Queue
	w, b   num.Array
	dw, db num.Array
}

func newParams(queue num.Queue, wShape, bShape []int) paramBase {
	return paramBase{
		queue: queue,
		w:     queue.NewArray(num.Float32, wShape...),
		b:     queue.NewArray(num.Float32, bShape...),
		dw:    queue.NewArray(num.Float32, wShape...),
		db:    queue.NewArray(num.Float32, bShape...),
	}
}

func (p paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// Weights are drawn from a normal distribution or uniformly from [-scale, scale].
// If bias is zero the bias is drawn from the same distribution as the weights.
func (p paramBase) InitParams(scale, bias float32, normal bool, rng *rand.Rand) {
	weights := make([]float32, p.w.Size())
	for i := range weights {
		weights[i] = randWeight(rng, scale, normal)
	}
	p.queue.Call(num.Write(p.w, weights))
	if bias != 0 {
		p.queue.Call(num.Fill(p.b, bias))
		return
	}
	biases := make([]float32, p.b.Size())
	for i := range biases {
		biases[i] = randWeight(rng, scale, normal)
	}
	p.queue.Call(num.Write(p.b, biases))
}

func (p paramBase) SetParams(W, B num.Array) {
	p.queue.Call(num.Copy(p.w, W), num.Copy(p.b, B))
}

func randWeight(rng *rand.Rand, scale float32, normal bool) float32 {
	if normal {
		return float32(rng.NormFloat64()) * scale
	}
	return (2*rng.Float32() - 1) * scale
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) {
	if len(data) == 0 {
		return
	}
	err := json.Unmarshal(data, v)
	if err != nil {
		panic(err)
	}
}
