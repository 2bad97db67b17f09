// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/jnb666/demos/num"
	"go.uber.org/zap"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	queue     num.Queue
	log       *zap.SugaredLogger
	classes   num.Array
	diffs     num.Array
	batchLoss num.Array
	inputGrad num.Array
	inShape   []int
	classBuf  []int32
	diffBuf   []int32
}

// New function creates a new network with the given layers. inShape is the shape of a single sample.
func New(queue num.Queue, conf Config, batchSize int, inShape []int) *Network {
	n := &Network{Config: conf, queue: queue, log: zap.NewNop().Sugar()}
	n.inShape = append([]int{batchSize}, inShape...)
	shape := n.inShape
	var prev Layer
	for _, l := range conf.Layers {
		layer := l.Unmarshal().Init(queue, shape, prev)
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape(shape)
		prev = layer
	}
	n.batchLoss = queue.NewArray(num.Float32)
	return n
}

// SetLogger sets the logger used for debug output.
func (n *Network) SetLogger(log *zap.SugaredLogger) {
	n.log = log
}

// InShape returns the shape of a single input sample.
func (n *Network) InShape() []int {
	return n.inShape[1:]
}

// BatchSize returns the number of samples processed in each call to Fprop.
func (n *Network) BatchSize() int {
	return n.inShape[0]
}

// Initialise network weights using a uniform or normal distribution.
// Weights for each layer are scaled by 1/sqrt(nin) where nin is the fan in for each output unit.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, _ := l.Params()
			nin := num.Prod(W.Dims()[1:])
			scale := float32(1 / math.Sqrt(float64(nin)))
			l.InitParams(scale, 0, n.NormalWeights, rng)
		}
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Copy weights, bias and buffer arrays to destination net
func (n *Network) CopyTo(net *Network) {
	n.queue.Finish()
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			net.Layers[i].(ParamLayer).SetParams(W, B)
		}
		if l, ok := layer.(BufferLayer); ok {
			dst := net.Layers[i].(BufferLayer).Buffers()
			for j, buf := range l.Buffers() {
				net.queue.Call(num.Copy(dst[j], buf))
			}
		}
	}
	net.queue.Finish()
}

// SetTraining switches layers such as batch normalisation between training and evaluation mode.
func (n *Network) SetTraining(on bool) {
	n.queue.Finish()
	for _, layer := range n.Layers {
		if l, ok := layer.(ModeLayer); ok {
			l.SetTraining(on)
		}
	}
}

// Accessor for output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// Feed forward the input to get the predicted output
func (n *Network) Fprop(input num.Array) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 {
			n.queue.Finish()
			n.log.Debugf("layer %d input\n%s", i, pred)
		}
		pred = layer.Fprop(pred)
	}
	return pred
}

// Predict output given input data, the predicted class for each sample is written to the classes array.
func (n *Network) Predict(input num.Array) (yPred, classes num.Array) {
	n.allocArrays()
	yPred = n.Fprop(input)
	n.queue.Call(num.Unhot(yPred, n.classes))
	return yPred, n.classes
}

// Correct evaluates the network over the dataset and returns the number of samples which are
// classified correctly. If pred is not nil then the predicted classes are also returned in it.
func (n *Network) Correct(dset *Dataset, pred []int32) int {
	if dset.BatchSize != n.BatchSize() {
		panic(fmt.Sprintf("Accuracy: dataset batch size %d does not match network %d", dset.BatchSize, n.BatchSize()))
	}
	q := n.queue
	correct := 0
	dset.Rewind()
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, _, size := dset.NextBatch()
		_, classes := n.Predict(x)
		q.Call(
			num.Neq(classes, y, n.diffs),
			num.Read(n.diffs, n.diffBuf),
			num.Read(classes, n.classBuf),
		).Finish()
		for _, d := range n.diffBuf[:size] {
			if d == 0 {
				correct++
			}
		}
		if pred != nil {
			copy(pred[batch*dset.BatchSize:], n.classBuf[:size])
		}
		if n.DebugLevel >= 2 {
			n.log.Debugf("batch %d: %d samples classes=%v", batch, size, n.classBuf[:size])
		}
	}
	return correct
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := n.inShape
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), shape)
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights() {
	n.queue.Finish()
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			n.log.Debugf("== Layer %d weights ==\n%s %s", i, W, B)
		}
	}
}

// Params returns the number of trainable parameters.
func (n *Network) Params() int {
	total := 0
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			total += W.Size() + B.Size()
		}
	}
	return total
}

func (n *Network) allocArrays() {
	if n.classes == nil {
		size := n.BatchSize()
		n.classes = n.queue.NewArray(num.Int32, size)
		n.diffs = n.queue.NewArray(num.Int32, size)
		n.classBuf = make([]int32, size)
		n.diffBuf = make([]int32, size)
	}
}

// SetSeed returns a random number generator, the seed is taken from the clock if seed <= 0
func SetSeed(seed int64) (*rand.Rand, int64) {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	return rand.New(rand.NewSource(seed)), seed
}
