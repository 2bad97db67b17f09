package nnet

import (
	"image"
	"math/rand"
	"sync"

	"github.com/jnb666/demos/num"
)

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
	Image(i int) image.Image
}

// Dataset type encapsulates a set of training, test or validation data.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   [2][]float32
	yBuffer   [2][]int32
	x, y, y1H [2]num.Array
	size      [2]int
	indexes   []int
	buf       int
	epoch     int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples.
// The final batch in each epoch is padded with samples from the start of the set if
// the number of samples is not a multiple of the batch size.
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = d.Samples / d.BatchSize
	if d.Samples%d.BatchSize != 0 {
		d.Batches++
	}
	nfeat := num.Prod(data.Shape())
	nclass := len(data.Classes())
	for i := range d.x {
		d.xBuffer[i] = make([]float32, nfeat*d.BatchSize)
		d.yBuffer[i] = make([]int32, d.BatchSize)
		d.x[i] = dev.NewArray(num.Float32, append([]int{d.BatchSize}, data.Shape()...)...)
		d.y[i] = dev.NewArray(num.Int32, d.BatchSize)
		d.y1H[i] = dev.NewArray(num.Float32, d.BatchSize, nclass)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(1)
	return d
}

// Release waits for any background load to complete.
func (d *Dataset) Release() {
	d.Wait()
}

// kick off load of next batch of data in background
func (d *Dataset) loadBatch() {
	batch, buf := d.batch, d.buf
	d.Add(1)
	go func() {
		defer d.Done()
		start := batch * d.BatchSize
		end := min(start+d.BatchSize, d.Samples)
		index := d.indexes[start:end]
		d.size[buf] = len(index)
		if pad := d.BatchSize - len(index); pad > 0 {
			index = append(append([]int{}, index...), d.indexes[:pad]...)
		}
		d.Input(index, d.xBuffer[buf])
		d.Label(index, d.yBuffer[buf])
		d.queue.Call(
			num.Write(d.x[buf], d.xBuffer[buf]),
			num.Write(d.y[buf], d.yBuffer[buf]),
			num.Onehot(d.y[buf], d.y1H[buf], len(d.Classes())),
		)
		d.queue.Finish()
	}()
}

// Get next batch of data, n is the number of valid samples in the batch.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array, n int) {
	d.Wait()
	x, y, yOneHot, n = d.x[d.buf], d.y[d.buf], d.y1H[d.buf], d.size[d.buf]
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Rewind to start of data
func (d *Dataset) Rewind() {
	d.Wait()
	d.epoch = 0
	d.batch = 0
	d.loadBatch()
}

// Called at start of each epoch
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.epoch++
	d.batch = 0
	d.loadBatch()
}

// Shuffle the data set
func (d *Dataset) Shuffle() {
	d.Wait()
	if d.Samples < d.Len() {
		d.indexes = d.rng.Perm(d.Len())[:d.Samples]
	} else {
		d.indexes = d.rng.Perm(d.Samples)
	}
}

// Epoch returns the current epoch number.
func (d *Dataset) Epoch() int {
	return d.epoch
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new in memory data set which implements the Data interface
func NewData(classes []string, shape []int, labels []int32, inputs []float32) Data {
	return data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

func (d data) Len() int { return len(d.Labels) }

func (d data) Classes() []string { return d.Class }

func (d data) Shape() []int { return d.Dims }

func (d data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}

func (d data) Image(i int) image.Image { return nil }
