package nnet

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/jnb666/demos/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// two well separated clusters in 2 dimensions
func clusterData(rng *rand.Rand, n int) Data {
	labels := make([]int32, n)
	inputs := make([]float32, 2*n)
	for i := range labels {
		labels[i] = int32(i % 2)
		centre := float32(-2)
		if labels[i] == 1 {
			centre = 2
		}
		inputs[2*i] = centre + float32(rng.NormFloat64())*0.3
		inputs[2*i+1] = float32(rng.NormFloat64()) * 0.3
	}
	return NewData([]string{"left", "right"}, []int{2}, labels, inputs)
}

func smallConfig() Config {
	conf := Config{Optimizer: "adam", Eta: 0.05, TrainBatch: 4, TestBatch: 8, MaxEpoch: 20, Shuffle: true}
	return conf.AddLayers(Linear{Nout: 2}, LogRegression{})
}

func TestConfigOverride(t *testing.T) {
	conf, err := DefaultConfig.Override([]string{"Eta=0.01", "MaxEpoch = 5", "Shuffle=false", "Optimizer=sgd"})
	require.NoError(t, err)
	assert.Equal(t, 0.01, conf.Eta)
	assert.Equal(t, 5, conf.MaxEpoch)
	assert.False(t, conf.Shuffle)
	assert.Equal(t, "sgd", conf.Optimizer)
	assert.Equal(t, 0.001, DefaultConfig.Eta)

	_, err = conf.Override([]string{"Layers=1"})
	assert.Error(t, err)
	_, err = conf.Override([]string{"Eta"})
	assert.Error(t, err)
	_, err = conf.Override([]string{"MaxEpoch=many"})
	assert.Error(t, err)
}

func TestConfigSave(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cifar10.net")
	conf := CIFARNet(DefaultConfig)
	require.NoError(t, conf.Save(file))
	conf2, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, conf.String(), conf2.String())
	assert.Len(t, conf2.Layers, 16)
	assert.Equal(t, "conv {Nfeats:12 Size:5 Stride:1 Pad:1}", conf2.Layers[0].String())
}

func TestCIFARNet(t *testing.T) {
	q := num.NewDevice().NewQueue(2)
	net := New(q, CIFARNet(DefaultConfig), 2, CIFAR10Shape)
	net.InitWeights(rand.New(rand.NewSource(1)))
	t.Log(net)
	assert.Equal(t, 50326, net.Params())

	x := q.NewArray(num.Float32, 2, 3, 32, 32)
	q.Call(num.Fill(x, 0.5))
	yPred, classes := net.Predict(x)
	q.Finish()
	assert.Equal(t, []int{2, 10}, yPred.Dims())
	assert.Equal(t, []int{2}, classes.Dims())
	var sum float32
	for _, v := range yPred.Float32s()[:10] {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-4)
}

func TestDatasetBatches(t *testing.T) {
	labels := []int32{0, 1, 2, 0, 1}
	inputs := []float32{0, 1, 2, 3, 4}
	d := NewDataset(num.NewDevice(), NewData([]string{"a", "b", "c"}, []int{1}, labels, inputs), 2, 0, nil)
	defer d.Release()
	assert.Equal(t, 3, d.Batches)
	d.NextEpoch()
	sizes := []int{}
	var last []float32
	for i := 0; i < d.Batches; i++ {
		x, y, y1H, n := d.NextBatch()
		sizes = append(sizes, n)
		last = append([]float32{}, x.Float32s()...)
		if i == 0 {
			assert.Equal(t, []int32{0, 1}, y.Int32s())
			assert.Equal(t, []float32{1, 0, 0, 0, 1, 0}, y1H.Float32s())
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	// final batch is padded from the start of the set
	assert.Equal(t, []float32{4, 0}, last)
}

func TestTrain(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := num.NewDevice().NewQueue(1)
	conf := smallConfig()
	train, test := clusterData(rng, 40), clusterData(rng, 16)
	net := New(q, conf, conf.TrainBatch, train.Shape())
	net.InitWeights(rng)
	dset := NewDataset(q.Dev(), train, conf.TrainBatch, 0, rng)
	defer dset.Release()
	tester := NewTestBase(q, conf, test, rng).Predict()
	defer tester.Data.Release()
	tr, err := NewTrainer(net, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background(), dset, tester))

	require.Len(t, tester.Stats, conf.MaxEpoch)
	final := tester.Stats[len(tester.Stats)-1]
	assert.Less(t, final.Loss, tester.Stats[0].Loss)
	assert.GreaterOrEqual(t, final.Accuracy, 0.95)
	assert.Equal(t, 16, final.Samples)
	assert.InDelta(t, float64(final.Correct)/16, final.Accuracy, 1e-12)
	assert.Equal(t, []int32{0, 1, 0, 1}, tester.Pred[:4])
}

func TestStatsPercent(t *testing.T) {
	for _, correct := range []int{2900, 5700, 5800, 10000, 0, 1} {
		s := Stats{Correct: correct, Samples: 10000, Accuracy: float64(correct) / 10000}
		assert.Equal(t, correct/100, s.Percent(), correct)
	}
	assert.Equal(t, 29, Stats{Accuracy: 0.29}.Percent())
}

func TestTrainCancel(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	q := num.NewDevice().NewQueue(1)
	conf := smallConfig()
	data := clusterData(rng, 20)
	net := New(q, conf, conf.TrainBatch, data.Shape())
	dset := NewDataset(q.Dev(), data, conf.TrainBatch, 0, rng)
	tr, err := NewTrainer(net, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.TrainEpoch(ctx, 1, dset)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidOptimizer(t *testing.T) {
	_, err := NewOptimizer(num.NewDevice().NewQueue(1), Config{Optimizer: "rmsprop"})
	assert.Error(t, err)
}

func TestModelFile(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := num.NewDevice().NewQueue(1)
	conf := DefaultConfig
	conf.Layers = nil
	conf = conf.AddLayers(Conv{Nfeats: 2, Size: 3, Pad: 1}, BatchNorm{}, Activation{Atype: "relu"},
		Flatten{}, Linear{Nout: 3}, LogRegression{})
	shape := []int{1, 4, 4}
	net := New(q, conf, 2, shape)
	net.InitWeights(rng)

	// one forward pass in training mode updates the running stats
	x := q.NewArray(num.Float32, 2, 1, 4, 4)
	q.Call(num.Write(x, randInput(rng, 32)))
	net.Fprop(x)
	net.SetTraining(false)
	pred := net.Fprop(x)
	q.Finish()
	pred1 := append([]float32{}, pred.Float32s()...)

	file := filepath.Join(t.TempDir(), ModelFileName)
	require.NoError(t, net.Export([]string{"a", "b", "c"}).Save(file))
	m, err := LoadModel(file)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, m.Classes)
	assert.Equal(t, shape, m.InShape)
	assert.Len(t, m.Params, 3)

	net2, err := m.Network(q, 2)
	require.NoError(t, err)
	net2.SetTraining(false)
	pred2 := net2.Fprop(x)
	q.Finish()
	assert.InDeltaSlice(t, pred1, pred2.Float32s(), 1e-6)

	m.Params[0].Weights = m.Params[0].Weights[1:]
	_, err = m.Network(q, 2)
	assert.Error(t, err)
}

func TestLoadModelMissing(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), ModelFileName))
	assert.ErrorIs(t, err, ErrNoModel)
}

func randInput(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}
