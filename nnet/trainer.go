package nnet

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jnb666/demos/num"
	"github.com/jnb666/demos/stats"
	"go.uber.org/zap"
)

// Training statistics
type Stats struct {
	Epoch    int
	Loss     float64
	Accuracy float64
	Correct  int
	Samples  int
	Elapsed  time.Duration
}

// Percent returns the accuracy as a whole number percentage, rounded down.
func (s Stats) Percent() int {
	if s.Samples == 0 {
		return int(s.Accuracy*100 + 1e-9)
	}
	return 100 * s.Correct / s.Samples
}

func (s Stats) Format() []string {
	return []string{fmt.Sprintf("%7.4f", s.Loss), fmt.Sprintf("%6.2f%%", s.Accuracy*100)}
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss float64, start time.Time) bool
}

// Tester which evaluates the accuracy on the test set and updates the stats.
type TestBase struct {
	Net   *Network
	Data  *Dataset
	Pred  []int32
	Stats []Stats
}

// Create a new base class which implements the Tester interface.
func NewTestBase(queue num.Queue, conf Config, data Data, rng *rand.Rand) *TestBase {
	t := &TestBase{Stats: []Stats{}}
	t.Data = NewDataset(queue.Dev(), data, conf.TestBatch, conf.MaxSamples, rng)
	t.Net = New(queue, conf, t.Data.BatchSize, data.Shape())
	t.Net.SetTraining(false)
	return t
}

// Generate the predicted results when test is next run.
func (t *TestBase) Predict() *TestBase {
	t.Pred = make([]int32, t.Data.Samples)
	return t
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
}

// History returns the stats recorded for each epoch so far.
func (t *TestBase) History() []Stats {
	return t.Stats
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	net.CopyTo(t.Net)
	s := Stats{Epoch: epoch, Loss: loss, Samples: t.Data.Samples}
	s.Correct = t.Net.Correct(t.Data, t.Pred)
	if s.Samples > 0 {
		s.Accuracy = float64(s.Correct) / float64(s.Samples)
	}
	s.Elapsed = time.Since(start)
	t.Stats = append(t.Stats, s)
	return epoch >= net.MaxEpoch
}

type testLogger struct {
	*TestBase
	log *zap.SugaredLogger
}

// Create a new tester which logs the test accuracy after each epoch.
func NewTestLogger(queue num.Queue, conf Config, data Data, rng *rand.Rand, log *zap.SugaredLogger) Tester {
	return testLogger{TestBase: NewTestBase(queue, conf, data, rng), log: log}
}

func (t testLogger) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	done := t.TestBase.Test(net, epoch, loss, start)
	s := t.Stats[len(t.Stats)-1]
	t.log.Infof("For epoch %d the test accuracy over the whole test set is %d %%", epoch, s.Percent())
	t.log.Debugw("epoch stats", "epoch", epoch, "loss", s.Loss, "accuracy", s.Accuracy, "elapsed", s.Elapsed)
	return done
}

// Trainer holds the state used to update the network weights.
type Trainer struct {
	Net    *Network
	Opt    Optimizer
	Log    *zap.SugaredLogger
	losses stats.Running
}

// NewTrainer creates a trainer for the network using the optimiser from the config.
func NewTrainer(net *Network, log *zap.SugaredLogger) (*Trainer, error) {
	opt, err := NewOptimizer(net.queue, net.Config)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Trainer{Net: net, Opt: opt, Log: log}, nil
}

// Train the network on the given training set by updating the weights. Training stops early if the
// context is cancelled.
func (tr *Trainer) Train(ctx context.Context, dset *Dataset, test Tester) error {
	done := false
	start := time.Now()
	for epoch := 1; epoch <= tr.Net.MaxEpoch && !done; epoch++ {
		loss, err := tr.TrainEpoch(ctx, epoch, dset)
		if err != nil {
			return err
		}
		done = test.Test(tr.Net, epoch, loss, start)
	}
	return nil
}

// Perform one training epoch on dataset, returns the average loss over the epoch.
// The running average loss is logged every LogEvery batches.
func (tr *Trainer) TrainEpoch(ctx context.Context, epoch int, dset *Dataset) (float64, error) {
	net := tr.Net
	q := net.queue
	if net.inputGrad == nil {
		net.inputGrad = q.NewArray(num.Float32, dset.BatchSize, len(dset.Classes()))
	}
	net.SetTraining(true)
	if net.Shuffle {
		dset.Shuffle()
	}
	tr.losses.Reset()
	dset.NextEpoch()
	scale := 1 / float32(dset.BatchSize)
	lossVal := make([]float32, 1)
	total := 0.0
	for batch := 0; batch < dset.Batches; batch++ {
		if err := ctx.Err(); err != nil {
			q.Finish()
			dset.Release()
			return 0, err
		}
		q.Finish()
		x, _, yOneHot, _ := dset.NextBatch()
		yPred := net.Fprop(x)
		losses := net.OutLayer().Loss(yOneHot, yPred)
		// gradient of mean cross entropy loss with respect to the softmax input
		q.Call(
			num.Sum(losses, net.batchLoss, scale),
			num.Read(net.batchLoss, lossVal),
			num.Copy(net.inputGrad, yPred),
			num.Axpy(-1, yOneHot, net.inputGrad),
			num.Scale(scale, net.inputGrad),
		)
		grad := net.inputGrad
		for i := len(net.Layers) - 1; i >= 0; i-- {
			grad = net.Layers[i].Bprop(grad)
		}
		tr.Opt.Update(net.Layers)
		q.Finish()
		tr.losses.Add(float64(lossVal[0]))
		total += float64(lossVal[0])
		if net.LogEvery > 0 && (batch+1)%net.LogEvery == 0 {
			tr.Log.Infof("[%d, %5d] loss: %.3f", epoch, batch+1, tr.losses.Mean(net.LogEvery))
			tr.losses.Reset()
		}
		if net.DebugLevel >= 2 {
			net.PrintWeights()
		}
	}
	return total / float64(dset.Batches), nil
}
