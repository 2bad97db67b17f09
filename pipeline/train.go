package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/jnb666/demos/nnet"
	"github.com/jnb666/demos/num"
	"github.com/jnb666/demos/textdata"
	"go.uber.org/zap"
)

// TrainBOW fits the bag of words model exported under dir to the labelled rows and saves the
// updated weights. Returns the accuracy over the rows after training.
func TrainBOW(ctx context.Context, dir string, rows []textdata.Row, epochs int, rng *rand.Rand, log *zap.SugaredLogger) (float64, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m, err := ReadManifest(dir)
	if err != nil {
		return 0, err
	}
	if m.Backend != "bow" {
		return 0, fmt.Errorf("cannot train %s backend", m.Backend)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("no training data")
	}
	modelFile := filepath.Join(dir, nnet.ModelFileName)
	model, err := nnet.LoadModel(modelFile)
	if err != nil {
		return 0, err
	}
	labels := make([]int32, len(rows))
	inputs := make([]float32, len(rows)*m.Features)
	for i, row := range rows {
		if row.Label < 0 || row.Label >= len(m.Labels) {
			return 0, fmt.Errorf("row %d: label %d out of range", i, row.Label)
		}
		labels[i] = int32(row.Label)
		Features(row.Text, inputs[i*m.Features:(i+1)*m.Features])
	}
	data := nnet.NewData(m.Labels, []int{m.Features}, labels, inputs)

	conf := model.Config
	if epochs > 0 {
		conf.MaxEpoch = epochs
	}
	model.Config = conf
	queue := num.NewDevice().NewQueue(0)
	defer queue.Shutdown()
	dset := nnet.NewDataset(queue.Dev(), data, conf.TrainBatch, 0, rng)
	defer dset.Release()
	net, err := model.Network(queue, dset.BatchSize)
	if err != nil {
		return 0, err
	}
	net.SetLogger(log)
	test := nnet.NewTestBase(queue, conf, data, rng)
	defer test.Data.Release()
	tr, err := nnet.NewTrainer(net, log)
	if err != nil {
		return 0, err
	}
	log.Infow("training classification head", "rows", len(rows), "epochs", conf.MaxEpoch)
	if err := tr.Train(ctx, dset, test); err != nil {
		return 0, err
	}
	s := test.Stats[len(test.Stats)-1]
	log.Infow("training complete", "loss", s.Loss, "accuracy", s.Accuracy, "elapsed", s.Elapsed)
	return s.Accuracy, net.Export(m.Labels).Save(modelFile)
}
