// train loads a CIFAR-10 model, trains it for a number of epochs while logging the test set
// accuracy after each one and saves the updated model.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jnb666/demos/img"
	"github.com/jnb666/demos/nnet"
	"github.com/jnb666/demos/num"
	"github.com/jnb666/demos/settings"
	"github.com/jnb666/demos/web"
	"go.uber.org/zap"
)

type trainSettings struct {
	settings.Common
	ModelPath  string  `flag:"model-path" env:"MODEL_PATH" required:"true" usage:"directory with the model.pth to train"`
	DataPath   string  `flag:"data-path" env:"DATA_PATH" required:"true" usage:"directory with the CIFAR-10 data"`
	OutPath    string  `flag:"out-path" env:"OUT_PATH" required:"true" usage:"directory to save the trained model"`
	Epochs     int     `flag:"epochs" default:"3" usage:"number of training epochs"`
	Batch      int     `flag:"batch" default:"10" usage:"training batch size"`
	TestBatch  int     `flag:"test-batch" default:"100" usage:"test batch size"`
	Eta        float64 `flag:"eta" default:"0.001" usage:"learning rate"`
	Lambda     float64 `flag:"lambda" default:"0.0001" usage:"weight decay"`
	Optimizer  string  `flag:"optimizer" default:"adam" usage:"optimizer: adam or sgd"`
	Threads    int     `flag:"threads" usage:"worker threads, 0 for one per cpu"`
	Seed       int64   `flag:"seed" usage:"random number seed, 0 for a random seed"`
	LogEvery   int     `flag:"log-every" default:"1000" usage:"log the running loss every n batches"`
	MaxSamples int     `flag:"samples" usage:"limit the number of training and test images"`
	Init       bool    `flag:"init" usage:"create a new model if there is none at the model path"`
	Monitor    string  `flag:"monitor" env:"MONITOR" usage:"listen address for the training monitor, e.g. :8080"`
	Debug      int     `flag:"debug" usage:"debug level"`
	Profile    bool    `flag:"profile" usage:"log kernel profile"`
}

func main() {
	s := &trainSettings{}
	cmd := settings.NewCommand("train", "train", "Train the CIFAR-10 image classifier", s,
		func(ctx context.Context, log *zap.SugaredLogger) error {
			return run(ctx, s, log)
		})
	settings.Execute(cmd)
}

func (s *trainSettings) config(conf nnet.Config) nnet.Config {
	conf.Optimizer = s.Optimizer
	conf.Eta = s.Eta
	conf.Lambda = s.Lambda
	conf.TrainBatch = s.Batch
	conf.TestBatch = s.TestBatch
	conf.MaxEpoch = s.Epochs
	conf.MaxSamples = s.MaxSamples
	conf.LogEvery = s.LogEvery
	conf.RandSeed = s.Seed
	conf.Threads = s.Threads
	conf.DebugLevel = s.Debug
	conf.Profile = s.Profile
	conf.Shuffle = true
	return conf
}

func run(ctx context.Context, s *trainSettings, log *zap.SugaredLogger) error {
	path := filepath.Join(s.ModelPath, nnet.ModelFileName)
	outPath := filepath.Join(s.OutPath, nnet.ModelFileName)

	model, err := nnet.LoadModel(path)
	switch {
	case err == nil:
		log.Infof("Model file exists at %s", path)
		model.Config = s.config(model.Config)
	case errors.Is(err, nnet.ErrNoModel) && s.Init:
		log.Infof("Model file %s does not exist: creating new model", path)
		model = nnet.ModelFile{Config: nnet.CIFARNet(s.config(nnet.DefaultConfig)), InShape: nnet.CIFAR10Shape}
	case errors.Is(err, nnet.ErrNoModel):
		log.Errorf("Model file %s does not exist", path)
		return err
	default:
		return err
	}
	conf := model.Config
	rng, seed := nnet.SetSeed(conf.RandSeed)
	log.Debugw("random seed", "seed", seed)

	log.Infof("Loading data from %s", s.DataPath)
	mean, std := []float32{0.5, 0.5, 0.5}, []float32{0.5, 0.5, 0.5}
	trainData, err := img.LoadCIFAR(s.DataPath, true)
	if err != nil {
		return err
	}
	trainData.Normalise(mean, std)
	testData, err := img.LoadCIFAR(s.DataPath, false)
	if err != nil {
		return err
	}
	testData.Normalise(mean, std)

	queue := num.NewDevice().NewQueue(conf.Threads)
	defer queue.Shutdown()
	queue.Profiling(conf.Profile)
	log.Infof("The model will be running on cpu device with %d threads", queue.Threads())

	dset := nnet.NewDataset(queue.Dev(), trainData, conf.TrainBatch, conf.MaxSamples, rng)
	defer dset.Release()
	var net *nnet.Network
	if model.Params == nil {
		net = nnet.New(queue, conf, dset.BatchSize, model.InShape)
		net.InitWeights(rng)
	} else if net, err = model.Network(queue, dset.BatchSize); err != nil {
		return err
	}
	net.SetLogger(log)
	if conf.DebugLevel >= 1 {
		log.Debugf("network:\n%s", net)
	}

	tester := nnet.NewTestLogger(queue, conf, testData, rng, log)
	var test nnet.Tester = tester
	log.Infof("The number of images in a training set is: %d", dset.Batches*dset.BatchSize)
	log.Infof("The number of images in a test set is: %d", testData.Len())
	log.Infof("The number of batches per epoch is: %d", dset.Batches)

	if s.Monitor != "" {
		mon, err := web.NewMonitor("cifar10", conf, tester, testData, log.Named("monitor"))
		if err != nil {
			return err
		}
		stop := serveMonitor(ctx, s.Monitor, mon, log)
		defer stop()
		test = mon
	}

	tr, err := nnet.NewTrainer(net, log)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := tr.Train(ctx, dset, test); err != nil {
		return fmt.Errorf("training interrupted: %w", err)
	}
	if mon, ok := test.(*web.Monitor); ok {
		mon.Finish()
	}
	log.Info("Finished Training")
	log.Infof("Time taken to train was %.1f seconds", time.Since(start).Seconds())
	if conf.Profile {
		log.Infof("== Profile ==\n%s", queue.Profile())
	}

	if err := os.MkdirAll(s.OutPath, 0755); err != nil {
		return err
	}
	log.Infof("Saving trained model to %s", outPath)
	return net.Export(trainData.Classes()).Save(outPath)
}

// serveMonitor runs the monitor web server in the background. The returned function stops the
// server and waits for it to exit.
func serveMonitor(ctx context.Context, addr string, mon *web.Monitor, log *zap.SugaredLogger) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := web.ListenAndServe(ctx, addr, mon.Router(), log.Named("monitor")); err != nil {
			log.Errorw("monitor server failed", "error", err)
		}
	}()
	return func() {
		mon.Close()
		cancel()
		wg.Wait()
	}
}
