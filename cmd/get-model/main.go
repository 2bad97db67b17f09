// get-model fetches a pretrained model from the hub and exports a servable text classification
// pipeline to <output-path>/runtime.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jnb666/demos/fetch"
	"github.com/jnb666/demos/nnet"
	"github.com/jnb666/demos/pipeline"
	"github.com/jnb666/demos/settings"
	"github.com/jnb666/demos/textdata"
	"go.uber.org/zap"
)

const (
	snapshotDir = "pytorch"
	runtimeDir  = "runtime"
)

type modelSettings struct {
	settings.Common
	OutputPath   string   `flag:"output-path" env:"OUTPUT_PATH" required:"true" usage:"directory to save the model"`
	ModelID      string   `flag:"model-id" env:"MODEL_ID" default:"distilbert/distilbert-base-uncased" usage:"hub model repository"`
	Revision     string   `flag:"revision" default:"main" usage:"hub model revision"`
	Backend      string   `flag:"backend" env:"BACKEND" default:"kjarni" usage:"pipeline backend: kjarni or bow"`
	EngineModel  string   `flag:"engine-model" env:"ENGINE_MODEL" default:"distilbert-sentiment" usage:"model name for the kjarni engine"`
	Device       string   `flag:"device" default:"cpu" usage:"kjarni device: cpu or gpu"`
	Labels       []string `flag:"labels" default:"negative,positive" usage:"class labels in output order"`
	Features     int      `flag:"features" default:"4096" usage:"bow feature vector size"`
	HFToken      string   `flag:"hf-token" env:"HF_TOKEN" usage:"hub access token"`
	Workers      int      `flag:"workers" default:"4" usage:"parallel downloads"`
	SkipSnapshot bool     `flag:"skip-snapshot" usage:"do not download the hub snapshot"`
	Seed         int64    `flag:"seed" usage:"random number seed, 0 for a random seed"`
	TrainData    string   `flag:"train-data" env:"TRAIN_DATA" usage:"labelled dataset used to fit the bow classifier"`
	TrainSplit   string   `flag:"train-split" default:"train" usage:"dataset split to train on"`
	Epochs       int      `flag:"epochs" default:"10" usage:"bow training epochs"`
	CacheDir     string   `flag:"cache-dir" env:"CACHE_DIR" usage:"writable directory for hub dataset snapshots (default $TMPDIR/demos-cache)"`
}

func main() {
	s := &modelSettings{}
	cmd := settings.NewCommand("get-model", "get_model", "Fetch a pretrained model and export it for inference", s,
		func(ctx context.Context, log *zap.SugaredLogger) error {
			return run(ctx, s, log)
		})
	settings.Execute(cmd)
}

func run(ctx context.Context, s *modelSettings, log *zap.SugaredLogger) error {
	if s.TrainData != "" && s.Backend != "bow" {
		return fmt.Errorf("--train-data is only supported with the bow backend")
	}
	if !s.SkipSnapshot {
		log.Infof("Fetching model %s from huggingface Hub.", s.ModelID)
		snap := fetch.Snapshot{Repo: s.ModelID, Revision: s.Revision, Token: s.HFToken, Workers: s.Workers}
		dir, err := snap.Download(ctx, filepath.Join(s.OutputPath, snapshotDir), fetch.Options{Log: log})
		if err != nil {
			return err
		}
		log.Infof("Saving model to path %s", dir)
	}

	rng, seed := nnet.SetSeed(s.Seed)
	log.Debugw("random seed", "seed", seed)
	outDir := filepath.Join(s.OutputPath, runtimeDir)
	m, err := pipeline.Export(outDir, pipeline.ExportOptions{
		Backend:     s.Backend,
		EngineModel: s.EngineModel,
		Device:      s.Device,
		Labels:      s.Labels,
		Features:    s.Features,
		Source:      s.ModelID,
		Revision:    s.Revision,
		Rng:         rng,
	}, log)
	if err != nil {
		return err
	}
	log.Infow("exported pipeline", "path", outDir, "backend", m.Backend, "labels", m.Labels)

	if s.TrainData == "" {
		return nil
	}
	cacheDir := s.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "demos-cache")
	}
	data := textdata.NewSource(s.TrainData, cacheDir, log)
	data.Token = s.HFToken
	split, err := data.Load(ctx, s.TrainSplit)
	if err != nil {
		return err
	}
	log.Infof("Training classifier on %d rows from %s split", split.Len(), s.TrainSplit)
	acc, err := pipeline.TrainBOW(ctx, outDir, split.Rows, s.Epochs, rng, log)
	if err != nil {
		return err
	}
	log.Infof("Training accuracy is %.1f %%", 100*acc)
	return nil
}
