package pipeline

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/jnb666/demos/nnet"
	"go.uber.org/zap"
)

// ExportOptions select the backend and labels for an exported pipeline.
type ExportOptions struct {
	Backend     string
	EngineModel string
	Device      string
	Labels      []string
	Features    int
	Source      string
	Revision    string
	Rng         *rand.Rand
}

// Export writes a servable pipeline to dir. For the bag of words backend an untrained model
// file is written alongside the manifest.
func Export(dir string, opts ExportOptions, log *zap.SugaredLogger) (Manifest, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if _, ok := backends[opts.Backend]; !ok {
		return Manifest{}, unknownBackend(opts.Backend)
	}
	if len(opts.Labels) < 2 {
		return Manifest{}, fmt.Errorf("need at least 2 labels: got %v", opts.Labels)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		Task:        Task,
		Backend:     opts.Backend,
		EngineModel: opts.EngineModel,
		Device:      opts.Device,
		Labels:      opts.Labels,
		Source:      opts.Source,
		Revision:    opts.Revision,
	}
	if opts.Backend == "bow" {
		m.EngineModel = ""
		m.Features = opts.Features
		if m.Features <= 0 {
			m.Features = DefaultFeatures
		}
		rng := opts.Rng
		if rng == nil {
			rng, _ = nnet.SetSeed(0)
		}
		modelFile := filepath.Join(dir, nnet.ModelFileName)
		log.Infof("Saving classification head to %s", modelFile)
		if err := NewBOWModel(m.Features, m.Labels, rng).Save(modelFile); err != nil {
			return m, err
		}
	} else if m.EngineModel == "" {
		return m, fmt.Errorf("engine model must be set for %s backend", m.Backend)
	}
	log.Infof("Saving %s pipeline to path %s", m.Backend, dir)
	if err := WriteManifest(dir, m); err != nil {
		return m, err
	}
	return ReadManifest(dir)
}
