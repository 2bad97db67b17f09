package pipeline

import (
	"strings"

	kjarni "github.com/olafurjohannsson/kjarni-go"
	"go.uber.org/zap"
)

func init() {
	register("kjarni", openKjarni)
}

// classifier running on the kjarni native inference engine
type kjarniClassifier struct {
	manifest Manifest
	engine   engine
}

// subset of the kjarni.Classifier methods
type engine interface {
	Classify(text string) (*kjarni.ClassifyResult, error)
	Close() error
}

func openKjarni(dir string, m Manifest, log *zap.SugaredLogger) (Classifier, error) {
	device := m.Device
	if device == "" {
		device = "cpu"
	}
	log.Infow("starting inference engine", "model", m.EngineModel, "device", device)
	clf, err := kjarni.NewClassifier(m.EngineModel, kjarni.WithQuiet(true), kjarni.WithDevice(device))
	if err != nil {
		return nil, err
	}
	return &kjarniClassifier{manifest: m, engine: clf}, nil
}

func (c *kjarniClassifier) Manifest() Manifest { return c.manifest }

func (c *kjarniClassifier) Classify(text string) (Prediction, error) {
	res, err := c.engine.Classify(text)
	if err != nil {
		return Prediction{}, err
	}
	p := Prediction{Label: c.labelName(res.Label), Score: res.Score}
	for _, s := range res.AllScores {
		p.Scores = append(p.Scores, LabelScore{Label: c.labelName(s.Label), Score: s.Score})
	}
	return p, nil
}

func (c *kjarniClassifier) Close() error {
	return c.engine.Close()
}

// engine labels are mapped to LABEL_<n> using their position in the manifest label list
func (c *kjarniClassifier) labelName(label string) string {
	for i, name := range c.manifest.Labels {
		if strings.EqualFold(name, label) {
			return LabelName(i)
		}
	}
	return label
}
