package pipeline

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/jnb666/demos/nnet"
	"github.com/jnb666/demos/num"
	"go.uber.org/zap"
)

// DefaultFeatures is the size of the hashed bag of words vector.
const DefaultFeatures = 4096

func init() {
	register("bow", openBOW)
}

// bag of words classifier: token counts are hashed into a fixed size vector which is fed to a
// linear layer with softmax output.
type bowClassifier struct {
	manifest Manifest
	mu       sync.Mutex
	queue    num.Queue
	net      *nnet.Network
	input    num.Array
	buf      []float32
}

func openBOW(dir string, m Manifest, log *zap.SugaredLogger) (Classifier, error) {
	model, err := nnet.LoadModel(filepath.Join(dir, nnet.ModelFileName))
	if err != nil {
		return nil, err
	}
	if len(model.InShape) != 1 || model.InShape[0] != m.Features {
		return nil, fmt.Errorf("model input shape %v does not match %d features", model.InShape, m.Features)
	}
	queue := num.NewDevice().NewQueue(1)
	net, err := model.Network(queue, 1)
	if err != nil {
		return nil, err
	}
	net.SetTraining(false)
	net.SetLogger(log)
	c := &bowClassifier{
		manifest: m,
		queue:    queue,
		net:      net,
		input:    queue.NewArray(num.Float32, 1, m.Features),
		buf:      make([]float32, m.Features),
	}
	return c, nil
}

func (c *bowClassifier) Manifest() Manifest { return c.manifest }

func (c *bowClassifier) Classify(text string) (Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	Features(text, c.buf)
	c.queue.Call(num.Write(c.input, c.buf))
	yPred := c.net.Fprop(c.input)
	c.queue.Finish()
	probs := yPred.Float32s()
	if len(probs) != len(c.manifest.Labels) {
		return Prediction{}, fmt.Errorf("model has %d outputs for %d labels", len(probs), len(c.manifest.Labels))
	}
	return newPrediction(probs), nil
}

func (c *bowClassifier) Close() error {
	c.queue.Shutdown()
	return nil
}

// Features computes the hashed bag of words vector for the text. Tokens are lower cased runs of
// letters and digits, each count is scaled as log(1+n) and the vector is normalised to unit length.
func Features(text string, vec []float32) {
	for i := range vec {
		vec[i] = 0
	}
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(len(vec))]++
	}
	var sum float64
	for i, v := range vec {
		if v > 0 {
			vec[i] = float32(math.Log1p(float64(v)))
			sum += float64(vec[i] * vec[i])
		}
	}
	if sum > 0 {
		scale := float32(1 / math.Sqrt(sum))
		for i := range vec {
			vec[i] *= scale
		}
	}
}

// Tokenize splits text into lower case words.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// BOWConfig returns the network config for the bag of words classifier.
func BOWConfig(classes int) nnet.Config {
	conf := nnet.Config{DataSet: "text", Optimizer: "adam", Eta: 0.01, TrainBatch: 16, TestBatch: 16, MaxEpoch: 10, Shuffle: true}
	return conf.AddLayers(nnet.Linear{Nout: classes}, nnet.LogRegression{})
}

// NewBOWModel returns a freshly initialised bag of words model.
func NewBOWModel(features int, labels []string, rng *rand.Rand) nnet.ModelFile {
	queue := num.NewDevice().NewQueue(1)
	defer queue.Shutdown()
	net := nnet.New(queue, BOWConfig(len(labels)), 1, []int{features})
	net.InitWeights(rng)
	return net.Export(labels)
}

func newPrediction(probs []float32) Prediction {
	p := Prediction{Scores: make([]LabelScore, len(probs))}
	best := 0
	for i, v := range probs {
		p.Scores[i] = LabelScore{Label: LabelName(i), Score: v}
		if v > probs[best] {
			best = i
		}
	}
	p.Label, p.Score = LabelName(best), probs[best]
	return p
}
