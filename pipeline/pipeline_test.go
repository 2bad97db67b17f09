package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jnb666/demos/textdata"
	kjarni "github.com/olafurjohannsson/kjarni-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	assert.Empty(t, Tokenize(" ... "))
	assert.Equal(t, []string{"it", "s", "a", "great", "film", "10", "10"}, Tokenize("It's a GREAT film!! 10/10"))
}

func TestFeatures(t *testing.T) {
	vec := make([]float32, 64)
	Features("good good film", vec)
	var sum float64
	nonZero := 0
	for _, v := range vec {
		sum += float64(v * v)
		if v != 0 {
			nonZero++
		}
	}
	assert.InDelta(t, 1, sum, 1e-5)
	assert.LessOrEqual(t, nonZero, 2)

	Features("", vec)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestExportBOW(t *testing.T) {
	dir := t.TempDir()
	m, err := Export(dir, ExportOptions{Backend: "bow", Labels: []string{"negative", "positive"}, Features: 256,
		Source: "distilbert/distilbert-base-uncased", Revision: "main", Rng: rand.New(rand.NewSource(1))}, nil)
	require.NoError(t, err)
	assert.Equal(t, Task, m.Task)
	assert.Equal(t, 256, m.Features)
	assert.FileExists(t, filepath.Join(dir, "model.pth"))
	assert.False(t, m.Created.IsZero())

	clf, err := Load(dir, nil)
	require.NoError(t, err)
	defer clf.Close()
	p, err := clf.Classify("a wonderful film")
	require.NoError(t, err)
	assert.Contains(t, []string{"LABEL_0", "LABEL_1"}, p.Label)
	require.Len(t, p.Scores, 2)
	assert.InDelta(t, 1, p.Scores[0].Score+p.Scores[1].Score, 1e-5)
	assert.Equal(t, "LABEL_1", p.Scores[1].Label)
}

func TestExportErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Export(dir, ExportOptions{Backend: "onnx", Labels: []string{"a", "b"}}, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
	assert.ErrorContains(t, err, "expecting one of bow, kjarni")
	assert.Equal(t, []string{"bow", "kjarni"}, Backends())
	_, err = Export(dir, ExportOptions{Backend: "bow", Labels: []string{"a"}}, nil)
	assert.Error(t, err)
	_, err = Export(dir, ExportOptions{Backend: "kjarni", Labels: []string{"a", "b"}}, nil)
	assert.ErrorContains(t, err, "engine model")

	m, err := Export(dir, ExportOptions{Backend: "kjarni", EngineModel: "distilbert-sentiment", Labels: []string{"negative", "positive"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "distilbert-sentiment", m.EngineModel)
	assert.NoFileExists(t, filepath.Join(dir, "model.pth"))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, nil)
	assert.ErrorIs(t, err, ErrNoManifest)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"task": "text-classification", "backend": "torch", "labels": ["a", "b"]}`), 0644))
	_, err = Load(dir, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"task": "summarization", "backend": "bow", "labels": ["a", "b"]}`), 0644))
	_, err = Load(dir, nil)
	assert.ErrorContains(t, err, "unsupported pipeline task")

	require.NoError(t, WriteManifest(dir, Manifest{Backend: "bow", Labels: []string{"a", "b"}, Features: 16}))
	_, err = Load(dir, nil)
	assert.Error(t, err)
}

func TestTrainBOW(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(7))
	_, err := Export(dir, ExportOptions{Backend: "bow", Labels: []string{"negative", "positive"}, Features: 512, Rng: rng}, nil)
	require.NoError(t, err)
	rows := []textdata.Row{
		{Text: "great wonderful film", Label: 1},
		{Text: "loved it brilliant", Label: 1},
		{Text: "wonderful acting great story", Label: 1},
		{Text: "brilliant and great", Label: 1},
		{Text: "terrible boring film", Label: 0},
		{Text: "awful waste of time", Label: 0},
		{Text: "boring and awful", Label: 0},
		{Text: "terrible story", Label: 0},
	}
	acc, err := TrainBOW(context.Background(), dir, rows, 60, rng, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, acc)

	clf, err := Load(dir, nil)
	require.NoError(t, err)
	defer clf.Close()
	p, err := clf.Classify("great film")
	require.NoError(t, err)
	assert.Equal(t, "LABEL_1", p.Label)
	p, err = clf.Classify("boring awful")
	require.NoError(t, err)
	assert.Equal(t, "LABEL_0", p.Label)

	_, err = TrainBOW(context.Background(), dir, []textdata.Row{{Text: "x", Label: 5}}, 1, rng, nil)
	assert.Error(t, err)
}

func TestLazy(t *testing.T) {
	dir := t.TempDir()
	lazy := NewLazy(dir, nil)
	_, err := lazy.Get()
	assert.ErrorIs(t, err, ErrNoManifest)
	assert.False(t, lazy.Loaded())

	_, err = Export(dir, ExportOptions{Backend: "bow", Labels: []string{"negative", "positive"}, Features: 32}, nil)
	require.NoError(t, err)
	var wg sync.WaitGroup
	results := make([]Classifier, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = lazy.Get()
		}(i)
	}
	wg.Wait()
	assert.True(t, lazy.Loaded())
	for _, clf := range results {
		assert.Same(t, results[0], clf)
	}
	assert.NoError(t, lazy.Close())
	assert.False(t, lazy.Loaded())
}

type fakeEngine struct {
	res    *kjarni.ClassifyResult
	err    error
	closed bool
}

func (e *fakeEngine) Classify(text string) (*kjarni.ClassifyResult, error) { return e.res, e.err }

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

func TestKjarniLabels(t *testing.T) {
	eng := &fakeEngine{res: &kjarni.ClassifyResult{
		Label: "POSITIVE",
		Score: 0.9,
		AllScores: []kjarni.LabelScore{
			{Label: "POSITIVE", Score: 0.9},
			{Label: "NEGATIVE", Score: 0.1},
		},
	}}
	clf := &kjarniClassifier{manifest: Manifest{Labels: []string{"negative", "positive"}}, engine: eng}
	p, err := clf.Classify("fine")
	require.NoError(t, err)
	assert.Equal(t, "LABEL_1", p.Label)
	assert.Equal(t, []LabelScore{{"LABEL_1", 0.9}, {"LABEL_0", 0.1}}, p.Scores)

	eng.res = &kjarni.ClassifyResult{Label: "joy", Score: 0.5}
	p, err = clf.Classify("fine")
	require.NoError(t, err)
	assert.Equal(t, "joy", p.Label)

	eng.err = errors.New("engine failed")
	_, err = clf.Classify("fine")
	assert.Error(t, err)
	assert.NoError(t, clf.Close())
	assert.True(t, eng.closed)
}

func TestNewPrediction(t *testing.T) {
	p := newPrediction([]float32{0.2, 0.7, 0.1})
	assert.Equal(t, "LABEL_1", p.Label)
	assert.InDelta(t, 0.7, p.Score, 1e-6)
	assert.False(t, math.IsNaN(float64(p.Scores[2].Score)))
}
