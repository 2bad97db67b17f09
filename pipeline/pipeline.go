// Package pipeline loads and runs exported text classification models.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// ManifestFile describes an exported pipeline
	ManifestFile = "pipeline.json"
	// Task is the only pipeline task supported
	Task = "text-classification"
)

var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrNoManifest     = errors.New("pipeline manifest not found")
)

// Manifest is the exported pipeline description stored in pipeline.json.
type Manifest struct {
	Task        string    `json:"task"`
	Backend     string    `json:"backend"`
	EngineModel string    `json:"engine_model,omitempty"`
	Device      string    `json:"device,omitempty"`
	Labels      []string  `json:"labels"`
	Features    int       `json:"features,omitempty"`
	Source      string    `json:"source,omitempty"`
	Revision    string    `json:"revision,omitempty"`
	Created     time.Time `json:"created"`
}

// LabelScore is the score for one output label.
type LabelScore struct {
	Label string
	Score float32
}

// Prediction is the top label with its score plus the scores for every label.
// Labels are of the form LABEL_<n> where n is the index in the manifest label list.
type Prediction struct {
	Label  string
	Score  float32
	Scores []LabelScore
}

// Classifier runs text classification. Implementations are safe for concurrent use.
type Classifier interface {
	Classify(text string) (Prediction, error)
	Manifest() Manifest
	Close() error
}

type openFunc func(dir string, m Manifest, log *zap.SugaredLogger) (Classifier, error)

var backends = map[string]openFunc{}

func register(name string, fn openFunc) {
	backends[name] = fn
}

// Backends returns the sorted names of the registered backends.
func Backends() []string {
	names := []string{}
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unknownBackend(name string) error {
	return fmt.Errorf("%w: %q, expecting one of %s", ErrUnknownBackend, name, strings.Join(Backends(), ", "))
}

// LabelName returns the generic label name for the given class index.
func LabelName(i int) string {
	return "LABEL_" + strconv.Itoa(i)
}

// Load reads the manifest from dir and opens the pipeline using the backend it names.
func Load(dir string, log *zap.SugaredLogger) (Classifier, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	open, ok := backends[m.Backend]
	if !ok {
		return nil, unknownBackend(m.Backend)
	}
	log.Infof("Loading model from path %s.", dir)
	clf, err := open(dir, m, log)
	if err != nil {
		return nil, fmt.Errorf("loading %s pipeline from %s: %w", m.Backend, dir, err)
	}
	log.Infof("Hosting model for inference under pipeline for '%s'", m.Task)
	return clf, nil
}

// ReadManifest decodes pipeline.json from dir.
func ReadManifest(dir string) (m Manifest, err error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrNoManifest, dir)
		}
		return m, err
	}
	if err = json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("error decoding %s: %w", ManifestFile, err)
	}
	if m.Task != Task {
		return m, fmt.Errorf("unsupported pipeline task %q", m.Task)
	}
	if len(m.Labels) == 0 {
		return m, fmt.Errorf("%s has no labels", ManifestFile)
	}
	return m, nil
}

// WriteManifest saves the manifest to dir.
func WriteManifest(dir string, m Manifest) error {
	if m.Task == "" {
		m.Task = Task
	}
	if m.Created.IsZero() {
		m.Created = time.Now().UTC()
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), append(data, '\n'), 0644)
}

// Lazy loads the pipeline on first use and then returns the same instance.
// A failed load is retried on the next call.
type Lazy struct {
	Dir string
	log *zap.SugaredLogger
	mu  sync.Mutex
	clf Classifier
}

func NewLazy(dir string, log *zap.SugaredLogger) *Lazy {
	return &Lazy{Dir: dir, log: log}
}

// Get returns the pipeline, loading it if needed.
func (l *Lazy) Get() (Classifier, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clf != nil {
		return l.clf, nil
	}
	clf, err := Load(l.Dir, l.log)
	if err != nil {
		return nil, err
	}
	l.clf = clf
	return clf, nil
}

// Loaded reports if the pipeline has been loaded.
func (l *Lazy) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clf != nil
}

func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clf == nil {
		return nil
	}
	err := l.clf.Close()
	l.clf = nil
	return err
}
