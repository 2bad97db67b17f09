package nnet

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jnb666/demos/num"
)

// ModelFileName is the name of the saved model under the model directory.
const ModelFileName = "model.pth"

// ErrNoModel is returned by LoadModel if the model file does not exist.
var ErrNoModel = errors.New("model file does not exist")

// Saved parameters for one layer
type LayerData struct {
	Layer   int
	Type    string
	Weights []float32
	Biases  []float32
	Buffers [][]float32
}

// ModelFile has the network config, input shape and trained parameters.
type ModelFile struct {
	Config  Config
	InShape []int
	Classes []string
	Params  []LayerData
}

// Export copies the current parameters to a new ModelFile struct.
func (n *Network) Export(classes []string) ModelFile {
	m := ModelFile{Config: n.Config, InShape: n.InShape(), Classes: classes}
	n.queue.Finish()
	for i, layer := range n.Layers {
		d := LayerData{Layer: i, Type: n.Config.Layers[i].Type}
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			d.Weights = append([]float32{}, W.Float32s()...)
			d.Biases = append([]float32{}, B.Float32s()...)
		}
		if l, ok := layer.(BufferLayer); ok {
			for _, buf := range l.Buffers() {
				d.Buffers = append(d.Buffers, append([]float32{}, buf.Float32s()...))
			}
		}
		if d.Weights != nil || d.Buffers != nil {
			m.Params = append(m.Params, d)
		}
	}
	return m
}

// Import loads the parameters from the model file into the network.
func (n *Network) Import(m ModelFile) error {
	for _, d := range m.Params {
		if d.Layer < 0 || d.Layer >= len(n.Layers) {
			return fmt.Errorf("import: invalid layer %d", d.Layer)
		}
		layer := n.Layers[d.Layer]
		if d.Weights != nil {
			l, ok := layer.(ParamLayer)
			if !ok {
				return fmt.Errorf("import: layer %d of type %s has no parameters", d.Layer, d.Type)
			}
			W, B := l.Params()
			if len(d.Weights) != W.Size() || len(d.Biases) != B.Size() {
				return fmt.Errorf("import: layer %d parameter size mismatch: got %d+%d expecting %d+%d",
					d.Layer, len(d.Weights), len(d.Biases), W.Size(), B.Size())
			}
			n.queue.Call(num.Write(W, d.Weights), num.Write(B, d.Biases))
		}
		if d.Buffers != nil {
			l, ok := layer.(BufferLayer)
			if !ok || len(l.Buffers()) != len(d.Buffers) {
				return fmt.Errorf("import: layer %d of type %s buffer mismatch", d.Layer, d.Type)
			}
			for i, buf := range l.Buffers() {
				if len(d.Buffers[i]) != buf.Size() {
					return fmt.Errorf("import: layer %d buffer %d size mismatch", d.Layer, i)
				}
				n.queue.Call(num.Write(buf, d.Buffers[i]))
			}
		}
	}
	n.queue.Finish()
	return nil
}

// Network builds a new network from the model file with the given batch size and loads the weights.
func (m ModelFile) Network(queue num.Queue, batchSize int) (*Network, error) {
	net := New(queue, m.Config, batchSize, m.InShape)
	if err := net.Import(m); err != nil {
		return nil, err
	}
	return net, nil
}

// Save model in gob format to file, the file is written to a temporary name and then renamed
func (m ModelFile) Save(filePath string) error {
	tmpPath := filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath))
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err = gob.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("error encoding %s: %w", filePath, err)
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, filePath)
}

// LoadModel decodes a model file saved with Save.
func LoadModel(filePath string) (m ModelFile, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrNoModel, filePath)
		}
		return m, err
	}
	defer f.Close()
	if err = gob.NewDecoder(f).Decode(&m); err != nil {
		err = fmt.Errorf("error decoding %s: %w", filePath, err)
	}
	return m, err
}
