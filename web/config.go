package web

import (
	"fmt"

	"github.com/jnb666/demos/nnet"
)

// Field is a config setting shown on the monitor page.
type Field struct {
	Name    string
	Value   string
	Boolean bool
	On      bool
}

// Layer is a one line description of a network layer.
type Layer struct {
	Index int
	Desc  string
}

func getFields(conf nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		f := Field{Name: key, Value: fmt.Sprint(conf.Get(key))}
		f.On, f.Boolean = conf.Get(key).(bool)
		flds = append(flds, f)
	}
	return flds
}

func getLayers(conf nnet.Config) []Layer {
	layers := make([]Layer, len(conf.Layers))
	for i, l := range conf.Layers {
		layers[i].Index = i
		layers[i].Desc = l.Unmarshal().ToString()
	}
	return layers
}
