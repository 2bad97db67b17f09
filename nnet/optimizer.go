package nnet

import (
	"fmt"

	"github.com/jnb666/demos/num"
)

// Optimizer updates the trainable parameters from the gradients computed in the backward pass.
type Optimizer interface {
	Update(layers []Layer)
	Name() string
}

// NewOptimizer returns the optimiser named in the config.
func NewOptimizer(queue num.Queue, conf Config) (Optimizer, error) {
	switch conf.Optimizer {
	case "", "adam":
		return &adam{queue: queue, eta: float32(conf.Eta), decay: float32(conf.Lambda),
			beta1: 0.9, beta2: 0.999, eps: 1e-8}, nil
	case "sgd":
		return &sgd{queue: queue, eta: float32(conf.Eta), decay: float32(conf.Lambda)}, nil
	default:
		return nil, fmt.Errorf("invalid optimizer: %q", conf.Optimizer)
	}
}

// stochastic gradient descent with L2 weight decay
type sgd struct {
	queue      num.Queue
	eta, decay float32
}

func (o *sgd) Name() string { return "sgd" }

func (o *sgd) Update(layers []Layer) {
	for _, layer := range layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			dW, dB := l.ParamGrads()
			if o.decay != 0 {
				o.queue.Call(num.Axpy(o.decay, W, dW), num.Axpy(o.decay, B, dB))
			}
			o.queue.Call(num.Axpy(-o.eta, dW, W), num.Axpy(-o.eta, dB, B))
		}
	}
}

// Adam optimiser, the moment arrays are allocated on first use
type adam struct {
	queue             num.Queue
	eta, decay        float32
	beta1, beta2, eps float32
	step              int
	moments           map[Layer][4]num.Array
}

func (o *adam) Name() string { return "adam" }

func (o *adam) Update(layers []Layer) {
	if o.moments == nil {
		o.moments = make(map[Layer][4]num.Array)
	}
	o.step++
	for _, layer := range layers {
		l, ok := layer.(ParamLayer)
		if !ok {
			continue
		}
		W, B := l.Params()
		dW, dB := l.ParamGrads()
		m, ok := o.moments[layer]
		if !ok {
			m = [4]num.Array{o.queue.NewArrayLike(W), o.queue.NewArrayLike(W), o.queue.NewArrayLike(B), o.queue.NewArrayLike(B)}
			o.moments[layer] = m
		}
		o.queue.Call(
			num.AdamUpdate(W, dW, m[0], m[1], o.eta, o.beta1, o.beta2, o.eps, o.decay, o.step),
			num.AdamUpdate(B, dB, m[2], m[3], o.eta, o.beta1, o.beta2, o.eps, o.decay, o.step),
		)
	}
}
