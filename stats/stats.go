// Package stats has running statistics used to summarise training losses and image data.
package stats

import (
	"fmt"
	"html/template"
	"math"
)

// Calc exponentional moving average over approx n values
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
	oldM, oldV  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.oldM, s.Mean = x, x
		s.oldV = 0
	} else {
		s.Mean = s.oldM + (x-s.oldM)/s.Count
		s.Var = s.oldV + (x-s.oldM)*(x-s.Mean)
		s.oldM, s.oldV = s.Mean, s.Var
		s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
	}
}

// AddSlice adds each value in the slice
func (s *Average) AddSlice(x []float32) {
	for _, v := range x {
		s.Add(float64(v))
	}
}

func (s *Average) String() string {
	return fmt.Sprintf("%.4f±%.4f", s.Mean, s.StdDev)
}

func (s *Average) HTML() template.HTML {
	var text string
	if s.Mean > 10 {
		if s.StdDev < 0.1 {
			text = fmt.Sprintf("%.1f", s.Mean)
		} else {
			text = fmt.Sprintf("%.1f&PlusMinus;%.1f", s.Mean, s.StdDev)
		}
	} else {
		if s.StdDev < 0.01 {
			text = fmt.Sprintf("%.2f", s.Mean)
		} else {
			text = fmt.Sprintf("%.2f&PlusMinus;%.2f", s.Mean, s.StdDev)
		}
	}
	return template.HTML(text)
}

// Running sum of values which is reset after each report
type Running struct {
	Sum   float64
	Count int
}

func (r *Running) Add(x float64) {
	r.Sum += x
	r.Count++
}

// Mean returns the average over the n values since the last reset, or over Count if n is zero.
func (r *Running) Mean(n int) float64 {
	if n == 0 {
		n = r.Count
	}
	if n == 0 {
		return 0
	}
	return r.Sum / float64(n)
}

func (r *Running) Reset() {
	r.Sum, r.Count = 0, 0
}
