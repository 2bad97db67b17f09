package web

import (
	"bytes"
	"image/color"
	"io"

	"github.com/jnb666/demos/nnet"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const (
	plotLoss     = "loss"
	plotAccuracy = "accuracy"
)

// statValue returns the value plotted for each epoch.
var statValue = map[string]func(nnet.Stats) float64{
	plotLoss:     func(s nnet.Stats) float64 { return s.Loss },
	plotAccuracy: func(s nnet.Stats) float64 { return 100 * s.Accuracy },
}

var statColor = map[string]int{plotLoss: 0, plotAccuracy: 1}

var statLegend = map[string]string{
	plotLoss:     "training loss ",
	plotAccuracy: "test accuracy % ",
}

// writePlot renders the named series as an SVG line plot. Width and height are in points.
func writePlot(w io.Writer, name string, stats []nnet.Stats, maxEpoch, width, height int) error {
	plt := newPlot()
	line := newLinePlot(stats, statValue[name], maxEpoch, plotutil.Color(statColor[name]))
	plt.Add(line)
	plt.Legend.Add(statLegend[name], line)
	writer, err := plt.WriterTo(vg.Length(width), vg.Length(height), "svg")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := writer.WriteTo(&buf); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Label.Text = "epoch"
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func newLinePlot(stats []nnet.Stats, value func(nnet.Stats) float64, maxEpoch int, col color.Color) linePlot {
	pts := plotter.XYs{}
	xmax, ymax := float64(maxEpoch), 0.0
	for _, s := range stats {
		pt := plotter.XY{X: float64(s.Epoch), Y: value(s)}
		pts = append(pts, pt)
		if pt.X > xmax {
			xmax = pt.X
		}
		if pt.Y > ymax {
			ymax = pt.Y
		}
	}
	if xmax < 1 {
		xmax = 1
	}
	if ymax <= 0 {
		ymax = 1
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		l = &plotter.Line{}
	}
	l.Width = 2
	l.Color = col
	return linePlot{Line: l, xmin: 0, xmax: xmax, ymin: 0, ymax: ymax}
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
