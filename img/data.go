package img

import (
	"fmt"
	"image"

	"github.com/jnb666/demos/stats"
)

// Image data set which implements the nnet.Data interface.
// Pixel values are scaled to [0, 1] and then normalised per channel as (x - Mean) / StdDev.
type Data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Pix    []uint8
	Mean   []float32
	StdDev []float32
}

// Create a new image set from labels and the image pixels in channel, height, width order
func NewData(classes []string, dims []int, labels []int32, pix []uint8) *Data {
	d := &Data{Class: classes, Dims: dims, Labels: labels, Pix: pix}
	if len(pix) != len(labels)*d.nfeat() {
		panic(fmt.Sprintf("NewData: have %d bytes for %d images of size %v", len(pix), len(labels), dims))
	}
	return d.Normalise(nil, nil)
}

// Normalise sets the per channel mean and std deviation. If nil then values are left in the range [0, 1].
func (d *Data) Normalise(mean, std []float32) *Data {
	d.Mean = make([]float32, d.Dims[0])
	d.StdDev = make([]float32, d.Dims[0])
	for ch := range d.Mean {
		d.StdDev[ch] = 1
		if mean != nil {
			d.Mean[ch] = mean[ch]
		}
		if std != nil {
			d.StdDev[ch] = std[ch]
		}
	}
	return d
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes returns the label names
func (d *Data) Classes() []string { return d.Class }

// Shape returns channels, height, width
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input returns scaled input data in buf array
func (d *Data) Input(index []int, buf []float32) {
	nfeat := d.nfeat()
	plane := nfeat / d.Dims[0]
	for i, ix := range index {
		src := d.Pix[ix*nfeat : (ix+1)*nfeat]
		dst := buf[i*nfeat : (i+1)*nfeat]
		for ch := 0; ch < d.Dims[0]; ch++ {
			mean, scale := d.Mean[ch], 1/d.StdDev[ch]
			for j := ch * plane; j < (ch+1)*plane; j++ {
				dst[j] = (float32(src[j])/255 - mean) * scale
			}
		}
	}
}

// Image returns given image number
func (d *Data) Image(ix int) image.Image {
	return d.RGB(ix)
}

// RGB returns a view on the pixel data for the given image
func (d *Data) RGB(ix int) *RGBImage {
	nfeat := d.nfeat()
	return &RGBImage{Pix: d.Pix[ix*nfeat : (ix+1)*nfeat], Height: d.Dims[1], Width: d.Dims[2]}
}

// Slice returns images from start to end
func (d *Data) Slice(start, end int) *Data {
	data := *d
	nfeat := d.nfeat()
	data.Labels = append([]int32{}, d.Labels[start:end]...)
	data.Pix = append([]uint8{}, d.Pix[start*nfeat:end*nfeat]...)
	return &data
}

func (d *Data) nfeat() int {
	n := 1
	for _, d := range d.Dims {
		n *= d
	}
	return n
}

// Calculate per channel mean and stddev of the pixel values scaled to [0, 1]
func GetStats(sets ...*Data) (mean, std []float32) {
	channels := sets[0].Dims[0]
	stat := make([]*stats.Average, channels)
	for i := range stat {
		stat[i] = new(stats.Average)
	}
	for _, d := range sets {
		for ix := 0; ix < d.Len(); ix++ {
			m := d.RGB(ix)
			for ch, s := range stat {
				for _, val := range m.Pixels(ch) {
					s.Add(float64(val) / 255)
				}
			}
		}
	}
	mean = make([]float32, channels)
	std = make([]float32, channels)
	for i, s := range stat {
		mean[i] = float32(s.Mean)
		std[i] = float32(s.StdDev)
	}
	return mean, std
}
