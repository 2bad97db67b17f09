// Package img contains routines for loading and displaying sets of images.
package img

import (
	"image"
	"image/color"
)

// RGBImage type stores the image data as bytes in row major order with the r, g and b color planes stored separately.
type RGBImage struct {
	Pix    []uint8
	Height int
	Width  int
}

func NewRGB(width, height int) *RGBImage {
	return &RGBImage{Pix: make([]uint8, height*width*3), Height: height, Width: width}
}

func (m *RGBImage) Channels() int {
	return 3
}

func (m *RGBImage) ColorModel() color.Model {
	return color.NRGBAModel
}

func (m *RGBImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *RGBImage) NRGBAAt(x, y int) color.NRGBA {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return color.NRGBA{}
	}
	plane := m.Width * m.Height
	i := y*m.Width + x
	return color.NRGBA{R: m.Pix[i], G: m.Pix[i+plane], B: m.Pix[i+2*plane], A: 255}
}

func (m *RGBImage) At(x, y int) color.Color {
	return m.NRGBAAt(x, y)
}

func (m *RGBImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	col := color.NRGBAModel.Convert(c).(color.NRGBA)
	plane := m.Width * m.Height
	i := y*m.Width + x
	m.Pix[i] = col.R
	m.Pix[i+plane] = col.G
	m.Pix[i+2*plane] = col.B
}

// Pixels returns the data for the given channel, or all channels if ch is out of range.
func (m *RGBImage) Pixels(ch int) []uint8 {
	if ch >= 0 && ch <= 2 {
		return m.Pix[ch*m.Width*m.Height : (ch+1)*m.Width*m.Height]
	}
	return m.Pix
}

// Channel returns a copy of the image with only one colour channel shown as a gray image.
func (m *RGBImage) Channel(ch int) *RGBImage {
	dst := NewRGB(m.Width, m.Height)
	for i := 0; i < 3; i++ {
		copy(dst.Pixels(i), m.Pixels(ch))
	}
	return dst
}

// Scale resizes the image by an integer factor using nearest neighbour sampling.
func Scale(src image.Image, factor int) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	for y := 0; y < b.Dy()*factor; y++ {
		for x := 0; x < b.Dx()*factor; x++ {
			dst.Set(x, y, src.At(b.Min.X+x/factor, b.Min.Y+y/factor))
		}
	}
	return dst
}
