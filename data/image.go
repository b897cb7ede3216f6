package data

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
)

// LoadImage decodes an image file into a CHW float slice. A positive
// size resizes to size x size by bilinear sampling. Pixel values are
// scaled to [0,1]; normalize shifts them to roughly [-1,1].
func LoadImage(path string, channels, size int, normalize bool) ([]float32, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening image")
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "decoding %s", path)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	outW, outH := w, h
	if size > 0 {
		outW, outH = size, size
	}
	if channels != 1 && channels != 3 {
		return nil, nil, errors.Errorf("unsupported channel count %d", channels)
	}

	out := make([]float32, channels*outH*outW)
	sx := float64(w) / float64(outW)
	sy := float64(h) / float64(outH)
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			r, g, b := bilinearRGB(src, (float64(x)+0.5)*sx-0.5, (float64(y)+0.5)*sy-0.5)
			if channels == 1 {
				gray := 0.299*r + 0.587*g + 0.114*b
				out[y*outW+x] = gray
			} else {
				out[0*outH*outW+y*outW+x] = r
				out[1*outH*outW+y*outW+x] = g
				out[2*outH*outW+y*outW+x] = b
			}
		}
	}
	if normalize {
		for i, v := range out {
			out[i] = (v - 0.5) / 0.5
		}
	}
	return out, []int{channels, outH, outW}, nil
}

func bilinearRGB(src image.Image, fx, fy float64) (r, g, b float32) {
	bounds := src.Bounds()
	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	x0 := clamp(int(fx), 0, bounds.Dx()-1)
	y0 := clamp(int(fy), 0, bounds.Dy()-1)
	x1 := clamp(x0+1, 0, bounds.Dx()-1)
	y1 := clamp(y0+1, 0, bounds.Dy()-1)
	wx := float32(fx - float64(x0))
	wy := float32(fy - float64(y0))
	if wx < 0 {
		wx = 0
	}
	if wy < 0 {
		wy = 0
	}

	at := func(x, y int) (float32, float32, float32) {
		cr, cg, cb, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
		return float32(cr) / 65535, float32(cg) / 65535, float32(cb) / 65535
	}
	r00, g00, b00 := at(x0, y0)
	r01, g01, b01 := at(x1, y0)
	r10, g10, b10 := at(x0, y1)
	r11, g11, b11 := at(x1, y1)

	r = (r00*(1-wx)+r01*wx)*(1-wy) + (r10*(1-wx)+r11*wx)*wy
	g = (g00*(1-wx)+g01*wx)*(1-wy) + (g10*(1-wx)+g11*wx)*wy
	b = (b00*(1-wx)+b01*wx)*(1-wy) + (b10*(1-wx)+b11*wx)*wy
	return r, g, b
}
