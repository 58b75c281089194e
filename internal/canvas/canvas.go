// Package canvas owns the pixel-level representation of the shared
// 512x512 image: the authoritative opaque FullCanvas and the transparent
// per-tick DeltaCanvas (spec.md §3, §4.3).
package canvas

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"github.com/serverscanning/place-ipv6-server/internal/pixel"
)

// Full is the authoritative opaque canvas. It starts all-white and is
// mutated in place; it is never recreated for the lifetime of the process.
type Full struct {
	img *image.RGBA
}

// NewFull returns a Full canvas initialized to all #FFFFFF.
func NewFull() *Full {
	img := image.NewRGBA(image.Rect(0, 0, pixel.Width, pixel.Height))
	white := color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	for y := 0; y < pixel.Height; y++ {
		for x := 0; x < pixel.Width; x++ {
			img.SetRGBA(x, y, white)
		}
	}
	return &Full{img: img}
}

// Paint writes an n x n block of the given color starting at (x, y),
// clipping at the canvas edge rather than wrapping.
func (f *Full) Paint(x, y uint16, size pixel.Size, c pixel.Color) {
	rgba := color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xFF}
	for dy := uint16(0); dy < uint16(size); dy++ {
		py := y + dy
		if py >= pixel.Height {
			break
		}
		for dx := uint16(0); dx < uint16(size); dx++ {
			px := x + dx
			if px >= pixel.Width {
				break
			}
			f.img.SetRGBA(int(px), int(py), rgba)
		}
	}
}

// At returns the current color at (x, y).
func (f *Full) At(x, y int) color.RGBA {
	return f.img.RGBAAt(x, y)
}

// EncodePNG renders the canvas to PNG using the fastest compression level,
// matching spec.md §4.3's "fast compression, default filter" requirement.
func (f *Full) EncodePNG() ([]byte, error) {
	return encodePNG(f.img)
}

// Delta is the per-tick overlay: alpha 0x00 means unchanged since the
// last publish, 0xFF means written this tick. It is replaced, not mutated
// in place, on every aggregator publish.
type Delta struct {
	img *image.NRGBA
}

// NewDelta returns a fully transparent delta canvas.
func NewDelta() *Delta {
	return &Delta{img: image.NewNRGBA(image.Rect(0, 0, pixel.Width, pixel.Height))}
}

// Paint marks an n x n block as written this tick, clipping at the edge.
func (d *Delta) Paint(x, y uint16, size pixel.Size, c pixel.Color) {
	nrgba := color.NRGBA{R: c.R, G: c.G, B: c.B, A: 0xFF}
	for dy := uint16(0); dy < uint16(size); dy++ {
		py := y + dy
		if py >= pixel.Height {
			break
		}
		for dx := uint16(0); dx < uint16(size); dx++ {
			px := x + dx
			if px >= pixel.Width {
				break
			}
			d.img.SetNRGBA(int(px), int(py), nrgba)
		}
	}
}

// Dirty reports whether any pixel was painted this tick.
func (d *Delta) Dirty() bool {
	for i := 3; i < len(d.img.Pix); i += 4 {
		if d.img.Pix[i] != 0 {
			return true
		}
	}
	return false
}

// AlphaAt returns the alpha channel at (x, y): 0xFF if written this tick.
func (d *Delta) AlphaAt(x, y int) uint8 {
	return d.img.NRGBAAt(x, y).A
}

// EncodePNG renders the delta canvas (with alpha) to PNG.
func (d *Delta) EncodePNG() ([]byte, error) {
	return encodePNG(d.img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
