package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
)

const (
	// marginThreshold is the luminance above which a pixel counts as paper.
	marginThreshold = 235
	// maxInputPixels bounds the decoded page size; the header is checked
	// before any pixel is allocated.
	maxInputPixels = 150_000_000
	// maxUpscalePixels bounds the upscaled page size.
	maxUpscalePixels = 80_000_000
)

type page struct {
	req Request
	img *image.RGBA
	out string
}

type stage struct {
	name string
	run  func(ctx context.Context, p *page) error
}

// Local is a reference pipeline that works on a single page image: it trims
// paper margins, upscales, normalizes levels, optionally converts to
// grayscale and writes a PNG. Deskew and cross-page alignment are left to
// a full converter plugged in through Command.
type Local struct{}

func (Local) stages() []stage {
	return []stage{
		{"Reading Input", readInput},
		{"Margin Trimming", trimMargins},
		{"Upscaling", upscale},
		{"Normalization", normalize},
		{"Color Correction", correctColor},
		{"Writing Output", writeOutput},
	}
}

func (l Local) Run(ctx context.Context, req Request, cp Checkpoint) (string, error) {
	stages := l.stages()
	p := &page{req: req}
	for i, st := range stages {
		if err := cp(i+1, len(stages), st.name); err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := st.run(ctx, p); err != nil {
			return "", fmt.Errorf("%w: %s: %w", apperr.ErrPipeline, st.name, err)
		}
	}
	return p.out, nil
}

func readInput(_ context.Context, p *page) error {
	f, err := os.Open(p.req.InputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return errors.Wrap(err, "decode header")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxInputPixels {
		return errors.Errorf("page is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, maxInputPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	src, _, err := image.Decode(f)
	if err != nil {
		return errors.Wrap(err, "decode")
	}
	b := src.Bounds()
	p.img = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(p.img, p.img.Bounds(), src, b.Min, draw.Src)
	return nil
}

func luminance(c color.RGBA) uint8 {
	return uint8((299*uint32(c.R) + 587*uint32(c.G) + 114*uint32(c.B)) / 1000)
}

// contentBounds is the smallest rectangle holding every non-paper pixel.
func contentBounds(img *image.RGBA) (image.Rectangle, bool) {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if luminance(img.RGBAAt(x, y)) >= marginThreshold {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < minX {
		return b, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

func trimMargins(_ context.Context, p *page) error {
	if !p.req.Options.MarginTrim {
		return nil
	}
	r, ok := contentBounds(p.img)
	if !ok || r == p.img.Bounds() {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), p.img, r.Min, draw.Src)
	p.img = dst
	return nil
}

func upscale(_ context.Context, p *page) error {
	if !p.req.Options.Upscale {
		return nil
	}
	b := p.img.Bounds()
	w, h := b.Dx()*2, b.Dy()*2
	if w*h > maxUpscalePixels {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), p.img, b, draw.Src, nil)
	p.img = dst
	return nil
}

// normalize stretches the luminance range to the full 0..255 scale.
func normalize(_ context.Context, p *page) error {
	if !p.req.Options.Advanced {
		return nil
	}
	lo, hi := uint8(255), uint8(0)
	b := p.img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l := luminance(p.img.RGBAAt(x, y))
			if l < lo {
				lo = l
			}
			if l > hi {
				hi = l
			}
		}
	}
	if hi <= lo || (lo == 0 && hi == 255) {
		return nil
	}
	scale := func(v uint8) uint8 {
		if v <= lo {
			return 0
		}
		if v >= hi {
			return 255
		}
		return uint8(uint32(v-lo) * 255 / uint32(hi-lo))
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := p.img.RGBAAt(x, y)
			p.img.SetRGBA(x, y, color.RGBA{scale(c.R), scale(c.G), scale(c.B), c.A})
		}
	}
	return nil
}

func correctColor(_ context.Context, p *page) error {
	if !p.req.Options.Grayscale {
		return nil
	}
	b := p.img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := p.img.RGBAAt(x, y)
			l := luminance(c)
			p.img.SetRGBA(x, y, color.RGBA{l, l, l, c.A})
		}
	}
	return nil
}

func writeOutput(_ context.Context, p *page) error {
	out := p.req.OutputPath(".png")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	tmp := out + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, p.img); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "encode png")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, out); err != nil {
		return err
	}
	p.out = out
	return nil
}
