package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
)

// writePage writes a w×h white page with a black block covering the
// rectangle content.
func writePage(t *testing.T, dir string, w, h int, content image.Rectangle) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{255, 255, 255, 255}
			if (image.Point{x, y}).In(content) {
				c = color.RGBA{20, 20, 20, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	path := filepath.Join(dir, "page.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalTrimsAndUpscales(t *testing.T) {
	dir := t.TempDir()
	in := writePage(t, dir, 40, 30, image.Rect(10, 5, 30, 25))
	opts := job.DefaultOptions()
	opts.Grayscale = true

	var steps []int
	out, err := Local{}.Run(context.Background(), Request{
		JobID:     "j1",
		InputPath: in,
		Filename:  "scan.png",
		WorkDir:   dir,
		Options:   opts,
	}, func(step, total int, name string) error {
		if total != 6 {
			t.Fatalf("total = %d, want 6", total)
		}
		steps = append(steps, step)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if want := filepath.Join(dir, "j1", "scan_converted.png"); out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
	for i, s := range steps {
		if s != i+1 {
			t.Fatalf("steps = %v, want 1..6 in order", steps)
		}
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 40 || cfg.Height != 40 {
		t.Fatalf("output size = %dx%d, want 40x40", cfg.Width, cfg.Height)
	}
}

func TestLocalStopsAtCheckpoint(t *testing.T) {
	dir := t.TempDir()
	in := writePage(t, dir, 8, 8, image.Rect(2, 2, 6, 6))

	var seen []string
	_, err := Local{}.Run(context.Background(), Request{JobID: "j2", InputPath: in, WorkDir: dir, Options: job.DefaultOptions()},
		func(step, total int, name string) error {
			seen = append(seen, name)
			if step == 3 {
				return ErrCancelled
			}
			return nil
		})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if len(seen) != 3 || seen[2] != "Upscaling" {
		t.Fatalf("stages seen = %v", seen)
	}
	if _, err := os.Stat(filepath.Join(dir, "j2")); !os.IsNotExist(err) {
		t.Fatalf("output directory written for a cancelled run")
	}
}

func TestLocalRejectsUndecodableInput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "broken.png")
	if err := os.WriteFile(in, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Local{}.Run(context.Background(), Request{JobID: "j3", InputPath: in, WorkDir: dir, Options: job.DefaultOptions()},
		func(int, int, string) error { return nil })
	if !errors.Is(err, apperr.ErrPipeline) {
		t.Fatalf("Run() on garbage input error = %v, want ErrPipeline", err)
	}
}

// pngHeader returns the signature and IHDR chunk of a w×h RGB PNG. The
// pixel data is left out; only the header is ever read.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 2 // truecolor
	chunk := append([]byte("IHDR"), ihdr...)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestLocalRejectsOversizedPage(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "huge.png")
	if err := os.WriteFile(in, pngHeader(60000, 60000), 0o644); err != nil {
		t.Fatal(err)
	}
	var seen []string
	_, err := Local{}.Run(context.Background(), Request{JobID: "j4", InputPath: in, WorkDir: dir, Options: job.DefaultOptions()},
		func(_, _ int, name string) error {
			seen = append(seen, name)
			return nil
		})
	if !errors.Is(err, apperr.ErrPipeline) {
		t.Fatalf("Run() error = %v, want ErrPipeline", err)
	}
	if len(seen) != 1 {
		t.Fatalf("stages after oversized header = %v, want only the read stage", seen)
	}
	if _, err := os.Stat(filepath.Join(dir, "j4")); !os.IsNotExist(err) {
		t.Fatalf("output directory written for a rejected page")
	}
}

func TestOutputPath(t *testing.T) {
	r := Request{JobID: "abc", InputPath: "/u/1234", Filename: "book.tiff", WorkDir: "/w"}
	if got := r.OutputPath(".pdf"); got != filepath.Join("/w", "abc", "book_converted.pdf") {
		t.Fatalf("OutputPath() = %q", got)
	}
	r.Filename = ""
	if got := r.OutputPath(".png"); got != filepath.Join("/w", "abc", "1234_converted.png") {
		t.Fatalf("OutputPath() without filename = %q", got)
	}
}
