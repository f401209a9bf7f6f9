package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
)

// progressLine matches the converter's stage announcements, e.g.
// "[3/12] Margin Trimming".
var progressLine = regexp.MustCompile(`^\s*\[(\d+)/(\d+)\]\s*(.*?)\s*$`)

// Command runs an external converter. The binary receives the option flags,
// the input path and the output path as its final arguments, and announces
// each stage on stdout before starting it.
type Command struct {
	Path string
	Args []string
	// Ext is the output extension; ".pdf" when empty.
	Ext string
}

func parseProgressLine(line string) (step, total int, name string, ok bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, "", false
	}
	step, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total < 1 {
		return 0, 0, "", false
	}
	return step, total, m[3], true
}

func (c Command) args(req Request, output string) []string {
	o := req.Options
	args := append([]string(nil), c.Args...)
	args = append(args, "--dpi", strconv.Itoa(o.DPI))
	flags := []struct {
		name string
		on   bool
	}{
		{"--deskew", o.Deskew},
		{"--upscale", o.Upscale},
		{"--ocr", o.OCR},
		{"--advanced", o.Advanced},
		{"--margin-trim", o.MarginTrim},
		{"--grayscale", o.Grayscale},
	}
	for _, f := range flags {
		if f.on {
			args = append(args, f.name)
		}
	}
	return append(args, req.InputPath, output)
}

func (c Command) Run(ctx context.Context, req Request, cp Checkpoint) (string, error) {
	ext := c.Ext
	if ext == "" {
		ext = ".pdf"
	}
	output := req.OutputPath(ext)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Path, c.args(req, output)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "start %s", c.Path)
	}

	var stopErr error
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		step, total, name, ok := parseProgressLine(sc.Text())
		if !ok {
			continue
		}
		if err := cp(step, total, name); err != nil {
			stopErr = err
			cancel()
			break
		}
	}
	if stopErr == nil {
		// Drain so the converter never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if stopErr != nil {
		return "", stopErr
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: converter error: %v | %s", apperr.ErrPipeline, waitErr, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(output); err != nil {
		return "", fmt.Errorf("%w: converter produced no output: %w", apperr.ErrPipeline, err)
	}
	return output, nil
}
