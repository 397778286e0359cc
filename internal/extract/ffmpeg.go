package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ExtractRequest describes one ffmpeg frame-extraction run: trim the input
// at [Start, Start+Length], sample one frame per Interval seconds, and
// optionally scale.
type ExtractRequest struct {
	Input    string
	OutDir   string
	Start    float64
	Length   float64
	Interval int
	Scale    string // "WxH", or "raw"/empty for the source resolution
}

// Runner abstracts the ffmpeg toolchain so extraction logic is testable
// without binaries.
type Runner interface {
	Extract(ctx context.Context, req ExtractRequest) error
	Duration(ctx context.Context, path string) (float64, error)
}

// FFmpegRunner shells out to ffmpeg and ffprobe.
type FFmpegRunner struct{}

func (FFmpegRunner) Extract(ctx context.Context, req ExtractRequest) error {
	filters := []string{fmt.Sprintf("fps=1/%d", req.Interval)}
	if req.Scale != "" && req.Scale != "raw" {
		filters = append(filters, "scale="+strings.Replace(req.Scale, "x", ":", 1))
	}

	args := []string{
		"-y", "-loglevel", "error",
		"-ss", strconv.FormatFloat(req.Start, 'f', -1, 64),
		"-t", strconv.FormatFloat(req.Length, 'f', -1, 64),
		"-i", req.Input,
		"-vf", strings.Join(filters, ","),
		filepath.Join(req.OutDir, "frame_%04d.jpg"),
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, stderr.String())
	}
	return nil
}

func (FFmpegRunner) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing ffprobe duration %q: %w", out, err)
	}
	return dur, nil
}
