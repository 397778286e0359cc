package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// FFmpegFrameSource samples a live stream by reading it forward with
// ffmpeg for the window's length. Live sources cannot be rewound, so the
// trailing window is approximated by the equivalent span of incoming
// stream time.
type FFmpegFrameSource struct {
	scratch string
}

// NewFFmpegFrameSource creates a frame source using scratchDir for
// temporary frame files.
func NewFFmpegFrameSource(scratchDir string) *FFmpegFrameSource {
	return &FFmpegFrameSource{scratch: scratchDir}
}

func (f *FFmpegFrameSource) Sample(ctx context.Context, source string, from, to time.Time, interval int) ([][]byte, error) {
	window := to.Sub(from)
	if window <= 0 {
		return nil, fmt.Errorf("empty sampling window")
	}

	dir, err := os.MkdirTemp(f.scratch, "stream-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	args := []string{
		"-y", "-loglevel", "error",
		"-t", strconv.Itoa(int(window.Seconds())),
		"-i", source,
		"-vf", fmt.Sprintf("fps=1/%d", interval),
		dir + "/frame_%04d.jpg",
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// A stream with no data in the window is a skipped cycle, not an
		// error, when ffmpeg produced nothing but exited on EOF.
		frames, readErr := readFrames(dir, 1<<10)
		if readErr == nil && len(frames) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("ffmpeg stream capture: %w: %s", err, stderr.String())
	}

	return readFrames(dir, 1<<10)
}
