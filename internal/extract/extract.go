// Package extract turns a video source into a bounded sequence of frame
// segments, uploading each segment's frames and dispatching one analysis
// invocation per segment.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/framesight/framesight/internal/dispatch"
	"github.com/framesight/framesight/internal/objectstore"
	"github.com/framesight/framesight/internal/pipeline"
)

// stampFormat is the fixed-width wall-clock stamp used for cycle timestamps
// and live-stream segment times. Fixed width keeps lexical and temporal
// order aligned.
const stampFormat = "20060102150405"

// Task is one extraction run.
type Task struct {
	OwnerID      string          `json:"owner_id"`
	TaskID       string          `json:"task_id"`
	SourceType   string          `json:"source_type"`
	Source       string          `json:"source"`
	Frequency    int             `json:"frequency"`
	ListLength   int             `json:"list_length"`
	Interval     int             `json:"interval"`
	Duration     int             `json:"duration"`
	ImageSize    string          `json:"image_size"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Params       pipeline.Params `json:"params"`
}

// FrameSource samples frames from a live stream.
type FrameSource interface {
	// Sample returns JPEG frames covering [from, to] at the given sampling
	// interval in seconds, oldest first. An empty slice means the stream
	// had no data in the window.
	Sample(ctx context.Context, source string, from, to time.Time, interval int) ([][]byte, error)
}

// Engine runs extraction tasks. The clock and sleep hooks exist for tests;
// production engines use the real ones from NewEngine.
type Engine struct {
	store      objectstore.Store
	dispatcher dispatch.Dispatcher
	frames     FrameSource
	runner     Runner
	scratch    string
	logger     *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// NewEngine creates an Engine writing scratch files under scratchDir.
func NewEngine(store objectstore.Store, d dispatch.Dispatcher, frames FrameSource, runner Runner, scratchDir string) *Engine {
	return &Engine{
		store:      store,
		dispatcher: d,
		frames:     frames,
		runner:     runner,
		scratch:    scratchDir,
		logger:     slog.Default(),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Handle is the dispatch entry point.
func (e *Engine) Handle(ctx context.Context, payload json.RawMessage) error {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decoding extraction task: %w", err)
	}
	return e.Run(ctx, task)
}

// Run executes the task's extraction strategy. Per-segment failures are
// logged and skipped; Run fails only on malformed tasks or a source that
// cannot be opened at all.
func (e *Engine) Run(ctx context.Context, task Task) error {
	if task.SourceType != pipeline.SourceSingleImage {
		if task.Frequency <= 0 || task.ListLength <= 0 || task.Interval <= 0 || task.Duration <= 0 {
			return fmt.Errorf("task %s: cadence parameters must be positive", task.TaskID)
		}
	}

	switch task.SourceType {
	case pipeline.SourceLiveStream:
		return e.runLiveStream(ctx, task)
	case pipeline.SourceStoredFile:
		return e.runStoredFile(ctx, task)
	case pipeline.SourceSingleImage:
		return e.runSingleImage(ctx, task)
	default:
		return fmt.Errorf("unknown source type %q", task.SourceType)
	}
}

// runLiveStream cycles at a fixed cadence. Empty windows count as skipped
// cycles so the loop stays bounded; any other cycle error abandons just
// that cycle.
func (e *Engine) runLiveStream(ctx context.Context, task Task) error {
	cycleLimit := task.Duration / task.Frequency
	runStamp := e.now().Format(stampFormat)
	skipped := 0

	for cycle := 1; cycle <= cycleLimit; cycle++ {
		now := e.now()
		tag := pipeline.TagContinue
		if cycle == cycleLimit {
			tag = pipeline.TagFinal
		}

		// Trailing window with a few seconds of slack for stream latency.
		window := time.Duration(task.ListLength*task.Interval+4) * time.Second
		frames, err := e.frames.Sample(ctx, task.Source, now.Add(-window), now, task.Interval)
		switch {
		case err != nil:
			e.logger.Error("live cycle failed", "task_id", task.TaskID, "cycle", cycle, "error", err)
		case len(frames) == 0:
			skipped++
			e.logger.Info("live cycle skipped, empty window", "task_id", task.TaskID, "cycle", cycle)
		default:
			if len(frames) > task.ListLength {
				frames = frames[len(frames)-task.ListLength:]
			}
			segmentTime := now.Format(stampFormat)
			if err := e.emitSegment(ctx, task, runStamp, segmentTime, tag, frames); err != nil {
				e.logger.Error("live cycle failed", "task_id", task.TaskID, "cycle", cycle, "error", err)
			}
		}

		// No cadence wait after the final cycle.
		if cycle < cycleLimit {
			e.sleep(time.Duration(task.Frequency) * time.Second)
		}
	}

	e.logger.Info("live extraction finished",
		"task_id", task.TaskID, "cycles", cycleLimit, "skipped", skipped)
	return nil
}

// runStoredFile walks the file in frequency-sized steps, trimming a
// list_length*interval window at each step.
func (e *Engine) runStoredFile(ctx context.Context, task Task) error {
	scratch, err := os.MkdirTemp(e.scratch, "extract-")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	data, err := e.store.Get(ctx, task.Source)
	if err != nil {
		return fmt.Errorf("fetching source %s: %w", task.Source, err)
	}
	source := filepath.Join(scratch, "source"+filepath.Ext(task.Source))
	if err := os.WriteFile(source, data, 0o600); err != nil {
		return fmt.Errorf("writing source to scratch: %w", err)
	}

	sourceDur, err := e.runner.Duration(ctx, source)
	if err != nil {
		return fmt.Errorf("probing source duration: %w", err)
	}

	end := task.Duration
	if int(sourceDur) < end {
		end = int(sourceDur)
	}
	runStamp := e.now().Format(stampFormat)

	for start := 0; start < end; start += task.Frequency {
		tag := pipeline.TagContinue
		if start+task.Frequency >= end {
			tag = pipeline.TagFinal
		}
		if err := e.extractSegment(ctx, task, scratch, source, runStamp, start, tag); err != nil {
			e.logger.Error("segment failed", "task_id", task.TaskID, "segment_start", start, "error", err)
		}
	}
	return nil
}

func (e *Engine) extractSegment(ctx context.Context, task Task, scratch, source, runStamp string, start int, tag string) error {
	outDir := filepath.Join(scratch, strconv.Itoa(start))
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return fmt.Errorf("creating segment dir: %w", err)
	}
	// Scratch frames are removed whether or not the upload succeeds.
	defer os.RemoveAll(outDir)

	err := e.runner.Extract(ctx, ExtractRequest{
		Input:    source,
		OutDir:   outDir,
		Start:    float64(start),
		Length:   float64(task.ListLength * task.Interval),
		Interval: task.Interval,
		Scale:    task.ImageSize,
	})
	if err != nil {
		return fmt.Errorf("extracting frames: %w", err)
	}

	frames, err := readFrames(outDir, task.ListLength)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no frames produced for segment %d", start)
	}
	return e.emitSegment(ctx, task, runStamp, strconv.Itoa(start), tag, frames)
}

// runSingleImage dispatches one analysis invocation; the source identifier
// is already a frame reference. The lone segment is the task's last, so it
// carries the final tag and the task summarizes like any other.
func (e *Engine) runSingleImage(ctx context.Context, task Task) error {
	return e.dispatcher.Dispatch(ctx, pipeline.TargetAnalysis, pipeline.AnalysisRequest{
		OwnerID:      task.OwnerID,
		TaskID:       task.TaskID,
		SegmentTime:  "0",
		SourceType:   task.SourceType,
		Source:       task.Source,
		FrameBatch:   task.Source,
		Tag:          pipeline.TagFinal,
		ConnectionID: task.ConnectionID,
		Params:       task.Params,
	})
}

// emitSegment uploads a segment's frames under the deterministic prefix and
// dispatches its analysis invocation.
func (e *Engine) emitSegment(ctx context.Context, task Task, runStamp, segmentTime, tag string, frames [][]byte) error {
	prefix := fmt.Sprintf("%s/%s/%s_extract_%s_%s/",
		task.OwnerID, task.TaskID, task.SourceType, runStamp, segmentTime)

	g, gctx := errgroup.WithContext(ctx)
	for i, frame := range frames {
		key := fmt.Sprintf("%sframe_%04d.jpg", prefix, i+1)
		g.Go(func() error {
			return e.store.Put(gctx, key, frame)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("uploading frames: %w", err)
	}

	return e.dispatcher.Dispatch(ctx, pipeline.TargetAnalysis, pipeline.AnalysisRequest{
		OwnerID:      task.OwnerID,
		TaskID:       task.TaskID,
		SegmentTime:  segmentTime,
		SourceType:   task.SourceType,
		Source:       task.Source,
		FrameBatch:   prefix,
		Tag:          tag,
		ConnectionID: task.ConnectionID,
		Params:       task.Params,
	})
}

// readFrames loads at most limit frame files from dir in name order.
func readFrames(dir string, limit int) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading segment dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".jpg" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	if len(names) > limit {
		names = names[:limit]
	}

	frames := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading frame %s: %w", name, err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}
