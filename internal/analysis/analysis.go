// Package analysis runs the per-segment multimodal analysis stage: fetch a
// segment's frames, describe them with the inference adapter, persist the
// result, and fan out best-effort side effects.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/framesight/framesight/internal/dispatch"
	"github.com/framesight/framesight/internal/docstore"
	"github.com/framesight/framesight/internal/inference"
	"github.com/framesight/framesight/internal/notify"
	"github.com/framesight/framesight/internal/objectstore"
	"github.com/framesight/framesight/internal/pipeline"
)

// defaultThumbnailTTL bounds how long a progress notification's frame
// link stays valid when no TTL is configured.
const defaultThumbnailTTL = 10 * time.Minute

// Inferencer is the slice of the inference adapter this stage needs.
type Inferencer interface {
	Converse(ctx context.Context, req inference.Request) (inference.Response, error)
}

// Stage processes dispatched analysis requests.
type Stage struct {
	store      objectstore.Store
	docs       *docstore.Store
	adapter    Inferencer
	notifier   notify.Notifier
	dispatcher dispatch.Dispatcher
	linkTTL    time.Duration
	logger     *slog.Logger
}

// NewStage wires an analysis Stage. linkTTL bounds signed thumbnail links;
// zero or negative picks the default.
func NewStage(store objectstore.Store, docs *docstore.Store, adapter Inferencer, n notify.Notifier, d dispatch.Dispatcher, linkTTL time.Duration) *Stage {
	if linkTTL <= 0 {
		linkTTL = defaultThumbnailTTL
	}
	return &Stage{
		store:      store,
		docs:       docs,
		adapter:    adapter,
		notifier:   n,
		dispatcher: d,
		linkTTL:    linkTTL,
		logger:     slog.Default(),
	}
}

// Handle is the dispatch entry point.
func (s *Stage) Handle(ctx context.Context, payload json.RawMessage) error {
	var req pipeline.AnalysisRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding analysis request: %w", err)
	}
	return s.Process(ctx, req)
}

// Process runs one segment. Fetch, inference, and persistence failures are
// terminal for the segment; notification and vector ingest are best-effort.
func (s *Stage) Process(ctx context.Context, req pipeline.AnalysisRequest) error {
	frames, thumbnail, err := s.fetchFrames(ctx, req)
	if err != nil {
		return fmt.Errorf("segment %s/%s: %w", req.TaskID, req.SegmentTime, err)
	}

	resp, err := s.adapter.Converse(ctx, inference.Request{
		ModelID: req.Params.ModelID,
		System:  req.Params.SystemPrompt,
		Messages: []inference.Message{{
			Role:    inference.RoleUser,
			Content: req.Params.UserPrompt,
			Images:  frames,
		}},
		Params: inference.Params{
			Temperature: req.Params.Temperature,
			TopP:        req.Params.TopP,
			TopK:        req.Params.TopK,
			MaxTokens:   req.Params.MaxTokens,
		},
	})
	if err != nil {
		return fmt.Errorf("segment %s/%s: %w", req.TaskID, req.SegmentTime, err)
	}

	result := docstore.SegmentResult{
		OwnerID:     req.OwnerID,
		TaskID:      req.TaskID,
		SegmentTime: req.SegmentTime,
		Source:      req.Source,
		FolderPath:  req.FrameBatch,
		FrameResult: resp.Text,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.docs.PutSegmentResult(result); err != nil {
		return fmt.Errorf("persisting segment %s/%s: %w", req.TaskID, req.SegmentTime, err)
	}

	s.notifyProgress(ctx, req, resp.Text, thumbnail)
	dispatch.BestEffort(ctx, s.dispatcher, pipeline.TargetIngest, pipeline.IngestRequest{
		OwnerID:     req.OwnerID,
		Timestamp:   time.Now().Unix(),
		Description: resp.Text,
		ImageRef:    thumbnail,
		Source:      req.Source,
	})

	if req.Tag == pipeline.TagFinal {
		dispatch.BestEffort(ctx, s.dispatcher, pipeline.TargetSummary, pipeline.SummaryRequest{
			OwnerID:      req.OwnerID,
			TaskID:       req.TaskID,
			ConnectionID: req.ConnectionID,
			Params:       req.Params,
		})
	}
	return nil
}

// fetchFrames loads the segment's frames and returns them with the
// representative frame's key. Single-image sources address one object
// directly; everything else addresses a prefix.
func (s *Stage) fetchFrames(ctx context.Context, req pipeline.AnalysisRequest) ([][]byte, string, error) {
	if req.SourceType == pipeline.SourceSingleImage {
		data, err := s.store.Get(ctx, req.FrameBatch)
		if err != nil {
			return nil, "", fmt.Errorf("fetching frame: %w", err)
		}
		return [][]byte{data}, req.FrameBatch, nil
	}

	keys, err := s.store.List(ctx, req.FrameBatch)
	if err != nil {
		return nil, "", fmt.Errorf("listing frames: %w", err)
	}
	if len(keys) == 0 {
		return nil, "", fmt.Errorf("no frames under %s", req.FrameBatch)
	}

	frames := make([][]byte, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, "", fmt.Errorf("fetching frame %s: %w", key, err)
		}
		frames = append(frames, data)
	}
	return frames, keys[0], nil
}

func (s *Stage) notifyProgress(ctx context.Context, req pipeline.AnalysisRequest, text, thumbnail string) {
	if req.ConnectionID == "" {
		return
	}

	payload := map[string]any{
		"task_id":      req.TaskID,
		"segment_time": req.SegmentTime,
		"result":       text,
	}
	if req.Tag == pipeline.TagFinal {
		payload["tag"] = req.Tag
	}
	if url, err := s.store.SignedURL(thumbnail, s.linkTTL); err == nil {
		payload["thumbnail_url"] = url
	} else {
		s.logger.Warn("signing thumbnail failed", "key", thumbnail, "error", err)
	}

	if err := s.notifier.Push(ctx, req.ConnectionID, payload); err != nil {
		s.logger.Warn("progress notification failed",
			"task_id", req.TaskID, "segment_time", req.SegmentTime, "error", err)
	}
}
