// Package summary condenses a closed task's per-segment results into one
// short narrative and notifies the caller.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/framesight/framesight/internal/docstore"
	"github.com/framesight/framesight/internal/inference"
	"github.com/framesight/framesight/internal/notify"
	"github.com/framesight/framesight/internal/pipeline"
)

const instruction = "Summarize the following per-segment video analytics in brief sentences. " +
	"Keep the chronological order and do not invent events that are not described."

// Inferencer is the slice of the inference adapter this stage needs.
type Inferencer interface {
	Invoke(ctx context.Context, history []inference.Message, system, prompt, modelID string) (string, inference.Usage, error)
}

// Stage processes dispatched summary requests.
type Stage struct {
	docs     *docstore.Store
	adapter  Inferencer
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewStage wires a summary Stage.
func NewStage(docs *docstore.Store, adapter Inferencer, n notify.Notifier) *Stage {
	return &Stage{
		docs:     docs,
		adapter:  adapter,
		notifier: n,
		logger:   slog.Default(),
	}
}

// Handle is the dispatch entry point.
func (s *Stage) Handle(ctx context.Context, payload json.RawMessage) error {
	var req pipeline.SummaryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding summary request: %w", err)
	}
	_, err := s.Summarize(ctx, req)
	return err
}

// Summarize aggregates the task's segments, invokes the model once, and
// pushes the summary to the task's connection.
func (s *Stage) Summarize(ctx context.Context, req pipeline.SummaryRequest) (string, error) {
	rows, err := s.docs.QuerySegmentResults(req.OwnerID, req.TaskID)
	if err != nil {
		return "", fmt.Errorf("loading segments: %w", err)
	}

	prompt := instruction + "\n\n" + Document(rows)
	text, usage, err := s.adapter.Invoke(ctx, nil, req.Params.SystemPrompt, prompt, req.Params.ModelID)
	if err != nil {
		return "", fmt.Errorf("summarizing %s: %w", req.TaskID, err)
	}
	s.logger.Info("task summarized",
		"task_id", req.TaskID, "segments", len(rows),
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)

	if req.ConnectionID != "" {
		err := s.notifier.Push(ctx, req.ConnectionID, map[string]any{
			"task_id": req.TaskID,
			"summary": text,
		})
		if err != nil {
			s.logger.Warn("summary notification failed", "task_id", req.TaskID, "error", err)
		}
	}
	return text, nil
}

// Document serializes segment results, already ordered by segment start,
// into the tagged form the summarization prompt expects.
func Document(rows []docstore.SegmentResult) string {
	var b strings.Builder
	b.WriteString("<video_result>\n")
	for _, row := range rows {
		b.WriteString("  <item>\n")
		fmt.Fprintf(&b, "    <timestamp>%s</timestamp>\n", row.SegmentTime)
		fmt.Fprintf(&b, "    <description>%s</description>\n", row.FrameResult)
		b.WriteString("  </item>\n")
	}
	b.WriteString("</video_result>")
	return b.String()
}
