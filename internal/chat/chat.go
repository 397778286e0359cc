// Package chat answers multi-turn questions about a task's accumulated
// analytics, with a capped rolling history window per session.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/framesight/framesight/internal/docstore"
	"github.com/framesight/framesight/internal/inference"
	"github.com/framesight/framesight/internal/pipeline"
	"github.com/framesight/framesight/internal/summary"
)

const systemInstruction = "You answer questions about a video using its " +
	"per-segment analysis results. Ground every answer in the provided " +
	"results; say so when they do not contain the answer."

// Inferencer is the slice of the inference adapter this stage needs.
type Inferencer interface {
	Invoke(ctx context.Context, history []inference.Message, system, prompt, modelID string) (string, inference.Usage, error)
	EffectiveModel(requested string) string
}

// Request is one QA round.
type Request struct {
	OwnerID   string          `json:"owner_id"`
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id"`
	Question  string          `json:"question"`
	Params    pipeline.Params `json:"params"`
}

// Response is the answer with its token accounting.
type Response struct {
	Answer       string `json:"answer"`
	ModelID      string `json:"model_id"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Service runs QA rounds.
type Service struct {
	docs          *docstore.Store
	adapter       Inferencer
	historyWindow int
	logger        *slog.Logger
}

// NewService wires a chat Service. historyWindow caps how many prior turns
// are injected as context; the stored history itself is never truncated.
func NewService(docs *docstore.Store, adapter Inferencer, historyWindow int) *Service {
	return &Service{
		docs:          docs,
		adapter:       adapter,
		historyWindow: historyWindow,
		logger:        slog.Default(),
	}
}

// Ask answers one question and appends the turn to the session history.
func (s *Service) Ask(ctx context.Context, req Request) (Response, error) {
	if req.Question == "" {
		return Response{}, fmt.Errorf("empty question")
	}

	rows, err := s.docs.QuerySegmentResults(req.OwnerID, req.TaskID)
	if err != nil {
		return Response{}, fmt.Errorf("loading segments: %w", err)
	}

	turns, err := s.docs.GetChatHistory(req.OwnerID, req.SessionID)
	if err != nil {
		return Response{}, fmt.Errorf("loading history for %s: %w", req.SessionID, err)
	}
	history := historyMessages(turns, s.historyWindow)

	modelID := s.adapter.EffectiveModel(req.Params.ModelID)
	prompt := "Video analysis results:\n" + summary.Document(rows) + "\n\nQuestion: " + req.Question
	answer, usage, err := s.adapter.Invoke(ctx, history, systemInstruction, prompt, modelID)
	if err != nil {
		return Response{}, fmt.Errorf("answering question: %w", err)
	}

	turn := docstore.ChatTurn{
		Question:     req.Question,
		Answer:       answer,
		ModelID:      modelID,
		Timestamp:    time.Now().UTC(),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	if err := s.docs.AppendChatTurn(req.OwnerID, req.SessionID, turn); err != nil {
		// The answer already exists; losing one history turn is better than
		// failing the round.
		s.logger.Warn("appending chat turn failed", "session_id", req.SessionID, "error", err)
	}

	return Response{
		Answer:       answer,
		ModelID:      modelID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}, nil
}

// historyMessages converts the most recent window of turns into alternating
// user/assistant messages. Truncation happens here, at read time.
func historyMessages(turns []docstore.ChatTurn, window int) []inference.Message {
	if window > 0 && len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	msgs := make([]inference.Message, 0, len(turns)*2)
	for _, turn := range turns {
		msgs = append(msgs,
			inference.Message{Role: inference.RoleUser, Content: turn.Question},
			inference.Message{Role: inference.RoleAssistant, Content: turn.Answer},
		)
	}
	return msgs
}
