// Package agent runs the post-processing agent: one tool-enabled model
// round over a task's aggregated analytics, at most one tool execution, and
// at most one follow-up round.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/framesight/framesight/internal/docstore"
	"github.com/framesight/framesight/internal/inference"
	"github.com/framesight/framesight/internal/notify"
	"github.com/framesight/framesight/internal/pipeline"
	"github.com/framesight/framesight/internal/summary"
)

const systemInstruction = "You are a video analytics assistant. Review the " +
	"per-segment analysis results and decide whether any follow-up action is " +
	"needed. Use a tool at most once, then report your conclusion in plain text."

// Tool names the model may call. Anything else resolves to no_op because
// the model is the only caller and cannot be fully constrained.
const (
	ToolNotify        = "send_notification"
	ToolDeviceCommand = "send_device_command"
	ToolNoOp          = "no_op"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// DeviceCommander forwards device commands requested by the model.
type DeviceCommander interface {
	Send(ctx context.Context, level, command string) error
}

// LogCommander records device commands without a device backend.
type LogCommander struct{}

func (LogCommander) Send(ctx context.Context, level, command string) error {
	slog.Info("device command", "level", level, "command", command)
	return nil
}

// Inferencer is the slice of the inference adapter the agent needs.
type Inferencer interface {
	Converse(ctx context.Context, req inference.Request) (inference.Response, error)
	EffectiveModel(requested string) string
}

// Request identifies the task to post-process.
type Request struct {
	OwnerID      string          `json:"owner_id"`
	TaskID       string          `json:"task_id"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Params       pipeline.Params `json:"params"`
}

// Result is the agent's outcome.
type Result struct {
	Answer     string          `json:"answer"`
	Rounds     int             `json:"rounds"`
	ToolCalled string          `json:"tool_called,omitempty"`
	ToolStatus string          `json:"tool_status,omitempty"`
	Usage      inference.Usage `json:"-"`
}

// Agent executes post-processing runs.
type Agent struct {
	docs      *docstore.Store
	adapter   Inferencer
	notifier  notify.Notifier
	commander DeviceCommander
	logger    *slog.Logger
}

// New wires an Agent.
func New(docs *docstore.Store, adapter Inferencer, n notify.Notifier, c DeviceCommander) *Agent {
	return &Agent{
		docs:      docs,
		adapter:   adapter,
		notifier:  n,
		commander: c,
		logger:    slog.Default(),
	}
}

func catalog() []inference.ToolSpec {
	return []inference.ToolSpec{
		{
			Name:        ToolNotify,
			Description: "Send a notification to the task owner about a condition observed in the video.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"condition": map[string]any{"type": "string"},
					"message":   map[string]any{"type": "string"},
					"receiver":  map[string]any{"type": "string"},
				},
				"required": []string{"condition", "message"},
			},
		},
		{
			Name:        ToolDeviceCommand,
			Description: "Send a command to the capture device, for example to adjust its alarm level.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"level":   map[string]any{"type": "string"},
					"command": map[string]any{"type": "string"},
				},
				"required": []string{"level", "command"},
			},
		},
		{
			Name:        ToolNoOp,
			Description: "Take no action.",
			Schema:      map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

// Run executes the state machine. The second model response is final even
// if it requests another tool; no third round is attempted.
func (a *Agent) Run(ctx context.Context, req Request) (Result, error) {
	rows, err := a.docs.QuerySegmentResults(req.OwnerID, req.TaskID)
	if err != nil {
		return Result{}, fmt.Errorf("loading segments: %w", err)
	}

	modelID := a.adapter.EffectiveModel(req.Params.ModelID)
	msgs := []inference.Message{{
		Role:    inference.RoleUser,
		Content: summary.Document(rows),
	}}

	first, err := a.converse(ctx, req, modelID, msgs)
	if err != nil {
		return Result{}, fmt.Errorf("agent round 1: %w", err)
	}
	res := Result{Answer: first.Text, Rounds: 1, Usage: first.Usage}
	if len(first.ToolCalls) == 0 {
		return res, nil
	}

	call := first.ToolCalls[0]
	status, output := a.execute(ctx, req, call)
	res.ToolCalled = call.Name
	res.ToolStatus = status

	msgs = append(msgs,
		inference.Message{Role: inference.RoleAssistant, ToolCalls: []inference.ToolCall{call}},
		inference.Message{Role: inference.RoleUser, ToolResult: &inference.ToolResult{
			ID:      call.ID,
			Status:  status,
			Content: output,
		}},
	)
	second, err := a.converse(ctx, req, modelID, msgs)
	if err != nil {
		return Result{}, fmt.Errorf("agent round 2: %w", err)
	}
	res.Answer = second.Text
	res.Rounds = 2
	res.Usage.InputTokens += second.Usage.InputTokens
	res.Usage.OutputTokens += second.Usage.OutputTokens
	return res, nil
}

func (a *Agent) converse(ctx context.Context, req Request, modelID string, msgs []inference.Message) (inference.Response, error) {
	return a.adapter.Converse(ctx, inference.Request{
		ModelID:  modelID,
		System:   systemInstruction,
		Messages: msgs,
		Tools:    catalog(),
		Params: inference.Params{
			Temperature: req.Params.Temperature,
			TopP:        req.Params.TopP,
			TopK:        req.Params.TopK,
			MaxTokens:   req.Params.MaxTokens,
		},
	})
}

// execute runs a tool call and reports its status back to the model. Tool
// failures never fail the agent run.
func (a *Agent) execute(ctx context.Context, req Request, call inference.ToolCall) (status, output string) {
	var err error
	switch call.Name {
	case ToolNotify:
		payload := map[string]any{
			"task_id":   req.TaskID,
			"condition": stringArg(call.Args, "condition"),
			"message":   stringArg(call.Args, "message"),
		}
		if receiver := stringArg(call.Args, "receiver"); receiver != "" {
			payload["receiver"] = receiver
		}
		err = a.notifier.Push(ctx, req.ConnectionID, payload)
		output = "notification sent"
	case ToolDeviceCommand:
		err = a.commander.Send(ctx, stringArg(call.Args, "level"), stringArg(call.Args, "command"))
		output = "command sent"
	default:
		if call.Name != ToolNoOp {
			a.logger.Warn("unknown tool requested, treating as no_op", "tool", call.Name)
		}
		output = "no action taken"
	}

	if err != nil {
		a.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return statusError, err.Error()
	}
	return statusSuccess, output
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
