// Package inference is the uniform call surface over the three multimodal
// inference backends: the managed conversation API, the OpenAI-compatible
// gateway, and the dedicated model-hosting endpoint.
package inference

import (
	"context"
	"strings"
	"time"

	"github.com/framesight/framesight/internal/config"
	"github.com/framesight/framesight/internal/secrets"
)

// Message is one conversation turn. A user message may carry frame images
// or a tool result; an assistant message may carry tool calls.
type Message struct {
	Role       string
	Content    string
	Images     [][]byte // JPEG frames, user role only
	ToolCalls  []ToolCall
	ToolResult *ToolResult
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec declares a tool the model may request.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any // JSON schema for the arguments object
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult reports a tool invocation's outcome back to the model.
type ToolResult struct {
	ID      string
	Status  string // "success" or "error"
	Content string
}

// Params are the sampling parameters forwarded unchanged from the caller.
type Params struct {
	Temperature float32
	TopP        float32
	TopK        int
	MaxTokens   int
}

func (p Params) withDefaults() Params {
	if p.MaxTokens <= 0 {
		p.MaxTokens = 2048
	}
	if p.TopP <= 0 {
		p.TopP = 1.0
	}
	return p
}

// Usage is the token accounting returned on every successful call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request is one backend invocation.
type Request struct {
	ModelID  string
	System   string
	Messages []Message
	Params   Params
	Tools    []ToolSpec
}

// Response is a backend invocation's result. Retries records how many
// retry attempts preceded the successful call.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	Retries   int
}

// backendClient is implemented by the three concrete backends.
type backendClient interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// endpointPrefix routes model ids to the dedicated-endpoint backend.
const endpointPrefix = "sagemaker"

// Adapter routes invocations to a backend and applies the retry policy.
type Adapter struct {
	gatewayEnabled bool
	modelOverride  string
	followRequest  bool

	managed  backendClient
	gateway  backendClient
	endpoint backendClient

	sleep func(time.Duration)
}

// New builds an Adapter over all three backends. The gateway's API key is
// resolved from the secrets store at call time, not here.
func New(cfg config.InferenceConfig, sec secrets.Store) *Adapter {
	return &Adapter{
		gatewayEnabled: cfg.GatewayEnabled,
		modelOverride:  cfg.ModelOverride,
		followRequest:  cfg.FollowRequest,
		managed:        NewManagedClient(cfg.ManagedBaseURL),
		gateway:        NewGatewayClient(cfg.GatewayBaseURL, sec),
		endpoint:       NewEndpointClient(cfg.EndpointBaseURL),
		sleep:          time.Sleep,
	}
}

// Resolve returns the backend a model id routes to. The rule is fixed:
// the endpoint prefix wins, then the gateway flag, then the managed API.
func Resolve(modelID string, gatewayEnabled bool) config.Backend {
	if strings.HasPrefix(strings.ToLower(modelID), endpointPrefix) {
		return config.BackendEndpoint
	}
	if gatewayEnabled {
		return config.BackendGateway
	}
	return config.BackendManaged
}

func (a *Adapter) client(modelID string) backendClient {
	switch Resolve(modelID, a.gatewayEnabled) {
	case config.BackendEndpoint:
		return a.endpoint
	case config.BackendGateway:
		return a.gateway
	default:
		return a.managed
	}
}

// EffectiveModel applies the configured model override: when FollowRequest
// is off and an override is set, the override replaces the request's model
// id. Used by the agent, chat, and search stages.
func (a *Adapter) EffectiveModel(requested string) string {
	if a.followRequest || a.modelOverride == "" {
		return requested
	}
	return a.modelOverride
}

// Converse invokes the resolved backend with the retry policy applied.
func (a *Adapter) Converse(ctx context.Context, req Request) (Response, error) {
	req.Params = req.Params.withDefaults()
	cli := a.client(req.ModelID)

	resp, retries, err := withRetries(ctx, a.sleep, func() (Response, error) {
		return cli.Complete(ctx, req)
	})
	if err != nil {
		return Response{}, err
	}
	resp.Retries = retries
	return resp, nil
}

// Invoke is the text-only convenience form: prior history plus one new user
// prompt under a system instruction.
func (a *Adapter) Invoke(ctx context.Context, history []Message, system, prompt, modelID string) (string, Usage, error) {
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt})

	resp, err := a.Converse(ctx, Request{
		ModelID:  modelID,
		System:   system,
		Messages: msgs,
	})
	if err != nil {
		return "", Usage{}, err
	}
	return resp.Text, resp.Usage, nil
}
