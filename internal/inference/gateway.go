package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/framesight/framesight/internal/secrets"
)

// GatewayClient speaks to the OpenAI-compatible inference gateway.
type GatewayClient struct {
	baseURL string
	secrets secrets.Store
}

// NewGatewayClient creates a client for the gateway at baseURL. The API key
// is read from the secrets store on each call so rotation needs no restart.
func NewGatewayClient(baseURL string, sec secrets.Store) *GatewayClient {
	return &GatewayClient{baseURL: baseURL, secrets: sec}
}

func (c *GatewayClient) api() (*openai.Client, error) {
	key, err := c.secrets.Get(secrets.GatewayAPIKey)
	if err != nil {
		return nil, fmt.Errorf("resolving gateway api key: %w", err)
	}
	cfg := openai.DefaultConfig(key)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

func gatewayMessage(m Message) openai.ChatCompletionMessage {
	if m.ToolResult != nil {
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: m.ToolResult.ID,
			Content:    m.ToolResult.Content,
		}
	}

	out := openai.ChatCompletionMessage{Role: m.Role}
	for _, tc := range m.ToolCalls {
		args, _ := json.Marshal(tc.Args)
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(args),
			},
		})
	}
	if len(m.Images) == 0 {
		out.Content = m.Content
		return out
	}

	for _, img := range m.Images {
		out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
			},
		})
	}
	if m.Content != "" {
		out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: m.Content,
		})
	}
	return out
}

func (c *GatewayClient) Complete(ctx context.Context, req Request) (Response, error) {
	api, err := c.api()
	if err != nil {
		return Response{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.ModelID,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
	}
	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, gatewayMessage(m))
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}

	chatResp, err := api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Response{}, gatewayError(err)
	}
	if len(chatResp.Choices) == 0 {
		return Response{}, &BackendError{Backend: "gateway", Code: CodeServer, Message: "empty choices"}
	}

	choice := chatResp.Choices[0].Message
	resp := Response{
		Text: choice.Content,
		Usage: Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return Response{}, fmt.Errorf("decoding tool arguments for %s: %w", tc.Function.Name, err)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return resp, nil
}

// EmbedText embeds text through the gateway's embedding route.
func (c *GatewayClient) EmbedText(ctx context.Context, model, text string) ([]float32, error) {
	api, err := c.api()
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: []string{text},
	})
	if err != nil {
		return nil, gatewayError(err)
	}
	if len(resp.Data) == 0 {
		return nil, &BackendError{Backend: "gateway", Code: CodeServer, Message: "empty embedding response"}
	}
	return resp.Data[0].Embedding, nil
}

func gatewayError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &BackendError{
			Backend: "gateway",
			Code:    classifyStatus(apiErr.HTTPStatusCode),
			Message: apiErr.Message,
		}
	}
	return &BackendError{Backend: "gateway", Code: CodeStreamError, Message: err.Error()}
}
