package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ManagedClient speaks the managed conversation API: a converse-style JSON
// protocol with content blocks for text, images, tool use and tool results.
type ManagedClient struct {
	baseURL string
	client  *http.Client
}

// NewManagedClient creates a client for the managed API at baseURL.
func NewManagedClient(baseURL string) *ManagedClient {
	return &ManagedClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type converseBlock struct {
	Text       string              `json:"text,omitempty"`
	Image      *converseImage      `json:"image,omitempty"`
	ToolUse    *converseToolUse    `json:"toolUse,omitempty"`
	ToolResult *converseToolResult `json:"toolResult,omitempty"`
}

type converseImage struct {
	Format string `json:"format"`
	Source struct {
		Bytes string `json:"bytes"`
	} `json:"source"`
}

type converseToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

type converseToolResult struct {
	ToolUseID string          `json:"toolUseId"`
	Status    string          `json:"status"`
	Content   []converseBlock `json:"content"`
}

type converseMessage struct {
	Role    string          `json:"role"`
	Content []converseBlock `json:"content"`
}

type converseRequest struct {
	System   []converseBlock   `json:"system,omitempty"`
	Messages []converseMessage `json:"messages"`
	Config   struct {
		MaxTokens   int     `json:"maxTokens"`
		Temperature float32 `json:"temperature"`
		TopP        float32 `json:"topP"`
	} `json:"inferenceConfig"`
	Additional map[string]any `json:"additionalModelRequestFields,omitempty"`
	ToolConfig *struct {
		Tools []map[string]any `json:"tools"`
	} `json:"toolConfig,omitempty"`
}

type converseResponse struct {
	Output struct {
		Message converseMessage `json:"message"`
	} `json:"output"`
	StopReason string `json:"stopReason"`
	Usage      struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage"`
}

func encodeMessage(m Message) converseMessage {
	out := converseMessage{Role: m.Role}
	if m.ToolResult != nil {
		out.Content = append(out.Content, converseBlock{ToolResult: &converseToolResult{
			ToolUseID: m.ToolResult.ID,
			Status:    m.ToolResult.Status,
			Content:   []converseBlock{{Text: m.ToolResult.Content}},
		}})
		return out
	}
	for _, img := range m.Images {
		block := converseBlock{Image: &converseImage{Format: "jpeg"}}
		block.Image.Source.Bytes = base64.StdEncoding.EncodeToString(img)
		out.Content = append(out.Content, block)
	}
	if m.Content != "" {
		out.Content = append(out.Content, converseBlock{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		out.Content = append(out.Content, converseBlock{ToolUse: &converseToolUse{
			ToolUseID: tc.ID,
			Name:      tc.Name,
			Input:     tc.Args,
		}})
	}
	return out
}

func (c *ManagedClient) Complete(ctx context.Context, req Request) (Response, error) {
	body := converseRequest{}
	if req.System != "" {
		body.System = []converseBlock{{Text: req.System}}
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, encodeMessage(m))
	}
	body.Config.MaxTokens = req.Params.MaxTokens
	body.Config.Temperature = req.Params.Temperature
	body.Config.TopP = req.Params.TopP
	if req.Params.TopK > 0 {
		body.Additional = map[string]any{"top_k": req.Params.TopK}
	}
	if len(req.Tools) > 0 {
		body.ToolConfig = &struct {
			Tools []map[string]any `json:"tools"`
		}{}
		for _, t := range req.Tools {
			body.ToolConfig.Tools = append(body.ToolConfig.Tools, map[string]any{
				"toolSpec": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"inputSchema": map[string]any{"json": t.Schema},
				},
			})
		}
	}

	var out converseResponse
	url := fmt.Sprintf("%s/model/%s/converse", c.baseURL, req.ModelID)
	if err := c.post(ctx, url, body, &out); err != nil {
		return Response{}, err
	}

	resp := Response{
		Usage: Usage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
		},
	}
	for _, block := range out.Output.Message.Content {
		if block.Text != "" {
			resp.Text += block.Text
		}
		if block.ToolUse != nil {
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   block.ToolUse.ToolUseID,
				Name: block.ToolUse.Name,
				Args: block.ToolUse.Input,
			})
		}
	}
	return resp, nil
}

func (c *ManagedClient) post(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &BackendError{Backend: "managed", Code: CodeStreamError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &BackendError{
			Backend: "managed",
			Code:    classifyStatus(resp.StatusCode),
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, msg),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
