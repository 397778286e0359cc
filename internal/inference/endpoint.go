package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EndpointClient speaks the dedicated model-hosting endpoint's invocations
// protocol. The endpoint has no system role and no tool support, so the
// system instruction is folded into the first user turn.
type EndpointClient struct {
	baseURL string
	client  *http.Client
}

// NewEndpointClient creates a client for the hosting endpoint at baseURL.
func NewEndpointClient(baseURL string) *EndpointClient {
	return &EndpointClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type endpointMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type endpointRequest struct {
	Messages   []endpointMessage `json:"messages"`
	Parameters struct {
		MaxNewTokens int     `json:"max_new_tokens"`
		Temperature  float32 `json:"temperature"`
		TopP         float32 `json:"top_p"`
	} `json:"parameters"`
}

type endpointResponse struct {
	GeneratedText string `json:"generated_text"`
	Usage         struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *EndpointClient) Complete(ctx context.Context, req Request) (Response, error) {
	// Endpoint model ids are prefixed with the hosting scheme; the path
	// component is the endpoint name after the first separator.
	name := req.ModelID
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}

	body := endpointRequest{}
	for i, m := range req.Messages {
		em := endpointMessage{Role: m.Role, Content: m.Content}
		if i == 0 && req.System != "" {
			em.Content = req.System + "\n\n" + em.Content
		}
		for _, img := range m.Images {
			em.Images = append(em.Images, base64.StdEncoding.EncodeToString(img))
		}
		body.Messages = append(body.Messages, em)
	}
	body.Parameters.MaxNewTokens = req.Params.MaxTokens
	body.Parameters.Temperature = req.Params.Temperature
	body.Parameters.TopP = req.Params.TopP

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshalling request: %w", err)
	}

	url := fmt.Sprintf("%s/endpoints/%s/invocations", c.baseURL, name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, &BackendError{Backend: "endpoint", Code: CodeStreamError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, &BackendError{
			Backend: "endpoint",
			Code:    classifyStatus(resp.StatusCode),
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, msg),
		}
	}

	var out endpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return Response{
		Text: out.GeneratedText,
		Usage: Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}, nil
}
