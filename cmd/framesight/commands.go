package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/framesight/framesight/internal/config"
	"github.com/framesight/framesight/internal/secrets"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	token, err := secrets.EnvStore{}.Get(secrets.APIToken)
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) post(ctx context.Context, path string, body any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is framesight running? (%w)", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, raw)
	}
	return out, nil
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create a video processing task",
	Long: `Create a video processing task.

Examples:
  framesight task --owner alice --type stored-file --source alice/uploads/clip.mp4 --model vision-pro --duration 60
  framesight task --owner alice --type live-stream --source rtsp://camera-1 --model vision-pro --duration 300
  framesight task --owner alice --type single-image --source alice/uploads/still.jpg --model vision-pro`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		sourceType, _ := cmd.Flags().GetString("type")
		source, _ := cmd.Flags().GetString("source")
		model, _ := cmd.Flags().GetString("model")
		prompt, _ := cmd.Flags().GetString("prompt")
		duration, _ := cmd.Flags().GetInt("duration")

		if owner == "" || source == "" || model == "" {
			return fmt.Errorf("--owner, --source and --model are required")
		}
		if prompt == "" {
			prompt = "Describe what happens in these video frames."
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/tasks", map[string]any{
			"owner_id":    owner,
			"source_type": sourceType,
			"source":      source,
			"duration":    duration,
			"params": map[string]any{
				"model_id":    model,
				"user_prompt": prompt,
			},
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "task created: %v\n", resp["task_id"])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search analyzed video segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		keyword, _ := cmd.Flags().GetString("keyword")
		limit, _ := cmd.Flags().GetInt("limit")

		if owner == "" || keyword == "" {
			return fmt.Errorf("--owner and --keyword are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/search", map[string]any{
			"owner_id":      owner,
			"keyword":       keyword,
			"display_count": limit,
		})
		if err != nil {
			return err
		}

		results, _ := resp["results"].([]any)
		if len(results) == 0 {
			fmt.Fprintln(os.Stdout, "no results")
			return nil
		}
		for _, r := range results {
			hit, _ := r.(map[string]any)
			fmt.Fprintf(os.Stdout, "%.3f  %s\n", hit["score"], hit["description"])
			if url, ok := hit["image_url"].(string); ok && url != "" {
				fmt.Fprintf(os.Stdout, "       %s\n", url)
			}
		}
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask a question about a processed task",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		task, _ := cmd.Flags().GetString("task")
		session, _ := cmd.Flags().GetString("session")
		question, _ := cmd.Flags().GetString("question")
		model, _ := cmd.Flags().GetString("model")

		if owner == "" || task == "" || question == "" {
			return fmt.Errorf("--owner, --task and --question are required")
		}
		if session == "" {
			session = "cli-" + owner
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body := map[string]any{
			"owner_id":   owner,
			"task_id":    task,
			"session_id": session,
			"question":   question,
		}
		if model != "" {
			body["params"] = map[string]any{"model_id": model}
		}
		resp, err := client.post(cmd.Context(), "/v1/chat", body)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "%v\n", resp["answer"])
		return nil
	},
}

func init() {
	taskCmd.Flags().String("owner", "", "Owner id for the task")
	taskCmd.Flags().String("type", "stored-file", "Source type: live-stream, stored-file or single-image")
	taskCmd.Flags().String("source", "", "Source identifier (object key, stream URL or image key)")
	taskCmd.Flags().String("model", "", "Model id for analysis")
	taskCmd.Flags().String("prompt", "", "User prompt sent with each segment")
	taskCmd.Flags().Int("duration", 60, "Total seconds of video to cover")

	searchCmd.Flags().String("owner", "", "Owner whose footage to search")
	searchCmd.Flags().String("keyword", "", "What to look for")
	searchCmd.Flags().Int("limit", 5, "Maximum number of results")

	askCmd.Flags().String("owner", "", "Owner of the task")
	askCmd.Flags().String("task", "", "Task to ask about")
	askCmd.Flags().String("session", "", "Conversation session id (default cli-<owner>)")
	askCmd.Flags().String("question", "", "The question")
	askCmd.Flags().String("model", "", "Model to answer with")
}
