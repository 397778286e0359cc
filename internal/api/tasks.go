package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/framesight/framesight/internal/extract"
	"github.com/framesight/framesight/internal/pipeline"
)

// llamaImageSize caps frame resolution for llama-family vision models,
// which reject full-resolution frames.
const llamaImageSize = "1120x1120"

// CreateTaskRequest configures one video resource for processing.
type CreateTaskRequest struct {
	OwnerID      string          `json:"owner_id"`
	SourceType   string          `json:"source_type"`
	Source       string          `json:"source"`
	Frequency    int             `json:"frequency"`
	ListLength   int             `json:"list_length"`
	Interval     int             `json:"interval"`
	Duration     int             `json:"duration"`
	ImageSize    string          `json:"image_size"`
	ConnectionID string          `json:"connection_id"`
	Params       pipeline.Params `json:"params"`
}

func handleCreateTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}

		task, msg := buildTask(req)
		if msg != "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", msg)
			return
		}

		if err := deps.Dispatcher.Dispatch(r.Context(), pipeline.TargetExtract, task); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "dispatching extraction: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.TaskID})
	}
}

// buildTask validates a request and applies defaults. A non-empty second
// return value is the caller-facing validation message.
func buildTask(req CreateTaskRequest) (extract.Task, string) {
	if req.OwnerID == "" || req.Source == "" {
		return extract.Task{}, "owner_id and source are required"
	}
	if req.Params.ModelID == "" {
		return extract.Task{}, "params.model_id is required"
	}

	sourceType := req.SourceType
	if sourceType == "s3_image" || sourceType == "image" {
		sourceType = pipeline.SourceSingleImage
	}
	switch sourceType {
	case pipeline.SourceLiveStream, pipeline.SourceStoredFile, pipeline.SourceSingleImage:
	default:
		return extract.Task{}, "source_type must be live-stream, stored-file or single-image"
	}

	if req.Frequency <= 0 {
		req.Frequency = 10
	}
	if req.ListLength <= 0 {
		req.ListLength = 5
	}
	if req.Interval <= 0 {
		req.Interval = 1
	}
	if req.Duration <= 0 {
		req.Duration = 60
	}
	if req.ImageSize == "" {
		req.ImageSize = "raw"
	}
	if strings.Contains(strings.ToLower(req.Params.ModelID), "llama") && req.ImageSize == "raw" {
		req.ImageSize = llamaImageSize
	}

	return extract.Task{
		OwnerID:      req.OwnerID,
		TaskID:       "task_" + uuid.NewString(),
		SourceType:   sourceType,
		Source:       req.Source,
		Frequency:    req.Frequency,
		ListLength:   req.ListLength,
		Interval:     req.Interval,
		Duration:     req.Duration,
		ImageSize:    req.ImageSize,
		ConnectionID: req.ConnectionID,
		Params:       req.Params,
	}, ""
}
