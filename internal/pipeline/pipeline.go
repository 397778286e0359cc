// Package pipeline defines the wire contracts between the asynchronous
// processing stages. Every stage consumes one of these request types from a
// dispatch payload; the dispatch target names are fixed here so producers
// and the registry wiring agree.
package pipeline

// Dispatch targets.
const (
	TargetExtract  = "extract"
	TargetAnalysis = "analysis"
	TargetSummary  = "summary"
	TargetIngest   = "vector-ingest"
)

// Tag marks a segment's position in its task. The final segment's tag is
// the only task-completion signal the pipeline observes.
const (
	TagContinue = "continue"
	TagFinal    = "final"
)

// Source types accepted by the extraction engine.
const (
	SourceLiveStream  = "live-stream"
	SourceStoredFile  = "stored-file"
	SourceSingleImage = "single-image"
)

// Params is the inference-parameter bundle forwarded unchanged from task
// creation through analysis to summarization.
type Params struct {
	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	ModelID      string  `json:"model_id"`
	Temperature  float32 `json:"temperature"`
	TopP         float32 `json:"top_p"`
	TopK         int     `json:"top_k"`
	MaxTokens    int     `json:"max_tokens"`
}

// AnalysisRequest describes one segment to analyze. FrameBatch is an object
// prefix holding the segment's frames, except for single-image sources
// where it is the frame's own key. Source is the task's source descriptor
// (stream URL, file key or image key), carried through to the segment
// result and the vector entry.
type AnalysisRequest struct {
	OwnerID      string `json:"owner_id"`
	TaskID       string `json:"task_id"`
	SegmentTime  string `json:"segment_time"`
	SourceType   string `json:"source_type"`
	Source       string `json:"source"`
	FrameBatch   string `json:"frame_batch"`
	Tag          string `json:"tag"`
	ConnectionID string `json:"connection_id,omitempty"`
	Params       Params `json:"params"`
}

// SummaryRequest triggers summarization of a closed task.
type SummaryRequest struct {
	OwnerID      string `json:"owner_id"`
	TaskID       string `json:"task_id"`
	ConnectionID string `json:"connection_id,omitempty"`
	Params       Params `json:"params"`
}

// IngestRequest carries one analyzed segment into the vector index. Source
// is the originating task's source descriptor.
type IngestRequest struct {
	OwnerID     string `json:"owner_id"`
	Timestamp   int64  `json:"timestamp"`
	Description string `json:"description"`
	ImageRef    string `json:"image_ref"`
	Source      string `json:"source"`
}
