package docstore

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SegmentResult is one segment's analysis output. Immutable after creation;
// identified by (OwnerID, "{TaskID}#{SegmentTime}").
type SegmentResult struct {
	OwnerID     string
	TaskID      string
	SegmentTime string // segment start: integer seconds for stored files, wall-clock stamp for live streams
	Source      string // source descriptor (stream name or file key)
	FolderPath  string // object-store prefix holding the segment's frame batch
	FrameResult string // model output for the segment
	CreatedAt   time.Time
}

// SortKey returns the composite sort key for the row.
func (r SegmentResult) SortKey() string {
	return r.TaskID + "#" + r.SegmentTime
}

// ChatTurn is one question/answer round of a QA session, with token usage
// for audit.
type ChatTurn struct {
	Question     string    `json:"question"`
	Answer       string    `json:"answer"`
	ModelID      string    `json:"model_id"`
	Timestamp    time.Time `json:"timestamp"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}
