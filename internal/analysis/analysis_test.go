package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/framesight/framesight/internal/docstore"
	"github.com/framesight/framesight/internal/inference"
	"github.com/framesight/framesight/internal/objectstore"
	"github.com/framesight/framesight/internal/pipeline"
)

type fakeInferencer struct {
	lastReq inference.Request
	resp    inference.Response
	err     error
}

func (f *fakeInferencer) Converse(ctx context.Context, req inference.Request) (inference.Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

type recordingDispatcher struct {
	targets  []string
	payloads []json.RawMessage
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, target string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	d.targets = append(d.targets, target)
	d.payloads = append(d.payloads, raw)
	return nil
}

func (d *recordingDispatcher) find(target string) (json.RawMessage, bool) {
	for i, t := range d.targets {
		if t == target {
			return d.payloads[i], true
		}
	}
	return nil, false
}

type recordingNotifier struct {
	connections []string
	payloads    []any
	err         error
}

func (n *recordingNotifier) Push(ctx context.Context, connectionID string, payload any) error {
	n.connections = append(n.connections, connectionID)
	n.payloads = append(n.payloads, payload)
	return n.err
}

func newTestStage(t *testing.T) (*Stage, objectstore.Store, *docstore.Store, *fakeInferencer, *recordingDispatcher, *recordingNotifier) {
	t.Helper()
	store, err := objectstore.NewLocalStore(t.TempDir(), "http://localhost:8080/objects", nil)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	docs, err := docstore.Open(":memory:")
	if err != nil {
		t.Fatalf("doc store: %v", err)
	}
	t.Cleanup(func() { docs.Close() })

	inf := &fakeInferencer{resp: inference.Response{Text: "a person walks by"}}
	d := &recordingDispatcher{}
	n := &recordingNotifier{}
	return NewStage(store, docs, inf, n, d, 0), store, docs, inf, d, n
}

func seedFrames(t *testing.T, store objectstore.Store, prefix string, frames ...string) {
	t.Helper()
	for i, f := range frames {
		key := prefix + "frame_000" + string(rune('1'+i)) + ".jpg"
		if err := store.Put(context.Background(), key, []byte(f)); err != nil {
			t.Fatalf("seeding frame: %v", err)
		}
	}
}

func baseRequest() pipeline.AnalysisRequest {
	return pipeline.AnalysisRequest{
		OwnerID:      "owner_1",
		TaskID:       "task_1",
		SegmentTime:  "10",
		SourceType:   pipeline.SourceStoredFile,
		Source:       "owner_1/uploads/clip.mp4",
		FrameBatch:   "owner_1/task_1/stored-file_extract_20260314092653_10/",
		Tag:          pipeline.TagContinue,
		ConnectionID: "conn-1",
		Params: pipeline.Params{
			ModelID:      "vision-pro",
			SystemPrompt: "you are a video analyst",
			UserPrompt:   "describe the frames",
		},
	}
}

func TestProcessPersistsAndFansOut(t *testing.T) {
	stage, store, docs, inf, d, n := newTestStage(t)
	req := baseRequest()
	seedFrames(t, store, req.FrameBatch, "f1", "f2")

	if err := stage.Process(context.Background(), req); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(inf.lastReq.Messages) != 1 || len(inf.lastReq.Messages[0].Images) != 2 {
		t.Errorf("inference saw %d images, want 2", len(inf.lastReq.Messages[0].Images))
	}

	rows, err := docs.QuerySegmentResults("owner_1", "task_1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].FrameResult != "a person walks by" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[0].SegmentTime != "10" {
		t.Errorf("segment time = %s", rows[0].SegmentTime)
	}
	if rows[0].Source != "owner_1/uploads/clip.mp4" {
		t.Errorf("source = %q, want the source key", rows[0].Source)
	}

	raw, ok := d.find(pipeline.TargetIngest)
	if !ok {
		t.Fatal("no vector-ingest dispatch")
	}
	var ingest pipeline.IngestRequest
	json.Unmarshal(raw, &ingest)
	if ingest.Description != "a person walks by" || ingest.ImageRef != req.FrameBatch+"frame_0001.jpg" {
		t.Errorf("unexpected ingest request %+v", ingest)
	}
	if ingest.Source != "owner_1/uploads/clip.mp4" {
		t.Errorf("ingest source = %q, want the source key", ingest.Source)
	}

	if _, ok := d.find(pipeline.TargetSummary); ok {
		t.Error("non-final segment must not trigger summary")
	}

	if len(n.connections) != 1 || n.connections[0] != "conn-1" {
		t.Fatalf("notifications = %v", n.connections)
	}
	payload := n.payloads[0].(map[string]any)
	if payload["result"] != "a person walks by" {
		t.Errorf("notification payload %v", payload)
	}
	if _, ok := payload["thumbnail_url"]; !ok {
		t.Error("notification missing thumbnail url")
	}
}

func TestFinalSegmentTriggersSummary(t *testing.T) {
	stage, store, _, _, d, _ := newTestStage(t)
	req := baseRequest()
	req.Tag = pipeline.TagFinal
	seedFrames(t, store, req.FrameBatch, "f1")

	if err := stage.Process(context.Background(), req); err != nil {
		t.Fatalf("process: %v", err)
	}

	raw, ok := d.find(pipeline.TargetSummary)
	if !ok {
		t.Fatal("final segment must trigger summary")
	}
	var sum pipeline.SummaryRequest
	json.Unmarshal(raw, &sum)
	if sum.TaskID != "task_1" || sum.Params.ModelID != "vision-pro" {
		t.Errorf("unexpected summary request %+v", sum)
	}
}

func TestInferenceFailureIsTerminal(t *testing.T) {
	stage, store, docs, inf, d, n := newTestStage(t)
	inf.err = errors.New("backend down")
	req := baseRequest()
	seedFrames(t, store, req.FrameBatch, "f1")

	if err := stage.Process(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}

	rows, _ := docs.QuerySegmentResults("owner_1", "task_1")
	if len(rows) != 0 {
		t.Error("failed segment must not persist")
	}
	if len(d.targets) != 0 {
		t.Error("failed segment must not dispatch")
	}
	if len(n.connections) != 0 {
		t.Error("failed segment must not notify")
	}
}

func TestMissingFramesIsTerminal(t *testing.T) {
	stage, _, _, _, _, _ := newTestStage(t)
	req := baseRequest()

	if err := stage.Process(context.Background(), req); err == nil {
		t.Fatal("expected error for empty frame batch")
	}
}

func TestNotifierFailureDoesNotFailStage(t *testing.T) {
	stage, store, docs, _, _, n := newTestStage(t)
	n.err = errors.New("socket closed")
	req := baseRequest()
	seedFrames(t, store, req.FrameBatch, "f1")

	if err := stage.Process(context.Background(), req); err != nil {
		t.Fatalf("notification failure must not fail the stage: %v", err)
	}
	rows, _ := docs.QuerySegmentResults("owner_1", "task_1")
	if len(rows) != 1 {
		t.Error("segment result missing")
	}
}

func TestSingleImageFetchesOneObject(t *testing.T) {
	stage, store, _, inf, _, _ := newTestStage(t)
	req := baseRequest()
	req.SourceType = pipeline.SourceSingleImage
	req.FrameBatch = "owner_1/uploads/still.jpg"
	req.Tag = pipeline.TagFinal
	if err := store.Put(context.Background(), req.FrameBatch, []byte("img")); err != nil {
		t.Fatalf("seeding image: %v", err)
	}

	if err := stage.Process(context.Background(), req); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(inf.lastReq.Messages[0].Images) != 1 {
		t.Errorf("inference saw %d images, want 1", len(inf.lastReq.Messages[0].Images))
	}
}

func TestHandleDecodesPayload(t *testing.T) {
	stage, store, docs, _, _, _ := newTestStage(t)
	req := baseRequest()
	req.ConnectionID = ""
	seedFrames(t, store, req.FrameBatch, "f1")

	raw, _ := json.Marshal(req)
	if err := stage.Handle(context.Background(), raw); err != nil {
		t.Fatalf("handle: %v", err)
	}
	rows, _ := docs.QuerySegmentResults("owner_1", "task_1")
	if len(rows) != 1 {
		t.Error("segment result missing after Handle")
	}
}
