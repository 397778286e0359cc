package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/framesight/framesight/internal/agent"
	"github.com/framesight/framesight/internal/chat"
	"github.com/framesight/framesight/internal/docstore"
	"github.com/framesight/framesight/internal/objectstore"
	"github.com/framesight/framesight/internal/pipeline"
	"github.com/framesight/framesight/internal/search"
)

const testToken = "test-token-12345"

type stubDispatcher struct {
	targets  []string
	payloads []any
	err      error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, target string, payload any) error {
	if d.err != nil {
		return d.err
	}
	d.targets = append(d.targets, target)
	d.payloads = append(d.payloads, payload)
	return nil
}

type stubSearcher struct {
	lastReq search.Request
	results []search.Result
	err     error
}

func (s *stubSearcher) Search(ctx context.Context, req search.Request) ([]search.Result, error) {
	s.lastReq = req
	return s.results, s.err
}

type stubChatter struct {
	resp chat.Response
	err  error
}

func (s *stubChatter) Ask(ctx context.Context, req chat.Request) (chat.Response, error) {
	return s.resp, s.err
}

type stubAgent struct {
	res agent.Result
	err error
}

func (s *stubAgent) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	return s.res, s.err
}

type stubSummarizer struct {
	text string
	err  error
}

func (s *stubSummarizer) Summarize(ctx context.Context, req pipeline.SummaryRequest) (string, error) {
	return s.text, s.err
}

func setupHandler(t *testing.T) (http.Handler, *stubDispatcher, *objectstore.LocalStore) {
	t.Helper()
	objects, err := objectstore.NewLocalStore(t.TempDir(), "http://localhost:4100/objects", nil)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}

	d := &stubDispatcher{}
	handler := NewAppHandler(AppDeps{
		Dispatcher: d,
		Searcher:   &stubSearcher{},
		Chatter:    &stubChatter{resp: chat.Response{Answer: "yes"}},
		Agent:      &stubAgent{res: agent.Result{Answer: "done", Rounds: 1}},
		Summarizer: &stubSummarizer{text: "a short day"},
		Objects:    objects,
		Token:      testToken,
	})
	return handler, d, objects
}

func authReq(method, target, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAuthRequired(t *testing.T) {
	handler, _, _ := setupHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	handler, _, _ := setupHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCreateTaskDispatchesExtraction(t *testing.T) {
	handler, d, _ := setupHandler(t)

	body := `{
		"owner_id": "owner_1",
		"source_type": "stored-file",
		"source": "owner_1/uploads/clip.mp4",
		"duration": 30,
		"params": {"model_id": "vision-pro", "user_prompt": "describe"}
	}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authReq(http.MethodPost, "/v1/tasks", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.HasPrefix(resp["task_id"], "task_") {
		t.Errorf("task_id = %q", resp["task_id"])
	}
	if len(d.targets) != 1 || d.targets[0] != pipeline.TargetExtract {
		t.Fatalf("dispatched to %v, want extract", d.targets)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	handler, d, _ := setupHandler(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing owner", `{"source_type":"stored-file","source":"x","params":{"model_id":"m"}}`},
		{"missing model", `{"owner_id":"o","source_type":"stored-file","source":"x"}`},
		{"bad source type", `{"owner_id":"o","source_type":"broadcast","source":"x","params":{"model_id":"m"}}`},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authReq(http.MethodPost, "/v1/tasks", tc.body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
	if len(d.targets) != 0 {
		t.Error("invalid requests must not dispatch")
	}
}

func TestBuildTaskDefaults(t *testing.T) {
	task, msg := buildTask(CreateTaskRequest{
		OwnerID:    "owner_1",
		SourceType: "stored-file",
		Source:     "clip.mp4",
		Params:     pipeline.Params{ModelID: "vision-pro"},
	})
	if msg != "" {
		t.Fatalf("unexpected validation message %q", msg)
	}
	if task.Frequency != 10 || task.ListLength != 5 || task.Interval != 1 || task.Duration != 60 {
		t.Errorf("defaults not applied: %+v", task)
	}
	if task.ImageSize != "raw" {
		t.Errorf("image size = %q, want raw", task.ImageSize)
	}
}

func TestBuildTaskLlamaClampAndImagePassthrough(t *testing.T) {
	task, msg := buildTask(CreateTaskRequest{
		OwnerID:    "owner_1",
		SourceType: "s3_image",
		Source:     "owner_1/uploads/still.jpg",
		Params:     pipeline.Params{ModelID: "sagemaker.llama-3-vision"},
	})
	if msg != "" {
		t.Fatalf("unexpected validation message %q", msg)
	}
	if task.SourceType != pipeline.SourceSingleImage {
		t.Errorf("source type = %q, want single-image", task.SourceType)
	}
	if task.ImageSize != llamaImageSize {
		t.Errorf("image size = %q, want clamped", task.ImageSize)
	}

	// Explicit sizes are kept even for llama models.
	task, _ = buildTask(CreateTaskRequest{
		OwnerID:    "owner_1",
		SourceType: "stored-file",
		Source:     "clip.mp4",
		ImageSize:  "640x480",
		Params:     pipeline.Params{ModelID: "llama-vision"},
	})
	if task.ImageSize != "640x480" {
		t.Errorf("explicit image size overridden: %q", task.ImageSize)
	}
}

func TestSearchHandler(t *testing.T) {
	objects, err := objectstore.NewLocalStore(t.TempDir(), "http://localhost:4100/objects", nil)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	s := &stubSearcher{results: []search.Result{{Description: "a dog", Score: 0.92}}}
	handler := NewAppHandler(AppDeps{
		Dispatcher: &stubDispatcher{},
		Searcher:   s,
		Chatter:    &stubChatter{},
		Agent:      &stubAgent{},
		Summarizer: &stubSummarizer{},
		Objects:    objects,
		Token:      testToken,
	})

	body := `{"owner_id":"owner_1","keyword":"dog","display_count":3}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authReq(http.MethodPost, "/v1/search", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if s.lastReq.DisplayCount != 3 || s.lastReq.Keyword != "dog" {
		t.Errorf("request not forwarded: %+v", s.lastReq)
	}
	var resp struct {
		Results []search.Result `json:"results"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Results) != 1 || resp.Results[0].Description != "a dog" {
		t.Errorf("unexpected results %+v", resp.Results)
	}
}

func TestChatHandlerValidation(t *testing.T) {
	handler, _, _ := setupHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authReq(http.MethodPost, "/v1/chat", `{"owner_id":"o"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSummaryHandler(t *testing.T) {
	handler, _, _ := setupHandler(t)

	body := `{"owner_id":"owner_1","task_id":"task_1"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authReq(http.MethodPost, "/v1/summary", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["summary"] != "a short day" {
		t.Errorf("summary = %q", resp["summary"])
	}
}

func TestSummaryUnknownTaskIs404(t *testing.T) {
	objects, err := objectstore.NewLocalStore(t.TempDir(), "http://localhost:4100/objects", nil)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	handler := NewAppHandler(AppDeps{
		Dispatcher: &stubDispatcher{},
		Searcher:   &stubSearcher{},
		Chatter:    &stubChatter{},
		Agent:      &stubAgent{},
		Summarizer: &stubSummarizer{err: fmt.Errorf("loading segments: %w", docstore.ErrNotFound)},
		Objects:    objects,
		Token:      testToken,
	})

	body := `{"owner_id":"owner_1","task_id":"missing"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authReq(http.MethodPost, "/v1/summary", body))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "not_found_error") {
		t.Errorf("body = %s, want not_found_error type", rec.Body)
	}
}

func TestObjectServingVerifiesSignature(t *testing.T) {
	handler, _, objects := setupHandler(t)

	key := "owner_1/task_1/frame_0001.jpg"
	if err := objects.Put(context.Background(), key, []byte("jpeg-bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}
	signed, err := objects.SignedURL(key, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.Path+"?"+u.RawQuery, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "jpeg-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}

	// Tampered signature is rejected.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.Path+"?expires=9999999999&sig=dead", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
