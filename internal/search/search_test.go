package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/framesight/framesight/internal/inference"
	"github.com/framesight/framesight/internal/objectstore"
	"github.com/framesight/framesight/internal/pipeline"
	"github.com/framesight/framesight/internal/secrets"
	"github.com/framesight/framesight/internal/vectorstore"
)

type fakeIndex struct {
	inserted  []vectorstore.Entry
	insertErr error
	lastQuery vectorstore.Query
	hits      []vectorstore.Hit
}

func (f *fakeIndex) Insert(ctx context.Context, e vectorstore.Entry) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, e)
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Hit, error) {
	f.lastQuery = q
	return f.hits, nil
}

func (f *fakeIndex) DeleteByOwner(ctx context.Context, ownerID string) error { return nil }

type fakeEmbedder struct {
	lastText    string
	lastCaption string
	imageCalls  int
	vec         []float32
	err         error
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.lastText = text
	return f.vec, f.err
}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, image []byte, caption string) ([]float32, error) {
	f.imageCalls++
	f.lastCaption = caption
	return f.vec, f.err
}

type fakeInferencer struct {
	answer    string
	lastModel string
	err       error
}

func (f *fakeInferencer) Invoke(ctx context.Context, history []inference.Message, system, prompt, modelID string) (string, inference.Usage, error) {
	f.lastModel = modelID
	return f.answer, inference.Usage{}, f.err
}

func (f *fakeInferencer) EffectiveModel(requested string) string { return requested }

func newLocalStore(t *testing.T) objectstore.Store {
	t.Helper()
	store, err := objectstore.NewLocalStore(t.TempDir(), "http://localhost:8080/objects", nil)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	return store
}

func TestIngestEmbedsRepresentativeFrame(t *testing.T) {
	store := newLocalStore(t)
	index := &fakeIndex{}
	emb := &fakeEmbedder{vec: []float32{0.1, 0.2}}
	ing := NewIngestor(store, index, emb)

	if err := store.Put(context.Background(), "owner_1/task_1/frame_0001.jpg", []byte("img")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := pipeline.IngestRequest{
		OwnerID:     "owner_1",
		Timestamp:   1770000000,
		Description: "a parked bicycle",
		ImageRef:    "owner_1/task_1/frame_0001.jpg",
		Source:      "owner_1/uploads/clip.mp4",
	}
	if err := ing.Ingest(context.Background(), req); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if emb.imageCalls != 1 || emb.lastCaption != "a parked bicycle" {
		t.Errorf("image embedding not used, calls=%d caption=%q", emb.imageCalls, emb.lastCaption)
	}
	if len(index.inserted) != 1 {
		t.Fatalf("inserted %d entries, want 1", len(index.inserted))
	}
	entry := index.inserted[0]
	if entry.OwnerID != "owner_1" || entry.ImageRef != req.ImageRef || entry.Description != req.Description {
		t.Errorf("unexpected entry %+v", entry)
	}
	if !entry.Timestamp.Equal(time.Unix(1770000000, 0).UTC()) {
		t.Errorf("timestamp = %v", entry.Timestamp)
	}
}

func TestIngestFallsBackToTextWhenFrameMissing(t *testing.T) {
	store := newLocalStore(t)
	index := &fakeIndex{}
	emb := &fakeEmbedder{vec: []float32{0.1}}
	ing := NewIngestor(store, index, emb)

	req := pipeline.IngestRequest{
		OwnerID:     "owner_1",
		Description: "a parked bicycle",
		ImageRef:    "owner_1/task_1/gone.jpg",
	}
	if err := ing.Ingest(context.Background(), req); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if emb.imageCalls != 0 || emb.lastText != "a parked bicycle" {
		t.Error("expected text-only embedding for a missing frame")
	}
}

func TestIngestBadEmbeddingAborts(t *testing.T) {
	store := newLocalStore(t)
	index := &fakeIndex{insertErr: vectorstore.ErrBadEmbedding}
	emb := &fakeEmbedder{vec: []float32{0.1}}
	ing := NewIngestor(store, index, emb)

	err := ing.Ingest(context.Background(), pipeline.IngestRequest{
		OwnerID:     "owner_1",
		Description: "x",
		ImageRef:    "missing.jpg",
	})
	if !errors.Is(err, vectorstore.ErrBadEmbedding) {
		t.Fatalf("expected ErrBadEmbedding, got %v", err)
	}
}

func searchHits() []vectorstore.Hit {
	return []vectorstore.Hit{
		{Entry: vectorstore.Entry{Description: "first", ImageRef: "o/a.jpg"}, Score: 0.9},
		{Entry: vectorstore.Entry{Description: "second", ImageRef: "o/b.jpg"}, Score: 0.8},
		{Entry: vectorstore.Entry{Description: "third"}, Score: 0.7},
	}
}

func TestSearchDefaultsAndSignedURLs(t *testing.T) {
	store := newLocalStore(t)
	index := &fakeIndex{hits: searchHits()}
	emb := &fakeEmbedder{vec: []float32{0.5}}
	s := NewSearcher(index, emb, store, nil, nil, 0)

	results, err := s.Search(context.Background(), Request{OwnerID: "owner_1", Keyword: "bicycle"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if index.lastQuery.K != defaultSearchCount || index.lastQuery.Limit != defaultDisplayCount {
		t.Errorf("query = %+v, defaults not applied", index.lastQuery)
	}
	if index.lastQuery.OwnerID != "owner_1" {
		t.Errorf("owner filter missing, got %q", index.lastQuery.OwnerID)
	}
	if emb.lastText != "bicycle" {
		t.Errorf("embedded %q, want the raw keyword", emb.lastText)
	}

	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if !strings.Contains(results[0].ImageURL, "sig=") {
		t.Errorf("image url not signed: %q", results[0].ImageURL)
	}
	if results[2].ImageURL != "" {
		t.Error("entry without frame must have no image url")
	}
}

func TestSearchUsesRewrittenKeyword(t *testing.T) {
	index := &fakeIndex{}
	emb := &fakeEmbedder{vec: []float32{0.5}}
	rw := NewRewriter(&fakeInferencer{answer: " red truck \n"}, "text-model")
	s := NewSearcher(index, emb, newLocalStore(t), rw, nil, 0)

	_, err := s.Search(context.Background(), Request{
		OwnerID: "owner_1",
		Keyword: "show me the red truck near the dock",
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if emb.lastText != "red truck" {
		t.Errorf("embedded %q, want the rewritten keyword", emb.lastText)
	}
}

func TestSearchRewriteUsesRequestedModel(t *testing.T) {
	index := &fakeIndex{}
	emb := &fakeEmbedder{vec: []float32{0.5}}
	inf := &fakeInferencer{answer: "red truck"}
	rw := NewRewriter(inf, "text-model")
	s := NewSearcher(index, emb, newLocalStore(t), rw, nil, 0)

	_, err := s.Search(context.Background(), Request{
		OwnerID: "owner_1",
		Keyword: "show me the red truck",
		ModelID: "vision-pro",
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if inf.lastModel != "vision-pro" {
		t.Errorf("rewrite used model %q, want the request's", inf.lastModel)
	}

	// A request without a model falls back to the configured one.
	if _, err := s.Search(context.Background(), Request{OwnerID: "owner_1", Keyword: "red truck"}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if inf.lastModel != "text-model" {
		t.Errorf("rewrite used model %q, want the configured fallback", inf.lastModel)
	}
}

func TestSearchRewriteFailureFallsBack(t *testing.T) {
	index := &fakeIndex{}
	emb := &fakeEmbedder{vec: []float32{0.5}}
	rw := NewRewriter(&fakeInferencer{err: errors.New("backend down")}, "text-model")
	s := NewSearcher(index, emb, newLocalStore(t), rw, nil, 0)

	_, err := s.Search(context.Background(), Request{OwnerID: "owner_1", Keyword: "red truck"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if emb.lastText != "red truck" {
		t.Errorf("embedded %q, want the original keyword", emb.lastText)
	}
}

func TestSearchRerankReordersOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Query != "bicycle" {
			t.Errorf("rerank query = %q, want the original keyword", req.Query)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.99},
				{"index": 0, "relevance_score": 0.5},
				{"index": 1, "relevance_score": 0.1},
			},
		})
	}))
	defer srv.Close()

	index := &fakeIndex{hits: searchHits()}
	emb := &fakeEmbedder{vec: []float32{0.5}}
	rr := NewHTTPReranker(srv.URL, secrets.StaticStore{})
	s := NewSearcher(index, emb, newLocalStore(t), nil, rr, 0)

	results, err := s.Search(context.Background(), Request{OwnerID: "owner_1", Keyword: "bicycle"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got := []string{results[0].Description, results[1].Description, results[2].Description}
	want := []string{"third", "first", "second"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rerank order = %v, want %v", got, want)
		}
	}
}

func TestSearchRerankFailureKeepsSimilarityOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	index := &fakeIndex{hits: searchHits()}
	emb := &fakeEmbedder{vec: []float32{0.5}}
	rr := NewHTTPReranker(srv.URL, secrets.StaticStore{})
	s := NewSearcher(index, emb, newLocalStore(t), nil, rr, 0)

	results, err := s.Search(context.Background(), Request{OwnerID: "owner_1", Keyword: "bicycle"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results[0].Description != "first" {
		t.Errorf("order changed on rerank failure: %+v", results)
	}
}

func TestSearchEmptyKeyword(t *testing.T) {
	s := NewSearcher(&fakeIndex{}, &fakeEmbedder{}, newLocalStore(t), nil, nil, 0)
	if _, err := s.Search(context.Background(), Request{OwnerID: "owner_1"}); err == nil {
		t.Fatal("expected error for empty keyword")
	}
}
