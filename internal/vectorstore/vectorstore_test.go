package vectorstore

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateEmbedding(t *testing.T) {
	tests := []struct {
		name    string
		vec     []float32
		dim     int
		wantErr bool
	}{
		{"matching dimension", make([]float32, 1024), 1024, false},
		{"empty vector", nil, 1024, true},
		{"short vector", make([]float32, 384), 1024, true},
		{"long vector", make([]float32, 2048), 1024, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmbedding(tt.vec, tt.dim)
			if tt.wantErr {
				if !errors.Is(err, ErrBadEmbedding) {
					t.Errorf("expected ErrBadEmbedding, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestBuildFilterOwnerOnly(t *testing.T) {
	where, args := buildFilter(Query{OwnerID: "owner-1"})

	if where != "owner_id = $1" {
		t.Errorf("unexpected where clause %q", where)
	}
	if len(args) != 1 || args[0] != "owner-1" {
		t.Errorf("unexpected args %v", args)
	}
}

func TestBuildFilterTimestampRange(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	where, args := buildFilter(Query{OwnerID: "owner-1", Start: start, End: end})

	if !strings.Contains(where, "ts >= $2") || !strings.Contains(where, "ts <= $3") {
		t.Errorf("unexpected where clause %q", where)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
}

func TestBuildFilterOpenEndedRange(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	where, args := buildFilter(Query{OwnerID: "owner-1", Start: start})

	if !strings.Contains(where, "ts >= $2") || strings.Contains(where, "ts <=") {
		t.Errorf("unexpected where clause %q", where)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
}
