package search

import (
	"context"
	"strings"

	"github.com/framesight/framesight/internal/inference"
)

// rewriteInstruction extracts a single salient search phrase from free
// text. The few-shot examples pin the output format and show that the
// answer keeps the input's language.
const rewriteInstruction = `Extract the single most salient object or phrase to search for from the user's request. Reply with that phrase only, nothing else, in the same language as the request.

Input: did anyone walk a dog past the front gate this morning
Output: dog

Input: 有人把包裹放在门口吗
Output: 包裹

Input: show me the red truck near the loading dock
Output: red truck

Input: was there smoke coming from the kitchen window
Output: smoke`

// Inferencer is the slice of the inference adapter the search stage needs.
type Inferencer interface {
	Invoke(ctx context.Context, history []inference.Message, system, prompt, modelID string) (string, inference.Usage, error)
	EffectiveModel(requested string) string
}

// Rewriter turns a free-text keyword into a compact search phrase with one
// inference call.
type Rewriter struct {
	adapter Inferencer
	modelID string
}

// NewRewriter creates a Rewriter. modelID is the fallback model for
// requests that carry none.
func NewRewriter(adapter Inferencer, modelID string) *Rewriter {
	return &Rewriter{adapter: adapter, modelID: modelID}
}

// Rewrite returns the extracted search phrase using the requested model,
// subject to the adapter's override rule. An empty model answer falls back
// to the original keyword.
func (r *Rewriter) Rewrite(ctx context.Context, keyword, modelID string) (string, error) {
	if modelID == "" {
		modelID = r.modelID
	}
	prompt := "Input: " + keyword + "\nOutput:"
	text, _, err := r.adapter.Invoke(ctx, nil, rewriteInstruction, prompt, r.adapter.EffectiveModel(modelID))
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "Output:"))
	if text == "" {
		return keyword, nil
	}
	return text, nil
}
