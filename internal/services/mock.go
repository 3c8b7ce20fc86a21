package services

import (
	"context"
	"iter"

	"github.com/kbchat/kb-web-ui/internal/models"
)

const mockAnswer = "This is a simulated answer. Connect a knowledge backend to get " +
	"responses grounded in your own documents."

// MockKnowledgeBackend is the offline stand-in used when no live backend is configured. It
// synthesizes a deterministic stream so the rest of the pipeline stays exercisable: the fixed
// answer revealed rune by rune, followed by one synthetic citation and a terminal done.
type MockKnowledgeBackend struct{}

// NewMockKnowledgeBackend creates a MockKnowledgeBackend.
func NewMockKnowledgeBackend() MockKnowledgeBackend {
	return MockKnowledgeBackend{}
}

// Ask returns the deterministic mock sequence. The query, conversation id, and user id only
// matter to the live backend and are ignored here; the context still cuts the reveal short.
func (MockKnowledgeBackend) Ask(ctx context.Context, _, _, _ string) iter.Seq[models.StreamResult] {
	return func(yield func(models.StreamResult) bool) {
		for _, r := range mockAnswer {
			if ctx.Err() != nil {
				return
			}
			if !yield(models.StreamResult{Text: string(r)}) {
				return
			}
		}

		score := 0.99
		yield(models.StreamResult{
			Citations: []models.Citation{
				{
					DocumentID:   "mock-document",
					DocumentName: "Getting Started",
					Content:      "Configure backend.url to connect a live knowledge backend.",
					Score:        &score,
				},
			},
			Done: true,
		})
	}
}
