package services

import "github.com/kbchat/kb-web-ui/internal/models"

// ExtractCitations converts the backend's retrieval-metadata records into the normalized citation
// list. The mapping is total: every record maps to exactly one citation, and absent input means an
// empty list, not an error. Source order is preserved since it reflects the backend's own
// relevance ranking; no deduplication or score-based sorting happens here. A record without a
// score produces a citation without one, never a zero placeholder.
func ExtractCitations(resources []RetrieverResource) []models.Citation {
	citations := make([]models.Citation, len(resources))
	for i, r := range resources {
		citations[i] = models.Citation{
			DocumentID:   r.DocumentID,
			DocumentName: r.DocumentName,
			Content:      r.Content,
			Score:        r.Score,
		}
	}
	return citations
}
