package prediction

import (
	"strings"

	"github.com/google/uuid"

	"github.com/prismpm/prism/internal/ml/history"
)

// SimilarIssue is a scored historical match returned alongside fallback
// predictions for audit traceability.
type SimilarIssue struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	IssueType   string    `json:"issue_type"`
	ActualHours *float64  `json:"actual_hours,omitempty"`
	StoryPoints *float64  `json:"story_points,omitempty"`
	Similarity  float64   `json:"similarity"`
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

// jaccard computes token-set Jaccard similarity of two texts.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// rankBySimilarity scores candidates against the query text and returns the
// top matches with positive lexical overlap, best first.
func rankBySimilarity(query string, candidates []history.IssueRecord, limit int) []SimilarIssue {
	queryTokens := tokenize(query)

	scored := make([]SimilarIssue, 0, len(candidates))
	for _, c := range candidates {
		sim := jaccard(queryTokens, tokenize(c.Title+" "+c.Description))
		if sim <= 0 {
			continue
		}
		scored = append(scored, SimilarIssue{
			ID:          c.ID,
			Title:       c.Title,
			IssueType:   c.IssueType,
			ActualHours: c.ActualHours,
			StoryPoints: c.StoryPoints,
			Similarity:  sim,
		})
	}
	// Insertion sort keeps this simple; the candidate cap is small.
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].Similarity > scored[j-1].Similarity; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
