package training

import (
	"strings"

	"github.com/prismpm/prism/internal/ml/history"
)

// featureNames is the canonical, order-stable feature layout. It is
// persisted with every trained model so serving reconstructs vectors
// identically.
var featureNames = []string{
	"title_length",
	"description_length",
	"text_length",
	"is_bug",
	"is_story",
	"is_task",
	"is_epic",
	"priority_score",
	"story_points",
	"complexity_score",
}

// FeatureNames returns a copy of the canonical feature layout.
func FeatureNames() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// IssueFeatures builds the deterministic feature vector for one issue. The
// layout must stay in sync with featureNames.
func IssueFeatures(title, description, issueType, priority string, storyPoints float64) []float64 {
	titleTokens := float64(len(strings.Fields(title)))
	descTokens := float64(len(strings.Fields(description)))
	textTokens := float64(len(strings.Fields(title + " " + description)))

	lower := strings.ToLower(issueType)
	isBug := boolFeature(strings.Contains(lower, "bug"))
	isStory := boolFeature(strings.Contains(lower, "story") || strings.Contains(lower, "feature"))
	isTask := boolFeature(strings.Contains(lower, "task"))
	isEpic := boolFeature(strings.Contains(lower, "epic"))

	priorityScore := priorityOrdinal(priority)
	complexity := textTokens*0.1 + storyPoints*2

	return []float64{
		titleTokens,
		descTokens,
		textTokens,
		isBug,
		isStory,
		isTask,
		isEpic,
		priorityScore,
		storyPoints,
		complexity,
	}
}

// ExtractFeatures vectorizes the training set. When the label is story
// points, the story-point feature is zeroed to keep the target out of the
// inputs.
func ExtractFeatures(records []history.IssueRecord, label history.Label) (X [][]float64, y []float64, names []string) {
	X = make([][]float64, 0, len(records))
	y = make([]float64, 0, len(records))

	for _, rec := range records {
		var target float64
		switch label {
		case history.LabelStoryPoints:
			if rec.StoryPoints == nil || *rec.StoryPoints <= 0 {
				continue
			}
			target = *rec.StoryPoints
		default:
			if rec.ActualHours == nil || *rec.ActualHours <= 0 {
				continue
			}
			target = *rec.ActualHours
		}

		sp := 0.0
		if label != history.LabelStoryPoints && rec.StoryPoints != nil {
			sp = *rec.StoryPoints
		}
		X = append(X, IssueFeatures(rec.Title, rec.Description, rec.IssueType, rec.Priority, sp))
		y = append(y, target)
	}
	return X, y, FeatureNames()
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// priorityOrdinal maps priority labels onto an ordinal scale; unknown
// labels get the middle value.
func priorityOrdinal(priority string) float64 {
	switch strings.ToLower(priority) {
	case "lowest", "trivial":
		return 0
	case "low", "minor":
		return 1
	case "high", "major":
		return 3
	case "highest", "critical", "urgent", "blocker":
		return 4
	default:
		return 2
	}
}
