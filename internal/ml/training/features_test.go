package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismpm/prism/internal/ml/history"
)

func TestIssueFeaturesLayout(t *testing.T) {
	features := IssueFeatures("Fix login bug", "Session cookie expires too early", "bug", "high", 3)
	require.Len(t, features, len(featureNames))

	assert.Equal(t, 3.0, features[0])  // title_length
	assert.Equal(t, 5.0, features[1])  // description_length
	assert.Equal(t, 8.0, features[2])  // text_length
	assert.Equal(t, 1.0, features[3])  // is_bug
	assert.Equal(t, 0.0, features[4])  // is_story
	assert.Equal(t, 0.0, features[5])  // is_task
	assert.Equal(t, 0.0, features[6])  // is_epic
	assert.Equal(t, 3.0, features[7])  // priority_score
	assert.Equal(t, 3.0, features[8])  // story_points
	assert.InDelta(t, 8*0.1+3*2, features[9], 1e-9)
}

func TestIssueFeaturesDeterministic(t *testing.T) {
	a := IssueFeatures("Add export", "CSV export for reports", "story", "medium", 5)
	b := IssueFeatures("Add export", "CSV export for reports", "story", "medium", 5)
	assert.Equal(t, a, b)
}

func TestPriorityOrdinal(t *testing.T) {
	assert.Equal(t, 0.0, priorityOrdinal("lowest"))
	assert.Equal(t, 1.0, priorityOrdinal("Low"))
	assert.Equal(t, 2.0, priorityOrdinal("medium"))
	assert.Equal(t, 2.0, priorityOrdinal(""))
	assert.Equal(t, 3.0, priorityOrdinal("HIGH"))
	assert.Equal(t, 4.0, priorityOrdinal("critical"))
}

func TestExtractFeaturesSkipsUnlabeled(t *testing.T) {
	hours := 6.0
	zero := 0.0
	records := []history.IssueRecord{
		{Title: "labeled", IssueType: "task", ActualHours: &hours},
		{Title: "no hours", IssueType: "task"},
		{Title: "zero hours", IssueType: "task", ActualHours: &zero},
	}

	X, y, names := ExtractFeatures(records, history.LabelActualHours)
	assert.Len(t, X, 1)
	assert.Equal(t, []float64{6}, y)
	assert.Equal(t, FeatureNames(), names)
}

func TestExtractFeaturesZeroesTargetFeature(t *testing.T) {
	points := 8.0
	records := []history.IssueRecord{
		{Title: "estimate me", IssueType: "story", StoryPoints: &points},
	}

	X, y, _ := ExtractFeatures(records, history.LabelStoryPoints)
	require.Len(t, X, 1)
	assert.Equal(t, []float64{8}, y)
	// The story-point feature must not leak the label.
	assert.Equal(t, 0.0, X[0][8])
}

func TestFeatureNamesReturnsCopy(t *testing.T) {
	names := FeatureNames()
	names[0] = "mutated"
	assert.Equal(t, "title_length", featureNames[0])
}
