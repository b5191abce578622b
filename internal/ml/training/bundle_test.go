package training

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismpm/prism/internal/ml/models"
)

func TestBundleRoundTrip(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}, {4}, {5}, {6}}
	y := []float64{2, 4, 6, 8, 10, 12}
	g, err := FitGBRT(X, y, GBRTParams{NumTrees: 10, MaxDepth: 2, LearningRate: 0.3, MinLeaf: 2})
	require.NoError(t, err)

	trained := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	data, err := EncodeBundle(&models.Bundle{
		Estimator:    g,
		FeatureNames: FeatureNames(),
		TrainedAt:    trained,
	})
	require.NoError(t, err)

	decoded, err := DecodeBundle(data)
	require.NoError(t, err)
	assert.Equal(t, FeatureNames(), decoded.FeatureNames)
	assert.True(t, decoded.TrainedAt.Equal(trained))

	// The restored estimator must predict identically.
	for _, x := range X {
		assert.InDelta(t, g.Predict(x), decoded.Estimator.Predict(x), 1e-12)
	}
}

func TestEncodeBundleRejectsEmptyEstimator(t *testing.T) {
	_, err := EncodeBundle(nil)
	assert.Error(t, err)

	_, err = EncodeBundle(&models.Bundle{FeatureNames: FeatureNames()})
	assert.Error(t, err)
}

func TestDecodeBundleRejectsGarbage(t *testing.T) {
	_, err := DecodeBundle([]byte("not a gob stream"))
	assert.Error(t, err)
}
