package training

import (
	"errors"
	"math"
	"sort"
)

// GBRTParams are the tunable hyperparameters of the boosted ensemble.
type GBRTParams struct {
	NumTrees     int
	MaxDepth     int
	LearningRate float64
	MinLeaf      int
}

// DefaultGBRTParams mirror the defaults used for effort and story-point
// models: 100 trees of depth 5 with a 0.1 learning rate.
func DefaultGBRTParams() GBRTParams {
	return GBRTParams{NumTrees: 100, MaxDepth: 5, LearningRate: 0.1, MinLeaf: 2}
}

// TreeNode is one node of a regression tree. Exported fields keep the
// structure gob-serializable.
type TreeNode struct {
	Leaf      bool
	Value     float64
	Feature   int
	Threshold float64
	Left      *TreeNode
	Right     *TreeNode
}

// RegressionTree is a binary tree fit to least-squares residuals.
type RegressionTree struct {
	Root *TreeNode
}

func (t *RegressionTree) predict(x []float64) float64 {
	node := t.Root
	for !node.Leaf {
		if x[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node.Value
}

// GBRT is a gradient-boosted regression tree ensemble with a least-squares
// loss. It is the estimator serialized into model artifacts.
type GBRT struct {
	BasePrediction float64
	LearningRate   float64
	Trees          []*RegressionTree
	NumFeatures    int
	// Importances accumulates squared-error reduction per feature index,
	// normalized to sum to 1 after fitting.
	Importances []float64
}

// Predict returns the ensemble prediction for one feature vector.
func (g *GBRT) Predict(x []float64) float64 {
	pred := g.BasePrediction
	for _, tree := range g.Trees {
		pred += g.LearningRate * tree.predict(x)
	}
	return pred
}

// FitGBRT fits the ensemble on X/y. Rows of X must share a length and match
// len(y).
func FitGBRT(X [][]float64, y []float64, params GBRTParams) (*GBRT, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, errors.New("training matrix and labels must be non-empty and aligned")
	}
	numFeatures := len(X[0])

	var base float64
	for _, v := range y {
		base += v
	}
	base /= float64(len(y))

	g := &GBRT{
		BasePrediction: base,
		LearningRate:   params.LearningRate,
		NumFeatures:    numFeatures,
		Importances:    make([]float64, numFeatures),
	}

	preds := make([]float64, len(y))
	for i := range preds {
		preds[i] = base
	}
	residuals := make([]float64, len(y))
	idx := make([]int, len(y))
	for i := range idx {
		idx[i] = i
	}

	for t := 0; t < params.NumTrees; t++ {
		for i := range y {
			residuals[i] = y[i] - preds[i]
		}
		tree := &RegressionTree{
			Root: buildNode(X, residuals, idx, 0, params, g.Importances),
		}
		g.Trees = append(g.Trees, tree)
		for i := range preds {
			preds[i] += params.LearningRate * tree.predict(X[i])
		}
	}

	var total float64
	for _, imp := range g.Importances {
		total += imp
	}
	if total > 0 {
		for i := range g.Importances {
			g.Importances[i] /= total
		}
	}
	return g, nil
}

// buildNode grows one subtree on the subset idx, choosing the split with
// the largest squared-error reduction.
func buildNode(X [][]float64, y []float64, idx []int, depth int, params GBRTParams, importances []float64) *TreeNode {
	mean := subsetMean(y, idx)
	if depth >= params.MaxDepth || len(idx) < 2*params.MinLeaf {
		return &TreeNode{Leaf: true, Value: mean}
	}

	feature, threshold, gain, ok := bestSplit(X, y, idx, params.MinLeaf)
	if !ok {
		return &TreeNode{Leaf: true, Value: mean}
	}
	importances[feature] += gain

	var left, right []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &TreeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      buildNode(X, y, left, depth+1, params, importances),
		Right:     buildNode(X, y, right, depth+1, params, importances),
	}
}

// bestSplit scans every feature for the threshold minimizing the summed
// squared error of the two sides.
func bestSplit(X [][]float64, y []float64, idx []int, minLeaf int) (feature int, threshold, gain float64, ok bool) {
	parentSSE := subsetSSE(y, idx)
	bestGain := 0.0

	numFeatures := len(X[idx[0]])
	order := make([]int, len(idx))
	for f := 0; f < numFeatures; f++ {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool { return X[order[a]][f] < X[order[b]][f] })

		// Running sums over the sorted order allow O(n) threshold scans.
		var leftSum, leftSq float64
		var totalSum, totalSq float64
		for _, i := range order {
			totalSum += y[i]
			totalSq += y[i] * y[i]
		}
		n := len(order)
		for pos := 0; pos < n-1; pos++ {
			i := order[pos]
			leftSum += y[i]
			leftSq += y[i] * y[i]

			if X[order[pos]][f] == X[order[pos+1]][f] {
				continue
			}
			nl := pos + 1
			nr := n - nl
			if nl < minLeaf || nr < minLeaf {
				continue
			}
			rightSum := totalSum - leftSum
			rightSq := totalSq - leftSq
			sse := (leftSq - leftSum*leftSum/float64(nl)) +
				(rightSq - rightSum*rightSum/float64(nr))
			if g := parentSSE - sse; g > bestGain {
				bestGain = g
				feature = f
				threshold = (X[order[pos]][f] + X[order[pos+1]][f]) / 2
			}
		}
	}
	if bestGain <= 1e-12 {
		return 0, 0, 0, false
	}
	return feature, threshold, bestGain, true
}

func subsetMean(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var sum float64
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}

func subsetSSE(y []float64, idx []int) float64 {
	mean := subsetMean(y, idx)
	var sse float64
	for _, i := range idx {
		d := y[i] - mean
		sse += d * d
	}
	return sse
}

// clampFinite guards serialized predictions against NaN/Inf from degenerate
// fits.
func clampFinite(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
