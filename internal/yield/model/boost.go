package model

import (
	"fmt"
	"math/rand"
	"sort"
)

// Boosting hyperparameters. min_samples_leaf scales with the training
// set as max(3, n/20).
const (
	boostTrees     = 200
	boostDepth     = 4
	boostLearnRate = 0.1
	boostSubsample = 0.8
)

// treeNode is one node of a regression tree in flattened form, so the
// whole forest serializes with encoding/gob or JSON directly.
type treeNode struct {
	Feature   int     `json:"feature"` // -1 marks a leaf
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

type regressionTree struct {
	Nodes []treeNode `json:"nodes"`
}

// BoostModel is sub-model B: gradient-boosted regression trees over
// standardized features against the deviation target.
type BoostModel struct {
	Trees     []regressionTree `json:"trees"`
	Base      float64          `json:"base"` // initial prediction (mean deviation)
	LearnRate float64          `json:"learn_rate"`
	Scaler    standardizer     `json:"scaler"`
}

// FitBoost trains with squared-error gradients. The seed fixes the
// subsample draws so training is reproducible.
func FitBoost(samples []Sample, seed int64) (*BoostModel, error) {
	n := len(samples)
	if n < 5 {
		return nil, fmt.Errorf("boost fit needs at least 5 samples, have %d", n)
	}

	raw := make([][]float64, n)
	target := make([]float64, n)
	for i, s := range samples {
		raw[i] = s.Features
		target[i] = s.Deviation()
	}
	scaler := fitStandardizer(raw)
	x := make([][]float64, n)
	for i := range raw {
		x[i] = scaler.apply(raw[i])
	}

	var base float64
	for _, y := range target {
		base += y
	}
	base /= float64(n)

	minLeaf := n / 20
	if minLeaf < 3 {
		minLeaf = 3
	}

	m := &BoostModel{Base: base, LearnRate: boostLearnRate, Scaler: scaler}
	rng := rand.New(rand.NewSource(seed))
	pred := make([]float64, n)
	for i := range pred {
		pred[i] = base
	}

	residual := make([]float64, n)
	subsample := int(float64(n) * boostSubsample)
	if subsample < minLeaf {
		subsample = n
	}
	for t := 0; t < boostTrees; t++ {
		for i := range residual {
			residual[i] = target[i] - pred[i]
		}
		idx := rng.Perm(n)[:subsample]
		tree := fitTree(x, residual, idx, boostDepth, minLeaf)
		m.Trees = append(m.Trees, tree)
		for i := range pred {
			pred[i] += boostLearnRate * tree.predict(x[i])
		}
	}
	return m, nil
}

// PredictDeviation evaluates the forest on a raw (unstandardized) row.
func (m *BoostModel) PredictDeviation(features []float64) float64 {
	x := m.Scaler.apply(features)
	out := m.Base
	for _, tree := range m.Trees {
		out += m.LearnRate * tree.predict(x)
	}
	return out
}

func (t regressionTree) predict(x []float64) float64 {
	i := 0
	for {
		node := t.Nodes[i]
		if node.Feature < 0 {
			return node.Value
		}
		if x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

// fitTree grows a depth-limited SSE-minimizing tree over the index set.
func fitTree(x [][]float64, y []float64, idx []int, depth, minLeaf int) regressionTree {
	tree := regressionTree{}
	tree.grow(x, y, idx, depth, minLeaf)
	return tree
}

func (t *regressionTree) grow(x [][]float64, y []float64, idx []int, depth, minLeaf int) int {
	node := treeNode{Feature: -1, Value: mean(y, idx)}
	self := len(t.Nodes)
	t.Nodes = append(t.Nodes, node)

	if depth == 0 || len(idx) < 2*minLeaf {
		return self
	}

	feature, threshold, ok := bestSplit(x, y, idx, minLeaf)
	if !ok {
		return self
	}
	var left, right []int
	for _, i := range idx {
		if x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	t.Nodes[self].Feature = feature
	t.Nodes[self].Threshold = threshold
	t.Nodes[self].Left = t.grow(x, y, left, depth-1, minLeaf)
	t.Nodes[self].Right = t.grow(x, y, right, depth-1, minLeaf)
	return self
}

// bestSplit scans every feature's sorted values for the SSE-optimal
// cut respecting the leaf minimum.
func bestSplit(x [][]float64, y []float64, idx []int, minLeaf int) (int, float64, bool) {
	bestFeature, bestThreshold := -1, 0.0
	bestScore := sse(y, idx)
	dims := len(x[idx[0]])

	order := make([]int, len(idx))
	for f := 0; f < dims; f++ {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool { return x[order[a]][f] < x[order[b]][f] })

		var sumL, sumSqL float64
		sumR, sumSqR := sums(y, order)
		for k := 0; k < len(order)-1; k++ {
			v := y[order[k]]
			sumL += v
			sumSqL += v * v
			sumR -= v
			sumSqR -= v * v

			nl, nr := k+1, len(order)-k-1
			if nl < minLeaf || nr < minLeaf {
				continue
			}
			if x[order[k]][f] == x[order[k+1]][f] {
				continue
			}
			score := (sumSqL - sumL*sumL/float64(nl)) + (sumSqR - sumR*sumR/float64(nr))
			if score < bestScore-1e-12 {
				bestScore = score
				bestFeature = f
				bestThreshold = (x[order[k]][f] + x[order[k+1]][f]) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func mean(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var s float64
	for _, i := range idx {
		s += y[i]
	}
	return s / float64(len(idx))
}

func sse(y []float64, idx []int) float64 {
	m := mean(y, idx)
	var out float64
	for _, i := range idx {
		d := y[i] - m
		out += d * d
	}
	return out
}

func sums(y []float64, idx []int) (float64, float64) {
	var s, sq float64
	for _, i := range idx {
		s += y[i]
		sq += y[i] * y[i]
	}
	return s, sq
}
