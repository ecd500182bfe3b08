package model

import (
	"fmt"
)

// LinearModel is sub-model A: least squares over the interpretable
// features against the deviation target.
type LinearModel struct {
	Coefficients []float64 `json:"coefficients"` // FeatureNames order
	Intercept    float64   `json:"intercept"`
}

// FitLinear solves the normal equations with ridge damping on the
// diagonal so near-collinear features stay solvable.
func FitLinear(samples []Sample) (*LinearModel, error) {
	if len(samples) < len(FeatureNames)+1 {
		return nil, fmt.Errorf("linear fit needs at least %d samples, have %d", len(FeatureNames)+1, len(samples))
	}
	dims := len(FeatureNames) + 1 // leading intercept column

	// X'X and X'y.
	xtx := make([][]float64, dims)
	for i := range xtx {
		xtx[i] = make([]float64, dims)
	}
	xty := make([]float64, dims)
	for _, s := range samples {
		x := append([]float64{1}, s.Features...)
		y := s.Deviation()
		for i := 0; i < dims; i++ {
			for j := 0; j < dims; j++ {
				xtx[i][j] += x[i] * x[j]
			}
			xty[i] += x[i] * y
		}
	}
	const ridge = 1e-6
	for i := 1; i < dims; i++ {
		xtx[i][i] += ridge
	}

	beta, err := solve(xtx, xty)
	if err != nil {
		return nil, fmt.Errorf("linear fit: %w", err)
	}
	return &LinearModel{Intercept: beta[0], Coefficients: beta[1:]}, nil
}

// PredictDeviation evaluates the fitted line.
func (m *LinearModel) PredictDeviation(features []float64) float64 {
	out := m.Intercept
	for i, c := range m.Coefficients {
		if i < len(features) {
			out += c * features[i]
		}
	}
	return out
}

// solve runs Gaussian elimination with partial pivoting.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	m := make([][]float64, n)
	for i := range m {
		m[i] = append(append([]float64(nil), a[i]...), b[i])
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if abs(m[r][col]) > abs(m[pivot][col]) {
				pivot = r
			}
		}
		if abs(m[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		m[col], m[pivot] = m[pivot], m[col]

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := m[r][col] / m[col][col]
			for c := col; c <= n; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = m[i][n] / m[i][i]
	}
	return out, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
