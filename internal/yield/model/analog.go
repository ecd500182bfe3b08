package model

import (
	"fmt"
	"math"
	"sort"
)

// analogNeighbors is how many similar years a prediction averages.
const analogNeighbors = 5

// AnalogModel is sub-model C: nearest historical years in z-scored
// feature space, weighted by inverse distance.
type AnalogModel struct {
	Features   [][]float64  `json:"features"` // raw training matrix
	Years      []int        `json:"years"`
	Deviations []float64    `json:"deviations"`
	Scaler     standardizer `json:"scaler"`
}

// FitAnalog stores the training distribution; all work happens at
// prediction time.
func FitAnalog(samples []Sample) (*AnalogModel, error) {
	if len(samples) < analogNeighbors+1 {
		return nil, fmt.Errorf("analog fit needs at least %d samples, have %d", analogNeighbors+1, len(samples))
	}
	m := &AnalogModel{}
	raw := make([][]float64, len(samples))
	for i, s := range samples {
		raw[i] = s.Features
		m.Features = append(m.Features, append([]float64(nil), s.Features...))
		m.Years = append(m.Years, s.Year)
		m.Deviations = append(m.Deviations, s.Deviation())
	}
	m.Scaler = fitStandardizer(raw)
	return m, nil
}

// PredictDeviation finds the nearest stored rows from other years and
// returns their inverse-distance-weighted deviation.
func (m *AnalogModel) PredictDeviation(features []float64, currentYear int) float64 {
	q := m.Scaler.apply(features)

	type neighbor struct {
		dist float64
		dev  float64
		year int
	}
	var neighbors []neighbor
	for i, row := range m.Features {
		if m.Years[i] == currentYear {
			continue
		}
		z := m.Scaler.apply(row)
		var d float64
		for j := range q {
			diff := q[j] - z[j]
			d += diff * diff
		}
		neighbors = append(neighbors, neighbor{dist: math.Sqrt(d), dev: m.Deviations[i], year: m.Years[i]})
	}
	if len(neighbors) == 0 {
		return 0
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].dist < neighbors[j].dist })
	if len(neighbors) > analogNeighbors {
		neighbors = neighbors[:analogNeighbors]
	}

	const eps = 1e-6
	var wsum, dsum float64
	for _, nb := range neighbors {
		w := 1 / (nb.dist + eps)
		wsum += w
		dsum += w * nb.dev
	}
	return dsum / wsum
}

// AnalogYears lists the matched years for a prediction, nearest first.
func (m *AnalogModel) AnalogYears(features []float64, currentYear int) []int {
	q := m.Scaler.apply(features)
	type neighbor struct {
		dist float64
		year int
	}
	var neighbors []neighbor
	for i, row := range m.Features {
		if m.Years[i] == currentYear {
			continue
		}
		z := m.Scaler.apply(row)
		var d float64
		for j := range q {
			diff := q[j] - z[j]
			d += diff * diff
		}
		neighbors = append(neighbors, neighbor{dist: math.Sqrt(d), year: m.Years[i]})
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].dist < neighbors[j].dist })

	seen := map[int]bool{}
	var years []int
	for _, nb := range neighbors {
		if seen[nb.year] {
			continue
		}
		seen[nb.year] = true
		years = append(years, nb.year)
		if len(years) == analogNeighbors {
			break
		}
	}
	return years
}
