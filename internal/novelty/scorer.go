// Package novelty scores gesture-derived contributions for novelty via
// unsupervised clustering. Contributions far from every learned
// cluster are novel enough to crystallize into memories.
package novelty

import (
	"fmt"
	"math"
	"sync"

	"github.com/cdipaolo/goml/cluster"
)

const (
	// Feature vector: x, y, intensity.
	featureCount = 3
	maxObs       = 1000
	retrainMin   = 10
)

// Scorer detects novel contribution patterns via clustering drift.
type Scorer struct {
	model *cluster.KMeans

	// Observations for periodic retraining.
	observations [][]float64

	threshold float64

	mu sync.Mutex
}

// NewScorer creates a scorer with the given cluster count. Threshold
// is the score above which a contribution counts as novel.
func NewScorer(clusters int, threshold float64) *Scorer {
	if clusters < 1 {
		clusters = 1
	}
	// Seed with dummy rows so the model predicts before first retrain.
	dummy := make([][]float64, clusters)
	for i := range dummy {
		dummy[i] = make([]float64, featureCount)
	}
	return &Scorer{
		model:        cluster.NewKMeans(clusters, 10, dummy),
		observations: make([][]float64, 0, maxObs),
		threshold:    threshold,
	}
}

// Score maps the distance from the nearest cluster centroid through a
// sigmoid into [0,1]. Higher means more novel.
func (s *Scorer) Score(x, y, intensity float64) (float64, error) {
	features := []float64{x, y, intensity}
	for _, f := range features {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("non-finite feature %v", f)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.observations) < maxObs {
		s.observations = append(s.observations, features)
	}

	centroid, err := s.model.Predict(features)
	if err != nil {
		return 0, fmt.Errorf("predict: %w", err)
	}

	dist := euclidean(features, centroid)
	score := 1.0 - (1.0 / (1.0 + math.Exp(dist-2.0)))
	return score, nil
}

// IsNovel scores and compares against the threshold. Scoring errors
// degrade to a neutral verdict rather than blocking the caller.
func (s *Scorer) IsNovel(x, y, intensity float64) bool {
	score, err := s.Score(x, y, intensity)
	if err != nil {
		return false
	}
	return score >= s.threshold
}

// Retrain relearns clusters from the accumulated observations.
func (s *Scorer) Retrain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.observations) < retrainMin {
		return nil
	}
	if err := s.model.UpdateTrainingSet(s.observations); err != nil {
		return fmt.Errorf("update training set: %w", err)
	}
	if err := s.model.Learn(); err != nil {
		return fmt.Errorf("learn: %w", err)
	}
	return nil
}

// ObservationCount reports how many samples have accumulated.
func (s *Scorer) ObservationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observations)
}

func euclidean(a, b []float64) float64 {
	limit := len(a)
	if len(b) < limit {
		limit = len(b)
	}
	sum := 0.0
	for i := 0; i < limit; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
