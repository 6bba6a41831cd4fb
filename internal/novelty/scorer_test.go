package novelty_test

import (
	"math"
	"testing"

	"github.com/AceTheDactyl/Community-Consciousness-sub000/internal/novelty"
	"github.com/stretchr/testify/assert"
)

func TestScoreRanksNovelAboveKnown(t *testing.T) {
	scorer := novelty.NewScorer(2, 0.6)

	// Establish a "normal" region near the origin.
	for i := 0; i < 50; i++ {
		_, _ = scorer.Score(0.1, 0.1, 0.1)
	}
	err := scorer.Retrain()
	assert.NoError(t, err)

	scoreKnown, err := scorer.Score(0.15, 0.15, 0.15)
	assert.NoError(t, err)

	scoreNovel, err := scorer.Score(10.0, 10.0, 10.0)
	assert.NoError(t, err)

	assert.Greater(t, scoreNovel, scoreKnown,
		"pattern far from learned clusters should score higher")
}

func TestIsNovelThreshold(t *testing.T) {
	scorer := novelty.NewScorer(2, 0.6)

	for i := 0; i < 50; i++ {
		_, _ = scorer.Score(0.1, 0.1, 0.1)
	}
	if err := scorer.Retrain(); err != nil {
		t.Fatalf("retrain: %v", err)
	}

	if scorer.IsNovel(0.12, 0.1, 0.1) {
		t.Error("pattern inside the learned cluster should not be novel")
	}
	if !scorer.IsNovel(90.0, 90.0, 1.0) {
		t.Error("pattern far outside the learned cluster should be novel")
	}
}

func TestScoreRejectsNonFiniteFeatures(t *testing.T) {
	scorer := novelty.NewScorer(2, 0.6)

	_, err := scorer.Score(math.NaN(), 0.5, 0.5)
	assert.Error(t, err)

	_, err = scorer.Score(0.5, math.Inf(1), 0.5)
	assert.Error(t, err)

	// Degraded mode: errors never report novelty.
	assert.False(t, scorer.IsNovel(math.NaN(), 0.5, 0.5))
}

func TestRetrainNeedsEnoughObservations(t *testing.T) {
	scorer := novelty.NewScorer(2, 0.6)

	_, _ = scorer.Score(0.1, 0.2, 0.3)
	assert.NoError(t, scorer.Retrain(), "sparse data should be a no-op, not an error")
	assert.Equal(t, 1, scorer.ObservationCount())
}
