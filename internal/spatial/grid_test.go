package spatial

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(points []Point) []string {
	out := make([]string, len(points))
	for i, p := range points {
		out[i] = p.ID
	}
	sort.Strings(out)
	return out
}

func TestQueryReturnsOnlyNearbyPoints(t *testing.T) {
	idx := NewIndex(10)
	idx.Insert(Point{X: 0, Y: 0, Weight: 1, ID: "near"})
	idx.Insert(Point{X: 100, Y: 100, Weight: 1, ID: "far"})

	got := idx.QueryRadius(1, 1, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].ID)
}

func TestRadiusZeroMatchesOnlyCoincident(t *testing.T) {
	idx := NewIndex(10)
	idx.Insert(Point{X: 5, Y: 5, ID: "exact"})
	idx.Insert(Point{X: 5.0001, Y: 5, ID: "close"})

	assert.Equal(t, []string{"exact"}, ids(idx.QueryRadius(5, 5, 0)))
	assert.Empty(t, idx.QueryRadius(4, 4, 0))
}

func TestBoundaryPointsCountedOnce(t *testing.T) {
	idx := NewIndex(10)
	// Exactly on the cell boundary between cell 0 and cell 1.
	idx.Insert(Point{X: 10, Y: 10, ID: "edge"})
	require.Equal(t, 1, idx.Len())

	got := idx.QueryRadius(10, 10, 15)
	assert.Len(t, got, 1, "boundary point must appear exactly once")
}

func TestExactnessAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	idx := NewIndex(10)
	points := make([]Point, 0, 300)
	for i := 0; i < 300; i++ {
		p := Point{
			X:      rng.Float64() * 100,
			Y:      rng.Float64() * 100,
			Weight: rng.Float64(),
			ID:     string(rune('a'+i%26)) + string(rune('0'+i/26)),
		}
		points = append(points, p)
		idx.Insert(p)
	}

	queries := []struct{ x, y, r float64 }{
		{50, 50, 12}, {0, 0, 30}, {99, 1, 5}, {50, 50, 0.5}, {-20, -20, 35},
	}
	for _, q := range queries {
		var want []Point
		for _, p := range points {
			if math.Hypot(p.X-q.x, p.Y-q.y) <= q.r {
				want = append(want, p)
			}
		}
		got := idx.QueryRadius(q.x, q.y, q.r)
		assert.Equal(t, ids(want), ids(got), "query (%v,%v,r=%v)", q.x, q.y, q.r)
	}
}

func TestNegativeCoordinates(t *testing.T) {
	idx := NewIndex(10)
	idx.Insert(Point{X: -15, Y: -15, ID: "neg"})
	idx.Insert(Point{X: -0.5, Y: -0.5, ID: "near-origin"})

	got := idx.QueryRadius(-14, -14, 2)
	require.Len(t, got, 1)
	assert.Equal(t, "neg", got[0].ID)
}

func TestNonFinitePointsDropped(t *testing.T) {
	idx := NewIndex(10)
	idx.Insert(Point{X: math.NaN(), Y: 0, ID: "nan"})
	idx.Insert(Point{X: math.Inf(1), Y: 0, ID: "inf"})
	idx.Insert(Point{X: 1, Y: 1, Weight: math.NaN(), ID: "nan-weight"})
	idx.Insert(Point{X: 1, Y: 1, Weight: 1, ID: "ok"})

	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, []string{"ok"}, ids(idx.QueryRadius(0, 0, 5)))
}

func TestQueryWithBadArgumentsReturnsNil(t *testing.T) {
	idx := NewIndex(10)
	idx.Insert(Point{X: 1, Y: 1, ID: "p"})

	assert.Nil(t, idx.QueryRadius(0, 0, -1))
	assert.Nil(t, idx.QueryRadius(math.NaN(), 0, 5))
	assert.Nil(t, idx.QueryRadius(0, 0, math.Inf(1)))
}
