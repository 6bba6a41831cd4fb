// Package spatial buckets weighted points into a uniform grid so the
// field engine can answer radius queries without scanning every point.
// An index is rebuilt once per field computation and owned by the
// caller; it is not safe for concurrent use.
package spatial

import (
	"math"
)

// Point is one weighted contribution sample.
type Point struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Weight float64 `json:"weight"`
	ID     string  `json:"id"`
}

type cellKey struct {
	cx, cy int
}

// Index partitions the plane into fixed-size square cells.
type Index struct {
	cellSize float64
	cells    map[cellKey][]Point
	count    int
}

// NewIndex creates an empty index. Cell size should be on the order of
// the largest query radius so a query touches a small constant number
// of cells.
func NewIndex(cellSize float64) *Index {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &Index{
		cellSize: cellSize,
		cells:    make(map[cellKey][]Point),
	}
}

// cellFor assigns by floor division, so boundary points land in
// exactly one cell.
func (idx *Index) cellFor(x, y float64) cellKey {
	return cellKey{
		cx: int(math.Floor(x / idx.cellSize)),
		cy: int(math.Floor(y / idx.cellSize)),
	}
}

// Insert adds a point. Non-finite coordinates or weights are dropped;
// they cannot be bucketed and would poison every query they reach.
func (idx *Index) Insert(p Point) {
	if !finite(p.X) || !finite(p.Y) || !finite(p.Weight) {
		return
	}
	key := idx.cellFor(p.X, p.Y)
	idx.cells[key] = append(idx.cells[key], p)
	idx.count++
}

// InsertAll adds every point in the slice.
func (idx *Index) InsertAll(points []Point) {
	for _, p := range points {
		idx.Insert(p)
	}
}

// QueryRadius returns exactly the points within Euclidean distance r
// of (x, y). Candidate cells are filtered by true distance, so there
// are no false positives; radius 0 matches only coincident points.
func (idx *Index) QueryRadius(x, y, r float64) []Point {
	if r < 0 || !finite(x) || !finite(y) || !finite(r) || idx.count == 0 {
		return nil
	}

	span := int(math.Ceil(r / idx.cellSize))
	center := idx.cellFor(x, y)
	r2 := r * r

	var result []Point
	for cx := center.cx - span; cx <= center.cx+span; cx++ {
		for cy := center.cy - span; cy <= center.cy+span; cy++ {
			for _, p := range idx.cells[cellKey{cx, cy}] {
				dx := p.X - x
				dy := p.Y - y
				if dx*dx+dy*dy <= r2 {
					result = append(result, p)
				}
			}
		}
	}
	return result
}

// Len returns the number of indexed points.
func (idx *Index) Len() int { return idx.count }

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
