// ------------------------------------------------------
// Linkmark - K-Nearest-Neighbor Graph
// Incremental similarity graph over string points
// ------------------------------------------------------

package knn

import (
	"container/heap"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// DistanceFunc measures the dissimilarity between two points
type DistanceFunc func(a, b string) int

// PointSpace assigns dense integer ids to points in insertion order
type PointSpace struct {
	ids    map[string]int
	points []string
}

// NewPointSpace returns an empty point space
func NewPointSpace() *PointSpace {
	return &PointSpace{ids: make(map[string]int)}
}

// Add registers a point and returns its id. Existing points keep their id
func (ps *PointSpace) Add(point string) int {
	if id, ok := ps.ids[point]; ok {
		return id
	}
	id := len(ps.points)
	ps.ids[point] = id
	ps.points = append(ps.points, point)
	return id
}

// ID returns the id assigned to point
func (ps *PointSpace) ID(point string) (int, bool) {
	id, ok := ps.ids[point]
	return id, ok
}

// Point returns the point with the given id
func (ps *PointSpace) Point(id int) (string, bool) {
	if id < 0 || id >= len(ps.points) {
		return "", false
	}
	return ps.points[id], true
}

// Len returns the number of points
func (ps *PointSpace) Len() int {
	return len(ps.points)
}

// Points returns all points in insertion order
func (ps *PointSpace) Points() []string {
	out := make([]string, len(ps.points))
	copy(out, ps.points)
	return out
}

// Neighbor is a point at a known distance from a reference point
type Neighbor struct {
	Point    string
	Distance int
}

// neighborHeap orders neighbors farthest-first so the worst stored
// neighbor sits at the root and is cheap to evict
type neighborHeap []Neighbor

func (h neighborHeap) Len() int           { return len(h) }
func (h neighborHeap) Less(i, j int) bool { return h[i].Distance > h[j].Distance }
func (h neighborHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *neighborHeap) Push(x any) {
	*h = append(*h, x.(Neighbor))
}

func (h *neighborHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Neighborhood tracks the k nearest observed points to a reference point
type Neighborhood struct {
	point string
	k     int
	near  neighborHeap
}

func newNeighborhood(point string, k int) *Neighborhood {
	return &Neighborhood{point: point, k: k}
}

// Point returns the reference point
func (n *Neighborhood) Point() string { return n.point }

// Update offers a candidate neighbor. Once the neighborhood is full the
// farthest stored neighbor is replaced only by a strictly nearer one
func (n *Neighborhood) Update(point string, distance int) {
	if len(n.near) < n.k {
		heap.Push(&n.near, Neighbor{Point: point, Distance: distance})
		return
	}
	if distance >= n.near[0].Distance {
		return
	}
	n.near[0] = Neighbor{Point: point, Distance: distance}
	heap.Fix(&n.near, 0)
}

// Neighbors returns the stored neighbors sorted nearest-first
func (n *Neighborhood) Neighbors() []Neighbor {
	out := make([]Neighbor, len(n.near))
	copy(out, n.near)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Point < out[j].Point
	})
	return out
}

// Graph is an incrementally built k-nearest-neighbor graph: every added
// point keeps a bounded neighborhood, and every existing neighborhood
// is offered the new point
type Graph struct {
	space *PointSpace
	hoods []*Neighborhood
	dist  DistanceFunc
	k     int
}

// New returns an empty graph using dist with neighborhoods of size k
func New(dist DistanceFunc, k int) *Graph {
	return &Graph{space: NewPointSpace(), dist: dist, k: k}
}

// Add inserts a point into the graph. Re-adding is a no-op; the return
// value reports whether the point was new
func (g *Graph) Add(point string) bool {
	if _, ok := g.space.ID(point); ok {
		return false
	}

	g.space.Add(point)
	nb := newNeighborhood(point, g.k)
	for _, other := range g.hoods {
		// Distance is symmetric, compute once per pair
		d := g.dist(other.point, point)
		other.Update(point, d)
		nb.Update(other.point, d)
	}
	g.hoods = append(g.hoods, nb)
	return true
}

// Has reports whether point is in the graph
func (g *Graph) Has(point string) bool {
	_, ok := g.space.ID(point)
	return ok
}

// ID returns the dense id assigned to point
func (g *Graph) ID(point string) (int, bool) { return g.space.ID(point) }

// Point returns the point with the given id
func (g *Graph) Point(id int) (string, bool) { return g.space.Point(id) }

// Len returns the number of points in the graph
func (g *Graph) Len() int { return g.space.Len() }

// Points returns every point in insertion order
func (g *Graph) Points() []string { return g.space.Points() }

// Neighborhood returns the neighborhood of point, or nil if absent
func (g *Graph) Neighborhood(point string) *Neighborhood {
	if id, ok := g.space.ID(point); ok {
		return g.hoods[id]
	}
	return nil
}

// Kernel builds the n×n gaussian similarity kernel over the graph:
// K[i][j] = exp(-d(i,j)²/2σ²) for each stored neighbor j of i, zero
// elsewhere. Returns nil for an empty graph
func (g *Graph) Kernel(sigma float64) *mat.Dense {
	n := g.space.Len()
	if n == 0 {
		return nil
	}

	kernel := mat.NewDense(n, n, nil)
	denom := 2 * sigma * sigma
	for i, nb := range g.hoods {
		for _, ng := range nb.near {
			j, _ := g.space.ID(ng.Point)
			d := float64(ng.Distance)
			kernel.Set(i, j, math.Exp(-d*d/denom))
		}
	}
	return kernel
}

// Rebuild resets the graph and inserts the given points in order
func (g *Graph) Rebuild(points []string) {
	g.space = NewPointSpace()
	g.hoods = g.hoods[:0]
	for _, p := range points {
		g.Add(p)
	}
}
