// Package region provides the logical-region data model the execution
// pipeline analyzes: index spaces and partitions, field spaces and masks,
// region requirements and their conflict rules, and the shared forest of
// region trees.
package region

import "fmt"

// MaxDim is the highest index-space dimensionality supported. The dimension
// is a runtime field; there is no per-dimension code expansion.
const MaxDim = 3

// Point is a point in an index space. Coordinates beyond Dim are zero.
type Point struct {
	Dim    int
	Coords [MaxDim]int64
}

// Pt1 builds a 1-D point.
func Pt1(x int64) Point {
	return Point{Dim: 1, Coords: [MaxDim]int64{x}}
}

// Pt2 builds a 2-D point.
func Pt2(x, y int64) Point {
	return Point{Dim: 2, Coords: [MaxDim]int64{x, y}}
}

// Linearize flattens the point into a single index within the bounding
// domain, used for deterministic sharding and future-map keys.
func (p Point) Linearize(bounds Domain) int64 {
	idx := int64(0)

	for d := range p.Dim {
		extent := bounds.Hi.Coords[d] - bounds.Lo.Coords[d] + 1
		if extent < 1 {
			extent = 1
		}

		idx = idx*extent + (p.Coords[d] - bounds.Lo.Coords[d])
	}

	return idx
}

// String renders the point for logs.
func (p Point) String() string {
	switch p.Dim {
	case 1:
		return fmt.Sprintf("<%d>", p.Coords[0])
	case 2:
		return fmt.Sprintf("<%d,%d>", p.Coords[0], p.Coords[1])
	default:
		return fmt.Sprintf("<%d,%d,%d>", p.Coords[0], p.Coords[1], p.Coords[2])
	}
}

// Domain is a dense rectangle of points.
type Domain struct {
	Lo Point
	Hi Point
}

// DomainFromRange builds the 1-D domain [lo, hi].
func DomainFromRange(lo, hi int64) Domain {
	return Domain{Lo: Pt1(lo), Hi: Pt1(hi)}
}

// Dim returns the domain's dimensionality.
func (d Domain) Dim() int {
	return d.Lo.Dim
}

// Volume returns the number of points, zero for an empty domain.
func (d Domain) Volume() int64 {
	if d.Lo.Dim == 0 {
		return 0
	}

	vol := int64(1)

	for i := range d.Lo.Dim {
		extent := d.Hi.Coords[i] - d.Lo.Coords[i] + 1
		if extent <= 0 {
			return 0
		}

		vol *= extent
	}

	return vol
}

// Empty reports whether the domain holds no points.
func (d Domain) Empty() bool {
	return d.Volume() == 0
}

// Contains reports whether p falls inside the domain.
func (d Domain) Contains(p Point) bool {
	if p.Dim != d.Lo.Dim {
		return false
	}

	for i := range p.Dim {
		if p.Coords[i] < d.Lo.Coords[i] || p.Coords[i] > d.Hi.Coords[i] {
			return false
		}
	}

	return true
}

// Overlaps reports whether the two rectangles intersect.
func (d Domain) Overlaps(other Domain) bool {
	if d.Empty() || other.Empty() || d.Lo.Dim != other.Lo.Dim {
		return false
	}

	for i := range d.Lo.Dim {
		if d.Hi.Coords[i] < other.Lo.Coords[i] || other.Hi.Coords[i] < d.Lo.Coords[i] {
			return false
		}
	}

	return true
}

// Points iterates the domain in row-major order.
func (d Domain) Points(visit func(Point) bool) {
	if d.Empty() {
		return
	}

	p := d.Lo
	for {
		if !visit(p) {
			return
		}

		dim := d.Lo.Dim - 1
		for dim >= 0 {
			p.Coords[dim]++
			if p.Coords[dim] <= d.Hi.Coords[dim] {
				break
			}

			p.Coords[dim] = d.Lo.Coords[dim]
			dim--
		}

		if dim < 0 {
			return
		}
	}
}
