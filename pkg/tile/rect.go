package tile

// Coord addresses one tile in the grid.
type Coord struct {
	X, Y int32
}

// Rect is an axis-aligned rectangle in pixels.
type Rect struct {
	X, Y, W, H int32
}

func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Union returns the bounding rectangle covering both r and o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x0 := min(r.X, o.X)
	y0 := min(r.Y, o.Y)
	x1 := max(r.X+r.W, o.X+o.W)
	y1 := max(r.Y+r.H, o.Y+o.H)
	return Rect{x0, y0, x1 - x0, y1 - y0}
}

// Intersect returns the overlap of r and o; the result is empty when they
// are disjoint.
func (r Rect) Intersect(o Rect) Rect {
	x0 := max(r.X, o.X)
	y0 := max(r.Y, o.Y)
	x1 := min(r.X+r.W, o.X+o.W)
	y1 := min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{x0, y0, x1 - x0, y1 - y0}
}
