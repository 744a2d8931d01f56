package strokes

import "github.com/starford/speedynote/internal/models"

// Simplify drops samples that deviate less than tol from the polyline
// through their neighbours (Ramer-Douglas-Peucker). The first and last
// samples are always kept. A non-positive tol returns a copy of pts.
func Simplify(pts []models.Point, tol float64) []models.Point {
	if tol <= 0 || len(pts) < 3 {
		return append([]models.Point(nil), pts...)
	}
	keep := make([]bool, len(pts))
	keep[0], keep[len(pts)-1] = true, true

	type span struct{ lo, hi int }
	stack := []span{{0, len(pts) - 1}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		a, b := pts[s.lo].Pos(), pts[s.hi].Pos()
		far, dist := -1, tol
		for i := s.lo + 1; i < s.hi; i++ {
			if d := models.DistToSegment(pts[i].Pos(), a, b); d > dist {
				far, dist = i, d
			}
		}
		if far < 0 {
			continue
		}
		keep[far] = true
		stack = append(stack, span{s.lo, far}, span{far, s.hi})
	}

	out := make([]models.Point, 0, len(pts))
	for i, p := range pts {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}
