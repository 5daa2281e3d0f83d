// Package geometry owns the process-wide, read-only anchor layout:
// ground-truth positions, per-anchor local->global rotations, and the
// precomputed rigid anchor-anchor edge set. It is the one piece of
// mutable-in-the-original-source state the redesign notes call out by
// name (spec.md §9): here it is a single value built once at startup
// and passed explicitly, never a package-level global.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"uwbpgo/model"
)

// AnchorSpec is one anchor's ground-truth pose, in the units the
// config layer loads (centimeters, degrees).
type AnchorSpec struct {
	ID       model.AnchorID
	Position model.Vec3
	YawDeg   float64
	TiltDeg  float64
}

// Config is the full four-anchor layout consumed at startup.
type Config struct {
	Anchors []AnchorSpec
}

// Geometry is the immutable anchor layout: ground-truth positions,
// local->global rotations, and the full ordered anchor-anchor edge
// set. Safe for concurrent reads from any number of goroutines with
// no locking, since nothing ever mutates it after New returns.
type Geometry struct {
	positions map[model.AnchorID]model.Vec3
	rotations map[model.AnchorID]*mat.Dense
	ids       []model.AnchorID
	edges     []model.Edge
}

// New builds a Geometry from cfg. It fails fatally (per spec.md §4.1,
// §7 BadAnchorGeometry) on an empty anchor list, a duplicate anchor id,
// a non-finite position, a degenerate rotation, or a collinear anchor
// layout — none of these are recoverable at runtime, so the caller
// should treat a non-nil error as fatal. It does not check that any
// particular set of anchor ids is present: any set of distinct ids
// that passes these checks is accepted.
func New(cfg Config) (*Geometry, error) {
	if len(cfg.Anchors) == 0 {
		return nil, fmt.Errorf("geometry: no anchors configured")
	}

	g := &Geometry{
		positions: make(map[model.AnchorID]model.Vec3, len(cfg.Anchors)),
		rotations: make(map[model.AnchorID]*mat.Dense, len(cfg.Anchors)),
	}

	seen := make(map[model.AnchorID]bool, len(cfg.Anchors))
	for _, a := range cfg.Anchors {
		if seen[a.ID] {
			return nil, fmt.Errorf("geometry: duplicate anchor id %d", a.ID)
		}
		seen[a.ID] = true

		if !a.Position.Finite() {
			return nil, fmt.Errorf("geometry: anchor %d has non-finite position", a.ID)
		}

		r := rotationMatrix(a.YawDeg, a.TiltDeg)
		if !orthonormal(r) {
			return nil, fmt.Errorf("geometry: anchor %d rotation is not orthonormal", a.ID)
		}

		g.positions[a.ID] = a.Position
		g.rotations[a.ID] = r
		g.ids = append(g.ids, a.ID)
	}

	if err := checkNonDegenerate(g.positions); err != nil {
		return nil, fmt.Errorf("geometry: %w", err)
	}

	g.edges = buildAnchorEdges(g.ids, g.positions)
	return g, nil
}

// rotationMatrix computes R = Rz(yaw) * Ry(tilt). Ry(+tilt)
// corresponds to the physical downward tilt of the sensor; the sign
// is a calibration decision exposed via TiltDeg rather than hardcoded
// (spec.md §9 Open Question).
func rotationMatrix(yawDeg, tiltDeg float64) *mat.Dense {
	yaw := yawDeg * math.Pi / 180.0
	tilt := tiltDeg * math.Pi / 180.0

	cz, sz := math.Cos(yaw), math.Sin(yaw)
	rz := mat.NewDense(3, 3, []float64{
		cz, -sz, 0,
		sz, cz, 0,
		0, 0, 1,
	})

	cy, sy := math.Cos(tilt), math.Sin(tilt)
	ry := mat.NewDense(3, 3, []float64{
		cy, 0, sy,
		0, 1, 0,
		-sy, 0, cy,
	})

	var r mat.Dense
	r.Mul(rz, ry)
	return &r
}

func orthonormal(r *mat.Dense) bool {
	var rt, prod mat.Dense
	rt.CloneFrom(r.T())
	prod.Mul(r, &rt)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(prod.At(i, j)-want) > 1e-6 {
				return false
			}
		}
	}
	return true
}

// checkNonDegenerate rejects anchor layouts where all positions are
// collinear (or there are fewer than 3 distinct points), since such a
// layout cannot constrain a 3D pose graph.
func checkNonDegenerate(positions map[model.AnchorID]model.Vec3) error {
	pts := make([]model.Vec3, 0, len(positions))
	for _, p := range positions {
		pts = append(pts, p)
	}
	if len(pts) < 3 {
		return fmt.Errorf("fewer than 3 anchor positions")
	}
	p0 := pts[0]
	var maxArea float64
	for i := 1; i < len(pts)-1; i++ {
		for j := i + 1; j < len(pts); j++ {
			a := pts[i].Sub(p0)
			b := pts[j].Sub(p0)
			cross := model.Vec3{
				X: a.Y*b.Z - a.Z*b.Y,
				Y: a.Z*b.X - a.X*b.Z,
				Z: a.X*b.Y - a.Y*b.X,
			}
			if n := cross.Norm(); n > maxArea {
				maxArea = n
			}
		}
	}
	if maxArea < 1e-6 {
		return fmt.Errorf("anchor positions are collinear")
	}
	return nil
}

func buildAnchorEdges(ids []model.AnchorID, positions map[model.AnchorID]model.Vec3) []model.Edge {
	edges := make([]model.Edge, 0, len(ids)*(len(ids)-1))
	for _, i := range ids {
		for _, j := range ids {
			if i == j {
				continue
			}
			edges = append(edges, model.Edge{
				From:   model.AnchorNode(i),
				To:     model.AnchorNode(j),
				Vector: positions[j].Sub(positions[i]),
			})
		}
	}
	return edges
}

// Position returns the ground-truth position for id.
func (g *Geometry) Position(id model.AnchorID) (model.Vec3, bool) {
	p, ok := g.positions[id]
	return p, ok
}

// Rotation returns the local->global rotation matrix for id.
func (g *Geometry) Rotation(id model.AnchorID) (*mat.Dense, bool) {
	r, ok := g.rotations[id]
	return r, ok
}

// AnchorIDs returns the configured anchor ids in a stable order.
func (g *Geometry) AnchorIDs() []model.AnchorID {
	out := make([]model.AnchorID, len(g.ids))
	copy(out, g.ids)
	return out
}

// AnchorEdges returns the full ordered anchor-anchor edge set: for
// every ordered pair (i,j) the global-frame vector
// positions[j]-positions[i]. Contains both (i,j) and (j,i), excludes
// i==j.
func (g *Geometry) AnchorEdges() []model.Edge {
	out := make([]model.Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// RotateLocal applies the anchor's local->global rotation to v.
func (g *Geometry) RotateLocal(id model.AnchorID, v model.Vec3) (model.Vec3, bool) {
	r, ok := g.rotations[id]
	if !ok {
		return model.Vec3{}, false
	}
	in := mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
	var out mat.VecDense
	out.MulVec(r, in)
	return model.Vec3{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}, true
}
