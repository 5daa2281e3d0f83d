package pgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uwbpgo/geometry"
	"uwbpgo/model"
)

func squareGeometry(t *testing.T) *geometry.Geometry {
	t.Helper()
	g, err := geometry.New(geometry.Config{Anchors: []geometry.AnchorSpec{
		{ID: 0, Position: model.Vec3{X: 0, Y: 0, Z: 0}},
		{ID: 1, Position: model.Vec3{X: 500, Y: 0, Z: 0}},
		{ID: 2, Position: model.Vec3{X: 500, Y: 500, Z: 0}},
		{ID: 3, Position: model.Vec3{X: 0, Y: 500, Z: 0}},
	}})
	require.NoError(t, err)
	return g
}

func TestGaugeFixPinsAnchorsToGroundTruth(t *testing.T) {
	g := squareGeometry(t)

	// Solver output rotated 90deg about origin and shifted, simulating
	// residual gauge freedom left by the optimizer.
	result := Result{Positions: map[model.Node]model.Vec3{
		model.AnchorNode(0): {X: 1000, Y: 1000, Z: 0},
		model.AnchorNode(1): {X: 1000, Y: 1500, Z: 0},
		model.AnchorNode(2): {X: 500, Y: 1500, Z: 0},
		model.AnchorNode(3): {X: 500, Y: 1000, Z: 0},
		model.TagNode(1):    {X: 800, Y: 1200, Z: 0},
	}}

	fixed := GaugeFix(result, g)

	for id := model.AnchorID(0); id < 4; id++ {
		truth, _ := g.Position(id)
		got := fixed.Positions[model.AnchorNode(id)]
		assert.InDelta(t, truth.X, got.X, 1e-6)
		assert.InDelta(t, truth.Y, got.Y, 1e-6)
		assert.InDelta(t, truth.Z, got.Z, 1e-6)
	}
}

func TestGaugeFixPreservesTagGeometryRelativeToAnchors(t *testing.T) {
	g := squareGeometry(t)

	// Tag sits at the centroid-ish point (250,300,0) in ground truth.
	// Construct a solver result that is the true layout rotated 90deg
	// about the origin and translated.
	rotate90 := func(v model.Vec3) model.Vec3 {
		return model.Vec3{X: -v.Y, Y: v.X, Z: v.Z}
	}
	shift := model.Vec3{X: 2000, Y: -500, Z: 0}
	truth := map[model.Node]model.Vec3{
		model.AnchorNode(0): {X: 0, Y: 0, Z: 0},
		model.AnchorNode(1): {X: 500, Y: 0, Z: 0},
		model.AnchorNode(2): {X: 500, Y: 500, Z: 0},
		model.AnchorNode(3): {X: 0, Y: 500, Z: 0},
		model.TagNode(1):    {X: 250, Y: 300, Z: 0},
	}

	result := Result{Positions: map[model.Node]model.Vec3{}}
	for n, p := range truth {
		result.Positions[n] = rotate90(p).Add(shift)
	}

	fixed := GaugeFix(result, g)
	tagPos := fixed.Positions[model.TagNode(1)]
	assert.InDelta(t, 250.0, tagPos.X, 1e-6)
	assert.InDelta(t, 300.0, tagPos.Y, 1e-6)
}
