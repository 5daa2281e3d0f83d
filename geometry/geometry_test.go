package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uwbpgo/model"
)

func squareLayout() Config {
	return Config{Anchors: []AnchorSpec{
		{ID: 0, Position: model.Vec3{X: 0, Y: 0, Z: 0}},
		{ID: 1, Position: model.Vec3{X: 500, Y: 0, Z: 0}},
		{ID: 2, Position: model.Vec3{X: 500, Y: 500, Z: 0}},
		{ID: 3, Position: model.Vec3{X: 0, Y: 500, Z: 0}},
	}}
}

func TestNewAcceptsValidLayout(t *testing.T) {
	g, err := New(squareLayout())
	require.NoError(t, err)
	assert.Len(t, g.AnchorIDs(), 4)

	p, ok := g.Position(2)
	require.True(t, ok)
	assert.Equal(t, model.Vec3{X: 500, Y: 500, Z: 0}, p)
}

func TestNewRejectsDuplicateID(t *testing.T) {
	cfg := squareLayout()
	cfg.Anchors = append(cfg.Anchors, AnchorSpec{ID: 0, Position: model.Vec3{X: 1, Y: 1, Z: 1}})
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewRejectsNonFinitePosition(t *testing.T) {
	cfg := Config{Anchors: []AnchorSpec{
		{ID: 0, Position: model.Vec3{X: 0, Y: 0, Z: 0}},
		{ID: 1, Position: model.Vec3{X: 1.0 / zero(), Y: 0, Z: 0}},
	}}
	_, err := New(cfg)
	assert.Error(t, err)
}

func zero() float64 { return 0 }

func TestNewRejectsCollinearLayout(t *testing.T) {
	cfg := Config{Anchors: []AnchorSpec{
		{ID: 0, Position: model.Vec3{X: 0, Y: 0, Z: 0}},
		{ID: 1, Position: model.Vec3{X: 100, Y: 0, Z: 0}},
		{ID: 2, Position: model.Vec3{X: 200, Y: 0, Z: 0}},
	}}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestAnchorEdgesCompleteOrderedPairs(t *testing.T) {
	g, err := New(squareLayout())
	require.NoError(t, err)

	edges := g.AnchorEdges()
	assert.Len(t, edges, 4*3)

	for _, e := range edges {
		fromID, _ := e.From.IsAnchor()
		toID, _ := e.To.IsAnchor()
		fromPos, _ := g.Position(fromID)
		toPos, _ := g.Position(toID)
		assert.Equal(t, toPos.Sub(fromPos), e.Vector)
	}
}

func TestRotateLocalIdentityAtZeroAngles(t *testing.T) {
	g, err := New(squareLayout())
	require.NoError(t, err)

	v := model.Vec3{X: 10, Y: 20, Z: 30}
	out, ok := g.RotateLocal(0, v)
	require.True(t, ok)
	assert.InDelta(t, v.X, out.X, 1e-9)
	assert.InDelta(t, v.Y, out.Y, 1e-9)
	assert.InDelta(t, v.Z, out.Z, 1e-9)
}

func TestRotateLocalYaw90(t *testing.T) {
	cfg := Config{Anchors: []AnchorSpec{
		{ID: 0, Position: model.Vec3{X: 0, Y: 0, Z: 0}, YawDeg: 90},
		{ID: 1, Position: model.Vec3{X: 100, Y: 0, Z: 0}},
		{ID: 2, Position: model.Vec3{X: 100, Y: 100, Z: 0}},
	}}
	g, err := New(cfg)
	require.NoError(t, err)

	out, ok := g.RotateLocal(0, model.Vec3{X: 1, Y: 0, Z: 0})
	require.True(t, ok)
	assert.InDelta(t, 0, out.X, 1e-9)
	assert.InDelta(t, 1, out.Y, 1e-9)
}
