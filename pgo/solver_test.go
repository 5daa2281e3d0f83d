package pgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uwbpgo/model"
)

func squareSeeds() map[model.Node]model.Vec3 {
	return map[model.Node]model.Vec3{
		model.AnchorNode(0): {X: 0, Y: 0, Z: 0},
		model.AnchorNode(1): {X: 500, Y: 0, Z: 0},
		model.AnchorNode(2): {X: 500, Y: 500, Z: 0},
		model.AnchorNode(3): {X: 0, Y: 500, Z: 0},
		model.TagNode(1):    {X: 200, Y: 200, Z: 0},
	}
}

func anchorAnchorEdges() []model.Edge {
	pos := map[model.AnchorID]model.Vec3{
		0: {X: 0, Y: 0, Z: 0},
		1: {X: 500, Y: 0, Z: 0},
		2: {X: 500, Y: 500, Z: 0},
		3: {X: 0, Y: 500, Z: 0},
	}
	var edges []model.Edge
	for i := model.AnchorID(0); i < 4; i++ {
		for j := model.AnchorID(0); j < 4; j++ {
			if i == j {
				continue
			}
			edges = append(edges, model.Edge{From: model.AnchorNode(i), To: model.AnchorNode(j), Vector: pos[j].Sub(pos[i])})
		}
	}
	return edges
}

func TestSolveConvergesOnConsistentNoiselessGraph(t *testing.T) {
	truth := model.Vec3{X: 250, Y: 300, Z: 0}
	edgeList := anchorAnchorEdges()
	pos := map[model.AnchorID]model.Vec3{0: {X: 0, Y: 0, Z: 0}, 1: {X: 500, Y: 0, Z: 0}, 2: {X: 500, Y: 500, Z: 0}, 3: {X: 0, Y: 500, Z: 0}}
	for id, p := range pos {
		edgeList = append(edgeList, model.Edge{From: model.AnchorNode(id), To: model.TagNode(1), Vector: truth.Sub(p)})
	}

	result, err := Solve(edgeList, squareSeeds(), DefaultConfig())
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.InDelta(t, 0, result.ResidualNorm, 1e-4)

	tagPos := result.Positions[model.TagNode(1)]
	assert.InDelta(t, truth.X, tagPos.X, 1e-3)
	assert.InDelta(t, truth.Y, tagPos.Y, 1e-3)
	assert.InDelta(t, truth.Z, tagPos.Z, 1e-3)
}

func TestSolveIsDeterministicAcrossRuns(t *testing.T) {
	edgeList := anchorAnchorEdges()
	edgeList = append(edgeList, model.Edge{From: model.AnchorNode(0), To: model.TagNode(1), Vector: model.Vec3{X: 200, Y: 200, Z: 0}})
	edgeList = append(edgeList, model.Edge{From: model.AnchorNode(2), To: model.TagNode(1), Vector: model.Vec3{X: -300, Y: -300, Z: 0}})

	r1, err := Solve(edgeList, squareSeeds(), DefaultConfig())
	require.NoError(t, err)
	r2, err := Solve(edgeList, squareSeeds(), DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, r1.Iterations, r2.Iterations)
	for node, p1 := range r1.Positions {
		p2 := r2.Positions[node]
		assert.Equal(t, p1, p2)
	}
}

func TestSolveErrorsOnEdgeWithoutSeed(t *testing.T) {
	edgeList := []model.Edge{{From: model.AnchorNode(0), To: model.TagNode(99), Vector: model.Vec3{X: 1}}}
	seeds := map[model.Node]model.Vec3{model.AnchorNode(0): {}}

	_, err := Solve(edgeList, seeds, DefaultConfig())
	assert.Error(t, err)
}

func TestSolveUnderconstrainedStillReturnsFiniteResult(t *testing.T) {
	edgeList := []model.Edge{
		{From: model.AnchorNode(0), To: model.TagNode(1), Vector: model.Vec3{X: 200, Y: 200, Z: 0}},
	}
	seeds := map[model.Node]model.Vec3{
		model.AnchorNode(0): {X: 0, Y: 0, Z: 0},
		model.TagNode(1):    {X: 100, Y: 100, Z: 0},
	}

	result, err := Solve(edgeList, seeds, DefaultConfig())
	require.NoError(t, err)
	tagPos := result.Positions[model.TagNode(1)]
	assert.True(t, tagPos.Finite())
}
