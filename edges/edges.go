// Package edges converts a Bin plus AnchorGeometry into the edge set
// the PGO solver consumes: spec.md §4.4.
package edges

import (
	"uwbpgo/geometry"
	"uwbpgo/model"
)

// Build returns the full 12-edge anchor-anchor set reused verbatim
// from geo, plus one averaged anchor-tag edge per anchor present in
// bin. No anchor-tag edge is emitted for an anchor with zero
// measurements. If fewer than two anchors contributed, the tag is
// underconstrained (spec.md §4.4); the edge set is still returned —
// quality is a metric, not a failure — and numAnchorTagEdges reports
// how many anchor-tag edges were built.
func Build(bin model.Bin, geo *geometry.Geometry) (edgeList []model.Edge, numAnchorTagEdges int) {
	edgeList = append(edgeList, geo.AnchorEdges()...)

	tagNode := model.TagNode(bin.TagID)
	for _, anchorID := range geo.AnchorIDs() {
		samples := bin.PerAnchor[anchorID]
		if len(samples) == 0 {
			continue
		}

		avg := meanVec3(samples)
		global, ok := geo.RotateLocal(anchorID, avg)
		if !ok {
			continue
		}

		edgeList = append(edgeList, model.Edge{
			From:   model.AnchorNode(anchorID),
			To:     tagNode,
			Vector: global,
			Count:  len(samples),
		})
		numAnchorTagEdges++
	}

	return edgeList, numAnchorTagEdges
}

func meanVec3(vs []model.Vec3) model.Vec3 {
	var sum model.Vec3
	for _, v := range vs {
		sum = sum.Add(v)
	}
	n := float64(len(vs))
	return model.Vec3{X: sum.X / n, Y: sum.Y / n, Z: sum.Z / n}
}
