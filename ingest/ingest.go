// Package ingest receives raw anchor reports from the message bus,
// validates them, and hands accepted measurements off to the per-tag
// binner (spec.md §4.2). It depends only on a narrow Inserter
// interface — never on the binner package concretely — per spec.md
// §9's "typed interface carrying the insert method" redesign note.
package ingest

import (
	"encoding/json"
	"log"
	"sync/atomic"

	"uwbpgo/binner"
	"uwbpgo/model"
)

// Inserter is the one method ingest needs from a per-tag binner.
// binner.Binner satisfies this directly; ingest depends on the
// binner.Result value type but never reaches into a concrete binner
// beyond this one method, per spec.md §9's "typed interface carrying
// the insert method" redesign note.
type Inserter interface {
	Insert(m model.Measurement) binner.Result
}

// Payload is the wire format from spec.md §6: UTF-8 JSON, nanosecond
// timestamp, centimeter vector. Unknown fields are ignored by
// encoding/json's default decode behavior.
type Payload struct {
	TUnixNs     int64       `json:"t_unix_ns"`
	VectorLocal VectorLocal `json:"vector_local"`
}

// VectorLocal is the local-frame vector component of Payload.
type VectorLocal struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// MaxVectorMagnitudeCm bounds ingest validation: twice a generous
// room diagonal, per spec.md §4.2 ("a large but finite bound").
const MaxVectorMagnitudeCm = 4000.0

// Stats tallies drop counters per failure category, read with
// Snapshot. Safe for concurrent use from multiple ingest dispatches.
type Stats struct {
	InvalidPayload atomic.Int64
	UnknownAnchor  atomic.Int64
	InvalidVector  atomic.Int64
}

// Snapshot is a point-in-time copy of Stats for logging/metrics.
type Snapshot struct {
	InvalidPayload int64
	UnknownAnchor  int64
	InvalidVector  int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		InvalidPayload: s.InvalidPayload.Load(),
		UnknownAnchor:  s.UnknownAnchor.Load(),
		InvalidVector:  s.InvalidVector.Load(),
	}
}

// AnchorSet reports whether an anchor id is part of the configured
// layout; Router uses it to reject UnknownAnchor payloads.
type AnchorSet interface {
	Position(id model.AnchorID) (model.Vec3, bool)
}

// BinnerFor resolves the Inserter for a tag, matching the
// coordinator's "create binner lazily on first insert" ownership
// (spec.md §4.6). Ingest never holds a binner directly.
type BinnerFor interface {
	BinnerFor(tag model.TagID) Inserter
}

// Router parses, validates, and routes one anchor's reports. The
// current core assumes a single active tag (spec.md §4.2); DefaultTag
// is that configured slot. The design admits a small fixed set by
// routing through BinnerFor rather than holding one binner directly.
type Router struct {
	Anchors    AnchorSet
	Binners    BinnerFor
	DefaultTag model.TagID
	Stats      Stats
}

// NewRouter builds a Router bound to a geometry (for anchor
// membership) and a binner resolver.
func NewRouter(anchors AnchorSet, binners BinnerFor, defaultTag model.TagID) *Router {
	return &Router{Anchors: anchors, Binners: binners, DefaultTag: defaultTag}
}

// HandleMessage parses and validates one MQTT payload for the given
// anchor id, then routes it to the per-tag binner. Every failure path
// drops the message, increments a counter, and returns — no
// rejection here is ever fatal or propagated (spec.md §4.2, §7).
func (r *Router) HandleMessage(anchorID model.AnchorID, payload []byte) {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.Stats.InvalidPayload.Add(1)
		log.Printf("ingest: invalid payload from anchor %d: %v", anchorID, err)
		return
	}

	if _, ok := r.Anchors.Position(anchorID); !ok {
		r.Stats.UnknownAnchor.Add(1)
		return
	}

	v := model.Vec3{X: p.VectorLocal.X, Y: p.VectorLocal.Y, Z: p.VectorLocal.Z}
	if !v.Finite() || v.Norm() > MaxVectorMagnitudeCm {
		r.Stats.InvalidVector.Add(1)
		return
	}

	m := model.Measurement{
		Timestamp:   model.Timestamp(float64(p.TUnixNs) / 1e9),
		AnchorID:    anchorID,
		TagID:       r.DefaultTag,
		LocalVector: v,
	}

	ins := r.Binners.BinnerFor(m.TagID)
	if ins == nil {
		return
	}
	ins.Insert(m)
}
