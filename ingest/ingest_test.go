package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uwbpgo/binner"
	"uwbpgo/model"
)

type fakeAnchors struct {
	known map[model.AnchorID]model.Vec3
}

func (f fakeAnchors) Position(id model.AnchorID) (model.Vec3, bool) {
	p, ok := f.known[id]
	return p, ok
}

type fakeBinnerFor struct {
	binners map[model.TagID]*binner.Binner
}

func (f fakeBinnerFor) BinnerFor(tag model.TagID) Inserter {
	b, ok := f.binners[tag]
	if !ok {
		b = binner.New(tag, binner.DefaultConfig())
		f.binners[tag] = b
	}
	return b
}

func newTestRouter() (*Router, fakeBinnerFor) {
	anchors := fakeAnchors{known: map[model.AnchorID]model.Vec3{0: {}, 1: {}}}
	bf := fakeBinnerFor{binners: make(map[model.TagID]*binner.Binner)}
	return NewRouter(anchors, bf, 1), bf
}

func TestHandleMessageAcceptsValidPayload(t *testing.T) {
	r, bf := newTestRouter()
	payload := []byte(`{"t_unix_ns": 1000000000, "vector_local": {"x": 100, "y": 200, "z": 0}}`)

	r.HandleMessage(0, payload)

	b, ok := bf.binners[1]
	require.True(t, ok)
	assert.Equal(t, 1, b.BufferLen())
	snap := r.Stats.Snapshot()
	assert.Equal(t, int64(0), snap.InvalidPayload)
}

func TestHandleMessageDropsInvalidJSON(t *testing.T) {
	r, _ := newTestRouter()
	r.HandleMessage(0, []byte(`not json`))
	assert.Equal(t, int64(1), r.Stats.Snapshot().InvalidPayload)
}

func TestHandleMessageDropsUnknownAnchor(t *testing.T) {
	r, _ := newTestRouter()
	payload := []byte(`{"t_unix_ns": 1, "vector_local": {"x": 1, "y": 1, "z": 1}}`)
	r.HandleMessage(99, payload)
	assert.Equal(t, int64(1), r.Stats.Snapshot().UnknownAnchor)
}

func TestHandleMessageDropsOversizedVector(t *testing.T) {
	r, _ := newTestRouter()
	payload := []byte(`{"t_unix_ns": 1, "vector_local": {"x": 100000, "y": 0, "z": 0}}`)
	r.HandleMessage(0, payload)
	assert.Equal(t, int64(1), r.Stats.Snapshot().InvalidVector)
}

func TestHandleMessageDropsNonFiniteVector(t *testing.T) {
	r, _ := newTestRouter()
	payload := []byte(`{"t_unix_ns": 1, "vector_local": {"x": "NaN", "y": 0, "z": 0}}`)
	r.HandleMessage(0, payload)
	// A quoted "NaN" fails JSON numeric decode entirely, landing as an
	// invalid payload rather than reaching the vector finiteness check.
	assert.Equal(t, int64(1), r.Stats.Snapshot().InvalidPayload)
}
