// Package binner maintains the per-tag sliding-window measurement
// buffer and applies the two-stage quality filter described in
// spec.md §4.3: a predictive z-score check against the anchor's
// recent sample history, then a predictive variance cap. Rejections
// are local and non-fatal; they are counted, never propagated.
package binner

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"uwbpgo/model"
)

// RejectReason is why insert refused a measurement. These are
// expected filter outcomes, not pipeline errors (spec.md §7).
type RejectReason int

const (
	// ReasonNone is the zero value; never returned as a rejection.
	ReasonNone RejectReason = iota
	ReasonLateDrop
	ReasonStatisticalOutlier
	ReasonVarianceTooHigh
)

func (r RejectReason) String() string {
	switch r {
	case ReasonLateDrop:
		return "LateDrop"
	case ReasonStatisticalOutlier:
		return "StatisticalOutlier"
	case ReasonVarianceTooHigh:
		return "VarianceTooHigh"
	default:
		return "None"
	}
}

// Result is the outcome of one Insert call.
type Result struct {
	Accepted bool
	Reason   RejectReason
	// Z is the z-score computed when Reason == ReasonStatisticalOutlier.
	Z float64
	// Variance is the predictive variance when Reason == ReasonVarianceTooHigh.
	Variance float64
}

// Config holds the per-tag binner tunables from spec.md §4.3/§6.
type Config struct {
	WindowSeconds             float64
	OutlierSigma              float64
	MinSamplesForOutlierCheck int
	MaxAnchorVariance         float64
}

// DefaultConfig matches the defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		WindowSeconds:             1.5,
		OutlierSigma:              2.0,
		MinSamplesForOutlierCheck: 5,
		MaxAnchorVariance:         10000.0,
	}
}

// Counters tallies rejection reasons. Values are monotonically
// non-decreasing for the lifetime of a Binner (spec.md §8 "Rejection
// monotonicity").
type Counters struct {
	LateDrop           int64
	StatisticalOutlier int64
	VarianceTooHigh    int64
}

// Binner is one tag's sliding-window buffer. Insert and EmitBin are
// safe for concurrent use; within one tag they are serialized by an
// internal mutex per spec.md §5.
type Binner struct {
	cfg Config
	tag model.TagID

	mu     sync.Mutex
	buf    []model.Measurement
	latest model.Timestamp
	counts Counters
}

// New creates a Binner for tag with the given configuration.
func New(tag model.TagID, cfg Config) *Binner {
	return &Binner{cfg: cfg, tag: tag}
}

// Insert attempts to add m to the buffer, applying the sliding window
// and two-stage quality filter from spec.md §4.3.
func (b *Binner) Insert(m model.Measurement) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.latest
	if m.Timestamp > now {
		now = m.Timestamp
	}
	windowStart := now - model.Timestamp(b.cfg.WindowSeconds)

	// Prune stale samples against now before any stat/variance check,
	// regardless of whether this particular insert is ultimately
	// accepted. Eviction must not depend on the accept path: a run of
	// rejected inserts (e.g. a poisoned first sample driving every
	// later same-anchor insert into VarianceTooHigh) must still age out
	// once real time has moved past the window (spec.md §8 "Self-healing").
	b.evict(windowStart)

	if m.Timestamp < windowStart {
		b.counts.LateDrop++
		return Result{Reason: ReasonLateDrop}
	}

	sameAnchor := make([]float64, 0, len(b.buf))
	for _, bm := range b.buf {
		if bm.AnchorID == m.AnchorID {
			sameAnchor = append(sameAnchor, bm.LocalVector.Norm())
		}
	}

	mag := m.LocalVector.Norm()

	if len(sameAnchor) >= b.cfg.MinSamplesForOutlierCheck {
		mean, variance := stat.MeanVariance(sameAnchor, nil)
		sigma := math.Sqrt(variance)
		if sigma > 0 {
			z := (mag - mean) / sigma
			if absF(z) > b.cfg.OutlierSigma {
				b.counts.StatisticalOutlier++
				return Result{Reason: ReasonStatisticalOutlier, Z: z}
			}
		}
	}

	if predictive := append(append([]float64{}, sameAnchor...), mag); len(predictive) >= 2 {
		_, predVariance := stat.MeanVariance(predictive, nil)
		if predVariance > b.cfg.MaxAnchorVariance {
			b.counts.VarianceTooHigh++
			return Result{Reason: ReasonVarianceTooHigh, Variance: predVariance}
		}
	}

	b.buf = append(b.buf, m)
	if m.Timestamp > b.latest {
		b.latest = m.Timestamp
	}

	return Result{Accepted: true}
}

// evict drops every buffered measurement with a timestamp before
// cutoff. Must be called with b.mu held. Called unconditionally at the
// start of Insert, before the accept/reject decision, so a run of
// rejected same-anchor inserts cannot freeze the window on a stale
// poisoned sample (spec.md §8 "Self-healing"). This is the only
// retention policy: EmitBin never clears the buffer (spec.md §4.3, §9
// Open Question).
func (b *Binner) evict(cutoff model.Timestamp) {
	i := 0
	for i < len(b.buf) && b.buf[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		b.buf = append([]model.Measurement{}, b.buf[i:]...)
	}
}

// EmitBin snapshots the current buffer and groups it by anchor. It
// returns ok=false if the buffer is empty. The buffer itself is left
// untouched, allowing overlapping solve ticks to share measurements.
func (b *Binner) EmitBin() (model.Bin, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) == 0 {
		return model.Bin{}, false
	}

	perAnchor := make(map[model.AnchorID][]model.Vec3)
	minTS, maxTS := b.buf[0].Timestamp, b.buf[0].Timestamp
	for _, m := range b.buf {
		perAnchor[m.AnchorID] = append(perAnchor[m.AnchorID], m.LocalVector)
		if m.Timestamp < minTS {
			minTS = m.Timestamp
		}
		if m.Timestamp > maxTS {
			maxTS = m.Timestamp
		}
	}

	return model.Bin{
		TagID:     b.tag,
		StartTS:   minTS,
		EndTS:     maxTS,
		PerAnchor: perAnchor,
	}, true
}

// CounterSnapshot returns a snapshot of the rejection counters.
func (b *Binner) CounterSnapshot() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// BufferLen reports the current number of buffered measurements,
// mainly for tests and metrics.
func (b *Binner) BufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
