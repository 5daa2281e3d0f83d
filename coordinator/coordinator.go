// Package coordinator owns the solve side of the pipeline: one binner
// per active tag (created lazily), the solver configuration passed to
// pgo.Solve on every tick, and one latest-position slot per tag
// (spec.md §4.6). It does not own the ingest bus session: the caller
// creates and connects the bus and routes measurements in through
// BinnerFor, and Start/Stop drive only the tick loop.
package coordinator

import (
	"log"
	"sync"
	"time"

	"uwbpgo/binner"
	"uwbpgo/edges"
	"uwbpgo/geometry"
	"uwbpgo/ingest"
	"uwbpgo/model"
	"uwbpgo/pgo"
)

// Config holds the coordinator's own tunables plus the binner
// defaults applied to every lazily-created tag binner.
type Config struct {
	TickSeconds  float64
	BinnerConfig binner.Config
	SolverConfig pgo.Config
}

// DefaultConfig matches spec.md §6's default tick cadence.
func DefaultConfig() Config {
	return Config{
		TickSeconds:  1.0,
		BinnerConfig: binner.DefaultConfig(),
		SolverConfig: pgo.DefaultConfig(),
	}
}

// QualityMetrics accompanies a successful solve so consumers can
// judge staleness and quality without re-deriving it (spec.md §7).
type QualityMetrics struct {
	ResidualNorm       float64
	Converged          bool
	NumAnchorEdgesUsed int
	Iterations         int
}

// PositionUpdate is one successful solve, delivered to Latest and to
// the notification channel.
type PositionUpdate struct {
	TagID     model.TagID
	Position  model.Vec3
	Timestamp model.Timestamp
	BinStart  model.Timestamp
	BinEnd    model.Timestamp
	Quality   QualityMetrics
}

// latestSlot is one tag's mutable "most recent successful solve"
// slot, independently locked per spec.md §5.
type latestSlot struct {
	mu    sync.RWMutex
	value *PositionUpdate
}

func (s *latestSlot) get() (PositionUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.value == nil {
		return PositionUpdate{}, false
	}
	return *s.value, true
}

func (s *latestSlot) set(u PositionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = &u
}

// TickMetrics is the structured metrics emitted once per tag per
// tick (spec.md §4.6 item 4).
type TickMetrics struct {
	TagID              model.TagID
	BinSizePerAnchor   map[model.AnchorID]int
	RejectionsSince    binner.Counters
	SolverIterations   int
	ResidualNorm       float64
	WallTime           time.Duration
	Converged          bool
	NumAnchorEdgesUsed int
	Skipped            bool
	SkipReason         string
}

// Coordinator drives the per-tag tick loop: emit bin -> build edges
// -> solve -> gauge fix -> publish.
type Coordinator struct {
	geo *geometry.Geometry
	cfg Config

	mu         sync.Mutex
	binners    map[model.TagID]*binner.Binner
	latest     map[model.TagID]*latestSlot
	lastCounts map[model.TagID]binner.Counters

	subMu sync.Mutex
	subs  []chan PositionUpdate

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Coordinator bound to a fixed anchor geometry.
func New(geo *geometry.Geometry, cfg Config) *Coordinator {
	return &Coordinator{
		geo:        geo,
		cfg:        cfg,
		binners:    make(map[model.TagID]*binner.Binner),
		latest:     make(map[model.TagID]*latestSlot),
		lastCounts: make(map[model.TagID]binner.Counters),
		stop:       make(chan struct{}),
	}
}

// BinnerFor implements ingest.BinnerFor: it creates a tag's binner
// lazily on first reference, matching spec.md §4.6. The return type
// must be exactly ingest.Inserter (not *binner.Binner) for Coordinator
// to satisfy that interface — Go does not allow covariant method
// return types when matching an interface.
func (c *Coordinator) BinnerFor(tag model.TagID) ingest.Inserter {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.binners[tag]
	if !ok {
		b = binner.New(tag, c.cfg.BinnerConfig)
		c.binners[tag] = b
		c.latest[tag] = &latestSlot{}
	}
	return b
}

// Subscribe registers a new notification channel that receives every
// successful solve (spec.md §4.6 change-notification mechanism). Each
// subscriber gets its own buffered channel; a slow subscriber drops
// updates rather than blocking the tick loop or other subscribers.
// Intended consumers are the websocket hub and the outbound bus
// publisher, each calling Subscribe once at startup.
func (c *Coordinator) Subscribe() <-chan PositionUpdate {
	ch := make(chan PositionUpdate, 16)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

func (c *Coordinator) publish(u PositionUpdate) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- u:
		default:
			// Slow consumer: drop rather than block the tick loop.
		}
	}
}

// LatestPosition returns the most recent successful solve for tag, if
// any (spec.md §3 "Latest Position").
func (c *Coordinator) LatestPosition(tag model.TagID) (PositionUpdate, bool) {
	c.mu.Lock()
	slot, ok := c.latestFor(tag)
	c.mu.Unlock()
	if !ok {
		return PositionUpdate{}, false
	}
	return slot.get()
}

func (c *Coordinator) latestFor(tag model.TagID) (*latestSlot, bool) {
	s, ok := c.latest[tag]
	return s, ok
}

// Tags returns the set of tags with an active binner.
func (c *Coordinator) Tags() []model.TagID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.TagID, 0, len(c.binners))
	for t := range c.binners {
		out = append(out, t)
	}
	return out
}

// Start brings up the per-tag tick loop. It runs until Stop is
// called; in-flight solves run to completion before Stop returns
// (spec.md §5).
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.tickLoop()
}

// Stop signals the tick loop to quiesce and waits for it to drain.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) tickLoop() {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.TickSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.tickAll()
		}
	}
}

func (c *Coordinator) tickAll() {
	for _, tag := range c.Tags() {
		c.tickOne(tag)
	}
}

// tickOne runs one solve tick for a single tag: emit bin, build
// edges, solve, gauge fix, publish. Mirrors spec.md §4.6 steps 1-4.
func (c *Coordinator) tickOne(tag model.TagID) {
	start := time.Now()

	c.mu.Lock()
	b, ok := c.binners[tag]
	slot := c.latest[tag]
	prevCounts := c.lastCounts[tag]
	c.mu.Unlock()
	if !ok {
		return
	}

	bin, hasBin := b.EmitBin()
	counts := b.CounterSnapshot()
	rejections := binner.Counters{
		LateDrop:           counts.LateDrop - prevCounts.LateDrop,
		StatisticalOutlier: counts.StatisticalOutlier - prevCounts.StatisticalOutlier,
		VarianceTooHigh:    counts.VarianceTooHigh - prevCounts.VarianceTooHigh,
	}
	c.mu.Lock()
	c.lastCounts[tag] = counts
	c.mu.Unlock()

	if !hasBin {
		c.logTick(TickMetrics{TagID: tag, RejectionsSince: rejections, Skipped: true, SkipReason: "empty bin", WallTime: time.Since(start)})
		return
	}

	edgeList, numAnchorTagEdges := edges.Build(bin, c.geo)

	seeds := c.buildSeeds(tag, slot)
	if len(edgeList) == 0 || numAnchorTagEdges == 0 {
		// Degenerate: no anchor-tag edges at all and no warm start
		// available means the tag position is entirely unconstrained.
		if _, hasPrev := slot.get(); !hasPrev {
			c.logTick(TickMetrics{TagID: tag, RejectionsSince: rejections, Skipped: true, SkipReason: "degenerate edge set", WallTime: time.Since(start)})
			return
		}
	}

	result, err := pgo.Solve(edgeList, seeds, c.cfg.SolverConfig)
	if err != nil {
		c.logTick(TickMetrics{TagID: tag, RejectionsSince: rejections, Skipped: true, SkipReason: err.Error(), WallTime: time.Since(start)})
		return
	}

	binSizes := make(map[model.AnchorID]int, len(bin.PerAnchor))
	for a, v := range bin.PerAnchor {
		binSizes[a] = len(v)
	}

	metrics := TickMetrics{
		TagID:              tag,
		BinSizePerAnchor:   binSizes,
		RejectionsSince:    rejections,
		SolverIterations:   result.Iterations,
		ResidualNorm:       result.ResidualNorm,
		Converged:          result.Converged,
		NumAnchorEdgesUsed: numAnchorTagEdges,
		WallTime:           time.Since(start),
	}

	if !result.Converged {
		// SolverNonConvergence: keep previous position, next tick retries.
		c.logTick(metrics)
		return
	}

	fixed := pgo.GaugeFix(result, c.geo)
	tagPos, ok := fixed.Positions[model.TagNode(tag)]
	if !ok {
		c.logTick(metrics)
		return
	}
	if !tagPos.Finite() {
		// SolverNumericFailure: skip this tick's update entirely.
		metrics.Skipped = true
		metrics.SkipReason = "non-finite solve output"
		c.logTick(metrics)
		return
	}

	update := PositionUpdate{
		TagID:     tag,
		Position:  tagPos,
		Timestamp: bin.EndTS,
		BinStart:  bin.StartTS,
		BinEnd:    bin.EndTS,
		Quality: QualityMetrics{
			ResidualNorm:       result.ResidualNorm,
			Converged:          result.Converged,
			NumAnchorEdgesUsed: numAnchorTagEdges,
			Iterations:         result.Iterations,
		},
	}
	slot.set(update)
	c.logTick(metrics)
	c.publish(update)
}

// buildSeeds returns the solver's initial guess: anchors at ground
// truth, tag at its previous successful solve if available, otherwise
// the anchor centroid (spec.md §4.5).
func (c *Coordinator) buildSeeds(tag model.TagID, slot *latestSlot) map[model.Node]model.Vec3 {
	seeds := make(map[model.Node]model.Vec3)
	var centroid model.Vec3
	ids := c.geo.AnchorIDs()
	for _, id := range ids {
		p, _ := c.geo.Position(id)
		seeds[model.AnchorNode(id)] = p
		centroid = centroid.Add(p)
	}
	if len(ids) > 0 {
		centroid = centroid.Scale(1.0 / float64(len(ids)))
	}

	if prev, ok := slot.get(); ok {
		seeds[model.TagNode(tag)] = prev.Position
	} else {
		seeds[model.TagNode(tag)] = centroid
	}
	return seeds
}

func (c *Coordinator) logTick(m TickMetrics) {
	if m.Skipped {
		log.Printf("coordinator: tag=%d tick skipped (%s) rejections=%+v wall=%s", m.TagID, m.SkipReason, m.RejectionsSince, m.WallTime)
		return
	}
	log.Printf("coordinator: tag=%d bins=%v rejections=%+v iters=%d residual=%.4f converged=%t edges_used=%d wall=%s",
		m.TagID, m.BinSizePerAnchor, m.RejectionsSince, m.SolverIterations, m.ResidualNorm, m.Converged, m.NumAnchorEdgesUsed, m.WallTime)
}
