// Package scaling implements the adaptive Scaling Controller (C7): load
// scoring, weight recomputation with convergence detection, and exponential
// scale-out / safe scale-in decisions. It is leader-only; callers must gate
// invocation on leader.Election.IsLeader().
package scaling

import (
	"time"

	"github.com/adred-codev/ringfabric/internal/aggregator"
)

// Action is the scaling action emitted alongside a weight recomputation.
type Action string

const (
	ActionNone    Action = "none"
	ActionScaleOut Action = "scale_out"
	ActionScaleIn  Action = "scale_in"
)

// Decision is the output of one controller cycle.
type Decision struct {
	Action        Action
	ScaleOutCount int // valid when Action == ActionScaleOut
	Reason        string
	Snapshot      ClusterAverages
	Weights       map[string]int // recomputed every cycle; nil only when there are no live nodes (PublishRing decides publication)
	PublishRing   bool           // false when the convergence gate silences a weight-only update
	RingReason    string
}

// Config holds the tunables relevant to scaling decisions.
type Config struct {
	MinWeight       int
	MaxScaleOutStep int
	ScaleOutWindow  time.Duration
	NMin            int
}

// ClusterAverages are the aggregate statistics computed at the top of each
// cycle.
type ClusterAverages struct {
	N                int
	AvgCpu, MaxCpu   float64
	AvgMem, MaxMem   float64
	AvgMps           float64
	AvgConn          float64
	AvgLatMs         float64
	AvgLagMs         float64
	MpsPerCpuPct     float64
	ConnPerCpuPct    float64
}

// Urgency categorizes how badly the cluster needs to scale out.
type Urgency int

const (
	UrgencyNone     Urgency = 0
	UrgencyModerate Urgency = 1
	UrgencyHigh     Urgency = 2
	UrgencyCritical Urgency = 3
)

// scaleOutMemory is the controller's private history of the last scale-out,
// used to detect accelerating load and widen the next ScaleOut. The
// controller is single-threaded and leader-only, so no locking.
type scaleOutMemory struct {
	hasPrior         bool
	at               time.Time
	snapshot         ClusterAverages
	consecutiveCount int
}

// Controller runs one decision cycle at a time; callers invoke Decide once
// per T_decide tick.
type Controller struct {
	cfg    Config
	memory scaleOutMemory
}

// New creates a Controller.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Decide computes averages from snapshots, urgency, scale action, and the
// weight recomputation + convergence gate.
func (c *Controller) Decide(snapshots map[string]aggregator.LoadSnapshot, topologyChanged bool, now time.Time) Decision {
	n := len(snapshots)
	if n == 0 {
		return Decision{Action: ActionNone, Reason: "no live nodes"}
	}

	avg := computeAverages(snapshots)
	urgency := classifyUrgency(avg)

	decision := Decision{Snapshot: avg}

	if urgency > UrgencyNone {
		k := c.scaleOutMagnitude(urgency, avg, now)
		decision.Action = ActionScaleOut
		decision.ScaleOutCount = k
		decision.Reason = urgencyReason(urgency)
		c.memory = scaleOutMemory{
			hasPrior:         true,
			at:               now,
			snapshot:         avg,
			consecutiveCount: c.memory.consecutiveCount + 1,
		}
	} else if ok, reason := c.evaluateScaleIn(avg, n); ok {
		decision.Action = ActionScaleIn
		decision.Reason = reason
		c.memory.consecutiveCount = 0
	} else {
		decision.Action = ActionNone
		decision.Reason = "stable"
		c.memory.consecutiveCount = 0
	}

	weights := computeWeights(snapshots, c.cfg.MinWeight)
	decision.Weights = weights

	if topologyChanged {
		decision.PublishRing = true
		decision.RingReason = "topology change"
	} else if converged(weights, avg, c.cfg.MinWeight) {
		decision.PublishRing = false
		decision.RingReason = "converged: weight and load spread within thresholds"
	} else {
		decision.PublishRing = true
		decision.RingReason = "weight recomputation"
	}

	return decision
}

func computeAverages(snapshots map[string]aggregator.LoadSnapshot) ClusterAverages {
	n := len(snapshots)
	var sumCpu, sumMem, sumMps, sumConn, sumLat, sumLag float64
	maxCpu, maxMem := 0.0, 0.0
	for _, s := range snapshots {
		cpu := clamp01(s.Cpu)
		mem := clamp01(s.Mem)
		sumCpu += cpu
		sumMem += mem
		sumMps += s.Mps
		sumConn += float64(s.ActiveConn)
		sumLat += s.P95LatencyMs
		sumLag += s.LagMs
		if cpu > maxCpu {
			maxCpu = cpu
		}
		if mem > maxMem {
			maxMem = mem
		}
	}
	avgCpu := sumCpu / float64(n)
	avgMem := sumMem / float64(n)
	avgMps := sumMps / float64(n)
	avgConn := sumConn / float64(n)
	avgLat := sumLat / float64(n)
	avgLag := sumLag / float64(n)

	denom := avgCpu*100 + 1
	return ClusterAverages{
		N: n, AvgCpu: avgCpu, MaxCpu: maxCpu, AvgMem: avgMem, MaxMem: maxMem,
		AvgMps: avgMps, AvgConn: avgConn, AvgLatMs: avgLat, AvgLagMs: avgLag,
		MpsPerCpuPct:  avgMps / denom,
		ConnPerCpuPct: avgConn / denom,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func classifyUrgency(a ClusterAverages) Urgency {
	if a.AvgCpu > 0.70 || a.AvgMem > 0.75 || a.MaxCpu > 0.85 || a.MaxMem > 0.90 {
		return UrgencyCritical
	}
	if (a.AvgLatMs > 500 && (a.AvgCpu > 0.5 || a.AvgMem > 0.5)) ||
		(a.AvgLagMs > 500 && (a.AvgCpu > 0.5 || a.AvgMem > 0.5)) ||
		a.MpsPerCpuPct < 2.0 ||
		a.ConnPerCpuPct < 15 {
		return UrgencyHigh
	}

	moderateHits := 0
	if a.AvgCpu > 0.6 {
		moderateHits++
	}
	if a.AvgMem > 0.65 {
		moderateHits++
	}
	if a.AvgLatMs > 300 {
		moderateHits++
	}
	if a.MpsPerCpuPct < 5 {
		moderateHits++
	}
	if a.ConnPerCpuPct < 25 {
		moderateHits++
	}
	if moderateHits >= 3 {
		return UrgencyModerate
	}
	return UrgencyNone
}

func urgencyReason(u Urgency) string {
	switch u {
	case UrgencyCritical:
		return "critical urgency: cpu/mem thresholds exceeded"
	case UrgencyHigh:
		return "high urgency: latency, lag, or efficiency ratio degraded"
	case UrgencyModerate:
		return "moderate urgency: multiple soft thresholds exceeded"
	default:
		return "none"
	}
}

// scaleOutMagnitude computes k: base k=urgency, plus an acceleration bonus
// if load grew since the last scale-out within the window, plus a clamped
// consecutive-scale-out bonus, capped at MaxScaleOutStep.
func (c *Controller) scaleOutMagnitude(u Urgency, cur ClusterAverages, now time.Time) int {
	k := int(u)

	if c.memory.hasPrior && now.Sub(c.memory.at) < c.cfg.ScaleOutWindow {
		growth := maxGrowthRatio(c.memory.snapshot, cur)
		switch {
		case growth >= 1.5:
			k += 2
		case growth >= 1.2:
			k += 1
		}

		bonus := c.memory.consecutiveCount
		if bonus > 2 {
			bonus = 2
		}
		k += bonus
	}

	if k > c.cfg.MaxScaleOutStep {
		k = c.cfg.MaxScaleOutStep
	}
	if k < 1 {
		k = 1
	}
	return k
}

// maxGrowthRatio returns the largest growth factor (current/prior) across
// cpu, mem, mps, conn, and latency, guarding against division by zero.
func maxGrowthRatio(prior, cur ClusterAverages) float64 {
	ratio := func(p, c float64) float64 {
		if p <= 0 {
			if c <= 0 {
				return 1
			}
			return 2 // treat "from zero" as a large jump
		}
		return c / p
	}
	best := ratio(prior.AvgCpu, cur.AvgCpu)
	for _, r := range []float64{
		ratio(prior.AvgMem, cur.AvgMem),
		ratio(prior.AvgMps, cur.AvgMps),
		ratio(prior.AvgConn, cur.AvgConn),
		ratio(prior.AvgLatMs, cur.AvgLatMs),
	} {
		if r > best {
			best = r
		}
	}
	return best
}

// evaluateScaleIn requires every safety condition to hold before allowing a
// scale-in.
func (c *Controller) evaluateScaleIn(a ClusterAverages, n int) (bool, string) {
	if n-1 < c.cfg.NMin {
		return false, ""
	}
	if !(a.AvgCpu < 0.20 && a.AvgMem < 0.25) {
		return false, ""
	}
	if !(a.AvgLatMs < 100 && a.AvgLagMs < 100) {
		return false, ""
	}
	projCpu := a.AvgCpu * float64(n) / float64(n-1)
	projMem := a.AvgMem * float64(n) / float64(n-1)
	if !(projCpu < 0.50 && projMem < 0.55) {
		return false, ""
	}
	if !(a.MpsPerCpuPct > 5 && a.ConnPerCpuPct > 30) {
		return false, ""
	}
	return true, "scale-in: low load, healthy projection, n-1 >= n_min"
}

// computeWeights derives weights from an inverse load score, normalized so
// weights sum to 100·n, then clamped to MinWeight and renormalized.
func computeWeights(snapshots map[string]aggregator.LoadSnapshot, minWeight int) map[string]int {
	const epsilon = 0.01
	n := len(snapshots)
	if n == 0 {
		return nil
	}

	type scored struct {
		id    string
		score float64
	}
	scores := make([]scored, 0, n)
	for id, s := range snapshots {
		ls := loadScore(s)
		scores = append(scores, scored{id: id, score: ls})
	}

	inv := make(map[string]float64, n)
	var sumInv float64
	for _, s := range scores {
		v := 1.0 / (s.score + epsilon)
		inv[s.id] = v
		sumInv += v
	}

	target := 100.0 * float64(n)
	raw := make(map[string]float64, n)
	for _, s := range scores {
		raw[s.id] = inv[s.id] / sumInv * target
	}

	return clampAndRenormalize(raw, minWeight, target)
}

func loadScore(s aggregator.LoadSnapshot) float64 {
	cpu := clamp01(s.Cpu)
	mem := clamp01(s.Mem)
	lat := minF(s.P95LatencyMs/500, 1)
	lag := minF(s.LagMs/1000, 1)
	conn := minF(float64(s.ActiveConn)/5000, 1)
	return 0.40*cpu + 0.40*mem + 0.10*lat + 0.05*lag + 0.05*conn
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// clampAndRenormalize floors every weight at minWeight, then scales the
// remaining (non-floored) weights so the total still sums to target.
func clampAndRenormalize(raw map[string]float64, minWeight int, target float64) map[string]int {
	floored := make(map[string]bool, len(raw))
	result := make(map[string]float64, len(raw))
	for id, v := range raw {
		result[id] = v
	}

	// Iterate until stable: flooring some nodes changes the remaining sum,
	// which can push other nodes below the floor too.
	for {
		var flooredSum float64
		var freeSum float64
		changed := false
		for id, v := range result {
			if floored[id] {
				flooredSum += float64(minWeight)
				continue
			}
			if v < float64(minWeight) {
				floored[id] = true
				changed = true
				flooredSum += float64(minWeight)
				continue
			}
			freeSum += v
		}
		remaining := target - flooredSum
		if freeSum > 0 && remaining > 0 {
			scale := remaining / freeSum
			for id, v := range result {
				if !floored[id] {
					result[id] = v * scale
				}
			}
		}
		if !changed {
			break
		}
	}

	out := make(map[string]int, len(result))
	for id, v := range result {
		w := int(v + 0.5)
		if w < minWeight {
			w = minWeight
		}
		out[id] = w
	}
	return out
}

// converged reports whether a weight-only update can be skipped: true when
// weight spread, load spread, and node health are all within bounds.
func converged(weights map[string]int, a ClusterAverages, minWeight int) bool {
	if len(weights) == 0 {
		return true
	}
	maxW, minW := 0, 1<<62
	for _, w := range weights {
		if w > maxW {
			maxW = w
		}
		if w < minW {
			minW = w
		}
	}
	weightSpread := float64(maxW-minW) / 100.0
	loadSpread := maxF(a.AvgCpu, a.AvgMem) - minF(a.AvgCpu, a.AvgMem)
	healthy := a.AvgCpu < 0.70 && a.AvgMem < 0.70

	return weightSpread < 0.15 && loadSpread < 0.25 && healthy
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
