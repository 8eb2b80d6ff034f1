package scaling

import (
	"testing"
	"time"

	"github.com/adred-codev/ringfabric/internal/aggregator"
	"github.com/stretchr/testify/require"
)

func snapshots3(cpu, mem float64) map[string]aggregator.LoadSnapshot {
	return map[string]aggregator.LoadSnapshot{
		"A": {NodeID: "A", Cpu: cpu, Mem: mem},
		"B": {NodeID: "B", Cpu: cpu, Mem: mem},
		"C": {NodeID: "C", Cpu: cpu, Mem: mem},
	}
}

func TestDecide_ConsecutiveAcceleratingScaleOutsWidenMagnitude(t *testing.T) {
	ctrl := New(Config{MinWeight: 10, MaxScaleOutStep: 5, ScaleOutWindow: 5 * time.Minute, NMin: 2})

	t0 := time.Now()
	d1 := ctrl.Decide(snapshots3(0.75, 0.60), false, t0)
	require.Equal(t, ActionScaleOut, d1.Action)
	require.Equal(t, 3, d1.ScaleOutCount)

	// avgCpu grows 0.75 -> 0.90, a 1.2x ratio: crosses the acceleration
	// threshold for +1, plus the consecutive-scale-out bonus of +1 (clamped),
	// for base 3 + 1 + 1 = 5.
	t1 := t0.Add(2 * time.Minute)
	d2 := ctrl.Decide(snapshots3(0.90, 0.75), false, t1)
	require.Equal(t, ActionScaleOut, d2.Action)
	require.Equal(t, 5, d2.ScaleOutCount)
}

// TestDecide_HealthyBalancedLoadSuppressesWeightOnlyPublish confirms that
// healthy, balanced load means no control-topic publish for a weight-only
// update.
func TestDecide_HealthyBalancedLoadSuppressesWeightOnlyPublish(t *testing.T) {
	ctrl := New(Config{MinWeight: 10, MaxScaleOutStep: 5, ScaleOutWindow: 5 * time.Minute, NMin: 2})

	snaps := map[string]aggregator.LoadSnapshot{
		"A": {NodeID: "A", Cpu: 0.38, Mem: 0.38, Mps: 1000, ActiveConn: 2000},
		"B": {NodeID: "B", Cpu: 0.42, Mem: 0.42, Mps: 1000, ActiveConn: 2000},
		"C": {NodeID: "C", Cpu: 0.38, Mem: 0.38, Mps: 1000, ActiveConn: 2000},
	}

	d := ctrl.Decide(snaps, false, time.Now())
	require.Equal(t, ActionNone, d.Action)
	require.False(t, d.PublishRing)
}

func TestScaleIn_RequiresAllConditions(t *testing.T) {
	ctrl := New(Config{MinWeight: 10, MaxScaleOutStep: 5, ScaleOutWindow: 5 * time.Minute, NMin: 2})

	healthy := map[string]aggregator.LoadSnapshot{
		"A": {NodeID: "A", Cpu: 0.10, Mem: 0.10, Mps: 1000, ActiveConn: 1000, P95LatencyMs: 50, LagMs: 10},
		"B": {NodeID: "B", Cpu: 0.10, Mem: 0.10, Mps: 1000, ActiveConn: 1000, P95LatencyMs: 50, LagMs: 10},
		"C": {NodeID: "C", Cpu: 0.10, Mem: 0.10, Mps: 1000, ActiveConn: 1000, P95LatencyMs: 50, LagMs: 10},
	}
	d := ctrl.Decide(healthy, false, time.Now())
	require.Equal(t, ActionScaleIn, d.Action)
}

func TestScaleIn_ForbiddenBelowNMin(t *testing.T) {
	ctrl := New(Config{MinWeight: 10, MaxScaleOutStep: 5, ScaleOutWindow: 5 * time.Minute, NMin: 2})

	healthy := map[string]aggregator.LoadSnapshot{
		"A": {NodeID: "A", Cpu: 0.05, Mem: 0.05, Mps: 1000, ActiveConn: 1000, P95LatencyMs: 50, LagMs: 10},
		"B": {NodeID: "B", Cpu: 0.05, Mem: 0.05, Mps: 1000, ActiveConn: 1000, P95LatencyMs: 50, LagMs: 10},
	}
	d := ctrl.Decide(healthy, false, time.Now())
	require.NotEqual(t, ActionScaleIn, d.Action) // n-1=1 < n_min=2
}

func TestComputeWeights_FloorsAtMinWeight(t *testing.T) {
	// One node pegged at max load, others idle: the overloaded node should
	// still receive at least MinWeight, never starve to zero.
	snaps := map[string]aggregator.LoadSnapshot{
		"hot":  {NodeID: "hot", Cpu: 0.99, Mem: 0.99, P95LatencyMs: 2000, LagMs: 5000, ActiveConn: 10000},
		"idle": {NodeID: "idle", Cpu: 0.0, Mem: 0.0},
	}
	weights := computeWeights(snaps, 10)
	require.GreaterOrEqual(t, weights["hot"], 10)
	require.GreaterOrEqual(t, weights["idle"], 10)
}

func TestDecide_NoLiveNodes(t *testing.T) {
	ctrl := New(Config{MinWeight: 10, MaxScaleOutStep: 5, ScaleOutWindow: 5 * time.Minute, NMin: 2})
	d := ctrl.Decide(map[string]aggregator.LoadSnapshot{}, false, time.Now())
	require.Equal(t, ActionNone, d.Action)
}

func TestDecide_TopologyChangeAlwaysPublishes(t *testing.T) {
	ctrl := New(Config{MinWeight: 10, MaxScaleOutStep: 5, ScaleOutWindow: 5 * time.Minute, NMin: 2})
	snaps := map[string]aggregator.LoadSnapshot{
		"A": {NodeID: "A", Cpu: 0.38, Mem: 0.38},
		"B": {NodeID: "B", Cpu: 0.42, Mem: 0.42},
	}
	d := ctrl.Decide(snaps, true, time.Now())
	require.True(t, d.PublishRing)
}
