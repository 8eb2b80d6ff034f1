package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelect_EmptyRing(t *testing.T) {
	r, err := New(nil, 1)
	require.NoError(t, err)

	_, err = r.Select("r1")
	require.ErrorIs(t, err, ErrNoNodes)
}

func TestSelect_SingleNodeAlwaysWins(t *testing.T) {
	r, err := New([]NodeDescriptor{{NodeID: "A", Weight: 100}}, 1)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		id, err := r.Select(fmt.Sprintf("recipient-%d", i))
		require.NoError(t, err)
		require.Equal(t, "A", id)
	}
}

func TestSelect_Deterministic(t *testing.T) {
	r, err := New([]NodeDescriptor{{NodeID: "A", Weight: 100}, {NodeID: "B", Weight: 100}, {NodeID: "C", Weight: 50}}, 1)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		recipient := fmt.Sprintf("recipient-%d", i)
		first, err := r.Select(recipient)
		require.NoError(t, err)
		second, err := r.Select(recipient)
		require.NoError(t, err)
		require.Equal(t, first, second)
	}
}

func TestSelect_IndependentlyConstructedRingsAgree(t *testing.T) {
	nodes := []NodeDescriptor{{NodeID: "A", Weight: 100}, {NodeID: "B", Weight: 100}, {NodeID: "C", Weight: 50}}

	r1, err := New(nodes, 7)
	require.NoError(t, err)
	r2, err := New(nodes, 7)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		recipient := fmt.Sprintf("recipient-%d", i)
		owner1, err := r1.Select(recipient)
		require.NoError(t, err)
		owner2, err := r2.Select(recipient)
		require.NoError(t, err)
		require.Equal(t, owner1, owner2, "two Rings built from the same membership must agree on every recipient's owner")
	}
}

func TestNew_RejectsWeightBelowMinimum(t *testing.T) {
	_, err := New([]NodeDescriptor{{NodeID: "A", Weight: MinWeight - 1}}, 1)
	require.Error(t, err)
}

func TestDiff_JoinAndRemove(t *testing.T) {
	r1, _ := New([]NodeDescriptor{{NodeID: "A", Weight: 100}, {NodeID: "B", Weight: 100}}, 1)
	r2, _ := New([]NodeDescriptor{{NodeID: "A", Weight: 100}, {NodeID: "C", Weight: 100}}, 2)

	joined, removed := Diff(r1, r2)
	require.ElementsMatch(t, []string{"C"}, joined)
	require.ElementsMatch(t, []string{"B"}, removed)
}

func TestDiff_NilPrevious(t *testing.T) {
	r2, _ := New([]NodeDescriptor{{NodeID: "A", Weight: 100}}, 1)
	joined, removed := Diff(nil, r2)
	require.ElementsMatch(t, []string{"A"}, joined)
	require.Empty(t, removed)
}

func TestSelect_RecipientOwnedByRemovedNodeRemapsToSurvivor(t *testing.T) {
	r, err := New([]NodeDescriptor{{NodeID: "A", Weight: 100}, {NodeID: "B", Weight: 100}, {NodeID: "C", Weight: 100}}, 1)
	require.NoError(t, err)

	var recipientOnB string
	for i := 0; i < 1000; i++ {
		cand := fmt.Sprintf("r%d", i)
		owner, err := r.Select(cand)
		require.NoError(t, err)
		if owner == "B" {
			recipientOnB = cand
			break
		}
	}
	require.NotEmpty(t, recipientOnB, "expected to find a recipient owned by B")

	r2, err := New([]NodeDescriptor{{NodeID: "A", Weight: 100}, {NodeID: "C", Weight: 100}}, 2)
	require.NoError(t, err)

	newOwner, err := r2.Select(recipientOnB)
	require.NoError(t, err)
	require.NotEqual(t, "B", newOwner)
}
