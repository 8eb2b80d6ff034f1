package control

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/ringfabric/internal/envelope"
	"github.com/adred-codev/ringfabric/internal/msglog"
	"github.com/adred-codev/ringfabric/internal/ring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type staticRingSource struct{ r *ring.Ring }

func (s staticRingSource) Current() *ring.Ring { return s.r }

// TestForwarderRun_RepublishesBacklogToNewOwnerInOrder confirms that
// envelopes already sitting on a removed node's delivery topic are
// republished, in order, to whichever node the current ring now assigns the
// recipient to.
func TestForwarderRun_RepublishesBacklogToNewOwnerInOrder(t *testing.T) {
	log := msglog.NewMemLog()
	r, err := ring.New([]ring.NodeDescriptor{{NodeID: "A", Weight: 100}, {NodeID: "C", Weight: 100}}, 2)
	require.NoError(t, err)

	fwd := NewForwarder(log, staticRingSource{r}, time.Second, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target, err := r.Select("r7")
	require.NoError(t, err)
	targetDeliveries, err := log.Subscribe(ctx, msglog.DeliveryTopicFor(target), "node-"+target)
	require.NoError(t, err)

	env1 := envelope.Envelope{MsgID: "m1", To: "r7", Type: "chat"}
	env2 := envelope.Envelope{MsgID: "m2", To: "r7", Type: "chat"}
	data1, _ := env1.Marshal()
	data2, _ := env2.Marshal()
	require.NoError(t, log.Publish(ctx, msglog.DeliveryTopicFor("B"), "r7", data1))
	require.NoError(t, log.Publish(ctx, msglog.DeliveryTopicFor("B"), "r7", data2))

	go fwd.Run(ctx, "B")

	var got []envelope.Envelope
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case rec := <-targetDeliveries:
			e, err := envelope.Unmarshal(rec.Value)
			require.NoError(t, err)
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out, got %d deliveries", len(got))
		}
	}

	require.Equal(t, "m1", got[0].MsgID)
	require.Equal(t, "m2", got[1].MsgID)
	require.Equal(t, envelope.HopRelay, got[0].Hop)
}
