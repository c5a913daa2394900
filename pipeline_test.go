package coap

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"

	"github.com/outofforest/coap/exchange"
	"github.com/outofforest/coap/test/network"
	"github.com/outofforest/coap/wire"
)

type sequenceRecorder struct {
	mu        sync.Mutex
	sequences []uint32
}

func (r *sequenceRecorder) HandleEvent(ev exchange.Event) {
	resp, ok := ev.(exchange.ResponseEvent)
	if !ok {
		return
	}
	seq, _ := resp.Response.Options.Observe()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequences = append(r.sequences, seq)
}

func (r *sequenceRecorder) ContinueObservation() bool {
	return true
}

func (r *sequenceRecorder) Sequences() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]uint32(nil), r.sequences...)
}

// Two workers pick up notifications 1 and 3. The first one passes the freshness check before the
// second one is delivered completely, and reaches the dispatcher last.
func TestOlderNotificationOvertakenByNewerIsDiscarded(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)

	n := network.New()
	n.Node("server")

	config := DefaultConfig()
	config.Registerer = prometheus.NewRegistry()
	e, err := New(ctx, config, n.Node("client"), wire.NewCodec())
	requireT.NoError(err)

	rec := &sequenceRecorder{}
	observation, err := e.Observe(ctx, "server", wire.NewRequest(wire.GET, "temp"), rec)
	requireT.NoError(err)

	notification := func(mid wire.MessageID, seq uint32) *event {
		msg := wire.NewResponse(wire.Content)
		msg.Type = wire.NonConfirmable
		msg.MessageID = mid
		msg.Token = observation.Key().Token
		msg.Options.SetObserve(seq)

		return &event{
			Endpoint: "server",
			Message:  msg,
			Key:      observation.Key(),
			Received: e.clock.Now(),
		}
	}

	ev1 := notification(100, 1)
	requireT.True(e.reliabilityStage(ctx, ev1))
	requireT.True(e.observationStage(ctx, ev1))

	ev3 := notification(101, 3)
	for _, s := range e.stages {
		if !s.Process(ctx, ev3) {
			break
		}
	}
	requireT.Equal([]uint32{3}, rec.Sequences())

	requireT.False(e.dispatchStage(ctx, ev1))
	requireT.Equal([]uint32{3}, rec.Sequences())
	requireT.InDelta(1, testutil.ToFloat64(e.metrics.staleNotifications), 0)
}
