package coap_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"

	"github.com/outofforest/coap"
	"github.com/outofforest/coap/exchange"
	"github.com/outofforest/coap/resource"
	"github.com/outofforest/coap/test/network"
	"github.com/outofforest/coap/transport"
	"github.com/outofforest/coap/wire"
)

const (
	clientEP wire.Endpoint = "client"
	serverEP wire.Endpoint = "server"
)

func newClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return clk
}

func testConfig(clk clock.Clock) (coap.Config, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	config := coap.DefaultConfig()
	config.Clock = clk
	config.Registerer = registry
	return config, registry
}

type handler struct {
	mu     sync.Mutex
	events []exchange.Event
}

func (h *handler) HandleEvent(ev exchange.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, ev)
}

func (h *handler) ContinueObservation() bool {
	return true
}

func (h *handler) Events() []exchange.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]exchange.Event(nil), h.events...)
}

func (h *handler) Payloads() []string {
	var payloads []string
	for _, ev := range h.Events() {
		if resp, ok := ev.(exchange.ResponseEvent); ok {
			payloads = append(payloads, string(resp.Response.Payload))
		}
	}
	return payloads
}

func (h *handler) Last() exchange.Event {
	events := h.Events()
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

func (h *handler) Sequences() []uint32 {
	var sequences []uint32
	for _, ev := range h.Events() {
		if resp, ok := ev.(exchange.ResponseEvent); ok {
			seq, _ := resp.Response.Options.Observe()
			sequences = append(sequences, seq)
		}
	}
	return sequences
}

func (h *handler) Terminals() int {
	var terminals int
	for _, ev := range h.Events() {
		if exchange.Terminal(ev) {
			terminals++
		}
	}
	return terminals
}

func waitFor(requireT *require.Assertions, fn func() bool) {
	requireT.Eventually(fn, 5*time.Second, time.Millisecond)
}

func metric(requireT *require.Assertions, registry *prometheus.Registry, name string) float64 {
	families, err := registry.Gather()
	requireT.NoError(err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		m := f.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
		return m.GetCounter().GetValue()
	}
	requireT.Failf("metric not found", "metric %s", name)
	return 0
}

func receive(ctx context.Context, requireT *require.Assertions, ch <-chan *wire.Message) *wire.Message {
	select {
	case <-ctx.Done():
		requireT.Fail("context done")
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	case msg := <-ch:
		return msg
	}
	return nil
}

func TestRequestResponse(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := network.New()
	clk := newClock()

	config, _ := testConfig(clk)
	server, err := coap.New(ctx, config, n.Node(serverEP), wire.NewCodec())
	requireT.NoError(err)
	config, _ = testConfig(clk)
	client, err := coap.New(ctx, config, n.Node(clientEP), wire.NewCodec())
	requireT.NoError(err)

	name := resource.NewValue(resource.ValueConfig{Path: "name"}, "alice")
	requireT.NoError(server.AddResource(name))
	requireT.Error(server.AddResource(name))

	group.Spawn("server", parallel.Fail, server.Run)
	group.Spawn("client", parallel.Fail, client.Run)

	resp, err := client.Do(ctx, serverEP, wire.NewRequest(wire.GET, "name"))
	requireT.NoError(err)
	requireT.Equal(wire.Acknowledgement, resp.Type)
	requireT.Equal(wire.Content, resp.Code)
	requireT.Equal(wire.TextPlain, resp.Options.ContentFormat)
	requireT.Equal("alice", string(resp.Payload))

	req := wire.NewRequest(wire.GET, "name")
	req.Options.Accept = wire.JSON
	resp, err = client.Do(ctx, serverEP, req)
	requireT.NoError(err)
	requireT.Equal(wire.JSON, resp.Options.ContentFormat)
	requireT.Equal(`"alice"`, string(resp.Payload))

	req.Options.Accept = wire.CBOR
	resp, err = client.Do(ctx, serverEP, req)
	requireT.NoError(err)
	requireT.Equal(wire.NotAcceptable, resp.Code)

	req = wire.NewRequest(wire.PUT, "name")
	req.Type = wire.NonConfirmable
	req.Options.ContentFormat = wire.TextPlain
	req.Payload = []byte("bob")
	resp, err = client.Do(ctx, serverEP, req)
	requireT.NoError(err)
	requireT.Equal(wire.NonConfirmable, resp.Type)
	requireT.Equal(wire.Changed, resp.Code)
	requireT.Equal("bob", name.Get())

	resp, err = client.Do(ctx, serverEP, wire.NewRequest(wire.GET, "missing"))
	requireT.NoError(err)
	requireT.Equal(wire.NotFound, resp.Code)

	_, err = client.Do(ctx, serverEP, wire.NewResponse(wire.Content))
	requireT.Error(err)
}

func TestObservationLifecycle(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := network.New()
	codec := wire.NewCodec()

	config, registry := testConfig(newClock())
	config.Workers = 1
	client, err := coap.New(ctx, config, n.Node(clientEP), codec)
	requireT.NoError(err)

	server := n.Node(serverEP)
	serverCh := make(chan *wire.Message, 10)

	group.Spawn("client", parallel.Fail, client.Run)
	group.Spawn("server", parallel.Fail, func(ctx context.Context) error {
		return server.Run(ctx, func(_ wire.Endpoint, datagram []byte) {
			msg, err := codec.Decode(datagram)
			if err == nil {
				serverCh <- msg
			}
		})
	})

	send := func(msgType wire.Type, mid wire.MessageID, token wire.Token, seq uint32, payload string) {
		msg := wire.NewResponse(wire.Content)
		msg.Type = msgType
		msg.MessageID = mid
		msg.Token = token
		msg.Options.ContentFormat = wire.TextPlain
		msg.Options.SetObserve(seq)
		msg.Payload = []byte(payload)

		datagram, err := codec.Encode(msg)
		requireT.NoError(err)
		server.Send(clientEP, datagram, nil)
	}

	h := &handler{}
	observation, err := client.Observe(ctx, serverEP, wire.NewRequest(wire.GET, "temp"), h)
	requireT.NoError(err)

	req := receive(ctx, requireT, serverCh)
	requireT.Equal(wire.Confirmable, req.Type)
	requireT.Equal(observation.Key().Token, req.Token)
	requireT.Equal("temp", req.Options.URIPath)
	seq, observed := req.Options.Observe()
	requireT.True(observed)
	requireT.Equal(wire.ObserveRegister, seq)

	token := req.Token
	send(wire.Acknowledgement, req.MessageID, token, 1, "a")
	waitFor(requireT, func() bool {
		return len(h.Payloads()) == 1
	})
	events := h.Events()
	requireT.Len(events, 3)
	requireT.Equal(exchange.MessageIDAssignedEvent{MessageID: req.MessageID}, events[0])
	requireT.Equal(exchange.ObserverAcceptedEvent{Sequence: 1}, events[1])

	send(wire.NonConfirmable, 100, token, 3, "c")
	waitFor(requireT, func() bool {
		return len(h.Payloads()) == 2
	})

	// Reordered by the network, older than the last one delivered.
	send(wire.NonConfirmable, 101, token, 2, "b")

	// Confirmable notification is acknowledged.
	send(wire.Confirmable, 102, token, 4, "d")
	ack := receive(ctx, requireT, serverCh)
	requireT.Equal(wire.Acknowledgement, ack.Type)
	requireT.EqualValues(102, ack.MessageID)
	waitFor(requireT, func() bool {
		return len(h.Payloads()) == 3
	})
	requireT.Equal([]string{"a", "c", "d"}, h.Payloads())
	requireT.EqualValues(1, metric(requireT, registry, "coap_stale_notifications_total"))

	observation.Cancel()
	requireT.ErrorIs(exchange.Err(h.Last()), coap.ErrCanceled)
	requireT.Zero(metric(requireT, registry, "coap_observations"))
	requireT.Zero(metric(requireT, registry, "coap_exchanges"))

	send(wire.NonConfirmable, 103, token, 5, "e")
	rst := receive(ctx, requireT, serverCh)
	requireT.Equal(wire.Reset, rst.Type)
	requireT.EqualValues(103, rst.MessageID)

	send(wire.Confirmable, 104, token, 6, "f")
	rst = receive(ctx, requireT, serverCh)
	requireT.Equal(wire.Reset, rst.Type)
	requireT.EqualValues(104, rst.MessageID)

	requireT.Equal([]string{"a", "c", "d"}, h.Payloads())
	requireT.EqualValues(2, metric(requireT, registry, "coap_unmatched_responses_total"))
}

func TestUnacknowledgedRequestTimesOut(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := network.New()
	n.Node(serverEP)

	var transmissions atomic.Int32
	n.SetFilter(func(from, _ wire.Endpoint, _ []byte) network.Action {
		if from == clientEP {
			transmissions.Add(1)
		}
		return network.Drop
	})

	clk := newClock()
	config, registry := testConfig(clk)
	config.ACKRandomFactor = 1.0
	client, err := coap.New(ctx, config, n.Node(clientEP), wire.NewCodec())
	requireT.NoError(err)

	group.Spawn("client", parallel.Fail, client.Run)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Do(ctx, serverEP, wire.NewRequest(wire.GET, "temp"))
		errCh <- err
	}()

	timeout := config.ACKTimeout
	for i := int32(1); i <= 5; i++ {
		waitFor(requireT, func() bool {
			return transmissions.Load() == i
		})
		clk.Add(timeout - time.Millisecond)
		requireT.Equal(i, transmissions.Load())
		clk.Add(time.Millisecond)
		timeout *= 2
	}

	select {
	case err := <-errCh:
		requireT.ErrorIs(err, exchange.ErrTimeout)
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	}
	requireT.EqualValues(5, transmissions.Load())

	requireT.NoError(testutil.GatherAndCompare(registry, strings.NewReader(`
# HELP coap_retransmissions_total Total number of retransmitted confirmable messages.
# TYPE coap_retransmissions_total counter
coap_retransmissions_total 4
# HELP coap_transmission_timeouts_total Total number of confirmable messages never acknowledged.
# TYPE coap_transmission_timeouts_total counter
coap_transmission_timeouts_total 1
`), "coap_retransmissions_total", "coap_transmission_timeouts_total"))
	requireT.Zero(metric(requireT, registry, "coap_exchanges"))
}

func TestDuplicatedRequestIsProcessedOnce(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := network.New()
	n.SetFilter(func(from, _ wire.Endpoint, _ []byte) network.Action {
		if from == clientEP {
			return network.Duplicate
		}
		return network.Deliver
	})

	clk := newClock()
	config, serverRegistry := testConfig(clk)
	config.Workers = 1
	server, err := coap.New(ctx, config, n.Node(serverEP), wire.NewCodec())
	requireT.NoError(err)
	config, _ = testConfig(clk)
	client, err := coap.New(ctx, config, n.Node(clientEP), wire.NewCodec())
	requireT.NoError(err)

	counter := resource.NewValue(resource.ValueConfig{Path: "counter"}, "")
	var changes atomic.Int32
	counter.Subscribe(func() {
		changes.Add(1)
	})
	requireT.NoError(server.AddResource(counter))

	group.Spawn("server", parallel.Fail, server.Run)
	group.Spawn("client", parallel.Fail, client.Run)

	req := wire.NewRequest(wire.PUT, "counter")
	req.Options.ContentFormat = wire.TextPlain
	req.Payload = []byte("1")
	resp, err := client.Do(ctx, serverEP, req)
	requireT.NoError(err)
	requireT.Equal(wire.Changed, resp.Code)

	waitFor(requireT, func() bool {
		return metric(requireT, serverRegistry, "coap_duplicates_total") == 1
	})
	requireT.EqualValues(1, changes.Load())
}

func TestServerObservation(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := network.New()
	clk := newClock()

	config, serverRegistry := testConfig(clk)
	server, err := coap.New(ctx, config, n.Node(serverEP), wire.NewCodec())
	requireT.NoError(err)
	config, clientRegistry := testConfig(clk)
	client, err := coap.New(ctx, config, n.Node(clientEP), wire.NewCodec())
	requireT.NoError(err)

	temp := resource.NewValue(resource.ValueConfig{
		Path:                     "temp",
		Observable:               true,
		ConfirmableNotifications: true,
		MaxAge:                   time.Minute,
	}, 20)
	requireT.NoError(server.AddResource(temp))

	group.Spawn("server", parallel.Fail, server.Run)
	group.Spawn("client", parallel.Fail, client.Run)

	h := &handler{}
	_, err = client.Observe(ctx, serverEP, wire.NewRequest(wire.GET, "temp"), h)
	requireT.NoError(err)
	waitFor(requireT, func() bool {
		return len(h.Payloads()) == 1
	})
	requireT.EqualValues(1, metric(requireT, serverRegistry, "coap_observers"))

	temp.Set(21)
	waitFor(requireT, func() bool {
		return len(h.Payloads()) == 2
	})
	temp.Set(22)
	waitFor(requireT, func() bool {
		return len(h.Payloads()) == 3
	})

	// Confirmable notifications are acknowledged by the client.
	waitFor(requireT, func() bool {
		return metric(requireT, serverRegistry, "coap_pending_confirmables") == 0
	})

	// Max-age elapsed without change.
	clk.Add(time.Minute)
	waitFor(requireT, func() bool {
		return len(h.Payloads()) == 4
	})
	requireT.Equal([]string{"20", "21", "22", "22"}, h.Payloads())

	resp := h.Events()[2].(exchange.ResponseEvent)
	requireT.True(resp.Notification)
	requireT.EqualValues(60, resp.Response.Options.MaxAge)

	requireT.True(server.RemoveResource("temp"))
	requireT.False(server.RemoveResource("temp"))
	waitFor(requireT, func() bool {
		ev, ok := h.Last().(exchange.ResponseEvent)
		return ok && ev.Response.Code == wire.NotFound
	})
	requireT.True(exchange.Terminal(h.Last()))
	requireT.Zero(metric(requireT, serverRegistry, "coap_observers"))
	requireT.Zero(metric(requireT, clientRegistry, "coap_observations"))
	requireT.Zero(metric(requireT, clientRegistry, "coap_exchanges"))
}

func TestCanceledObservationStopsServer(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := network.New()
	clk := newClock()

	config, serverRegistry := testConfig(clk)
	server, err := coap.New(ctx, config, n.Node(serverEP), wire.NewCodec())
	requireT.NoError(err)
	config, clientRegistry := testConfig(clk)
	client, err := coap.New(ctx, config, n.Node(clientEP), wire.NewCodec())
	requireT.NoError(err)

	counter := resource.NewValue(resource.ValueConfig{Path: "counter", Observable: true}, 0)
	requireT.NoError(server.AddResource(counter))

	group.Spawn("server", parallel.Fail, server.Run)
	group.Spawn("client", parallel.Fail, client.Run)

	h := &handler{}
	observation, err := client.Observe(ctx, serverEP, wire.NewRequest(wire.GET, "counter"), h)
	requireT.NoError(err)
	waitFor(requireT, func() bool {
		return len(h.Payloads()) == 1
	})

	observation.Cancel()
	counter.Set(1)

	waitFor(requireT, func() bool {
		return metric(requireT, serverRegistry, "coap_observers") == 0
	})
	requireT.Equal([]string{"0"}, h.Payloads())
	requireT.EqualValues(1, metric(requireT, clientRegistry, "coap_unmatched_responses_total"))
}

func TestDeregistration(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := network.New()
	codec := wire.NewCodec()
	clk := newClock()

	config, serverRegistry := testConfig(clk)
	server, err := coap.New(ctx, config, n.Node(serverEP), codec)
	requireT.NoError(err)
	requireT.NoError(server.AddResource(resource.NewValue(resource.ValueConfig{
		Path:       "counter",
		Observable: true,
	}, 0)))

	client := n.Node(clientEP)
	clientCh := make(chan *wire.Message, 10)

	group.Spawn("server", parallel.Fail, server.Run)
	group.Spawn("client", parallel.Fail, func(ctx context.Context) error {
		return client.Run(ctx, func(_ wire.Endpoint, datagram []byte) {
			msg, err := codec.Decode(datagram)
			if err == nil {
				clientCh <- msg
			}
		})
	})

	request := func(mid wire.MessageID, observe uint32) *wire.Message {
		req := wire.NewRequest(wire.GET, "counter")
		req.MessageID = mid
		req.Token = "\x07"
		req.Options.SetObserve(observe)

		datagram, err := codec.Encode(req)
		requireT.NoError(err)
		client.Send(serverEP, datagram, nil)
		return receive(ctx, requireT, clientCh)
	}

	resp := request(1, wire.ObserveRegister)
	seq, observed := resp.Options.Observe()
	requireT.True(observed)
	requireT.EqualValues(1, seq)
	requireT.EqualValues(1, metric(requireT, serverRegistry, "coap_observers"))

	resp = request(2, wire.ObserveDeregister)
	requireT.Equal(wire.Content, resp.Code)
	_, observed = resp.Options.Observe()
	requireT.False(observed)
	requireT.Zero(metric(requireT, serverRegistry, "coap_observers"))
}

func TestNotificationsStayOrderedWithManyWorkers(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	const notifications = 50

	n := network.New()
	codec := wire.NewCodec()

	config, registry := testConfig(newClock())
	requireT.Greater(config.Workers, 1)
	client, err := coap.New(ctx, config, n.Node(clientEP), codec)
	requireT.NoError(err)

	server := n.Node(serverEP)
	serverCh := make(chan *wire.Message, 10)

	group.Spawn("client", parallel.Fail, client.Run)
	group.Spawn("server", parallel.Fail, func(ctx context.Context) error {
		return server.Run(ctx, func(_ wire.Endpoint, datagram []byte) {
			msg, err := codec.Decode(datagram)
			if err == nil {
				serverCh <- msg
			}
		})
	})

	h := &handler{}
	_, err = client.Observe(ctx, serverEP, wire.NewRequest(wire.GET, "temp"), h)
	requireT.NoError(err)
	req := receive(ctx, requireT, serverCh)

	for i := uint32(1); i <= notifications; i++ {
		msg := wire.NewResponse(wire.Content)
		msg.Type = wire.NonConfirmable
		msg.MessageID = wire.MessageID(1000 + i)
		if i == 1 {
			msg.Type = wire.Acknowledgement
			msg.MessageID = req.MessageID
		}
		msg.Token = req.Token
		msg.Options.SetObserve(i)

		datagram, err := codec.Encode(msg)
		requireT.NoError(err)
		server.Send(clientEP, datagram, nil)
	}

	waitFor(requireT, func() bool {
		stale := metric(requireT, registry, "coap_stale_notifications_total")
		return len(h.Sequences())+int(stale) == notifications
	})

	sequences := h.Sequences()
	requireT.NotEmpty(sequences)
	requireT.EqualValues(notifications, sequences[len(sequences)-1])
	for i := 1; i < len(sequences); i++ {
		requireT.Less(sequences[i-1], sequences[i])
	}
}

func TestTransportFailureEndsExchange(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := network.New()
	config, registry := testConfig(newClock())
	client, err := coap.New(ctx, config, n.Node(clientEP), wire.NewCodec())
	requireT.NoError(err)

	group.Spawn("client", parallel.Fail, client.Run)

	// Nothing is attached under the server endpoint.
	h := &handler{}
	_, err = client.Observe(ctx, serverEP, wire.NewRequest(wire.GET, "temp"), h)
	requireT.NoError(err)

	waitFor(requireT, func() bool {
		return h.Terminals() == 1
	})
	requireT.IsType(exchange.ErrorEvent{}, h.Last())
	requireT.ErrorIs(exchange.Err(h.Last()), transport.ErrNoRoute)
	requireT.Zero(metric(requireT, registry, "coap_exchanges"))
	requireT.Zero(metric(requireT, registry, "coap_observations"))
	requireT.Zero(metric(requireT, registry, "coap_pending_confirmables"))
	requireT.EqualValues(1, metric(requireT, registry, "coap_transport_errors_total"))

	req := wire.NewRequest(wire.GET, "temp")
	req.Type = wire.NonConfirmable
	_, err = client.Do(ctx, serverEP, req)
	requireT.ErrorIs(err, transport.ErrNoRoute)
	requireT.Zero(metric(requireT, registry, "coap_exchanges"))
	requireT.EqualValues(2, metric(requireT, registry, "coap_transport_errors_total"))

	requireT.Equal(1, h.Terminals())
}

func TestFailedNotificationRemovesObserver(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := network.New()
	clk := newClock()

	config, serverRegistry := testConfig(clk)
	server, err := coap.New(ctx, config, n.Node(serverEP), wire.NewCodec())
	requireT.NoError(err)
	config, _ = testConfig(clk)
	client, err := coap.New(ctx, config, n.Node(clientEP), wire.NewCodec())
	requireT.NoError(err)

	counter := resource.NewValue(resource.ValueConfig{
		Path:                     "counter",
		Observable:               true,
		ConfirmableNotifications: true,
	}, 0)
	requireT.NoError(server.AddResource(counter))

	group.Spawn("server", parallel.Fail, server.Run)
	group.Spawn("client", parallel.Fail, client.Run)

	h := &handler{}
	_, err = client.Observe(ctx, serverEP, wire.NewRequest(wire.GET, "counter"), h)
	requireT.NoError(err)
	waitFor(requireT, func() bool {
		return len(h.Payloads()) == 1
	})
	requireT.EqualValues(1, metric(requireT, serverRegistry, "coap_observers"))

	n.SetFilter(func(from, _ wire.Endpoint, _ []byte) network.Action {
		if from == serverEP {
			return network.Fail
		}
		return network.Deliver
	})
	counter.Set(1)

	waitFor(requireT, func() bool {
		return metric(requireT, serverRegistry, "coap_observers") == 0
	})
	requireT.Zero(metric(requireT, serverRegistry, "coap_pending_confirmables"))
	requireT.EqualValues(1, metric(requireT, serverRegistry, "coap_transport_errors_total"))
	requireT.Equal([]string{"0"}, h.Payloads())
}
