package coap

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"

	"github.com/outofforest/coap/exchange"
	"github.com/outofforest/coap/ident"
	"github.com/outofforest/coap/observe"
	"github.com/outofforest/coap/reliability"
	"github.com/outofforest/coap/transport"
	"github.com/outofforest/coap/wire"
)

type datagram struct {
	Endpoint wire.Endpoint
	Payload  []byte
}

// event is the inbound message travelling through the pipeline.
type event struct {
	Endpoint wire.Endpoint
	Message  *wire.Message
	Key      exchange.Key
	Received time.Time

	// Gate decides if notification reaches the continuation.
	Gate exchange.Gate
}

// stage processes inbound event. It returns false if event is consumed.
type stage struct {
	Name    string
	Process func(ctx context.Context, ev *event) bool
}

// Engine exchanges messages with remote endpoints, playing both client and server role.
type Engine struct {
	config    Config
	log       *zap.Logger
	clock     clock.Clock
	transport transport.Transport
	codec     wire.Codec
	metrics   *metrics

	tokens        *ident.TokenAllocator
	mids          *ident.MessageIDAllocator
	retransmitter *reliability.Retransmitter
	dedup         *reliability.Deduplicator
	dispatcher    *exchange.Dispatcher
	observations  *observe.Observations
	subscribers   *observe.Subscribers

	inbound chan datagram
	stages  []stage

	mu        sync.RWMutex
	resources map[string]*served
}

// New creates engine.
func New(ctx context.Context, config Config, tr transport.Transport, codec wire.Codec) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	log := logger.Get(ctx)
	tokens := ident.NewTokenAllocator(config.MaxTokenLength)
	mids := ident.NewMessageIDAllocator(config.Clock, config.ExchangeLifetime)

	e := &Engine{
		config:       config,
		log:          log,
		clock:        config.Clock,
		transport:    tr,
		codec:        codec,
		metrics:      newMetrics(),
		tokens:       tokens,
		mids:         mids,
		dispatcher:   exchange.NewDispatcher(log, tokens, mids),
		observations: observe.NewObservations(log),
		inbound:      make(chan datagram, config.InboundQueueSize),
		resources:    map[string]*served{},
	}
	e.retransmitter = reliability.NewRetransmitter(config.reliability(), config.Clock, log, e.send)
	e.dedup = reliability.NewDeduplicator(config.reliability(), config.Clock, log, codec, e.send)
	e.subscribers = observe.NewSubscribers(config.Clock, log, e.sendNotification)
	e.stages = []stage{
		{Name: "reliability", Process: e.reliabilityStage},
		{Name: "observation", Process: e.observationStage},
		{Name: "dispatch", Process: e.dispatchStage},
		{Name: "serve", Process: e.serveStage},
	}

	if err := e.metrics.register(config.Registerer, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Run runs transport, inbound workers and message ID sweeper.
func (e *Engine) Run(ctx context.Context) error {
	defer e.close()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("transport", parallel.Fail, func(ctx context.Context) error {
			return e.transport.Run(ctx, e.receive)
		})
		spawn("sweeper", parallel.Fail, func(ctx context.Context) error {
			return e.mids.Run(ctx, e.config.SweepInterval)
		})
		for range e.config.Workers {
			spawn("worker", parallel.Fail, e.runWorker)
		}

		return nil
	})
}

func (e *Engine) close() {
	e.retransmitter.Close()
	e.dedup.Close()
	e.subscribers.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.resources {
		s.Unsubscribe()
	}
}

func (e *Engine) receive(ep wire.Endpoint, payload []byte) {
	select {
	case e.inbound <- datagram{Endpoint: ep, Payload: payload}:
	default:
		e.metrics.droppedDatagrams.Inc()
		e.log.Debug("Inbound queue full, datagram dropped", endpointField(ep))
	}
}

func (e *Engine) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case d := <-e.inbound:
			e.process(ctx, d)
		}
	}
}

func (e *Engine) process(ctx context.Context, d datagram) {
	msg, err := e.codec.Decode(d.Payload)
	if err != nil {
		e.metrics.decodeErrors.Inc()
		e.log.Debug("Decoding datagram failed", endpointField(d.Endpoint), zap.Error(err))
		return
	}

	ev := &event{
		Endpoint: d.Endpoint,
		Message:  msg,
		Key:      exchange.Key{Endpoint: d.Endpoint, Token: msg.Token},
		Received: e.clock.Now(),
	}
	for _, s := range e.stages {
		if !s.Process(ctx, ev) {
			return
		}
	}
	e.log.Debug("Message not consumed by any stage", endpointField(d.Endpoint), zap.Stringer("message", msg))
}

func (e *Engine) reliabilityStage(_ context.Context, ev *event) bool {
	msg := ev.Message

	switch msg.Type {
	case wire.Acknowledgement:
		if e.retransmitter.Acknowledge(ev.Endpoint, msg.MessageID) &&
			!e.dispatcher.ReleaseMessageID(ev.Endpoint, msg.MessageID) {
			e.mids.Release(ev.Endpoint, msg.MessageID)
		}
		return !msg.IsEmpty()
	case wire.Reset:
		e.reset(ev.Endpoint, msg.MessageID)
		return false
	}

	if e.dedup.Receive(ev.Endpoint, msg) == reliability.Duplicate {
		return false
	}
	if msg.IsEmpty() {
		// Empty confirmable message is a ping answered with reset.
		if msg.IsConfirmable() {
			e.dedup.Reject(ev.Endpoint, msg.MessageID)
		}
		return false
	}
	return true
}

func (e *Engine) reset(ep wire.Endpoint, mid wire.MessageID) {
	pending := e.retransmitter.Acknowledge(ep, mid)

	key, failed := e.dispatcher.FailByMessageID(ep, mid, exchange.ResetEvent{MessageID: mid})
	if failed {
		e.observations.Stop(key)
	} else if pending {
		e.mids.Release(ep, mid)
	}

	if sub, removed := e.subscribers.RemoveByMessageID(ep, mid); removed {
		e.log.Debug("Observer reset notification, removed",
			endpointField(ep), tokenField(sub.Key.Token), zap.String("path", sub.Path))
	}
}

func (e *Engine) observationStage(_ context.Context, ev *event) bool {
	msg := ev.Message
	if !msg.Code.IsResponse() {
		return true
	}

	sequence, observed := msg.Options.Observe()
	if !observed || msg.Code.IsError() {
		if e.observations.Stop(ev.Key) {
			e.log.Debug("Observation ended by response", endpointField(ev.Endpoint),
				tokenField(ev.Key.Token), zap.Stringer("code", msg.Code))
		}
		return true
	}

	if !e.observations.Active(ev.Key) && !e.dispatcher.Lookup(ev.Key) {
		e.unmatched(ev)
		return false
	}
	ev.Gate = e.freshnessGate(ev, sequence)
	return true
}

// freshnessGate orders notifications of the observation. It runs when no other event of the
// exchange is being delivered, so the check and the delivery happen as one step.
func (e *Engine) freshnessGate(ev *event, sequence uint32) exchange.Gate {
	return func() ([]exchange.Event, bool) {
		switch e.observations.Accept(ev.Key, sequence, ev.Received) {
		case observe.Unknown:
			return nil, false
		case observe.Stale:
			e.metrics.staleNotifications.Inc()
			return nil, false
		}

		if e.observations.Confirm(ev.Key) {
			return []exchange.Event{exchange.ObserverAcceptedEvent{Sequence: sequence}}, true
		}
		return nil, true
	}
}

// unmatched rejects response nobody waits for, so peer stops sending it.
func (e *Engine) unmatched(ev *event) {
	msg := ev.Message

	e.metrics.unmatched.Inc()
	e.log.Debug("Unmatched response rejected", endpointField(ev.Endpoint),
		tokenField(msg.Token), zap.Stringer("message", msg))

	switch msg.Type {
	case wire.Confirmable:
		e.dedup.Reject(ev.Endpoint, msg.MessageID)
	case wire.NonConfirmable:
		e.sendMessage(ev.Endpoint, wire.NewReset(msg.MessageID))
	}
}

func (e *Engine) encode(msg *wire.Message) ([]byte, error) {
	return e.codec.Encode(msg)
}

// send is used for every datagram except non-confirmable requests.
func (e *Engine) send(ep wire.Endpoint, payload []byte) {
	e.transport.Send(ep, payload, func(err error) {
		if err != nil {
			e.sendFailed(ep, payload, err)
		}
	})
}

func (e *Engine) sendMessage(ep wire.Endpoint, msg *wire.Message) {
	payload, err := e.encode(msg)
	if err != nil {
		e.log.Error("Encoding message failed", endpointField(ep), zap.Stringer("message", msg), zap.Error(err))
		return
	}
	e.send(ep, payload)
}

// transmit sends message allocating new message ID for it. Confirmable message is retransmitted
// until acknowledged, onTimeout is called if it never is.
func (e *Engine) transmit(ep wire.Endpoint, msg *wire.Message, onAllocated func(wire.MessageID),
	onTimeout func(),
) error {
	mid, err := e.mids.Allocate(ep)
	if err != nil {
		return err
	}
	msg.MessageID = mid
	if onAllocated != nil {
		onAllocated(mid)
	}

	payload, err := e.encode(msg)
	if err != nil {
		e.mids.Release(ep, mid)
		return err
	}

	if !msg.IsConfirmable() {
		e.send(ep, payload)
		e.mids.Release(ep, mid)
		return nil
	}

	err = e.retransmitter.Send(ep, mid, payload, func() {
		e.mids.Release(ep, mid)
		if onTimeout != nil {
			onTimeout()
		}
	})
	if err != nil {
		e.mids.Release(ep, mid)
	}
	return err
}

func (e *Engine) sendFailed(ep wire.Endpoint, payload []byte, err error) {
	e.metrics.transportErrors.Inc()
	e.log.Error("Sending datagram failed", endpointField(ep), zap.Error(err))

	msg, decodeErr := e.codec.Decode(payload)
	if decodeErr != nil || msg.Type == wire.Acknowledgement || msg.Type == wire.Reset {
		return
	}

	pending := e.retransmitter.Acknowledge(ep, msg.MessageID)
	if key, failed := e.dispatcher.FailByMessageID(ep, msg.MessageID, exchange.ErrorEvent{Err: err}); failed {
		e.observations.Stop(key)
	} else if pending {
		e.mids.Release(ep, msg.MessageID)
	}
	if msg.IsNotification() {
		e.subscribers.RemoveByMessageID(ep, msg.MessageID)
	}
}
