package coap

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/coap/exchange"
	"github.com/outofforest/coap/wire"
)

// ErrCanceled is delivered to the continuation of exchange canceled locally.
var ErrCanceled = errors.New("exchange canceled")

// Send sends request to the endpoint. Events of the exchange are delivered to the handler.
// Request is sent as confirmable unless it is marked as non-confirmable.
func (e *Engine) Send(ctx context.Context, ep wire.Endpoint, req *wire.Message,
	handler exchange.Handler,
) (exchange.Key, error) {
	if !req.Code.IsRequest() {
		return exchange.Key{}, errors.Errorf("message %s is not a request", req)
	}

	key, err := e.dispatcher.Start(ctx, ep, handler)
	if err != nil {
		return exchange.Key{}, err
	}
	if err := e.transmitRequest(key, req.Clone()); err != nil {
		e.dispatcher.Complete(key)
		return exchange.Key{}, err
	}
	return key, nil
}

// Do sends request and waits for the response. Error responses are returned as messages,
// error is returned if there is no response.
func (e *Engine) Do(ctx context.Context, ep wire.Endpoint, req *wire.Message) (*wire.Message, error) {
	resultCh := make(chan exchange.Event, 1)
	key, err := e.Send(ctx, ep, req, exchange.HandlerFunc(func(ev exchange.Event) {
		if exchange.Terminal(ev) {
			resultCh <- ev
		}
	}))
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		e.cancel(key)
		return nil, errors.WithStack(ctx.Err())
	case ev := <-resultCh:
		if resp, ok := ev.(exchange.ResponseEvent); ok {
			return resp.Response, nil
		}
		return nil, exchange.Err(ev)
	}
}

// Observation is an observation started by this node.
type Observation struct {
	engine *Engine
	key    exchange.Key
}

// Observe registers observation of the resource. Notifications are delivered to the handler
// in freshness order, stale ones are discarded.
func (e *Engine) Observe(ctx context.Context, ep wire.Endpoint, req *wire.Message,
	handler exchange.Handler,
) (*Observation, error) {
	if req.Code != wire.GET {
		return nil, errors.Errorf("observation requires GET request, got %s", req.Code)
	}

	key, err := e.dispatcher.Start(ctx, ep, handler)
	if err != nil {
		return nil, err
	}
	e.dispatcher.Keep(key)
	e.observations.Start(key)

	msg := req.Clone()
	msg.Options.SetObserve(wire.ObserveRegister)
	if err := e.transmitRequest(key, msg); err != nil {
		e.observations.Stop(key)
		e.dispatcher.Complete(key)
		return nil, err
	}

	return &Observation{
		engine: e,
		key:    key,
	}, nil
}

// Key returns key of the observation.
func (o *Observation) Key() exchange.Key {
	return o.key
}

// Cancel forgets the observation. Next notification is answered with reset, which stops the peer
// from sending more.
func (o *Observation) Cancel() {
	o.engine.cancel(o.key)
}

func (e *Engine) transmitRequest(key exchange.Key, msg *wire.Message) error {
	if msg.Type != wire.NonConfirmable {
		msg.Type = wire.Confirmable
	}
	msg.Token = key.Token

	mid, err := e.dispatcher.AssignMessageID(key)
	if err != nil {
		return err
	}
	msg.MessageID = mid

	payload, err := e.encode(msg)
	if err != nil {
		return err
	}

	if msg.IsConfirmable() {
		return e.retransmitter.Send(key.Endpoint, mid, payload, func() {
			e.timeout(key, mid)
		})
	}

	e.transport.Send(key.Endpoint, payload, func(err error) {
		if err == nil {
			return
		}
		e.metrics.transportErrors.Inc()
		e.log.Error("Sending request failed", endpointField(key.Endpoint), zap.Error(err))
		if e.dispatcher.Fail(key, exchange.ErrorEvent{Err: err}) {
			e.observations.Stop(key)
		}
	})
	return nil
}

func (e *Engine) timeout(key exchange.Key, mid wire.MessageID) {
	e.log.Debug("Request timed out", endpointField(key.Endpoint), tokenField(key.Token))
	e.dispatcher.Fail(key, exchange.TimeoutEvent{MessageID: mid})
	e.observations.Stop(key)
}

func (e *Engine) cancel(key exchange.Key) {
	if mid, exists := e.dispatcher.MessageID(key); exists {
		e.retransmitter.Acknowledge(key.Endpoint, mid)
	}
	e.observations.Stop(key)
	e.dispatcher.Fail(key, exchange.ErrorEvent{Err: errors.WithStack(ErrCanceled)})
}

func (e *Engine) dispatchStage(_ context.Context, ev *event) bool {
	msg := ev.Message
	if !msg.Code.IsResponse() {
		return true
	}

	if mid, exists := e.dispatcher.MessageID(ev.Key); exists {
		// Separate response arrived while request was still being retransmitted.
		e.retransmitter.Acknowledge(ev.Endpoint, mid)
	}

	if !e.dispatcher.Lookup(ev.Key) {
		e.observations.Stop(ev.Key)
		e.unmatched(ev)
		return false
	}
	if msg.IsConfirmable() {
		e.dedup.Acknowledge(ev.Endpoint, msg.MessageID)
	}

	e.dispatcher.Deliver(ev.Key, msg, ev.Gate)
	if !e.dispatcher.Lookup(ev.Key) {
		e.observations.Stop(ev.Key)
	}
	return false
}
