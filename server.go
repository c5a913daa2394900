package coap

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/coap/observe"
	"github.com/outofforest/coap/resource"
	"github.com/outofforest/coap/wire"
)

type served struct {
	Resource    resource.Resource
	Unsubscribe func()
}

// AddResource starts serving the resource. Observers of observable resource are notified on
// every change.
func (e *Engine) AddResource(res resource.Resource) error {
	path := res.Path()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.resources[path]; exists {
		return errors.Errorf("resource %q already exists", path)
	}

	s := &served{
		Resource:    res,
		Unsubscribe: func() {},
	}
	if res.Observable() {
		s.Unsubscribe = res.Subscribe(func() {
			e.notifyObservers(path)
		})
	}
	e.resources[path] = s
	return nil
}

// RemoveResource stops serving the resource. Its observers receive 4.04 notification and are
// removed.
func (e *Engine) RemoveResource(path string) bool {
	e.mu.Lock()
	s, exists := e.resources[path]
	if exists {
		delete(e.resources, path)
	}
	e.mu.Unlock()

	if !exists {
		return false
	}
	s.Unsubscribe()

	for _, sub := range e.subscribers.Withdraw(path) {
		msg := wire.NewResponse(wire.NotFound)
		msg.Type = notificationType(s.Resource)
		msg.Token = sub.Key.Token
		if err := e.transmit(sub.Key.Endpoint, msg, nil, nil); err != nil {
			e.log.Error("Sending withdrawal notification failed", endpointField(sub.Key.Endpoint),
				tokenField(sub.Key.Token), zap.Error(err))
		}
	}
	return true
}

func (e *Engine) resource(path string) resource.Resource {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, exists := e.resources[path]
	if !exists {
		return nil
	}
	return s.Resource
}

func (e *Engine) serveStage(ctx context.Context, ev *event) bool {
	req := ev.Message
	if !req.Code.IsRequest() {
		return true
	}

	e.respond(ev, e.serve(ctx, ev))
	return false
}

func (e *Engine) serve(ctx context.Context, ev *event) *wire.Message {
	req := ev.Message

	res := e.resource(req.Options.URIPath)
	if res == nil {
		e.subscribers.Remove(ev.Key)
		return wire.NewResponse(wire.NotFound)
	}

	if req.Code != wire.GET {
		resp, err := res.Handle(ctx, req)
		if err != nil {
			e.log.Error("Handling request failed", endpointField(ev.Endpoint),
				zap.String("path", res.Path()), zap.Error(err))
			return wire.NewResponse(wire.InternalServerError)
		}
		return resp
	}

	payload, format, err := res.Representation(req.Options.Accept)
	if err != nil {
		e.subscribers.Remove(ev.Key)
		if errors.Is(err, resource.ErrUnsupportedFormat) {
			return wire.NewResponse(wire.NotAcceptable)
		}
		e.log.Error("Producing representation failed", endpointField(ev.Endpoint),
			zap.String("path", res.Path()), zap.Error(err))
		return wire.NewResponse(wire.InternalServerError)
	}

	resp := content(res, payload, format)
	if value, exists := req.Options.Observe(); exists && value == wire.ObserveRegister && res.Observable() {
		sub := e.subscribers.Add(ev.Key, res.Path(), format, res.MaxAge())
		resp.Options.SetObserve(sub.Sequence)
		return resp
	}

	// Plain GET or deregistration ends observation of the same token.
	if e.subscribers.Remove(ev.Key) {
		e.log.Debug("Observer deregistered", endpointField(ev.Endpoint), tokenField(ev.Key.Token),
			zap.String("path", res.Path()))
	}
	return resp
}

// respond piggybacks response on acknowledgement if it is still owed, otherwise sends it
// separately.
func (e *Engine) respond(ev *event, resp *wire.Message) {
	req := ev.Message
	resp.Token = req.Token

	if req.IsConfirmable() {
		if e.dedup.Respond(ev.Endpoint, req.MessageID, resp) {
			return
		}
		resp.Type = wire.Confirmable
	} else {
		resp.Type = wire.NonConfirmable
	}

	if err := e.transmit(ev.Endpoint, resp, nil, nil); err != nil {
		e.log.Error("Sending response failed", endpointField(ev.Endpoint), tokenField(req.Token), zap.Error(err))
	}
}

func (e *Engine) notifyObservers(path string) {
	for _, key := range e.subscribers.ForResource(path) {
		if sub, exists := e.subscribers.Next(key); exists {
			e.sendNotification(sub)
		}
	}
}

func (e *Engine) sendNotification(sub observe.Subscription) {
	res := e.resource(sub.Path)
	if res == nil {
		e.subscribers.Remove(sub.Key)
		return
	}

	payload, format, err := res.Representation(sub.ContentFormat)
	if err != nil {
		e.log.Error("Producing notification failed, removing observer", endpointField(sub.Key.Endpoint),
			tokenField(sub.Key.Token), zap.String("path", sub.Path), zap.Error(err))
		e.subscribers.Remove(sub.Key)
		return
	}

	msg := content(res, payload, format)
	msg.Type = notificationType(res)
	msg.Token = sub.Key.Token
	msg.Options.SetObserve(sub.Sequence)

	err = e.transmit(sub.Key.Endpoint, msg,
		func(mid wire.MessageID) {
			e.subscribers.TrackMessageID(sub.Key, mid)
		},
		func() {
			if e.subscribers.Remove(sub.Key) {
				e.log.Debug("Notification timed out, observer removed", endpointField(sub.Key.Endpoint),
					tokenField(sub.Key.Token), zap.String("path", sub.Path))
			}
		})
	if err != nil {
		e.log.Error("Sending notification failed", endpointField(sub.Key.Endpoint),
			tokenField(sub.Key.Token), zap.Error(err))
	}
}

func content(res resource.Resource, payload []byte, format wire.ContentFormat) *wire.Message {
	resp := wire.NewResponse(wire.Content)
	resp.Options.ContentFormat = format
	resp.Payload = payload
	if maxAge := res.MaxAge().Seconds(); maxAge > 0 {
		resp.Options.MaxAge = uint32(min(maxAge, math.MaxUint32))
	}
	return resp
}

func notificationType(res resource.Resource) wire.Type {
	if res.ConfirmableNotifications() {
		return wire.Confirmable
	}
	return wire.NonConfirmable
}
