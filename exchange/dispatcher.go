package exchange

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/coap/ident"
	"github.com/outofforest/coap/internal/shard"
	"github.com/outofforest/coap/wire"
)

// ErrAlreadyRegistered is returned when continuation is already registered for the key.
var ErrAlreadyRegistered = errors.New("continuation already registered")

// Key identifies exchange by remote endpoint and token.
type Key struct {
	Endpoint wire.Endpoint
	Token    wire.Token
}

type midKey struct {
	Endpoint  wire.Endpoint
	MessageID wire.MessageID
}

// Gate is consulted right before notification is handed to the continuation, while no other
// event of the exchange may be delivered. It returns false to discard the notification.
// Events it returns are delivered ahead of the notification.
type Gate func() (ahead []Event, deliver bool)

type entry struct {
	handler Handler

	// mu serializes handler calls.
	mu sync.Mutex

	// terminal is the final event raised while handler was busy, the busy call delivers it.
	terminalMu sync.Mutex
	terminal   Event

	// done is set once the exchange is removed from the dispatcher.
	done atomic.Bool

	// Guarded by the shard lock of the exchange key.
	mid       wire.MessageID
	hasMID    bool
	observing bool
}

// Dispatcher routes responses and internal events to the continuation waiting for them.
// It owns the continuation table and releases the identities held by exchanges.
type Dispatcher struct {
	log    *zap.Logger
	tokens *ident.TokenAllocator
	mids   *ident.MessageIDAllocator

	exchanges *shard.Map[Key, *entry]
	byMID     *shard.Map[midKey, wire.Token]
}

// NewDispatcher creates dispatcher.
func NewDispatcher(log *zap.Logger, tokens *ident.TokenAllocator, mids *ident.MessageIDAllocator) *Dispatcher {
	return &Dispatcher{
		log:       log,
		tokens:    tokens,
		mids:      mids,
		exchanges: shard.New[Key, *entry](),
		byMID:     shard.New[midKey, wire.Token](),
	}
}

// Start allocates token for the endpoint and registers the continuation under it.
// If token space is exhausted the call waits until token is released or ctx is done.
func (d *Dispatcher) Start(ctx context.Context, ep wire.Endpoint, handler Handler) (Key, error) {
	tok, err := d.tokens.Acquire(ctx, ep)
	if err != nil {
		return Key{}, err
	}

	key := Key{Endpoint: ep, Token: tok}
	exchanges, unlock := d.exchanges.Lock(key)
	defer unlock()

	if _, exists := exchanges[key]; exists {
		// Token was reserved and registered by someone else, which means allocator and
		// dispatcher are out of sync.
		d.log.Error("Allocated token is already registered",
			zap.String("endpoint", string(ep)),
			zap.Stringer("token", tok))
		return Key{}, errors.Wrapf(ErrAlreadyRegistered, "endpoint %s, token %s", ep, tok)
	}
	exchanges[key] = &entry{handler: handler}
	return key, nil
}

// Register registers continuation under caller-chosen token.
func (d *Dispatcher) Register(key Key, handler Handler) error {
	exchanges, unlock := d.exchanges.Lock(key)
	defer unlock()

	if _, exists := exchanges[key]; exists {
		d.log.Error("Continuation already registered",
			zap.String("endpoint", string(key.Endpoint)),
			zap.Stringer("token", key.Token))
		return errors.Wrapf(ErrAlreadyRegistered, "endpoint %s, token %s", key.Endpoint, key.Token)
	}
	if err := d.tokens.Reserve(key.Endpoint, key.Token); err != nil {
		if errors.Is(err, ident.ErrTokenInUse) {
			d.log.Error("Token is in use by another exchange",
				zap.String("endpoint", string(key.Endpoint)),
				zap.Stringer("token", key.Token))
			return errors.Wrapf(ErrAlreadyRegistered, "endpoint %s, token %s", key.Endpoint, key.Token)
		}
		return err
	}

	exchanges[key] = &entry{handler: handler}
	return nil
}

// AssignMessageID allocates message ID for the request of the exchange and informs the
// continuation about it. Message ID held before is released.
func (d *Dispatcher) AssignMessageID(key Key) (wire.MessageID, error) {
	exchanges, unlock := d.exchanges.Lock(key)
	e, exists := exchanges[key]
	if !exists {
		unlock()
		return 0, errors.Errorf("exchange does not exist, endpoint %s, token %s", key.Endpoint, key.Token)
	}

	mid, err := d.mids.Allocate(key.Endpoint)
	if err != nil {
		unlock()
		return 0, err
	}
	d.releaseMID(key, e)
	e.mid = mid
	e.hasMID = true
	d.byMID.Store(midKey{Endpoint: key.Endpoint, MessageID: mid}, key.Token)
	unlock()

	e.inform(MessageIDAssignedEvent{MessageID: mid})
	return mid, nil
}

// ReleaseMessageID releases message ID once request carrying it is acknowledged. It returns
// false if message ID is not held by any exchange.
func (d *Dispatcher) ReleaseMessageID(ep wire.Endpoint, mid wire.MessageID) bool {
	key, exists := d.LookupByMessageID(ep, mid)
	if !exists {
		return false
	}

	exchanges, unlock := d.exchanges.Lock(key)
	defer unlock()

	e, exists := exchanges[key]
	if !exists || !e.hasMID || e.mid != mid {
		return false
	}
	d.releaseMID(key, e)
	return true
}

// Keep marks exchange as observation, so notifications do not close it.
func (d *Dispatcher) Keep(key Key) bool {
	exchanges, unlock := d.exchanges.Lock(key)
	defer unlock()

	e, exists := exchanges[key]
	if !exists {
		return false
	}
	e.observing = true
	return true
}

// Deliver hands response to the continuation. Response which is not an update of the observation
// closes the exchange. Notification is subject to the gate, if given, and after each delivered
// notification the continuation decides if observation goes on. It returns false if response
// was not delivered.
func (d *Dispatcher) Deliver(key Key, resp *wire.Message, gate Gate) bool {
	exchanges, unlock := d.exchanges.Lock(key)
	e, exists := exchanges[key]
	if !exists {
		unlock()
		return false
	}
	d.releaseMID(key, e)
	notification := e.observing && resp.IsNotification() && !resp.Code.IsError()
	if !notification {
		d.remove(exchanges, key, e)
		unlock()

		e.terminate(ResponseEvent{Response: resp})
		return true
	}
	unlock()

	delivered, keep := false, true
	e.mu.Lock()
	if !e.done.Load() {
		var ahead []Event
		deliver := true
		if gate != nil {
			ahead, deliver = gate()
		}
		if deliver {
			for _, ev := range ahead {
				e.handler.HandleEvent(ev)
			}
			e.handler.HandleEvent(ResponseEvent{Response: resp, Notification: true})
			keep = e.handler.ContinueObservation()
			delivered = true
		}
	}
	e.mu.Unlock()
	e.flush()

	if !keep {
		d.Complete(key)
	}
	return delivered
}

// Fail closes the exchange with terminal failure event.
func (d *Dispatcher) Fail(key Key, ev Event) bool {
	if !Terminal(ev) {
		return false
	}

	exchanges, unlock := d.exchanges.Lock(key)
	e, exists := exchanges[key]
	if !exists {
		unlock()
		return false
	}
	d.remove(exchanges, key, e)
	unlock()

	e.terminate(ev)
	return true
}

// FailByMessageID closes the exchange whose request carries the message ID.
func (d *Dispatcher) FailByMessageID(ep wire.Endpoint, mid wire.MessageID, ev Event) (Key, bool) {
	key, exists := d.LookupByMessageID(ep, mid)
	if !exists {
		return Key{}, false
	}
	return key, d.Fail(key, ev)
}

// Inform delivers non-terminal event to the continuation.
func (d *Dispatcher) Inform(key Key, ev Event) bool {
	if Terminal(ev) {
		return false
	}

	e, exists := d.exchanges.Get(key)
	if !exists {
		return false
	}
	return e.inform(ev)
}

// Complete closes the exchange without notifying the continuation.
func (d *Dispatcher) Complete(key Key) bool {
	exchanges, unlock := d.exchanges.Lock(key)
	defer unlock()

	e, exists := exchanges[key]
	if !exists {
		return false
	}
	d.remove(exchanges, key, e)
	return true
}

// MessageID returns message ID held by the request of the exchange.
func (d *Dispatcher) MessageID(key Key) (wire.MessageID, bool) {
	exchanges, unlock := d.exchanges.Lock(key)
	defer unlock()

	e, exists := exchanges[key]
	if !exists || !e.hasMID {
		return 0, false
	}
	return e.mid, true
}

// Lookup reports whether exchange is open.
func (d *Dispatcher) Lookup(key Key) bool {
	_, exists := d.exchanges.Get(key)
	return exists
}

// LookupByMessageID returns key of the exchange whose request carries the message ID.
func (d *Dispatcher) LookupByMessageID(ep wire.Endpoint, mid wire.MessageID) (Key, bool) {
	tok, exists := d.byMID.Get(midKey{Endpoint: ep, MessageID: mid})
	if !exists {
		return Key{}, false
	}
	return Key{Endpoint: ep, Token: tok}, true
}

// Len returns number of open exchanges.
func (d *Dispatcher) Len() int {
	return d.exchanges.Len()
}

func (e *entry) inform(ev Event) bool {
	e.mu.Lock()
	informed := !e.done.Load()
	if informed {
		e.handler.HandleEvent(ev)
	}
	e.mu.Unlock()
	e.flush()

	return informed
}

// terminate delivers the final event. If handler is busy, including when the final event is
// raised by the handler itself, the event is delivered once the busy call returns.
func (e *entry) terminate(ev Event) {
	e.terminalMu.Lock()
	e.terminal = ev
	e.terminalMu.Unlock()

	e.flush()
}

func (e *entry) flush() {
	for e.pending() && e.mu.TryLock() {
		e.terminalMu.Lock()
		ev := e.terminal
		e.terminal = nil
		e.terminalMu.Unlock()

		if ev != nil {
			e.handler.HandleEvent(ev)
		}
		e.mu.Unlock()
	}
}

func (e *entry) pending() bool {
	e.terminalMu.Lock()
	defer e.terminalMu.Unlock()

	return e.terminal != nil
}

// remove must be called with the shard lock of the key held.
func (d *Dispatcher) remove(exchanges map[Key]*entry, key Key, e *entry) {
	e.done.Store(true)
	delete(exchanges, key)
	d.releaseMID(key, e)
	d.tokens.Release(key.Endpoint, key.Token)
}

func (d *Dispatcher) releaseMID(key Key, e *entry) {
	if !e.hasMID {
		return
	}
	e.hasMID = false
	d.byMID.Delete(midKey{Endpoint: key.Endpoint, MessageID: e.mid})
	d.mids.Release(key.Endpoint, e.mid)
}
