package reliability

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/outofforest/coap/wire"
)

// Verdict is the outcome of inbound message registration.
type Verdict int

// Verdicts.
const (
	// Accepted means message arrived for the first time and should be processed.
	Accepted Verdict = iota

	// Duplicate means message was seen before and must not be processed again.
	Duplicate
)

// State is the state of inbound exchange.
type State int

// States of inbound exchange.
const (
	StateReceived State = iota
	StateACKPending
	StateACKSent
	StateResponseSent
	StateClosed
)

type inbound struct {
	mu       sync.Mutex
	state    State
	ackTimer *clock.Timer
	expiry   *clock.Timer
	reply    []byte
}

// Deduplicator tracks inbound confirmable and non-confirmable messages for the exchange
// lifetime, suppresses duplicates and owns acknowledgement of inbound confirmable messages.
type Deduplicator struct {
	config Config
	clock  clock.Clock
	log    *zap.Logger
	codec  wire.Codec
	send   SendFunc

	exchanges  *lru.Cache[Key, *inbound]
	duplicates atomic.Uint64
}

// NewDeduplicator creates deduplicator.
func NewDeduplicator(config Config, clk clock.Clock, log *zap.Logger, codec wire.Codec, send SendFunc) *Deduplicator {
	exchanges, err := lru.NewWithEvict[Key, *inbound](config.MaxExchanges, func(_ Key, ex *inbound) {
		ex.mu.Lock()
		defer ex.mu.Unlock()

		if ex.ackTimer != nil {
			ex.ackTimer.Stop()
		}
		if ex.expiry != nil {
			ex.expiry.Stop()
		}
		if ex.state == StateReceived || ex.state == StateACKPending {
			ex.state = StateClosed
		}
	})
	if err != nil {
		panic(err)
	}

	return &Deduplicator{
		config:    config,
		clock:     clk,
		log:       log,
		codec:     codec,
		send:      send,
		exchanges: exchanges,
	}
}

// Receive registers inbound confirmable or non-confirmable message.
// The first arrival of confirmable request schedules empty acknowledgement after the configured
// delay. Duplicate of confirmable message gets the reply already sent for the original one.
// Duplicate arriving while the acknowledgement is still scheduled is dropped silently, the
// scheduled acknowledgement or the piggybacked response answers both copies.
func (d *Deduplicator) Receive(ep wire.Endpoint, msg *wire.Message) Verdict {
	if msg.Type != wire.Confirmable && msg.Type != wire.NonConfirmable {
		return Accepted
	}

	key := Key{Endpoint: ep, MessageID: msg.MessageID}
	ex := &inbound{}
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if prev, exists, _ := d.exchanges.PeekOrAdd(key, ex); exists {
		d.duplicates.Add(1)
		d.log.Debug("Duplicate message received",
			zap.String("endpoint", string(ep)),
			zap.Uint16("messageID", uint16(msg.MessageID)),
			zap.Stringer("type", msg.Type))

		if msg.Type == wire.Confirmable {
			prev.mu.Lock()
			reply := prev.reply
			prev.mu.Unlock()

			if reply != nil {
				d.send(ep, reply)
			}
		}
		return Duplicate
	}

	ex.expiry = d.clock.AfterFunc(d.config.ExchangeLifetime, func() {
		if cur, exists := d.exchanges.Peek(key); exists && cur == ex {
			d.exchanges.Remove(key)
		}
	})

	switch {
	case msg.Type == wire.NonConfirmable:
		ex.state = StateClosed
	case msg.Code.IsRequest():
		ex.state = StateACKPending
		ex.ackTimer = d.clock.AfterFunc(d.config.EmptyACKDelay, func() {
			ex.mu.Lock()
			defer ex.mu.Unlock()

			if ex.state != StateACKPending {
				return
			}
			d.reply(ep, ex, wire.NewEmptyACK(key.MessageID), StateACKSent)
		})
	default:
		ex.state = StateReceived
	}

	return Accepted
}

// Acknowledge sends empty acknowledgement for the inbound confirmable message unless it was
// acknowledged already.
func (d *Deduplicator) Acknowledge(ep wire.Endpoint, mid wire.MessageID) bool {
	return d.settle(ep, mid, wire.NewEmptyACK(mid), StateACKSent)
}

// Reject answers inbound confirmable message with reset.
func (d *Deduplicator) Reject(ep wire.Endpoint, mid wire.MessageID) bool {
	return d.settle(ep, mid, wire.NewReset(mid), StateClosed)
}

// Respond piggybacks response on the acknowledgement of the request if acknowledgement has not
// been sent yet. Otherwise it returns false and response must be sent as a separate message
// with its own message ID.
func (d *Deduplicator) Respond(ep wire.Endpoint, mid wire.MessageID, resp *wire.Message) bool {
	resp = resp.Clone()
	resp.Type = wire.Acknowledgement
	resp.MessageID = mid
	return d.settle(ep, mid, resp, StateResponseSent)
}

// State returns state of the inbound exchange.
func (d *Deduplicator) State(ep wire.Endpoint, mid wire.MessageID) (State, bool) {
	ex, exists := d.exchanges.Peek(Key{Endpoint: ep, MessageID: mid})
	if !exists {
		return 0, false
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	return ex.state, true
}

// Duplicates returns number of duplicates received so far.
func (d *Deduplicator) Duplicates() uint64 {
	return d.duplicates.Load()
}

// Len returns number of tracked inbound exchanges.
func (d *Deduplicator) Len() int {
	return d.exchanges.Len()
}

// Close forgets all the exchanges and stops their timers.
func (d *Deduplicator) Close() {
	d.exchanges.Purge()
}

func (d *Deduplicator) settle(ep wire.Endpoint, mid wire.MessageID, msg *wire.Message, state State) bool {
	ex, exists := d.exchanges.Peek(Key{Endpoint: ep, MessageID: mid})
	if !exists {
		return false
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.state != StateReceived && ex.state != StateACKPending {
		return false
	}
	if ex.ackTimer != nil {
		ex.ackTimer.Stop()
	}
	return d.reply(ep, ex, msg, state)
}

func (d *Deduplicator) reply(ep wire.Endpoint, ex *inbound, msg *wire.Message, state State) bool {
	datagram, err := d.codec.Encode(msg)
	if err != nil {
		d.log.Error("Encoding reply failed", zap.String("endpoint", string(ep)), zap.Error(err))
		return false
	}

	ex.state = state
	ex.reply = datagram
	d.send(ep, datagram)
	return true
}
