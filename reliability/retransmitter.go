package reliability

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/coap/internal/shard"
	"github.com/outofforest/coap/wire"
)

// ErrAlreadyPending is returned when confirmable message with the same key is in flight.
var ErrAlreadyPending = errors.New("message already in flight")

type outbound struct {
	datagram      []byte
	retransmitted int
	timeout       time.Duration
	timer         *clock.Timer
	onTimeout     func()
}

// Retransmitter retransmits confirmable messages with exponential back-off until they are
// acknowledged or the retransmission budget is exhausted.
type Retransmitter struct {
	config Config
	clock  clock.Clock
	log    *zap.Logger
	send   SendFunc

	pending         *shard.Map[Key, *outbound]
	retransmissions atomic.Uint64
	timeouts        atomic.Uint64
}

// NewRetransmitter creates retransmitter.
func NewRetransmitter(config Config, clk clock.Clock, log *zap.Logger, send SendFunc) *Retransmitter {
	return &Retransmitter{
		config:  config,
		clock:   clk,
		log:     log,
		send:    send,
		pending: shard.New[Key, *outbound](),
	}
}

// Send transmits confirmable datagram and arms its retransmission timer.
// onTimeout is called once if datagram is never acknowledged.
func (r *Retransmitter) Send(ep wire.Endpoint, mid wire.MessageID, datagram []byte, onTimeout func()) error {
	key := Key{Endpoint: ep, MessageID: mid}

	pending, unlock := r.pending.Lock(key)
	if _, exists := pending[key]; exists {
		unlock()
		return errors.Wrapf(ErrAlreadyPending, "endpoint %s, message ID %d", ep, mid)
	}

	o := &outbound{
		datagram:  datagram,
		timeout:   InitialTimeout(r.config.ACKTimeout, r.config.ACKRandomFactor),
		onTimeout: onTimeout,
	}
	pending[key] = o

	o.timer = r.clock.AfterFunc(o.timeout, func() {
		r.expire(key, o)
	})
	unlock()

	r.send(ep, datagram)
	return nil
}

// Acknowledge stops retransmission of the message. It returns false if message is not pending.
func (r *Retransmitter) Acknowledge(ep wire.Endpoint, mid wire.MessageID) bool {
	o, exists := r.pending.Delete(Key{Endpoint: ep, MessageID: mid})
	if !exists {
		return false
	}
	o.timer.Stop()
	return true
}

// IsPending reports whether message is waiting for acknowledgement.
func (r *Retransmitter) IsPending(ep wire.Endpoint, mid wire.MessageID) bool {
	_, exists := r.pending.Get(Key{Endpoint: ep, MessageID: mid})
	return exists
}

// Pending returns number of messages waiting for acknowledgement.
func (r *Retransmitter) Pending() int {
	return r.pending.Len()
}

// Retransmissions returns number of retransmissions done so far.
func (r *Retransmitter) Retransmissions() uint64 {
	return r.retransmissions.Load()
}

// Timeouts returns number of messages never acknowledged.
func (r *Retransmitter) Timeouts() uint64 {
	return r.timeouts.Load()
}

// Close stops all the retransmission timers without reporting timeouts.
func (r *Retransmitter) Close() {
	var keys []Key
	r.pending.Range(func(key Key, _ *outbound) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		r.Acknowledge(key.Endpoint, key.MessageID)
	}
}

func (r *Retransmitter) expire(key Key, o *outbound) {
	pending, unlock := r.pending.Lock(key)

	if pending[key] != o {
		unlock()
		return
	}

	if o.retransmitted >= r.config.MaxRetransmit {
		delete(pending, key)
		unlock()

		r.timeouts.Add(1)
		r.log.Debug("Transmission timed out",
			zap.String("endpoint", string(key.Endpoint)),
			zap.Uint16("messageID", uint16(key.MessageID)),
			zap.Int("retransmissions", o.retransmitted))
		if o.onTimeout != nil {
			o.onTimeout()
		}
		return
	}

	o.retransmitted++
	o.timeout *= 2
	r.retransmissions.Add(1)
	r.log.Debug("Retransmitting",
		zap.String("endpoint", string(key.Endpoint)),
		zap.Uint16("messageID", uint16(key.MessageID)),
		zap.Int("attempt", o.retransmitted),
		zap.Duration("timeout", o.timeout))

	o.timer = r.clock.AfterFunc(o.timeout, func() {
		r.expire(key, o)
	})
	unlock()

	r.send(key.Endpoint, o.datagram)
}
