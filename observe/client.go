package observe

import (
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/coap/exchange"
	"github.com/outofforest/coap/internal/shard"
)

// Verdict is the outcome of notification ordering check.
type Verdict int

// Verdicts.
const (
	// Fresh means notification supersedes the last one and must be delivered.
	Fresh Verdict = iota

	// Stale means notification is older than the last one delivered and must be discarded.
	Stale

	// Unknown means there is no observation for the notification.
	Unknown
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

type observation struct {
	state     State
	confirmed bool
}

// Observations keeps ordering state of observations started by this node.
type Observations struct {
	log    *zap.Logger
	states *shard.Map[exchange.Key, *observation]
}

// NewObservations creates client observation registry.
func NewObservations(log *zap.Logger) *Observations {
	return &Observations{
		log:    log,
		states: shard.New[exchange.Key, *observation](),
	}
}

// Start creates observation state for the key. Existing state is overwritten.
func (o *Observations) Start(key exchange.Key) {
	states, unlock := o.states.Lock(key)
	defer unlock()

	if prev, exists := states[key]; exists {
		o.log.Error("Observation already exists, overwriting",
			zap.String("endpoint", string(key.Endpoint)),
			zap.Stringer("token", key.Token),
			zap.Uint32("sequence", prev.state.Sequence))
	}
	states[key] = &observation{}
}

// Accept checks notification against the stored state and stores it if it is fresher.
func (o *Observations) Accept(key exchange.Key, sequence uint32, received time.Time) Verdict {
	states, unlock := o.states.Lock(key)
	defer unlock()

	obs, exists := states[key]
	if !exists {
		return Unknown
	}

	next := State{Sequence: sequence, Timestamp: received.UnixMilli()}
	if !Fresher(obs.state, next) {
		o.log.Debug("Stale notification discarded",
			zap.String("endpoint", string(key.Endpoint)),
			zap.Stringer("token", key.Token),
			zap.Uint32("sequence", sequence),
			zap.Uint32("lastSequence", obs.state.Sequence))
		return Stale
	}

	obs.state = next
	return Fresh
}

// Confirm marks observation as accepted by the peer. It returns true only for the first call.
func (o *Observations) Confirm(key exchange.Key) bool {
	states, unlock := o.states.Lock(key)
	defer unlock()

	obs, exists := states[key]
	if !exists || obs.confirmed {
		return false
	}
	obs.confirmed = true
	return true
}

// Stop removes the observation.
func (o *Observations) Stop(key exchange.Key) bool {
	_, exists := o.states.Delete(key)
	return exists
}

// Active reports whether observation exists.
func (o *Observations) Active(key exchange.Key) bool {
	_, exists := o.states.Get(key)
	return exists
}

// Len returns number of active observations.
func (o *Observations) Len() int {
	return o.states.Len()
}
