package observe

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/coap/exchange"
	"github.com/outofforest/coap/wire"
)

// Subscription is a snapshot of the subscriber state.
type Subscription struct {
	Key           exchange.Key
	Path          string
	ContentFormat wire.ContentFormat
	Sequence      uint32
}

type subscriber struct {
	path          string
	contentFormat wire.ContentFormat
	maxAge        time.Duration
	sequence      uint32
	mid           wire.MessageID
	hasMID        bool
	timer         *clock.Timer
	generation    uint64
}

type midKey struct {
	Endpoint  wire.Endpoint
	MessageID wire.MessageID
}

// Subscribers keeps peers observing resources served by this node.
type Subscribers struct {
	clock    clock.Clock
	log      *zap.Logger
	onMaxAge func(Subscription)

	// mu guards all the indexes, byPath and byMID refer to entries of byKey.
	mu     sync.Mutex
	byKey  map[exchange.Key]*subscriber
	byPath map[string]map[exchange.Key]*subscriber
	byMID  map[midKey]exchange.Key
}

// NewSubscribers creates server observation registry. onMaxAge is called when subscriber
// is due to receive re-notification because its representation reached max-age. The
// sequence number in the passed subscription is already advanced.
func NewSubscribers(clk clock.Clock, log *zap.Logger, onMaxAge func(Subscription)) *Subscribers {
	return &Subscribers{
		clock:    clk,
		log:      log,
		onMaxAge: onMaxAge,
		byKey:    map[exchange.Key]*subscriber{},
		byPath:   map[string]map[exchange.Key]*subscriber{},
		byMID:    map[midKey]exchange.Key{},
	}
}

// Add registers subscriber of the resource. Content format is fixed for the life of the
// subscription. Registering the same key again renegotiates it and restarts the sequence.
func (s *Subscribers) Add(key exchange.Key, path string, format wire.ContentFormat,
	maxAge time.Duration,
) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[key]; exists {
		s.remove(key)
	}

	sub := &subscriber{
		path:          path,
		contentFormat: format,
		maxAge:        maxAge,
		sequence:      1,
	}
	s.byKey[key] = sub
	pathSubs, exists := s.byPath[path]
	if !exists {
		pathSubs = map[exchange.Key]*subscriber{}
		s.byPath[path] = pathSubs
	}
	pathSubs[key] = sub
	s.schedule(key, sub)

	return sub.snapshot(key)
}

// Next advances sequence number of the subscriber and reschedules its max-age timer.
func (s *Subscribers) Next(key exchange.Key) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.byKey[key]
	if !exists {
		return Subscription{}, false
	}
	sub.sequence = (sub.sequence + 1) & wire.MaxObserve
	s.schedule(key, sub)
	return sub.snapshot(key), true
}

// Get returns the subscription.
func (s *Subscribers) Get(key exchange.Key) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.byKey[key]
	if !exists {
		return Subscription{}, false
	}
	return sub.snapshot(key), true
}

// TrackMessageID records message ID of the last notification sent to the subscriber, so reset
// answering it removes the subscriber.
func (s *Subscribers) TrackMessageID(key exchange.Key, mid wire.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.byKey[key]
	if !exists {
		return false
	}
	if sub.hasMID {
		delete(s.byMID, midKey{Endpoint: key.Endpoint, MessageID: sub.mid})
	}
	sub.mid = mid
	sub.hasMID = true
	s.byMID[midKey{Endpoint: key.Endpoint, MessageID: mid}] = key
	return true
}

// Remove removes the subscriber and cancels its max-age timer.
func (s *Subscribers) Remove(key exchange.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remove(key)
}

// RemoveByMessageID removes the subscriber which received notification with the message ID.
func (s *Subscribers) RemoveByMessageID(ep wire.Endpoint, mid wire.MessageID) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, exists := s.byMID[midKey{Endpoint: ep, MessageID: mid}]
	if !exists {
		return Subscription{}, false
	}
	subscription := s.byKey[key].snapshot(key)
	s.remove(key)
	return subscription, true
}

// ForResource returns subscribers of the resource.
func (s *Subscribers) ForResource(path string) []exchange.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.Keys(s.byPath[path])
}

// Withdraw removes all the subscribers of the resource and returns their final state.
func (s *Subscribers) Withdraw(path string) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	subscriptions := lo.MapToSlice(s.byPath[path], func(key exchange.Key, sub *subscriber) Subscription {
		return sub.snapshot(key)
	})
	for _, subscription := range subscriptions {
		s.remove(subscription.Key)
	}
	return subscriptions
}

// Len returns number of subscribers.
func (s *Subscribers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.byKey)
}

// Close removes all the subscribers.
func (s *Subscribers) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.byKey {
		s.remove(key)
	}
}

func (s *Subscribers) remove(key exchange.Key) bool {
	sub, exists := s.byKey[key]
	if !exists {
		return false
	}

	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.generation++
	if sub.hasMID {
		delete(s.byMID, midKey{Endpoint: key.Endpoint, MessageID: sub.mid})
	}
	delete(s.byKey, key)
	pathSubs := s.byPath[sub.path]
	delete(pathSubs, key)
	if len(pathSubs) == 0 {
		delete(s.byPath, sub.path)
	}
	return true
}

func (s *Subscribers) schedule(key exchange.Key, sub *subscriber) {
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.generation++
	if sub.maxAge <= 0 || s.onMaxAge == nil {
		return
	}

	generation := sub.generation
	sub.timer = s.clock.AfterFunc(sub.maxAge, func() {
		s.mu.Lock()
		if s.byKey[key] != sub || sub.generation != generation {
			s.mu.Unlock()
			return
		}
		sub.sequence = (sub.sequence + 1) & wire.MaxObserve
		s.schedule(key, sub)
		subscription := sub.snapshot(key)
		s.mu.Unlock()

		s.log.Debug("Max-age re-notification",
			zap.String("endpoint", string(key.Endpoint)),
			zap.Stringer("token", key.Token),
			zap.String("path", subscription.Path),
			zap.Uint32("sequence", subscription.Sequence))
		s.onMaxAge(subscription)
	})
}

func (sub *subscriber) snapshot(key exchange.Key) Subscription {
	return Subscription{
		Key:           key,
		Path:          sub.path,
		ContentFormat: sub.contentFormat,
		Sequence:      sub.sequence,
	}
}
