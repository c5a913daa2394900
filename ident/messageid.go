package ident

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/outofforest/coap/internal/shard"
	"github.com/outofforest/coap/wire"
)

// ErrMessageIDsExhausted is returned when every message ID of endpoint is allocated or excluded.
var ErrMessageIDsExhausted = errors.New("message ID space exhausted")

// MessageIDAllocator hands out message IDs per remote endpoint. Released IDs stay excluded
// for the exchange lifetime before they might be reused.
type MessageIDAllocator struct {
	clock    clock.Clock
	lifetime time.Duration
	spaces   *shard.Map[wire.Endpoint, *midSpace]
}

type midSpace struct {
	next      wire.MessageID
	allocated map[wire.MessageID]struct{}
	excluded  map[wire.MessageID]time.Time
}

// NewMessageIDAllocator creates message ID allocator.
func NewMessageIDAllocator(clk clock.Clock, lifetime time.Duration) *MessageIDAllocator {
	return &MessageIDAllocator{
		clock:    clk,
		lifetime: lifetime,
		spaces:   shard.New[wire.Endpoint, *midSpace](),
	}
}

// Allocate returns next free message ID for the endpoint.
func (a *MessageIDAllocator) Allocate(ep wire.Endpoint) (wire.MessageID, error) {
	now := a.clock.Now()

	spaces, unlock := a.spaces.Lock(ep)
	defer unlock()

	s, exists := spaces[ep]
	if !exists {
		s = &midSpace{
			next:      wire.MessageID(rand.IntN(math.MaxUint16 + 1)),
			allocated: map[wire.MessageID]struct{}{},
			excluded:  map[wire.MessageID]time.Time{},
		}
		spaces[ep] = s
	}

	for i := range math.MaxUint16 + 1 {
		mid := s.next + wire.MessageID(i)
		if _, exists := s.allocated[mid]; exists {
			continue
		}
		if until, exists := s.excluded[mid]; exists {
			if now.Before(until) {
				continue
			}
			delete(s.excluded, mid)
		}
		s.allocated[mid] = struct{}{}
		s.next = mid + 1
		return mid, nil
	}

	return 0, errors.Wrapf(ErrMessageIDsExhausted, "endpoint %s", ep)
}

// Release releases message ID, it stays excluded for the exchange lifetime.
func (a *MessageIDAllocator) Release(ep wire.Endpoint, mid wire.MessageID) bool {
	now := a.clock.Now()

	spaces, unlock := a.spaces.Lock(ep)
	defer unlock()

	s, exists := spaces[ep]
	if !exists {
		return false
	}
	if _, exists := s.allocated[mid]; !exists {
		return false
	}
	delete(s.allocated, mid)
	s.excluded[mid] = now.Add(a.lifetime)
	return true
}

// Allocated reports whether message ID is allocated.
func (a *MessageIDAllocator) Allocated(ep wire.Endpoint, mid wire.MessageID) bool {
	spaces, unlock := a.spaces.Lock(ep)
	defer unlock()

	s, exists := spaces[ep]
	if !exists {
		return false
	}
	_, exists = s.allocated[mid]
	return exists
}

// Sweep drops expired exclusions and forgets idle endpoints.
func (a *MessageIDAllocator) Sweep() int {
	now := a.clock.Now()

	var idle []wire.Endpoint
	var swept int
	a.spaces.Range(func(ep wire.Endpoint, s *midSpace) bool {
		for mid, until := range s.excluded {
			if !now.Before(until) {
				delete(s.excluded, mid)
				swept++
			}
		}
		if len(s.allocated) == 0 && len(s.excluded) == 0 {
			idle = append(idle, ep)
		}
		return true
	})

	for _, ep := range idle {
		spaces, unlock := a.spaces.Lock(ep)
		if s, exists := spaces[ep]; exists && len(s.allocated) == 0 && len(s.excluded) == 0 {
			delete(spaces, ep)
		}
		unlock()
	}

	return swept
}

// Run sweeps expired exclusions periodically.
func (a *MessageIDAllocator) Run(ctx context.Context, interval time.Duration) error {
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			a.Sweep()
		}
	}
}
