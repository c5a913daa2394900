package ident

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/coap/internal/shard"
	"github.com/outofforest/coap/wire"
)

var (
	// ErrTokensExhausted is returned when next token for endpoint is still in use.
	ErrTokensExhausted = errors.New("token space exhausted")

	// ErrTokenInUse is returned when reserved token is already allocated.
	ErrTokenInUse = errors.New("token in use")
)

// TokenAllocator hands out tokens per remote endpoint.
type TokenAllocator struct {
	maxLen int
	spaces *shard.Map[wire.Endpoint, *tokenSpace]
}

type tokenSpace struct {
	inUse   map[wire.Token]struct{}
	free    map[wire.Token]struct{}
	highest wire.Token
	waiters []chan wire.Token
}

// NewTokenAllocator creates token allocator producing tokens up to maxLen bytes long.
func NewTokenAllocator(maxLen int) *TokenAllocator {
	if maxLen < 0 || maxLen > wire.MaxTokenLength {
		maxLen = wire.MaxTokenLength
	}
	return &TokenAllocator{
		maxLen: maxLen,
		spaces: shard.New[wire.Endpoint, *tokenSpace](),
	}
}

// TryAcquire allocates token without queueing.
func (a *TokenAllocator) TryAcquire(ep wire.Endpoint) (wire.Token, error) {
	spaces, unlock := a.spaces.Lock(ep)
	defer unlock()

	s := a.space(spaces, ep)
	tok, ok := s.next(a.maxLen)
	if !ok {
		if s.empty() {
			delete(spaces, ep)
		}
		return "", errors.WithStack(ErrTokensExhausted)
	}
	return tok, nil
}

// Acquire allocates token. If token space is exhausted the call is queued until token is
// released or ctx is done.
func (a *TokenAllocator) Acquire(ctx context.Context, ep wire.Endpoint) (wire.Token, error) {
	spaces, unlock := a.spaces.Lock(ep)
	s := a.space(spaces, ep)
	if tok, ok := s.next(a.maxLen); ok {
		unlock()
		return tok, nil
	}
	ch := make(chan wire.Token, 1)
	s.waiters = append(s.waiters, ch)
	unlock()

	select {
	case tok := <-ch:
		return tok, nil
	case <-ctx.Done():
	}

	spaces, unlock = a.spaces.Lock(ep)
	defer unlock()

	if s, exists := spaces[ep]; exists {
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				return "", errors.WithStack(ctx.Err())
			}
		}
	}

	// Token was handed over concurrently with cancellation, give it back.
	a.release(spaces, ep, <-ch)
	return "", errors.WithStack(ctx.Err())
}

// Reserve marks caller-chosen token as used.
func (a *TokenAllocator) Reserve(ep wire.Endpoint, tok wire.Token) error {
	if tok.Len() > a.maxLen {
		return errors.Wrapf(wire.ErrInvalidToken, "length %d exceeds %d", tok.Len(), a.maxLen)
	}

	spaces, unlock := a.spaces.Lock(ep)
	defer unlock()

	s := a.space(spaces, ep)
	if _, exists := s.inUse[tok]; exists {
		return errors.Wrapf(ErrTokenInUse, "token %s, endpoint %s", tok, ep)
	}
	delete(s.free, tok)
	s.take(tok)
	return nil
}

// Release returns token. If allocation is queued for the endpoint it receives the token.
func (a *TokenAllocator) Release(ep wire.Endpoint, tok wire.Token) bool {
	spaces, unlock := a.spaces.Lock(ep)
	defer unlock()

	return a.release(spaces, ep, tok)
}

// InUse reports whether token is allocated.
func (a *TokenAllocator) InUse(ep wire.Endpoint, tok wire.Token) bool {
	spaces, unlock := a.spaces.Lock(ep)
	defer unlock()

	s, exists := spaces[ep]
	if !exists {
		return false
	}
	_, exists = s.inUse[tok]
	return exists
}

func (a *TokenAllocator) space(spaces map[wire.Endpoint]*tokenSpace, ep wire.Endpoint) *tokenSpace {
	s, exists := spaces[ep]
	if !exists {
		s = &tokenSpace{
			inUse: map[wire.Token]struct{}{},
			free:  map[wire.Token]struct{}{},
		}
		spaces[ep] = s
	}
	return s
}

func (a *TokenAllocator) release(spaces map[wire.Endpoint]*tokenSpace, ep wire.Endpoint, tok wire.Token) bool {
	s, exists := spaces[ep]
	if !exists {
		return false
	}
	if _, exists := s.inUse[tok]; !exists {
		return false
	}

	if len(s.waiters) > 0 {
		ch := s.waiters[0]
		s.waiters = s.waiters[1:]
		ch <- tok
		return true
	}

	delete(s.inUse, tok)
	if tok == s.highest {
		s.highest = ""
		for t := range s.inUse {
			if t.Compare(s.highest) > 0 {
				s.highest = t
			}
		}
	}

	if len(s.inUse) == 0 {
		delete(spaces, ep)
		return true
	}
	s.free[tok] = struct{}{}
	return true
}

func (s *tokenSpace) next(maxLen int) (wire.Token, bool) {
	if len(s.free) > 0 {
		var smallest wire.Token
		first := true
		for t := range s.free {
			if first || t.Compare(smallest) < 0 {
				smallest = t
				first = false
			}
		}
		delete(s.free, smallest)
		s.take(smallest)
		return smallest, true
	}

	var tok wire.Token
	if len(s.inUse) > 0 {
		tok = s.highest.Successor(maxLen)
	}
	if _, exists := s.inUse[tok]; exists {
		return "", false
	}
	s.take(tok)
	return tok, true
}

func (s *tokenSpace) take(tok wire.Token) {
	s.inUse[tok] = struct{}{}
	if tok.Compare(s.highest) > 0 {
		s.highest = tok
	}
}

func (s *tokenSpace) empty() bool {
	return len(s.inUse) == 0 && len(s.waiters) == 0
}
