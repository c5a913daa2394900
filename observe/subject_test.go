package observe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/coap/observe"
)

func TestSubject(t *testing.T) {
	requireT := require.New(t)

	var s observe.Subject
	s.Notify()

	var a, b int
	cancelA := s.Subscribe(func() { a++ })
	s.Subscribe(func() { b++ })

	s.Notify()
	requireT.Equal(1, a)
	requireT.Equal(1, b)

	cancelA()
	cancelA()
	s.Notify()
	requireT.Equal(1, a)
	requireT.Equal(2, b)
}

func TestSubscriberMayUnsubscribeDuringNotify(t *testing.T) {
	requireT := require.New(t)

	var s observe.Subject
	var calls int
	var cancel func()
	cancel = s.Subscribe(func() {
		calls++
		cancel()
	})

	s.Notify()
	s.Notify()
	requireT.Equal(1, calls)
}
