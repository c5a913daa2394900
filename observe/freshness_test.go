package observe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/coap/observe"
)

func TestFresher(t *testing.T) {
	tests := []struct {
		name  string
		prev  observe.State
		next  observe.State
		fresh bool
	}{
		{
			name:  "simple increase",
			prev:  observe.State{Sequence: 10, Timestamp: 1000},
			next:  observe.State{Sequence: 11, Timestamp: 1001},
			fresh: true,
		},
		{
			name:  "wraparound",
			prev:  observe.State{Sequence: 8388609, Timestamp: 1000},
			next:  observe.State{Sequence: 0, Timestamp: 1001},
			fresh: true,
		},
		{
			name:  "exactly threshold behind",
			prev:  observe.State{Sequence: 8388608, Timestamp: 1000},
			next:  observe.State{Sequence: 0, Timestamp: 1001},
			fresh: false,
		},
		{
			name:  "exactly threshold ahead",
			prev:  observe.State{Sequence: 0, Timestamp: 1000},
			next:  observe.State{Sequence: 8388608, Timestamp: 1001},
			fresh: false,
		},
		{
			name:  "timestamp only",
			prev:  observe.State{Sequence: 5, Timestamp: 1000},
			next:  observe.State{Sequence: 5, Timestamp: 129001},
			fresh: true,
		},
		{
			name:  "timestamp at the window",
			prev:  observe.State{Sequence: 5, Timestamp: 1000},
			next:  observe.State{Sequence: 5, Timestamp: 129000},
			fresh: false,
		},
		{
			name:  "older",
			prev:  observe.State{Sequence: 5, Timestamp: 1000},
			next:  observe.State{Sequence: 4, Timestamp: 1001},
			fresh: false,
		},
		{
			name:  "same",
			prev:  observe.State{Sequence: 5, Timestamp: 1000},
			next:  observe.State{Sequence: 5, Timestamp: 1001},
			fresh: false,
		},
		{
			name:  "top of sequence space followed by zero",
			prev:  observe.State{Sequence: 1<<24 - 1, Timestamp: 1000},
			next:  observe.State{Sequence: 0, Timestamp: 1001},
			fresh: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.fresh, observe.Fresher(test.prev, test.next))
		})
	}
}
