package reliability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/coap/reliability"
)

func TestInitialTimeoutWithinBounds(t *testing.T) {
	requireT := require.New(t)

	for range 1000 {
		timeout := reliability.InitialTimeout(2*time.Second, 1.5)
		requireT.GreaterOrEqual(timeout, 2*time.Second)
		requireT.LessOrEqual(timeout, 3*time.Second)
	}

	requireT.Equal(2*time.Second, reliability.InitialTimeout(2*time.Second, 1.0))
}

func TestDerivedTimes(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(45*time.Second, reliability.TransmitSpan(2*time.Second, 1.5, 4))
	requireT.Equal(93*time.Second, reliability.TransmitWait(2*time.Second, 1.5, 4))
	requireT.Equal(247*time.Second, reliability.ExchangeLifetime(2*time.Second, 1.5, 4))
}
