package reliability

import (
	"math/rand/v2"
	"time"
)

// MaxLatency is the maximum time a datagram is expected to take from the start of its
// transmission to the completion of its reception.
const MaxLatency = 100 * time.Second

// InitialTimeout returns the first retransmission timeout drawn uniformly from
// [ackTimeout, ackTimeout*randomFactor].
func InitialTimeout(ackTimeout time.Duration, randomFactor float64) time.Duration {
	if randomFactor <= 1.0 {
		return ackTimeout
	}
	span := float64(ackTimeout) * (randomFactor - 1.0)
	return ackTimeout + time.Duration(rand.Float64()*span)
}

// TransmitSpan returns the maximum time from the first transmission of a confirmable message
// to its last retransmission.
func TransmitSpan(ackTimeout time.Duration, randomFactor float64, maxRetransmit int) time.Duration {
	return scaled(ackTimeout, randomFactor, 1<<maxRetransmit-1)
}

// TransmitWait returns the maximum time from the first transmission of a confirmable message
// to the moment the sender gives up.
func TransmitWait(ackTimeout time.Duration, randomFactor float64, maxRetransmit int) time.Duration {
	return scaled(ackTimeout, randomFactor, 1<<(maxRetransmit+1)-1)
}

// ExchangeLifetime returns the time from starting to send a confirmable message to the time
// when an acknowledgement is no longer expected and its message ID might be reused.
func ExchangeLifetime(ackTimeout time.Duration, randomFactor float64, maxRetransmit int) time.Duration {
	return TransmitSpan(ackTimeout, randomFactor, maxRetransmit) + 2*MaxLatency + ackTimeout
}

func scaled(ackTimeout time.Duration, randomFactor float64, multiplier int) time.Duration {
	if randomFactor < 1.0 {
		randomFactor = 1.0
	}
	return time.Duration(float64(ackTimeout) * float64(multiplier) * randomFactor)
}
