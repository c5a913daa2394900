package reliability

import (
	"time"

	"github.com/outofforest/coap/wire"
)

// Key identifies message exchange on the wire.
type Key struct {
	Endpoint  wire.Endpoint
	MessageID wire.MessageID
}

// SendFunc transmits datagram to the endpoint. It must not block.
type SendFunc func(ep wire.Endpoint, datagram []byte)

// Config is the configuration of the reliability layer.
type Config struct {
	ACKTimeout       time.Duration
	ACKRandomFactor  float64
	MaxRetransmit    int
	ExchangeLifetime time.Duration
	EmptyACKDelay    time.Duration
	MaxExchanges     int
}
