package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/coap/wire"
)

var (
	// ErrQueueFull is reported when datagram is dropped because send queue is full.
	ErrQueueFull = errors.New("send queue full")

	// ErrNoRoute is reported when there is no connection to the endpoint.
	ErrNoRoute = errors.New("no route to endpoint")

	// ErrClosed is reported for datagrams still queued when transport stops.
	ErrClosed = errors.New("transport closed")
)

// RecvFunc is called for every inbound datagram. Datagram is owned by the callee.
type RecvFunc func(ep wire.Endpoint, datagram []byte)

// Transport carries datagrams between endpoints.
type Transport interface {
	// Send queues datagram for delivery. It never blocks. done, if not nil, is called once
	// datagram is written or dropped.
	Send(ep wire.Endpoint, datagram []byte, done func(error))

	// Run delivers inbound datagrams to recv until ctx is done.
	Run(ctx context.Context, recv RecvFunc) error
}

type outbound struct {
	Endpoint wire.Endpoint
	Datagram []byte
	Done     func(error)
}

func (o outbound) complete(err error) {
	if o.Done != nil {
		o.Done(err)
	}
}
