package network

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/coap/transport"
	"github.com/outofforest/coap/wire"
)

// Action decides what happens to datagram in flight.
type Action int

// Actions.
const (
	Deliver Action = iota
	Drop
	Duplicate

	// Fail reports datagram as undeliverable to the sender.
	Fail
)

// Filter inspects every datagram sent through the network.
type Filter func(from, to wire.Endpoint, datagram []byte) Action

const queueSize = 100

type packet struct {
	From     wire.Endpoint
	Datagram []byte
}

// Network is an in-memory datagram network.
type Network struct {
	mu     sync.RWMutex
	nodes  map[wire.Endpoint]*Node
	filter Filter
}

// New creates network.
func New() *Network {
	return &Network{
		nodes: map[wire.Endpoint]*Node{},
	}
}

// Node returns node attached to the network under the endpoint, creating it if needed.
func (n *Network) Node(ep wire.Endpoint) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	node, exists := n.nodes[ep]
	if !exists {
		node = &Node{
			network: n,
			ep:      ep,
			inbox:   make(chan packet, queueSize),
		}
		n.nodes[ep] = node
	}
	return node
}

// SetFilter installs filter applied to all the datagrams.
func (n *Network) SetFilter(filter Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.filter = filter
}

func (n *Network) route(from, to wire.Endpoint, datagram []byte) error {
	n.mu.RLock()
	node, exists := n.nodes[to]
	filter := n.filter
	n.mu.RUnlock()

	if !exists {
		return errors.Wrapf(transport.ErrNoRoute, "endpoint %s", to)
	}

	copies := 1
	if filter != nil {
		switch filter(from, to, datagram) {
		case Drop:
			return nil
		case Fail:
			return errors.Wrapf(transport.ErrNoRoute, "endpoint %s unreachable", to)
		case Duplicate:
			copies = 2
		}
	}

	for range copies {
		select {
		case node.inbox <- packet{From: from, Datagram: append([]byte(nil), datagram...)}:
		default:
			return errors.Wrapf(transport.ErrQueueFull, "endpoint %s", to)
		}
	}
	return nil
}

// Node is the transport of the network member.
type Node struct {
	network *Network
	ep      wire.Endpoint
	inbox   chan packet
}

var _ transport.Transport = &Node{}

// Endpoint returns endpoint of the node.
func (n *Node) Endpoint() wire.Endpoint {
	return n.ep
}

// Send sends datagram to the endpoint.
func (n *Node) Send(ep wire.Endpoint, datagram []byte, done func(error)) {
	err := n.network.route(n.ep, ep, datagram)
	if done != nil {
		done(err)
	}
}

// Run delivers datagrams to recv.
func (n *Node) Run(ctx context.Context, recv transport.RecvFunc) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case p := <-n.inbox:
			recv(p.From, p.Datagram)
		}
	}
}
