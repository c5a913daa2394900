package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"

	"github.com/outofforest/coap/wire"
)

var errSameNode = errors.New("connected to myself")

// StreamConfig is the configuration of stream transport.
type StreamConfig struct {
	// Name is announced to accepting peers, they use it as endpoint of this node.
	// Random name is generated if empty.
	Name wire.Endpoint

	// Peers are dialed and kept connected. Their addresses are used as endpoints.
	Peers []string

	MaxMessageSize uint64
	QueueSize      int
}

// Stream carries datagrams over framed TCP connections, for networks where UDP is not an
// option. Connections are redialed when they break; datagrams sent meanwhile are dropped.
type Stream struct {
	config StreamConfig
	ls     net.Listener
	conns  *streamConns
}

// NewStream creates stream transport. Listener is optional.
func NewStream(config StreamConfig, ls net.Listener) (*Stream, error) {
	if config.Name == "" {
		name, err := randomName()
		if err != nil {
			return nil, err
		}
		config.Name = name
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 10
	}
	return &Stream{
		config: config,
		ls:     ls,
		conns:  newStreamConns(config.QueueSize),
	}, nil
}

// Name returns name announced to peers.
func (s *Stream) Name() wire.Endpoint {
	return s.config.Name
}

// Send queues datagram on the connection to the endpoint.
func (s *Stream) Send(ep wire.Endpoint, datagram []byte, done func(error)) {
	s.conns.Send(outbound{Endpoint: ep, Datagram: datagram, Done: done})
}

// Run accepts and dials connections.
func (s *Stream) Run(ctx context.Context, recv RecvFunc) error {
	connConfig := resonance.Config{
		MaxMessageSize: s.config.MaxMessageSize,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		if s.ls != nil {
			spawn("server", parallel.Fail, func(ctx context.Context) error {
				return resonance.RunServer(ctx, s.ls, connConfig,
					func(ctx context.Context, c *resonance.Connection) error {
						return s.runConn(ctx, c, "", recv)
					})
			})
		}

		for _, peer := range s.config.Peers {
			spawn("client", parallel.Continue, func(ctx context.Context) error {
				log := logger.Get(ctx)

				for {
					err := resonance.RunClient(ctx, peer, connConfig,
						func(ctx context.Context, c *resonance.Connection) error {
							return s.runConn(ctx, c, wire.Endpoint(peer), recv)
						})

					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}

					if errors.Is(err, errSameNode) {
						return nil
					}

					log.Error("Stream connection failed", zap.String("peer", peer), zap.Error(err))
					select {
					case <-ctx.Done():
						return errors.WithStack(ctx.Err())
					case <-time.After(time.Second):
					}
				}
			})
		}

		return nil
	})
}

// runConn serves connection. Endpoint of dialed peer is its address, endpoint of accepted one
// is the name it announces.
func (s *Stream) runConn(ctx context.Context, c *resonance.Connection, ep wire.Endpoint, recv RecvFunc) error {
	if err := c.SendRawBytes([]byte(s.config.Name)); err != nil {
		return err
	}
	name, err := c.ReceiveRawBytes()
	if err != nil {
		return err
	}
	if wire.Endpoint(name) == s.config.Name {
		return errSameNode
	}
	if ep == "" {
		ep = wire.Endpoint(name)
	}

	sendCh := s.conns.Add(ep)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer s.conns.Remove(ep, sendCh)

			for {
				datagram, err := c.ReceiveRawBytes()
				if err != nil {
					return err
				}
				recv(ep, append([]byte(nil), datagram...))
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for o := range sendCh {
					o.complete(errors.WithStack(ErrClosed))
				}
			}()
			defer c.Close()

			for o := range sendCh {
				err := c.SendRawBytes(o.Datagram)
				o.complete(err)
				if err != nil {
					return err
				}
			}

			return nil
		})

		return nil
	})
}

type chans struct {
	Sender   chan<- outbound
	Receiver <-chan outbound
}

type streamConns struct {
	queueSize int

	mu    sync.RWMutex
	conns map[wire.Endpoint]chans
}

func newStreamConns(queueSize int) *streamConns {
	return &streamConns{
		queueSize: queueSize,
		conns:     map[wire.Endpoint]chans{},
	}
}

func (c *streamConns) Add(ep wire.Endpoint) <-chan outbound {
	ch := make(chan outbound, c.queueSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if chs, ok := c.conns[ep]; ok {
		close(chs.Sender)
	}
	c.conns[ep] = chans{Sender: ch, Receiver: ch}

	return ch
}

func (c *streamConns) Remove(ep wire.Endpoint, ch <-chan outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chs, exists := c.conns[ep]; exists && chs.Receiver == ch {
		delete(c.conns, ep)
		close(chs.Sender)
	}
}

func (c *streamConns) Send(o outbound) {
	if err := c.enqueue(o); err != nil {
		o.complete(err)
	}
}

func (c *streamConns) enqueue(o outbound) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chs, exists := c.conns[o.Endpoint]
	if !exists {
		return errors.Wrapf(ErrNoRoute, "endpoint %s", o.Endpoint)
	}

	select {
	case chs.Sender <- o:
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "endpoint %s", o.Endpoint)
	}
}

func randomName() (wire.Endpoint, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", errors.WithStack(err)
	}
	return wire.Endpoint(hex.EncodeToString(id[:])), nil
}
