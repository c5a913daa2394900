package transport

import (
	"context"
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/outofforest/parallel"

	"github.com/outofforest/coap/wire"
)

const maxDatagramSize = 65535

// UDP carries datagrams over UDP socket. Endpoints are "ip:port" strings.
type UDP struct {
	conn  *net.UDPConn
	queue chan outbound
}

// ListenUDP binds UDP socket.
func ListenUDP(addr string, queueSize int) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &UDP{
		conn:  conn,
		queue: make(chan outbound, queueSize),
	}, nil
}

// LocalEndpoint returns endpoint the socket is bound to.
func (u *UDP) LocalEndpoint() wire.Endpoint {
	return wire.Endpoint(u.conn.LocalAddr().String())
}

// Send queues datagram.
func (u *UDP) Send(ep wire.Endpoint, datagram []byte, done func(error)) {
	o := outbound{Endpoint: ep, Datagram: datagram, Done: done}
	select {
	case u.queue <- o:
	default:
		o.complete(errors.Wrapf(ErrQueueFull, "endpoint %s", ep))
	}
}

// Run runs reader and writer of the socket. Socket is closed when ctx is done.
func (u *UDP) Run(ctx context.Context, recv RecvFunc) error {
	var closeErr error
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			closeErr = u.conn.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("reader", parallel.Fail, func(ctx context.Context) error {
			buf := make([]byte, maxDatagramSize)
			for {
				n, addr, err := u.conn.ReadFromUDPAddrPort(buf)
				if err != nil {
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}
					return errors.WithStack(err)
				}
				addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
				recv(wire.Endpoint(addr.String()), append([]byte(nil), buf[:n]...))
			}
		})
		spawn("writer", parallel.Fail, func(ctx context.Context) error {
			defer u.drain()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case o := <-u.queue:
					o.complete(u.write(o))
				}
			}
		})

		return nil
	})

	return multierr.Append(err, errors.WithStack(closeErr))
}

func (u *UDP) write(o outbound) error {
	addr, err := netip.ParseAddrPort(string(o.Endpoint))
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = u.conn.WriteToUDPAddrPort(o.Datagram, addr)
	return errors.WithStack(err)
}

func (u *UDP) drain() {
	for {
		select {
		case o := <-u.queue:
			o.complete(errors.WithStack(ErrClosed))
		default:
			return
		}
	}
}
