//go:build linux

package transport

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Foundation42/microkernel/internal/kernel"
	"github.com/Foundation42/microkernel/internal/wire"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// UDP is a datagram link framed in network byte order: one datagram is
// one complete message, never fragmented across datagrams. A bound side
// locks onto the first peer that sends to it.
type UDP struct {
	codec     wire.Codec
	peer      kernel.NodeID
	fd        int
	connected bool // peer address fixed, plain send/recv usable
	port      int
	log       *logrus.Entry
}

var udpLog = logrus.WithField("transport", "udp")

// BindUDP opens a socket bound to port. Port 0 picks an ephemeral port.
func BindUDP(port int, peer kernel.NodeID) (*UDP, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "udp socket")
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "udp bind")
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "udp getsockname")
	}
	actual := port
	if in4, ok := bound.(*unix.SockaddrInet4); ok {
		actual = in4.Port
	}
	return &UDP{
		codec: wire.NetworkCodec(),
		peer:  peer,
		fd:    fd,
		port:  actual,
		log:   udpLog,
	}, nil
}

// ConnectUDP opens a socket with a fixed destination of host:port.
func ConnectUDP(host string, port int, peer kernel.NodeID) (*UDP, error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "udp socket")
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "udp connect %s:%d", host, port)
	}
	return &UDP{
		codec:     wire.NetworkCodec(),
		peer:      peer,
		fd:        fd,
		connected: true,
		port:      port,
		log:       udpLog,
	}, nil
}

// Send frames msg into one datagram. Messages too large for a datagram
// are rejected.
func (u *UDP) Send(msg *kernel.Message) bool {
	if u.fd < 0 || !u.connected {
		return false
	}
	buf, err := u.codec.EncodeMessage(msg)
	if err != nil || len(buf) > maxDatagram {
		return false
	}
	for {
		n, err := unix.Write(u.fd, buf)
		if err == unix.EINTR {
			continue
		}
		return err == nil && n == len(buf)
	}
}

// Recv returns the next datagram decoded as a message, or nil. The first
// datagram received on a bound socket locks in that sender as the peer so
// replies route back to it.
func (u *UDP) Recv() *kernel.Message {
	if u.fd < 0 {
		return nil
	}
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := unix.Recvfrom(u.fd, buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < wire.HeaderSize {
			return nil
		}
		if !u.connected {
			if sa, ok := from.(*unix.SockaddrInet4); ok {
				if unix.Connect(u.fd, sa) == nil {
					u.connected = true
				}
			}
		}
		msg, err := u.codec.DecodeMessage(buf[:n])
		if err != nil {
			u.log.WithError(err).Debug("bad datagram dropped")
			return nil
		}
		return msg
	}
}

func (u *UDP) IsConnected() bool       { return u.fd >= 0 && u.connected }
func (u *UDP) Fd() int                 { return u.fd }
func (u *UDP) PeerNode() kernel.NodeID { return u.peer }
func (u *UDP) Port() int               { return u.port }

func (u *UDP) Close() {
	if u.fd >= 0 {
		unix.Close(u.fd)
		u.fd = -1
	}
}
