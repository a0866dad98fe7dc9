//go:build linux

package transport

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Foundation42/microkernel/internal/kernel"
	"github.com/Foundation42/microkernel/internal/wire"
)

// TCP is a single-peer stream link framed in network byte order.
type TCP struct {
	*streamSock
	port int
}

var tcpLog = logrus.WithField("transport", "tcp")

// ListenTCP opens a listening socket on port and returns a transport that
// accepts its peer lazily on first use. Port 0 picks an ephemeral port,
// readable via Port.
func ListenTCP(port int, peer kernel.NodeID) (*TCP, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "tcp socket")
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tcp bind")
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tcp listen")
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "tcp getsockname")
	}
	actual := port
	if in4, ok := bound.(*unix.SockaddrInet4); ok {
		actual = in4.Port
	}

	t := &TCP{
		streamSock: newStreamSock(wire.NetworkCodec(), peer, tcpLog),
		port:       actual,
	}
	t.listenFd = fd
	return t, nil
}

// ConnectTCP opens a connection to host:port. The connect itself is
// blocking; the established socket is switched to nonblocking for use
// under the poll loop.
func ConnectTCP(host string, port int, peer kernel.NodeID) (*TCP, error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "tcp socket")
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "tcp connect %s:%d", host, port)
	}
	unix.SetNonblock(fd, true)

	t := &TCP{
		streamSock: newStreamSock(wire.NetworkCodec(), peer, tcpLog),
		port:       port,
	}
	t.fd = fd
	return t, nil
}

// TCPFromFd wraps an already-connected socket, as produced by a mount
// handshake. The fd is switched to nonblocking.
func TCPFromFd(fd int, peer kernel.NodeID) *TCP {
	unix.SetNonblock(fd, true)
	t := &TCP{streamSock: newStreamSock(wire.NetworkCodec(), peer, tcpLog)}
	t.fd = fd
	return t
}

// Port returns the bound local port.
func (t *TCP) Port() int { return t.port }

// ListenTCPFd opens a bare listening socket for callers that run their own
// accept and handshake before wrapping the connection as a transport.
// Returns the fd and the actual bound port.
func ListenTCPFd(port int) (int, int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, errors.Wrap(err, "tcp socket")
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "tcp bind")
	}
	if err := unix.Listen(fd, 4); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "tcp listen")
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "tcp getsockname")
	}
	actual := port
	if in4, ok := bound.(*unix.SockaddrInet4); ok {
		actual = in4.Port
	}
	return fd, actual, nil
}

// DialTCPFd opens a blocking connection to host:port and returns the raw
// fd for handshake use.
func DialTCPFd(host string, port int) (int, error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "tcp socket")
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "tcp connect %s:%d", host, port)
	}
	return fd, nil
}

func resolveIPv4(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, errors.Errorf("not an IPv4 address: %s", host)
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", host)
	}
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, errors.Errorf("no IPv4 address for %s", host)
}
