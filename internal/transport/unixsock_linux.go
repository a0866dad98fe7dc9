//go:build linux

package transport

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Foundation42/microkernel/internal/kernel"
	"github.com/Foundation42/microkernel/internal/wire"
)

// Unix is a single-peer stream link over a unix domain socket. Both ends
// share the machine, so frames use host byte order.
type Unix struct {
	*streamSock
	path    string
	created bool // this end bound the socket path and owns its removal
}

var unixLog = logrus.WithField("transport", "unix")

// ListenUnix binds a unix socket at path and accepts its peer lazily. A
// stale socket file at path is replaced.
func ListenUnix(path string, peer kernel.NodeID) (*Unix, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "unix socket")
	}
	unix.Unlink(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "unix bind %s", path)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, errors.Wrap(err, "unix listen")
	}

	u := &Unix{
		streamSock: newStreamSock(wire.HostCodec(), peer, unixLog),
		path:       path,
		created:    true,
	}
	u.listenFd = fd
	return u, nil
}

// ConnectUnix connects to an existing socket at path.
func ConnectUnix(path string, peer kernel.NodeID) (*Unix, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "unix socket")
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "unix connect %s", path)
	}
	unix.SetNonblock(fd, true)

	u := &Unix{
		streamSock: newStreamSock(wire.HostCodec(), peer, unixLog),
		path:       path,
	}
	u.fd = fd
	return u, nil
}

// Close shuts the link down and removes the socket file if this end
// created it.
func (u *Unix) Close() {
	u.streamSock.Close()
	if u.created {
		unix.Unlink(u.path)
		u.created = false
	}
}
