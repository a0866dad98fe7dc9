//go:build linux

package ns

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Foundation42/microkernel/internal/kernel"
	"github.com/Foundation42/microkernel/internal/transport"
)

// Mount handshake. Both sides exchange one fixed hello frame (network
// order) before any message traffic, then the socket is wrapped as a
// normal transport and the full table sync runs. Rejections close the
// socket with nothing sent beyond our own hello.
const (
	helloMagic  = 0x4D4B3031 // "MK01"
	identityLen = 32
	versionLen  = 16
	helloSize   = 4 + 4 + identityLen + versionLen

	// DefaultPort is the conventional mount listener port.
	DefaultPort = 4200

	handshakeTimeoutMs = 3000
)

type hello struct {
	node     kernel.NodeID
	identity string
	version  string
}

func encodeHello(h hello) []byte {
	buf := make([]byte, helloSize)
	binary.BigEndian.PutUint32(buf[0:4], helloMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.node))
	copy(buf[8:8+identityLen], h.identity)
	copy(buf[8+identityLen:], h.version)
	return buf
}

func decodeHello(buf []byte) (hello, error) {
	if len(buf) < helloSize {
		return hello{}, errors.New("short hello")
	}
	if binary.BigEndian.Uint32(buf[0:4]) != helloMagic {
		return hello{}, errors.New("bad hello magic")
	}
	return hello{
		node:     kernel.NodeID(binary.BigEndian.Uint32(buf[4:8])),
		identity: cString(buf[8 : 8+identityLen]),
		version:  cString(buf[8+identityLen : helloSize]),
	}, nil
}

func cString(b []byte) string {
	for i := range b {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func localHello(rt *kernel.Runtime) hello {
	return hello{node: rt.NodeID(), identity: Identity(), version: Version}
}

// readFull reads exactly len(buf) bytes from fd, polling with a deadline.
func readFull(fd int, buf []byte, timeoutMs int) error {
	off := 0
	for off < len(buf) {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, timeoutMs)
		if err != nil && err != unix.EINTR {
			return errors.Wrap(err, "poll")
		}
		if n == 0 {
			return errors.New("handshake timeout")
		}
		m, err := unix.Read(fd, buf[off:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "read")
		}
		if m == 0 {
			return errors.New("peer closed during handshake")
		}
		off += m
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Write(fd, buf[off:])
		if err == unix.EINTR || err == unix.EAGAIN {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			unix.Poll(pfd, handshakeTimeoutMs)
			continue
		}
		if err != nil {
			return errors.Wrap(err, "write")
		}
		off += n
	}
	return nil
}

// validatePeer rejects hellos the runtime cannot link to: the null node,
// ourselves, and incompatible software versions.
func validatePeer(rt *kernel.Runtime, h hello) error {
	if h.node == 0 {
		return errors.New("peer advertises node id 0")
	}
	if h.node == rt.NodeID() {
		return errors.Errorf("peer advertises our own node id %d", rt.NodeID())
	}
	if !VersionCompatible(h.version) {
		return errors.Errorf("incompatible peer version %q (local %s)", h.version, Version)
	}
	return nil
}

// MountResult describes an established peer link.
type MountResult struct {
	Peer     kernel.NodeID
	Identity string
	Version  string
}

// attach wraps a handshaken socket as a TCP transport, registers it, and
// runs the initial full-table sync toward the peer.
func attach(rt *kernel.Runtime, s *Service, fd int, peer hello) MountResult {
	tp := transport.TCPFromFd(fd, peer.node)
	rt.AddTransport(tp)
	s.SyncTo(tp)
	s.log.WithField("peer", peer.identity).Info("peer mounted")
	return MountResult{Peer: peer.node, Identity: peer.identity, Version: peer.version}
}

// MountConnect dials a peer's mount listener, performs the handshake, and
// attaches the link. The dialing side sends its hello first.
func MountConnect(rt *kernel.Runtime, s *Service, host string, port int) (MountResult, error) {
	fd, err := transport.DialTCPFd(host, port)
	if err != nil {
		return MountResult{}, err
	}
	if err := writeFull(fd, encodeHello(localHello(rt))); err != nil {
		unix.Close(fd)
		return MountResult{}, errors.Wrap(err, "send hello")
	}
	buf := make([]byte, helloSize)
	unix.SetNonblock(fd, true)
	if err := readFull(fd, buf, handshakeTimeoutMs); err != nil {
		unix.Close(fd)
		return MountResult{}, errors.Wrap(err, "read hello")
	}
	peer, err := decodeHello(buf)
	if err != nil {
		unix.Close(fd)
		return MountResult{}, err
	}
	if err := validatePeer(rt, peer); err != nil {
		unix.Close(fd)
		return MountResult{}, err
	}
	return attach(rt, s, fd, peer), nil
}

type listenerState struct {
	svc *Service
	fd  int
}

// listenerBehavior accepts one pending peer per readiness event,
// handshakes it, and attaches the link. Bad peers cost a closed socket
// and a log line, never the listener.
func listenerBehavior(rt *kernel.Runtime, self *kernel.Actor, msg *kernel.Message) bool {
	st := self.State.(*listenerState)
	if msg.Type == msgArmListener {
		rt.WatchFD(st.fd, kernel.FDEventIn)
		return true
	}
	if msg.Type != kernel.MsgFDEvent {
		return true
	}

	fd, _, err := unix.Accept4(st.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			st.svc.log.WithError(err).Warn("mount accept failed")
		}
		return true
	}

	buf := make([]byte, helloSize)
	if err := readFull(fd, buf, handshakeTimeoutMs); err != nil {
		st.svc.log.WithError(err).Warn("mount handshake failed")
		unix.Close(fd)
		return true
	}
	peer, err := decodeHello(buf)
	if err == nil {
		err = validatePeer(rt, peer)
	}
	if err != nil {
		st.svc.log.WithError(err).Warn("mount peer rejected")
		unix.Close(fd)
		return true
	}
	if err := writeFull(fd, encodeHello(localHello(rt))); err != nil {
		st.svc.log.WithError(err).Warn("mount hello send failed")
		unix.Close(fd)
		return true
	}
	attach(rt, st.svc, fd, peer)
	return true
}

func closeListener(state any) {
	if st, ok := state.(*listenerState); ok && st.fd >= 0 {
		unix.Close(st.fd)
		st.fd = -1
	}
}

// MountListen starts the mount listener actor on port (0 picks an
// ephemeral port). Returns the listener actor and the bound port.
func MountListen(rt *kernel.Runtime, s *Service, port int) (kernel.ActorID, int, error) {
	fd, actual, err := transport.ListenTCPFd(port)
	if err != nil {
		return kernel.ActorIDInvalid, 0, err
	}
	st := &listenerState{svc: s, fd: fd}
	id := rt.Spawn(listenerBehavior, st, closeListener, 16)
	if id == kernel.ActorIDInvalid {
		unix.Close(fd)
		return kernel.ActorIDInvalid, 0, errors.New("mount: actor table full")
	}
	// Arm the fd watch from inside the listener's own behavior turn so the
	// watch is owned by the listener actor.
	rt.Deliver(id, msgArmListener, nil)
	rt.Step()
	return id, actual, nil
}

// msgArmListener tells a fresh listener to register its fd watch.
const msgArmListener kernel.MsgType = 0xFF0000F1
