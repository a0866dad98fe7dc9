//go:build linux

// Package transport provides message links between runtimes: TCP, UDP, and
// unix domain sockets over raw nonblocking fds, plus QUIC. Every transport
// exposes one pollable fd so a runtime can multiplex all of its links in a
// single poll call.
package transport

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Foundation42/microkernel/internal/kernel"
	"github.com/Foundation42/microkernel/internal/wire"
)

// streamSock is the shared core of the stream-socket transports. It owns
// either a listening fd (server side, accepting its single peer lazily) or
// a connected fd, and reassembles frames from the byte stream.
type streamSock struct {
	codec    wire.Codec
	peer     kernel.NodeID
	listenFd int // -1 when client side or already accepted
	fd       int // -1 until connected or accepted
	rbuf     []byte
	closed   bool
	log      *logrus.Entry
}

func newStreamSock(codec wire.Codec, peer kernel.NodeID, log *logrus.Entry) *streamSock {
	return &streamSock{
		codec:    codec,
		peer:     peer,
		listenFd: -1,
		fd:       -1,
		log:      log,
	}
}

// ensureConn accepts the pending peer on a server-side socket. The listen
// fd is closed after accept: each link carries exactly one peer.
func (s *streamSock) ensureConn() bool {
	if s.fd >= 0 {
		return true
	}
	if s.listenFd < 0 || s.closed {
		return false
	}
	fd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			s.log.WithError(err).Warn("accept failed")
		}
		return false
	}
	unix.Close(s.listenFd)
	s.listenFd = -1
	s.fd = fd
	s.log.Debug("peer accepted")
	return true
}

// Send frames msg and writes it out. Once any part of a frame has been
// written the rest must follow or the stream is corrupt, so mid-frame
// EAGAIN blocks on writability instead of giving up.
func (s *streamSock) Send(msg *kernel.Message) bool {
	if !s.ensureConn() {
		return false
	}
	buf, err := s.codec.EncodeMessage(msg)
	if err != nil {
		s.log.WithError(err).Warn("encode failed")
		return false
	}
	off := 0
	for off < len(buf) {
		n, err := unix.Write(s.fd, buf[off:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if off == 0 {
				return false
			}
			pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
			unix.Poll(pfd, 1000)
			continue
		}
		if err != nil || n <= 0 {
			return false
		}
		off += n
	}
	return true
}

// Recv returns the next complete frame, or nil when none is available.
func (s *streamSock) Recv() *kernel.Message {
	if !s.ensureConn() {
		return nil
	}
	if msg := s.parseFrame(); msg != nil {
		return msg
	}

	var chunk [4096]byte
	for {
		n, err := unix.Read(s.fd, chunk[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err != nil || n == 0 {
			// peer gone
			unix.Close(s.fd)
			s.fd = -1
			return nil
		}
		s.rbuf = append(s.rbuf, chunk[:n]...)
		if n < len(chunk) {
			break
		}
	}
	return s.parseFrame()
}

// parseFrame pops one frame off the reassembly buffer if complete.
func (s *streamSock) parseFrame() *kernel.Message {
	if len(s.rbuf) < wire.HeaderSize {
		return nil
	}
	h, err := s.codec.DecodeHeader(s.rbuf)
	if err != nil {
		// poisoned stream, drop the connection
		s.log.WithError(err).Warn("bad frame header, dropping link")
		unix.Close(s.fd)
		s.fd = -1
		s.rbuf = nil
		return nil
	}
	total := wire.HeaderSize + int(h.PayloadSize)
	if len(s.rbuf) < total {
		return nil
	}
	msg, err := s.codec.DecodeMessage(s.rbuf[:total])
	if err != nil {
		return nil
	}
	s.rbuf = s.rbuf[total:]
	if len(s.rbuf) == 0 {
		s.rbuf = nil
	}
	return msg
}

func (s *streamSock) IsConnected() bool { return s.fd >= 0 }

// Fd returns the pollable fd: the connection when established, otherwise
// the listening socket so an incoming peer wakes the poll loop.
func (s *streamSock) Fd() int {
	if s.fd >= 0 {
		return s.fd
	}
	return s.listenFd
}

func (s *streamSock) PeerNode() kernel.NodeID { return s.peer }

func (s *streamSock) Close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
	s.rbuf = nil
	s.closed = true
}
