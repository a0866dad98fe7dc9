//go:build linux

package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Foundation42/microkernel/internal/kernel"
	"github.com/Foundation42/microkernel/internal/wire"
)

// QUIC carries messages over a single bidirectional QUIC stream, framed in
// network byte order. quic-go runs its own goroutines, so inbound frames
// are bridged back to the runtime's single thread through a pipe: the
// reader queues the message and writes one wake byte, the poll loop sees
// the pipe readable and Recv pops the queue. The pipe write is the only
// cross-thread signal; message data itself moves under a mutex.
type QUIC struct {
	codec wire.Codec
	peer  kernel.NodeID
	log   *logrus.Entry

	conn     *quic.Conn
	stream   *quic.Stream
	listener *quic.Listener

	pipeR, pipeW int

	mu      sync.Mutex
	inbound []*kernel.Message
	dead    bool

	sendMu sync.Mutex
}

var quicLog = logrus.WithField("transport", "quic")

func newQUIC(peer kernel.NodeID) (*QUIC, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "quic wake pipe")
	}
	return &QUIC{
		codec: wire.NetworkCodec(),
		peer:  peer,
		log:   quicLog,
		pipeR: p[0],
		pipeW: p[1],
	}, nil
}

// ListenQUIC starts a listener on addr (e.g. ":4433") and accepts one peer
// and one stream in the background.
func ListenQUIC(addr string, peer kernel.NodeID) (*QUIC, error) {
	tlsConf, err := SelfSignedTLS()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "quic listen %s", addr)
	}
	q, err := newQUIC(peer)
	if err != nil {
		ln.Close()
		return nil, err
	}
	q.listener = ln
	go q.acceptLoop()
	return q, nil
}

// DialQUIC connects to a node's QUIC listener at addr.
func DialQUIC(addr string, peer kernel.NodeID) (*QUIC, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, ClientTLS(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "quic dial %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, errors.Wrap(err, "quic open stream")
	}
	q, err := newQUIC(peer)
	if err != nil {
		conn.CloseWithError(0, "setup failed")
		return nil, err
	}
	q.conn = conn
	q.stream = stream
	go q.readLoop(stream)
	return q, nil
}

func (q *QUIC) acceptLoop() {
	conn, err := q.listener.Accept(context.Background())
	if err != nil {
		q.markDead()
		return
	}
	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		q.markDead()
		return
	}
	q.mu.Lock()
	q.conn = conn
	q.stream = stream
	q.mu.Unlock()
	q.readLoop(stream)
}

// readLoop reassembles frames off the stream and hands them to the poll
// loop via the wake pipe.
func (q *QUIC) readLoop(stream *quic.Stream) {
	hdr := make([]byte, wire.HeaderSize)
	for {
		if _, err := io.ReadFull(stream, hdr); err != nil {
			q.markDead()
			return
		}
		h, err := q.codec.DecodeHeader(hdr)
		if err != nil {
			q.log.WithError(err).Warn("bad frame header, dropping link")
			q.markDead()
			return
		}
		buf := make([]byte, wire.HeaderSize+int(h.PayloadSize))
		copy(buf, hdr)
		if _, err := io.ReadFull(stream, buf[wire.HeaderSize:]); err != nil {
			q.markDead()
			return
		}
		msg, err := q.codec.DecodeMessage(buf)
		if err != nil {
			continue
		}
		q.mu.Lock()
		q.inbound = append(q.inbound, msg)
		q.mu.Unlock()
		q.wake()
	}
}

func (q *QUIC) wake() {
	var b [1]byte
	unix.Write(q.pipeW, b[:])
}

func (q *QUIC) markDead() {
	q.mu.Lock()
	q.dead = true
	q.mu.Unlock()
	q.wake()
}

// Send writes one frame to the stream. Safe to call only from the runtime
// thread; the mutex guards against a race with Close.
func (q *QUIC) Send(msg *kernel.Message) bool {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	q.mu.Lock()
	stream, dead := q.stream, q.dead
	q.mu.Unlock()
	if stream == nil || dead {
		return false
	}
	buf, err := q.codec.EncodeMessage(msg)
	if err != nil {
		return false
	}
	_, err = stream.Write(buf)
	return err == nil
}

// Recv consumes one wake byte and pops one queued message.
func (q *QUIC) Recv() *kernel.Message {
	var b [1]byte
	unix.Read(q.pipeR, b[:])

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inbound) == 0 {
		return nil
	}
	msg := q.inbound[0]
	q.inbound = q.inbound[1:]
	return msg
}

func (q *QUIC) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stream != nil && !q.dead
}

// Fd returns the wake pipe's read end for the poll loop.
func (q *QUIC) Fd() int { return q.pipeR }

func (q *QUIC) PeerNode() kernel.NodeID { return q.peer }

// Addr returns the listener address, or "" on a dialed link.
func (q *QUIC) Addr() string {
	if q.listener == nil {
		return ""
	}
	return q.listener.Addr().String()
}

func (q *QUIC) Close() {
	q.mu.Lock()
	conn, ln := q.conn, q.listener
	q.conn, q.listener, q.stream = nil, nil, nil
	q.dead = true
	q.mu.Unlock()
	if conn != nil {
		conn.CloseWithError(0, "closed")
	}
	if ln != nil {
		ln.Close()
	}
	unix.Close(q.pipeR)
	unix.Close(q.pipeW)
}
