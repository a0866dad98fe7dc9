// Package wire implements the fixed binary frame exchanged between nodes:
// a 28 byte header followed by an opaque payload. Two byte-order profiles
// exist. Host order is for same-machine links (unix sockets) where both
// ends share an ABI; network order (big endian) is for anything that may
// cross a machine boundary.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Foundation42/microkernel/internal/kernel"
)

// HeaderSize is the exact encoded size of a frame header.
const HeaderSize = 28

// MaxPayload bounds the payload size a decoder will accept. Inbound frames
// claiming more are rejected before any allocation.
const MaxPayload = 1 << 20

// Header is the frame prefix. Reserved is always written as zero and
// ignored on read.
type Header struct {
	Source      kernel.ActorID
	Dest        kernel.ActorID
	Type        kernel.MsgType
	PayloadSize uint32
	Reserved    uint32
}

var (
	ErrShortBuffer = errors.New("wire: buffer too small")
	ErrOversized   = errors.New("wire: payload size exceeds limit")
)

// Codec encodes and decodes frames in one byte-order profile.
type Codec struct {
	order binary.ByteOrder
}

// HostCodec frames in the machine's native byte order.
func HostCodec() Codec { return Codec{order: binary.NativeEndian} }

// NetworkCodec frames in big-endian byte order.
func NetworkCodec() Codec { return Codec{order: binary.BigEndian} }

// EncodeHeader writes h into buf, which must hold HeaderSize bytes.
func (c Codec) EncodeHeader(buf []byte, h Header) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}
	c.order.PutUint64(buf[0:8], uint64(h.Source))
	c.order.PutUint64(buf[8:16], uint64(h.Dest))
	c.order.PutUint32(buf[16:20], uint32(h.Type))
	c.order.PutUint32(buf[20:24], h.PayloadSize)
	c.order.PutUint32(buf[24:28], 0)
	return nil
}

// DecodeHeader reads a header from buf. Fails closed: short buffers and
// oversized payload claims are errors, never partial results.
func (c Codec) DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	h := Header{
		Source:      kernel.ActorID(c.order.Uint64(buf[0:8])),
		Dest:        kernel.ActorID(c.order.Uint64(buf[8:16])),
		Type:        kernel.MsgType(c.order.Uint32(buf[16:20])),
		PayloadSize: c.order.Uint32(buf[20:24]),
	}
	if h.PayloadSize > MaxPayload {
		return Header{}, errors.Wrapf(ErrOversized, "%d bytes", h.PayloadSize)
	}
	return h, nil
}

// EncodeMessage frames msg into a freshly allocated buffer.
func (c Codec) EncodeMessage(msg *kernel.Message) ([]byte, error) {
	if len(msg.Payload) > MaxPayload {
		return nil, errors.Wrapf(ErrOversized, "%d bytes", len(msg.Payload))
	}
	buf := make([]byte, HeaderSize+len(msg.Payload))
	h := Header{
		Source:      msg.Source,
		Dest:        msg.Dest,
		Type:        msg.Type,
		PayloadSize: uint32(len(msg.Payload)),
	}
	if err := c.EncodeHeader(buf, h); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize:], msg.Payload)
	return buf, nil
}

// DecodeMessage parses one complete frame from buf. The payload is copied
// so the caller may reuse buf.
func (c Codec) DecodeMessage(buf []byte) (*kernel.Message, error) {
	h, err := c.DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if uint32(len(buf)-HeaderSize) < h.PayloadSize {
		return nil, ErrShortBuffer
	}
	msg := &kernel.Message{
		Source: h.Source,
		Dest:   h.Dest,
		Type:   h.Type,
	}
	if h.PayloadSize > 0 {
		msg.Payload = make([]byte, h.PayloadSize)
		copy(msg.Payload, buf[HeaderSize:HeaderSize+h.PayloadSize])
	}
	return msg, nil
}
