package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Foundation42/microkernel/internal/kernel"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, c := range []Codec{HostCodec(), NetworkCodec()} {
		h := Header{
			Source:      kernel.MakeActorID(3, 42),
			Dest:        kernel.MakeActorID(7, 9),
			Type:        0xDEADBEEF,
			PayloadSize: 512,
		}
		buf := make([]byte, HeaderSize)
		require.NoError(t, c.EncodeHeader(buf, h))

		got, err := c.DecodeHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, h.Source, got.Source)
		assert.Equal(t, h.Dest, got.Dest)
		assert.Equal(t, h.Type, got.Type)
		assert.Equal(t, h.PayloadSize, got.PayloadSize)
		assert.Zero(t, got.Reserved)
	}
}

func TestNetworkByteLayout(t *testing.T) {
	h := Header{
		Source:      kernel.ActorID(0x0102030405060708),
		Dest:        kernel.ActorID(0x1112131415161718),
		Type:        0x21222324,
		PayloadSize: 0x31323334,
	}
	buf := make([]byte, HeaderSize)
	require.NoError(t, NetworkCodec().EncodeHeader(buf, h))

	want := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18,
		0x21, 0x22, 0x23, 0x24,
		0x31, 0x32, 0x33, 0x34,
		0x00, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, want, buf)
}

func TestDecodeShortBuffer(t *testing.T) {
	c := NetworkCodec()
	for n := 0; n < HeaderSize; n++ {
		_, err := c.DecodeHeader(make([]byte, n))
		assert.ErrorIs(t, err, ErrShortBuffer, "len %d", n)
	}
}

func TestDecodeOversizedPayloadClaim(t *testing.T) {
	c := NetworkCodec()
	buf := make([]byte, HeaderSize)
	require.NoError(t, c.EncodeHeader(buf, Header{PayloadSize: MaxPayload + 1}))
	_, err := c.DecodeHeader(buf)
	assert.ErrorIs(t, err, ErrOversized)
}

func TestMessageRoundTrip(t *testing.T) {
	msg := &kernel.Message{
		Source:  kernel.MakeActorID(1, 5),
		Dest:    kernel.MakeActorID(2, 6),
		Type:    0x100,
		Payload: []byte("hello over the wire"),
	}
	for _, c := range []Codec{HostCodec(), NetworkCodec()} {
		buf, err := c.EncodeMessage(msg)
		require.NoError(t, err)
		require.Len(t, buf, HeaderSize+len(msg.Payload))

		got, err := c.DecodeMessage(buf)
		require.NoError(t, err)
		assert.Equal(t, msg.Source, got.Source)
		assert.Equal(t, msg.Dest, got.Dest)
		assert.Equal(t, msg.Type, got.Type)
		assert.Equal(t, msg.Payload, got.Payload)
	}
}

func TestDecodeMessageTruncatedPayload(t *testing.T) {
	c := NetworkCodec()
	buf, err := c.EncodeMessage(&kernel.Message{Payload: []byte("abcdef")})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.DecodeMessage(buf[:len(buf)-2])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestEmptyPayload(t *testing.T) {
	c := HostCodec()
	buf, err := c.EncodeMessage(&kernel.Message{Type: 1})
	require.NoError(t, err)
	assert.Len(t, buf, HeaderSize)

	got, err := c.DecodeMessage(buf)
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
}
