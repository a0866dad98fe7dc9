//go:build linux

package transport

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Foundation42/microkernel/internal/kernel"
)

func testMessage(payload string) *kernel.Message {
	return &kernel.Message{
		Source:  kernel.MakeActorID(1, 1),
		Dest:    kernel.MakeActorID(2, 7),
		Type:    0x42,
		Payload: []byte(payload),
	}
}

// recvWait polls a transport until a message arrives or the deadline hits.
func recvWait(t *testing.T, tp kernel.Transport) *kernel.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg := tp.Recv(); msg != nil {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no message before deadline")
	return nil
}

func TestTCPRoundTrip(t *testing.T) {
	srv, err := ListenTCP(0, 2)
	require.NoError(t, err)
	defer srv.Close()
	require.Greater(t, srv.Port(), 0)

	cli, err := ConnectTCP("127.0.0.1", srv.Port(), 1)
	require.NoError(t, err)
	defer cli.Close()

	require.True(t, cli.Send(testMessage("ping")))
	msg := recvWait(t, srv)
	assert.Equal(t, kernel.MsgType(0x42), msg.Type)
	assert.Equal(t, []byte("ping"), msg.Payload)
	assert.True(t, srv.IsConnected())

	// reply goes back over the accepted socket
	require.True(t, srv.Send(testMessage("pong")))
	reply := recvWait(t, cli)
	assert.Equal(t, []byte("pong"), reply.Payload)
}

func TestTCPStreamReassembly(t *testing.T) {
	srv, err := ListenTCP(0, 2)
	require.NoError(t, err)
	defer srv.Close()

	cli, err := ConnectTCP("127.0.0.1", srv.Port(), 1)
	require.NoError(t, err)
	defer cli.Close()

	// several frames back to back arrive as one byte stream
	for i := 0; i < 5; i++ {
		require.True(t, cli.Send(testMessage("burst")))
	}
	for i := 0; i < 5; i++ {
		msg := recvWait(t, srv)
		assert.Equal(t, []byte("burst"), msg.Payload)
	}
}

func TestTCPRecvNilWhenIdle(t *testing.T) {
	srv, err := ListenTCP(0, 2)
	require.NoError(t, err)
	defer srv.Close()
	assert.Nil(t, srv.Recv())
	assert.False(t, srv.IsConnected())
}

func TestUnixRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mk.sock")

	srv, err := ListenUnix(path, 2)
	require.NoError(t, err)
	defer srv.Close()

	cli, err := ConnectUnix(path, 1)
	require.NoError(t, err)
	defer cli.Close()

	require.True(t, cli.Send(testMessage("local")))
	msg := recvWait(t, srv)
	assert.Equal(t, []byte("local"), msg.Payload)

	require.True(t, srv.Send(testMessage("back")))
	assert.Equal(t, []byte("back"), recvWait(t, cli).Payload)
}

func TestUDPPeerLockIn(t *testing.T) {
	srv, err := BindUDP(0, 2)
	require.NoError(t, err)
	defer srv.Close()
	assert.False(t, srv.IsConnected())

	cli, err := ConnectUDP("127.0.0.1", srv.Port(), 1)
	require.NoError(t, err)
	defer cli.Close()

	require.True(t, cli.Send(testMessage("dgram")))
	msg := recvWait(t, srv)
	assert.Equal(t, []byte("dgram"), msg.Payload)

	// first datagram fixed the peer, replies now route back
	assert.True(t, srv.IsConnected())
	require.True(t, srv.Send(testMessage("reply")))
	assert.Equal(t, []byte("reply"), recvWait(t, cli).Payload)
}

func TestUDPSendBeforePeerKnown(t *testing.T) {
	srv, err := BindUDP(0, 2)
	require.NoError(t, err)
	defer srv.Close()
	assert.False(t, srv.Send(testMessage("nowhere")))
}

func TestQUICRoundTrip(t *testing.T) {
	srv, err := ListenQUIC("127.0.0.1:0", 2)
	require.NoError(t, err)
	defer srv.Close()

	cli, err := DialQUIC(srv.Addr(), 1)
	require.NoError(t, err)
	defer cli.Close()

	require.True(t, cli.Send(testMessage("quic")))
	msg := recvWait(t, srv)
	assert.Equal(t, []byte("quic"), msg.Payload)

	require.True(t, srv.Send(testMessage("echo")))
	assert.Equal(t, []byte("echo"), recvWait(t, cli).Payload)
}
