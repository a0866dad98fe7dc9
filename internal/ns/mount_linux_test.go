//go:build linux

package ns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Foundation42/microkernel/internal/kernel"
)

// connectNodes links B to A's mount listener. The dial blocks until A's
// listener handshakes, so it runs on a helper goroutine while this thread
// pumps A; B is not touched here until the dial returns.
func connectNodes(t *testing.T, rtA *kernel.Runtime, svcA *Service,
	rtB *kernel.Runtime, svcB *Service) MountResult {
	t.Helper()

	_, port, err := MountListen(rtA, svcA, 0)
	require.NoError(t, err)
	require.Greater(t, port, 0)

	type dialResult struct {
		res MountResult
		err error
	}
	done := make(chan dialResult, 1)
	go func() {
		res, err := MountConnect(rtB, svcB, "127.0.0.1", port)
		done <- dialResult{res, err}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case d := <-done:
			require.NoError(t, d.err)
			return d.res
		case <-deadline:
			t.Fatal("mount handshake did not complete")
		default:
			rtA.PollIO(10)
			rtA.Step()
		}
	}
}

// pumpBoth interleaves both runtimes until cond holds or the retry limit
// runs out. Propagation is eventual, not immediate.
func pumpBoth(rtA, rtB *kernel.Runtime, cond func() bool) bool {
	for i := 0; i < 500; i++ {
		rtA.PollIO(5)
		for j := 0; j < 4; j++ {
			rtA.Step()
		}
		rtB.PollIO(5)
		for j := 0; j < 4; j++ {
			rtB.Step()
		}
		if cond() {
			return true
		}
	}
	return false
}

func TestMountHandshakeAndSync(t *testing.T) {
	rtA, svcA := newTestNode(t, 1)
	rtB, svcB := newTestNode(t, 2)

	echo := rtA.Spawn(keepAlive, nil, nil, 4)
	require.True(t, rtA.RegisterName("/test/svc1", echo))

	res := connectNodes(t, rtA, svcA, rtB, svcB)
	assert.Equal(t, kernel.NodeID(1), res.Peer)
	assert.Equal(t, Version, res.Version)

	require.Equal(t, 1, rtB.TransportCount())
	pumpBoth(rtA, rtB, func() bool { return rtA.TransportCount() == 1 })
	require.Equal(t, 1, rtA.TransportCount())

	// initial full-table sync carries A's pre-existing registration
	ok := pumpBoth(rtA, rtB, func() bool {
		return rtB.LookupName("/test/svc1") != kernel.ActorIDInvalid
	})
	require.True(t, ok, "path never propagated to B")

	got := rtB.LookupName("/test/svc1")
	assert.Equal(t, kernel.NodeID(1), got.Node(),
		"remote entry must keep originating node id")
	assert.Equal(t, echo, got)

	// incremental broadcast after the link is up
	late := rtA.Spawn(keepAlive, nil, nil, 4)
	require.True(t, rtA.RegisterName("/test/late", late))
	ok = pumpBoth(rtA, rtB, func() bool {
		return rtB.LookupName("/test/late") == late
	})
	assert.True(t, ok, "post-mount registration never propagated")

	// unregister propagates too
	require.True(t, rtA.UnregisterName("/test/late"))
	ok = pumpBoth(rtA, rtB, func() bool {
		return rtB.LookupName("/test/late") == kernel.ActorIDInvalid
	})
	assert.True(t, ok, "unregister never propagated")
}

func TestDeathUnregisterPropagates(t *testing.T) {
	rtA, svcA := newTestNode(t, 1)
	rtB, svcB := newTestNode(t, 2)

	dying := rtA.Spawn(keepAlive, nil, nil, 4)
	require.True(t, rtA.RegisterName("/svc/dying", dying))

	connectNodes(t, rtA, svcA, rtB, svcB)

	ok := pumpBoth(rtA, rtB, func() bool {
		return rtB.LookupName("/svc/dying") == dying
	})
	require.True(t, ok, "path never propagated to B")

	// owner death on A must unbind the path on B too
	rtA.StopActor(dying)
	rtA.Step()

	ok = pumpBoth(rtA, rtB, func() bool {
		return rtB.LookupName("/svc/dying") == kernel.ActorIDInvalid
	})
	assert.True(t, ok, "peer still resolves a dead actor's path")
}

func TestRemoteSendRouting(t *testing.T) {
	rtA, svcA := newTestNode(t, 1)
	rtB, svcB := newTestNode(t, 2)

	const (
		msgPing kernel.MsgType = 0x77
		msgPong kernel.MsgType = 0x78
		msgKick kernel.MsgType = 0x79
	)

	echo := rtA.Spawn(func(rt *kernel.Runtime, _ *kernel.Actor, msg *kernel.Message) bool {
		if msg.Type == msgPing {
			rt.Send(msg.Source, msgPong, msg.Payload)
		}
		return true
	}, nil, nil, 8)
	require.True(t, rtA.RegisterName("remote-echo", echo))

	connectNodes(t, rtA, svcA, rtB, svcB)

	ok := pumpBoth(rtA, rtB, func() bool {
		return rtB.LookupName("remote-echo") != kernel.ActorIDInvalid
	})
	require.True(t, ok, "flat name never propagated")

	var reply []byte
	probe := rtB.Spawn(func(rt *kernel.Runtime, _ *kernel.Actor, msg *kernel.Message) bool {
		switch msg.Type {
		case msgKick:
			rt.SendNamed("remote-echo", msgPing, []byte("ping"))
			return true
		case msgPong:
			reply = msg.Payload
			return false
		}
		return true
	}, nil, nil, 8)
	rtB.Deliver(probe, msgKick, nil)

	ok = pumpBoth(rtA, rtB, func() bool { return reply != nil })
	require.True(t, ok, "round trip across nodes never completed")
	assert.Equal(t, []byte("ping"), reply)
}

func TestHelloRejectsBadPeers(t *testing.T) {
	rt := kernel.NewRuntime(3, 8)
	defer rt.Close()

	assert.Error(t, validatePeer(rt, hello{node: 0, version: Version}))
	assert.Error(t, validatePeer(rt, hello{node: 3, version: Version}))
	assert.Error(t, validatePeer(rt, hello{node: 4, version: "9.0.0"}))
	assert.NoError(t, validatePeer(rt, hello{node: 4, version: Version}))
	assert.NoError(t, validatePeer(rt, hello{node: 4}))
}

func TestHelloCodec(t *testing.T) {
	h := hello{node: 7, identity: "bench-7", version: "1.2.3"}
	got, err := decodeHello(encodeHello(h))
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = decodeHello(make([]byte, helloSize))
	assert.Error(t, err, "zero magic must be rejected")

	_, err = decodeHello([]byte{1, 2, 3})
	assert.Error(t, err)
}
