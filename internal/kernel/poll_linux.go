//go:build linux

package kernel

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// FD watch event bits, poll(2) values.
const (
	FDEventIn  = uint32(unix.POLLIN)
	FDEventOut = uint32(unix.POLLOUT)
	FDEventErr = uint32(unix.POLLERR)
	FDEventHup = uint32(unix.POLLHUP)
)

type pollSourceKind int

const (
	srcTransport pollSourceKind = iota
	srcTimer
	srcFDWatch
)

type pollSource struct {
	kind  pollSourceKind
	node  NodeID         // srcTransport
	timer int            // srcTimer: index into rt.timers
	watch int            // srcFDWatch: index into rt.fdWatches
}

// PollIO multiplexes every transport, timer, and fd watch through a single
// poll call and dispatches whatever became ready. Returns true if at least
// one message was delivered or event fired. A negative timeout blocks.
func (rt *Runtime) PollIO(timeoutMs int) bool {
	fds := make([]unix.PollFd, 0, len(rt.transports)+maxTimers+maxFDWatch)
	srcs := make([]pollSource, 0, cap(fds))

	for node, tp := range rt.transports {
		fd := tp.Fd()
		if fd < 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		srcs = append(srcs, pollSource{kind: srcTransport, node: node})
	}
	for i := range rt.timers {
		if rt.timers[i].id == TimerIDInvalid {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(rt.timers[i].fd), Events: unix.POLLIN})
		srcs = append(srcs, pollSource{kind: srcTimer, timer: i})
	}
	for i := range rt.fdWatches {
		if rt.fdWatches[i].fd < 0 {
			continue
		}
		fds = append(fds, unix.PollFd{
			Fd:     int32(rt.fdWatches[i].fd),
			Events: int16(rt.fdWatches[i].events),
		})
		srcs = append(srcs, pollSource{kind: srcFDWatch, watch: i})
	}
	if len(fds) == 0 {
		return false
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err == unix.EINTR {
		return false
	}
	if err != nil {
		rt.log.WithError(err).Warn("poll failed")
		return false
	}
	if n == 0 {
		return false
	}

	activity := false
	for i := range fds {
		if fds[i].Revents == 0 {
			continue
		}
		switch srcs[i].kind {
		case srcTransport:
			if rt.drainTransport(srcs[i].node) {
				activity = true
			}
		case srcTimer:
			if rt.fireTimer(srcs[i].timer) {
				activity = true
			}
		case srcFDWatch:
			if rt.fireFDWatch(srcs[i].watch, uint32(fds[i].Revents)) {
				activity = true
			}
		}
	}
	return activity
}

// drainTransport pulls every queued inbound message off one transport.
// Registry traffic is folded into the local tables instead of being
// delivered to a mailbox.
func (rt *Runtime) drainTransport(node NodeID) bool {
	tp := rt.transports[node]
	if tp == nil {
		return false
	}
	got := false
	for {
		msg := tp.Recv()
		if msg == nil {
			break
		}
		got = true
		if isRegistryMsg(msg.Type) && msg.Dest == ActorIDInvalid {
			rt.applyRegistryMessage(msg)
			continue
		}
		if !rt.deliverLocal(msg.Dest, msg) {
			rt.log.WithFields(map[string]any{"dest": msg.Dest, "type": msg.Type}).
				Debug("inbound message dropped")
		}
	}
	return got
}

// fireTimer reads the expiration count and delivers MsgTimer to the owner.
// One-shot timers release their slot after firing.
func (rt *Runtime) fireTimer(idx int) bool {
	t := &rt.timers[idx]
	if t.id == TimerIDInvalid {
		return false
	}
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil || n != 8 {
		return false
	}
	expirations := binary.NativeEndian.Uint64(buf[:])

	delivered := rt.Deliver(t.owner, MsgTimer, EncodeTimerPayload(TimerPayload{
		ID:          t.id,
		Expirations: expirations,
	}))

	if !t.periodic {
		timerClose(t.fd)
		rt.timers[idx] = timerEntry{}
	}
	return delivered
}

// fireFDWatch delivers MsgFDEvent with the ready revents to the watcher.
func (rt *Runtime) fireFDWatch(idx int, revents uint32) bool {
	w := &rt.fdWatches[idx]
	if w.fd < 0 {
		return false
	}
	return rt.Deliver(w.owner, MsgFDEvent, EncodeFDEventPayload(FDEventPayload{
		FD:     int32(w.fd),
		Events: revents,
	}))
}
