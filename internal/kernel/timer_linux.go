//go:build linux

package kernel

import (
	"golang.org/x/sys/unix"
)

// Timers are timerfds so they multiplex through the same poll loop as every
// other event source. Expiration delivery is a MsgTimer to the owning actor.

func timerClose(fd int) {
	unix.Close(fd)
}

// SetTimer arms a timer for the currently running actor. intervalMs is the
// delay until the first expiration; periodic timers rearm at the same
// interval until cancelled, one-shot timers release after firing. Returns
// TimerIDInvalid on failure or when called outside a behavior.
func (rt *Runtime) SetTimer(intervalMs uint64, periodic bool) TimerID {
	if rt.current == nil || intervalMs == 0 {
		return TimerIDInvalid
	}
	slot := -1
	for i := range rt.timers {
		if rt.timers[i].id == TimerIDInvalid {
			slot = i
			break
		}
	}
	if slot < 0 {
		return TimerIDInvalid
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC,
		unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		rt.log.WithError(err).Warn("timerfd create failed")
		return TimerIDInvalid
	}

	spec := unix.ItimerSpec{
		Value: unix.Timespec{
			Sec:  int64(intervalMs / 1000),
			Nsec: int64(intervalMs%1000) * 1_000_000,
		},
	}
	if periodic {
		spec.Interval = spec.Value
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		rt.log.WithError(err).Warn("timerfd settime failed")
		return TimerIDInvalid
	}

	id := TimerID(rt.nextTimer)
	rt.nextTimer++
	rt.timers[slot] = timerEntry{
		id:       id,
		owner:    rt.current.ID,
		fd:       fd,
		periodic: periodic,
	}
	return id
}

// CancelTimer disarms and releases a timer.
func (rt *Runtime) CancelTimer(id TimerID) bool {
	if id == TimerIDInvalid {
		return false
	}
	for i := range rt.timers {
		if rt.timers[i].id == id {
			timerClose(rt.timers[i].fd)
			rt.timers[i] = timerEntry{}
			return true
		}
	}
	return false
}
