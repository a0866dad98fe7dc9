//go:build linux

// Package fswatch bridges filesystem change notifications into the actor
// runtime. fsnotify delivers on its own goroutine, so events are queued
// under a mutex and signalled through a pipe the runtime polls; the bridge
// actor drains the queue on its own thread and fans events out to
// subscribers.
package fswatch

import (
	"encoding/binary"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Foundation42/microkernel/internal/kernel"
)

// Bridge protocol message types.
const (
	MsgSubscribe   kernel.MsgType = 0xFF000060
	MsgUnsubscribe kernel.MsgType = 0xFF000061
	MsgFsEvent     kernel.MsgType = 0xFF000062

	msgArm kernel.MsgType = 0xFF000063
)

// Event op bits, matching fsnotify.Op.
const (
	OpCreate = uint32(fsnotify.Create)
	OpWrite  = uint32(fsnotify.Write)
	OpRemove = uint32(fsnotify.Remove)
	OpRename = uint32(fsnotify.Rename)
	OpChmod  = uint32(fsnotify.Chmod)
)

// EncodeEvent packs an event payload: op (4 bytes big endian) + path.
func EncodeEvent(op uint32, name string) []byte {
	buf := make([]byte, 4+len(name))
	binary.BigEndian.PutUint32(buf[0:4], op)
	copy(buf[4:], name)
	return buf
}

// DecodeEvent unpacks an event payload.
func DecodeEvent(b []byte) (uint32, string, bool) {
	if len(b) < 4 {
		return 0, "", false
	}
	return binary.BigEndian.Uint32(b[0:4]), string(b[4:]), true
}

// Bridge owns the fsnotify watcher and the subscriber list.
type Bridge struct {
	rt      *kernel.Runtime
	self    kernel.ActorID
	watcher *fsnotify.Watcher

	pipeR, pipeW int

	mu     sync.Mutex
	queue  []fsnotify.Event
	closed bool

	subscribers []kernel.ActorID
	log         *logrus.Entry
}

// Init spawns the bridge actor and starts the fsnotify pump. Any paths
// given are watched immediately; more can be added via MsgSubscribe.
func Init(rt *kernel.Runtime, paths ...string) (*Bridge, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "fswatch: create watcher")
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, errors.Wrapf(err, "fswatch: watch %s", p)
		}
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "fswatch: wake pipe")
	}
	b := &Bridge{
		rt:      rt,
		watcher: w,
		pipeR:   p[0],
		pipeW:   p[1],
		log:     rt.Logger().WithField("actor", "fswatch"),
	}
	id := rt.Spawn(b.behavior, b, b.finalize, 32)
	if id == kernel.ActorIDInvalid {
		b.teardown()
		return nil, errors.New("fswatch: actor table full")
	}
	b.self = id
	rt.RegisterName("fswatch", id)

	go b.pump()
	rt.Deliver(id, msgArm, nil)
	rt.Step()
	return b, nil
}

// ActorID returns the bridge actor's id.
func (b *Bridge) ActorID() kernel.ActorID { return b.self }

// pump runs on its own goroutine; runtime state is never touched here,
// only the queue and the wake pipe.
func (b *Bridge) pump() {
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.mu.Lock()
			b.queue = append(b.queue, ev)
			b.mu.Unlock()
			b.wake()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.WithError(err).Warn("watch error")
		}
	}
}

func (b *Bridge) wake() {
	var one [1]byte
	unix.Write(b.pipeW, one[:])
}

func (b *Bridge) behavior(rt *kernel.Runtime, _ *kernel.Actor, msg *kernel.Message) bool {
	switch msg.Type {
	case msgArm:
		rt.WatchFD(b.pipeR, kernel.FDEventIn)

	case MsgSubscribe:
		path := string(msg.Payload)
		if path != "" {
			if err := b.watcher.Add(path); err != nil {
				b.log.WithError(err).WithField("path", path).Warn("watch add failed")
				return true
			}
		}
		if msg.Source != kernel.ActorIDInvalid {
			b.addSubscriber(msg.Source)
		}

	case MsgUnsubscribe:
		if path := string(msg.Payload); path != "" {
			b.watcher.Remove(path)
		}
		b.dropSubscriber(msg.Source)

	case kernel.MsgFDEvent:
		b.drain(rt)
	}
	return true
}

func (b *Bridge) addSubscriber(id kernel.ActorID) {
	for _, s := range b.subscribers {
		if s == id {
			return
		}
	}
	b.subscribers = append(b.subscribers, id)
}

func (b *Bridge) dropSubscriber(id kernel.ActorID) {
	for i, s := range b.subscribers {
		if s == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// drain consumes wake bytes and fans queued events out to subscribers.
func (b *Bridge) drain(rt *kernel.Runtime) {
	var sink [64]byte
	for {
		n, err := unix.Read(b.pipeR, sink[:])
		if err != nil || n < len(sink) {
			break
		}
	}

	b.mu.Lock()
	events := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, ev := range events {
		payload := EncodeEvent(uint32(ev.Op), ev.Name)
		for _, sub := range b.subscribers {
			rt.Send(sub, MsgFsEvent, payload)
		}
	}
}

func (b *Bridge) teardown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.watcher.Close()
	unix.Close(b.pipeR)
	unix.Close(b.pipeW)
}

func (b *Bridge) finalize(any) { b.teardown() }

// Close stops the bridge actor; resources release when the actor is reaped.
func (b *Bridge) Close() {
	b.rt.StopActor(b.self)
}
