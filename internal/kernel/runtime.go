package kernel

import (
	"github.com/sirupsen/logrus"
)

// Table bounds. Fixed like the rest of the runtime so behavior is the same
// on constrained targets.
const (
	maxTimers   = 32
	maxFDWatch  = 32
	nameTabSize = 128
)

type timerEntry struct {
	id       TimerID // 0 = unused
	owner    ActorID
	fd       int
	periodic bool
}

type fdWatchEntry struct {
	fd     int // -1 = unused
	events uint32
	owner  ActorID
}

// Runtime owns the actor table, the flat name registry, the timer and
// fd-watch tables, and the attached transports. All of it is mutated only
// by the single scheduling thread, so no locks are used; other OS threads
// may interact with a runtime only through pipes or sockets it polls.
type Runtime struct {
	nodeID     NodeID
	actors     map[uint32]*Actor // keyed by local sequence
	maxActors  int
	nextSeq    uint32 // monotonic, starts at 1 (0 = invalid)
	sched      scheduler
	current    *Actor
	running    bool
	transports map[NodeID]Transport
	timers     [maxTimers]timerEntry
	nextTimer  uint32
	fdWatches  [maxFDWatch]fdWatchEntry
	names      [nameTabSize]nameEntry
	paths      PathRegistry
	log        *logrus.Logger
}

// NewRuntime creates a runtime for the given node id. maxActors bounds the
// number of concurrently live actors.
func NewRuntime(nodeID NodeID, maxActors int) *Runtime {
	rt := &Runtime{
		nodeID:     nodeID,
		actors:     make(map[uint32]*Actor),
		maxActors:  maxActors,
		nextSeq:    1,
		nextTimer:  1,
		transports: make(map[NodeID]Transport),
		log:        defaultLogger(),
	}
	for i := range rt.fdWatches {
		rt.fdWatches[i].fd = -1
	}
	return rt
}

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// Close destroys every actor, transport, and timer. The runtime must not be
// used afterwards.
func (rt *Runtime) Close() {
	for seq, a := range rt.actors {
		a.destroy()
		delete(rt.actors, seq)
	}
	for node, tp := range rt.transports {
		tp.Close()
		delete(rt.transports, node)
	}
	for i := range rt.timers {
		if rt.timers[i].id != TimerIDInvalid {
			timerClose(rt.timers[i].fd)
			rt.timers[i] = timerEntry{}
		}
	}
}

// NodeID returns this runtime's node identity.
func (rt *Runtime) NodeID() NodeID { return rt.nodeID }

// Logger exposes the runtime's logger so embedders can reconfigure it.
func (rt *Runtime) Logger() *logrus.Logger { return rt.log }

// SetLogLevel adjusts the runtime log verbosity.
func (rt *Runtime) SetLogLevel(level logrus.Level) { rt.log.SetLevel(level) }

// ── Actor lifecycle ─────────────────────────────────────────────────────

// Spawn creates and registers a new actor. It returns ActorIDInvalid when
// the actor table is full. The finalizer, if non-nil, runs exactly once
// when the actor is destroyed.
func (rt *Runtime) Spawn(behavior Behavior, state any, finalize Finalizer,
	mailboxCap int) ActorID {
	if len(rt.actors) >= rt.maxActors {
		return ActorIDInvalid
	}
	seq := rt.nextSeq
	rt.nextSeq++
	id := MakeActorID(rt.nodeID, seq)
	a := newActor(id, rt.nodeID, behavior, state, finalize, mailboxCap)
	rt.actors[seq] = a
	rt.log.WithFields(logrus.Fields{"actor": id, "node": rt.nodeID}).
		Debug("actor spawned")
	return id
}

// actorByID resolves an id to the actor record it names. The full id must
// match: a sequence collision under a foreign node id resolves to nothing,
// so misrouted wire frames and stale remote ids cannot reach local actors.
func (rt *Runtime) actorByID(id ActorID) *Actor {
	a := rt.actors[id.Seq()]
	if a == nil || a.ID != id {
		return nil
	}
	return a
}

// StopActor marks an actor stopped. Cleanup happens at the next safe point;
// the actor's state is never freed while its behavior is on the call stack.
func (rt *Runtime) StopActor(id ActorID) {
	if a := rt.actorByID(id); a != nil {
		a.exitReason = ExitKilled
		a.Status = ActorStopped
	}
}

// SetParent links child to parent so the parent receives MsgChildExit when
// the child dies.
func (rt *Runtime) SetParent(child, parent ActorID) {
	if a := rt.actorByID(child); a != nil {
		a.Parent = parent
	}
}

// ActorState returns the opaque state of a live actor, or nil.
func (rt *Runtime) ActorState(id ActorID) any {
	if a := rt.actorByID(id); a != nil {
		return a.State
	}
	return nil
}

// ListActors returns the ids of all live actors.
func (rt *Runtime) ListActors() []ActorID {
	ids := make([]ActorID, 0, len(rt.actors))
	for _, a := range rt.actors {
		if a.Status != ActorStopped {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// ActorCount returns the number of live actors.
func (rt *Runtime) ActorCount() int { return len(rt.actors) }

// MaxActors returns the configured actor-table bound.
func (rt *Runtime) MaxActors() int { return rt.maxActors }

// lookup resolves a local actor id to a live actor.
func (rt *Runtime) lookup(id ActorID) *Actor {
	a := rt.actorByID(id)
	if a == nil || a.Status == ActorStopped {
		return nil
	}
	return a
}

// deliverLocal enqueues an already-built message into a local mailbox and
// schedules the target. Ownership of msg transfers on success.
func (rt *Runtime) deliverLocal(dest ActorID, msg *Message) bool {
	target := rt.lookup(dest)
	if target == nil {
		return false
	}
	if !target.Mailbox.Enqueue(msg) {
		return false
	}
	if target.Status == ActorIdle {
		rt.sched.enqueue(target)
	}
	return true
}

// Deliver injects a message with no source attribution, for use by services
// outside any behavior call (listener bootstrap, bridged I/O).
func (rt *Runtime) Deliver(dest ActorID, mtype MsgType, payload []byte) bool {
	msg := NewMessage(ActorIDInvalid, dest, mtype, payload)
	return rt.deliverLocal(dest, msg)
}

// ── Messaging ───────────────────────────────────────────────────────────

// Send resolves dest and enqueues locally, or forwards to the transport
// attached for dest's node. Best effort: false means the message is gone.
func (rt *Runtime) Send(dest ActorID, mtype MsgType, payload []byte) bool {
	source := ActorIDInvalid
	if rt.current != nil {
		source = rt.current.ID
	}

	if dest.Node() == rt.nodeID {
		target := rt.lookup(dest)
		if target == nil {
			return false
		}
		msg := NewMessage(source, dest, mtype, payload)
		if !target.Mailbox.Enqueue(msg) {
			return false
		}
		if target.Status == ActorIdle {
			rt.sched.enqueue(target)
		}
		return true
	}

	tp := rt.transports[dest.Node()]
	if tp == nil {
		return false
	}
	return tp.Send(NewMessage(source, dest, mtype, payload))
}

// Self returns the id of the actor whose behavior is currently running.
func (rt *Runtime) Self() ActorID {
	if rt.current != nil {
		return rt.current.ID
	}
	return ActorIDInvalid
}

// CurrentState returns the state of the currently running actor.
func (rt *Runtime) CurrentState() any {
	if rt.current != nil {
		return rt.current.State
	}
	return nil
}

// ── Transports ──────────────────────────────────────────────────────────

// AddTransport attaches a transport keyed by its peer node id. Messages
// addressed to that node route through it.
func (rt *Runtime) AddTransport(tp Transport) bool {
	if tp == nil {
		return false
	}
	rt.transports[tp.PeerNode()] = tp
	rt.log.WithField("peer", tp.PeerNode()).Debug("transport attached")
	return true
}

// TransportCount returns the number of attached transports.
func (rt *Runtime) TransportCount() int { return len(rt.transports) }

// EachTransport visits every attached transport.
func (rt *Runtime) EachTransport(fn func(tp Transport)) {
	for _, tp := range rt.transports {
		fn(tp)
	}
}

// BroadcastRegistry pushes a registry update to every attached peer.
// Best effort: no acknowledgment, no retry.
func (rt *Runtime) BroadcastRegistry(mtype MsgType, payload []byte) {
	for _, tp := range rt.transports {
		tp.Send(&Message{Type: mtype, Payload: payload})
	}
}

// applyRegistryMessage folds an inbound cross-node registry update into the
// local tables. Remote entries keep their originating node's actor ids, so
// lookups transparently produce remotely routable destinations.
func (rt *Runtime) applyRegistryMessage(msg *Message) {
	switch msg.Type {
	case MsgNameRegister:
		if name, id, ok := DecodeNameRegister(msg.Payload); ok {
			rt.namesInsert(name, id)
		}
	case MsgNameUnregister:
		if name, ok := DecodeNameUnregister(msg.Payload); ok {
			rt.namesRemoveByName(name)
		}
	case MsgPathRegister:
		if path, id, ok := DecodePathRegister(msg.Payload); ok && rt.paths != nil {
			rt.paths.Register(path, id)
		}
	case MsgPathUnregister:
		if path, ok := DecodePathUnregister(msg.Payload); ok && rt.paths != nil {
			rt.paths.Remove(path)
		}
	}
}

func isRegistryMsg(t MsgType) bool {
	switch t {
	case MsgNameRegister, MsgNameUnregister, MsgPathRegister, MsgPathUnregister:
		return true
	}
	return false
}

// ── Path registry hook ──────────────────────────────────────────────────

// SetPathRegistry installs the namespace actor's path table hook.
func (rt *Runtime) SetPathRegistry(p PathRegistry) { rt.paths = p }

// Paths returns the installed path registry hook, or nil.
func (rt *Runtime) Paths() PathRegistry { return rt.paths }

// ── FD watches ──────────────────────────────────────────────────────────

// WatchFD registers interest in readiness events for fd on behalf of the
// currently running actor. Readiness is delivered as MsgFDEvent.
func (rt *Runtime) WatchFD(fd int, events uint32) bool {
	if rt.current == nil {
		return false
	}
	owner := rt.current.ID
	for i := range rt.fdWatches {
		if rt.fdWatches[i].fd == fd && rt.fdWatches[i].owner == owner {
			rt.fdWatches[i].events = events
			return true
		}
	}
	for i := range rt.fdWatches {
		if rt.fdWatches[i].fd < 0 {
			rt.fdWatches[i] = fdWatchEntry{fd: fd, events: events, owner: owner}
			return true
		}
	}
	return false
}

// UnwatchFD removes the calling actor's watch on fd.
func (rt *Runtime) UnwatchFD(fd int) bool {
	if rt.current == nil {
		return false
	}
	owner := rt.current.ID
	for i := range rt.fdWatches {
		if rt.fdWatches[i].fd == fd && rt.fdWatches[i].owner == owner {
			rt.fdWatches[i] = fdWatchEntry{fd: -1}
			return true
		}
	}
	return false
}

// ── Execution ───────────────────────────────────────────────────────────

// cleanupStopped reaps stopped actors: parent notification, timer and
// fd-watch release, name and path deregistration, then destruction. Runs
// only between behavior invocations.
func (rt *Runtime) cleanupStopped() {
	for seq, a := range rt.actors {
		if a.Status != ActorStopped {
			continue
		}
		id := a.ID
		if a.Parent != ActorIDInvalid {
			rt.Deliver(a.Parent, MsgChildExit, EncodeChildExitPayload(
				ChildExitPayload{ChildID: id, Reason: a.exitReason}))
		}
		for i := range rt.timers {
			if rt.timers[i].id != TimerIDInvalid && rt.timers[i].owner == id {
				timerClose(rt.timers[i].fd)
				rt.timers[i] = timerEntry{}
			}
		}
		for i := range rt.fdWatches {
			if rt.fdWatches[i].fd >= 0 && rt.fdWatches[i].owner == id {
				rt.fdWatches[i] = fdWatchEntry{fd: -1}
			}
		}
		rt.deregisterActorNames(id)
		if rt.paths != nil {
			rt.paths.DeregisterActor(id)
		}
		a.destroy()
		delete(rt.actors, seq)
		rt.log.WithField("actor", id).Debug("actor reaped")
	}
}

// Step runs one scheduling iteration: dequeue a ready actor, process one
// message, requeue or retire it, then reap stopped actors.
func (rt *Runtime) Step() {
	actor := rt.sched.dequeue()
	if actor == nil {
		rt.cleanupStopped()
		return
	}
	if actor.Status == ActorStopped {
		rt.cleanupStopped()
		return
	}

	actor.Status = ActorRunning
	rt.current = actor

	// One message per turn for fairness.
	if msg := actor.Mailbox.Dequeue(); msg != nil {
		keep := actor.Behavior(rt, actor, msg)
		if !keep {
			actor.exitReason = ExitNormal
			actor.Status = ActorStopped
		}
	}

	rt.current = nil

	if actor.Status == ActorRunning {
		actor.Status = ActorIdle
		if !actor.Mailbox.Empty() {
			rt.sched.enqueue(actor)
		}
	}

	rt.cleanupStopped()
}

func (rt *Runtime) activeTimers() int {
	n := 0
	for i := range rt.timers {
		if rt.timers[i].id != TimerIDInvalid {
			n++
		}
	}
	return n
}

func (rt *Runtime) activeWatches() int {
	n := 0
	for i := range rt.fdWatches {
		if rt.fdWatches[i].fd >= 0 {
			n++
		}
	}
	return n
}

// Run drives the scheduler until Stop is called or the runtime is
// quiescent: no ready actors and no transports, timers, or fd watches that
// could produce new work.
func (rt *Runtime) Run() {
	rt.running = true

	for rt.running {
		for rt.running && !rt.sched.empty() {
			rt.Step()
		}
		if !rt.running {
			break
		}

		// Actors stopped externally while the ready queue was empty still
		// need reaping, and releasing their timers and watches may change
		// the quiescence picture below.
		rt.cleanupStopped()

		hasIO := len(rt.transports) > 0 ||
			rt.activeTimers() > 0 ||
			rt.activeWatches() > 0

		if hasIO {
			received := rt.PollIO(0)
			if !received && rt.sched.empty() {
				if len(rt.actors) == 0 {
					break
				}
				rt.PollIO(100)
			}
		} else {
			if rt.sched.empty() || len(rt.actors) == 0 {
				break
			}
		}
	}
	rt.running = false
}

// Stop signals Run to return after the current iteration.
func (rt *Runtime) Stop() { rt.running = false }
