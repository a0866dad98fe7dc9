package kernel

// ActorStatus tracks where an actor is in its lifecycle.
type ActorStatus int

const (
	ActorIdle ActorStatus = iota
	ActorReady
	ActorRunning
	ActorStopped
)

// ExitReason distinguishes a behavior returning false from an external stop.
type ExitReason uint8

const (
	ExitNormal ExitReason = iota
	ExitKilled
)

// Behavior processes one message per invocation. Returning false stops the
// actor; the runtime then releases its resources. Behaviors must be short
// and must not block: all I/O goes through timers, fd watches, or
// transports and completes via later messages.
type Behavior func(rt *Runtime, self *Actor, msg *Message) bool

// Finalizer releases actor state when the actor is destroyed. May be nil.
type Finalizer func(state any)

// Actor is an independently addressable unit of state plus behavior. The
// runtime's actor table is the sole owner of the record.
type Actor struct {
	ID       ActorID
	Node     NodeID
	Status   ActorStatus
	Mailbox  *Mailbox
	Behavior Behavior
	State    any
	Parent   ActorID // receives MsgChildExit on death; 0 = unlinked

	finalize   Finalizer
	exitReason ExitReason
	next       *Actor // intrusive ready-queue link
}

func newActor(id ActorID, node NodeID, behavior Behavior, state any,
	finalize Finalizer, mailboxCap int) *Actor {
	return &Actor{
		ID:       id,
		Node:     node,
		Status:   ActorIdle,
		Mailbox:  NewMailbox(mailboxCap),
		Behavior: behavior,
		State:    state,
		finalize: finalize,
	}
}

// destroy drains the mailbox and releases the actor's state exactly once.
func (a *Actor) destroy() {
	a.Mailbox.drain()
	if a.finalize != nil && a.State != nil {
		a.finalize(a.State)
	}
	a.State = nil
	a.finalize = nil
}
