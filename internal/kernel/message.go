// Package kernel implements the single-threaded cooperative actor runtime:
// actor lifecycle, bounded mailboxes, the ready-queue scheduler, timers,
// fd watches, the flat name registry, and transport multiplexing.
package kernel

// Type identifiers used throughout the runtime.
type (
	ActorID uint64 // upper 32 bits node id, lower 32 bits per-node sequence
	NodeID  uint32
	MsgType uint32
	TimerID uint32
)

// ActorIDInvalid is never assigned to a live actor.
const ActorIDInvalid ActorID = 0

// TimerIDInvalid is returned when a timer cannot be created.
const TimerIDInvalid TimerID = 0

// MakeActorID composes an actor id from a node id and a local sequence number.
func MakeActorID(node NodeID, seq uint32) ActorID {
	return ActorID(uint64(node)<<32 | uint64(seq))
}

// Node extracts the owning node id.
func (id ActorID) Node() NodeID { return NodeID(id >> 32) }

// Seq extracts the per-node sequence number.
func (id ActorID) Seq() uint32 { return uint32(id & 0xFFFFFFFF) }

// Message is the envelope exchanged between actors, used uniformly for
// local delivery and wire transport. The payload is a flat byte buffer the
// core never interprets; its structure is a contract between sender and
// receiver.
type Message struct {
	Source  ActorID
	Dest    ActorID
	Type    MsgType
	Payload []byte
}

// NewMessage builds a message, copying payload so the caller's buffer can be
// reused. A nil or empty payload yields a message carrying no data.
func NewMessage(source, dest ActorID, mtype MsgType, payload []byte) *Message {
	m := &Message{Source: source, Dest: dest, Type: mtype}
	if len(payload) > 0 {
		m.Payload = make([]byte, len(payload))
		copy(m.Payload, payload)
	}
	return m
}
