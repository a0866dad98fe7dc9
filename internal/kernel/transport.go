package kernel

// Transport abstracts a byte-stream or datagram channel carrying
// wire-encoded messages between nodes. Implementations live in
// internal/transport; the runtime only needs this contract plus a pollable
// file descriptor to fold the channel into its scheduling loop.
//
// Send and Recv never block the caller: Send reports false on any I/O
// failure, Recv returns nil when no complete message is currently
// available. PeerNode is advisory metadata, not verified.
type Transport interface {
	Send(msg *Message) bool
	Recv() *Message
	IsConnected() bool
	Fd() int
	PeerNode() NodeID
	Close()
}

// PathRegistry is the hook the namespace actor installs on the runtime so
// '/'-prefixed names route into the hierarchical path table. Register
// returns a namespace status code (0 = ok, negative = error, matching the
// ns package constants). Remove reports whether an exact entry was
// deleted; Lookup also matches mount-point prefixes, so it cannot answer
// that question.
type PathRegistry interface {
	Register(path string, id ActorID) int32
	Lookup(path string) ActorID
	Remove(path string) bool
	DeregisterActor(id ActorID)
	SyncTo(tp Transport)
}
