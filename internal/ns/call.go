package ns

import (
	"github.com/pkg/errors"

	"github.com/Foundation42/microkernel/internal/kernel"
)

// msgCallKick starts a waiter's request. Internal to Call.
const msgCallKick kernel.MsgType = 0xFF0000F0

// callStepLimit bounds how many scheduler steps Call pumps while waiting
// for a reply.
const callStepLimit = 1000

type callState struct {
	target  kernel.ActorID
	mtype   kernel.MsgType
	payload []byte
	reply   *Reply
	done    bool
}

func callBehavior(rt *kernel.Runtime, self *kernel.Actor, msg *kernel.Message) bool {
	st := self.State.(*callState)
	if msg.Type == msgCallKick {
		// Sending from inside the behavior stamps this waiter as the
		// source, so the service's reply routes straight back here.
		rt.Send(st.target, st.mtype, st.payload)
		return true
	}
	if r, ok := DecodeReply(msg.Payload); ok {
		st.reply = &r
	}
	st.done = true
	return false
}

// Call sends a namespace request to target and pumps the scheduler until
// the reply arrives. Embedding code running outside any behavior uses this
// for synchronous queries; it must not be called from inside a behavior.
func Call(rt *kernel.Runtime, target kernel.ActorID, mtype kernel.MsgType,
	payload []byte) (Reply, error) {
	st := &callState{target: target, mtype: mtype, payload: payload}
	waiter := rt.Spawn(callBehavior, st, nil, 4)
	if waiter == kernel.ActorIDInvalid {
		return Reply{}, errors.New("ns: actor table full")
	}
	if !rt.Deliver(waiter, msgCallKick, nil) {
		rt.StopActor(waiter)
		rt.Step()
		return Reply{}, errors.New("ns: waiter unreachable")
	}
	for i := 0; i < callStepLimit && !st.done; i++ {
		rt.Step()
	}
	if !st.done {
		rt.StopActor(waiter)
		rt.Step()
		return Reply{}, errors.New("ns: call timed out")
	}
	if st.reply == nil {
		return Reply{}, errors.New("ns: malformed reply")
	}
	return *st.reply, nil
}

// RegisterCall registers path on the namespace actor at target.
func RegisterCall(rt *kernel.Runtime, target kernel.ActorID, path string,
	id kernel.ActorID) (int32, error) {
	r, err := Call(rt, target, MsgRegister, kernel.EncodePathRegister(path, id))
	return r.Status, err
}

// LookupCall resolves path through the namespace actor at target.
func LookupCall(rt *kernel.Runtime, target kernel.ActorID, path string) (kernel.ActorID, int32, error) {
	r, err := Call(rt, target, MsgLookup, kernel.EncodePathUnregister(path))
	return r.ActorID, r.Status, err
}
