package kernel

import "testing"

type recorder struct {
	got  []MsgType
	stop MsgType // returning false when this type arrives (0 = never)
}

func recordBehavior(_ *Runtime, self *Actor, msg *Message) bool {
	r := self.State.(*recorder)
	r.got = append(r.got, msg.Type)
	return r.stop == 0 || msg.Type != r.stop
}

// drainSteps pumps the scheduler until it goes idle.
func drainSteps(rt *Runtime) {
	for i := 0; i < 1000 && !rt.sched.empty(); i++ {
		rt.Step()
	}
	rt.Step() // final cleanup pass
}

func TestSendDeliversInOrder(t *testing.T) {
	rt := NewRuntime(1, 16)
	defer rt.Close()

	r := &recorder{}
	id := rt.Spawn(recordBehavior, r, nil, 8)
	if id == ActorIDInvalid {
		t.Fatal("spawn failed")
	}
	for i := 1; i <= 5; i++ {
		if !rt.Send(id, MsgType(i), nil) {
			t.Fatalf("send %d failed", i)
		}
	}
	drainSteps(rt)

	if len(r.got) != 5 {
		t.Fatalf("delivered %d messages, want 5", len(r.got))
	}
	for i, mt := range r.got {
		if mt != MsgType(i+1) {
			t.Fatalf("message %d out of order: %d", i, mt)
		}
	}
}

func TestSpawnIDsNeverReused(t *testing.T) {
	rt := NewRuntime(1, 4)
	defer rt.Close()

	seen := map[ActorID]bool{}
	for i := 0; i < 20; i++ {
		id := rt.Spawn(func(_ *Runtime, _ *Actor, _ *Message) bool {
			return false
		}, nil, nil, 2)
		if id == ActorIDInvalid {
			t.Fatalf("spawn %d failed", i)
		}
		if seen[id] {
			t.Fatalf("id %v reused", id)
		}
		seen[id] = true
		rt.Deliver(id, 1, nil)
		drainSteps(rt)
	}
}

func TestSpawnRejectsWhenFull(t *testing.T) {
	rt := NewRuntime(1, 2)
	defer rt.Close()

	keep := func(_ *Runtime, _ *Actor, _ *Message) bool { return true }
	rt.Spawn(keep, nil, nil, 2)
	rt.Spawn(keep, nil, nil, 2)
	if id := rt.Spawn(keep, nil, nil, 2); id != ActorIDInvalid {
		t.Fatal("spawn past max should return invalid id")
	}
}

func TestSendToDeadActorFails(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	r := &recorder{stop: 9}
	id := rt.Spawn(recordBehavior, r, nil, 4)
	rt.Send(id, 9, nil)
	drainSteps(rt)

	if rt.Send(id, 1, nil) {
		t.Fatal("send to stopped actor should fail")
	}
	if rt.Send(MakeActorID(1, 9999), 1, nil) {
		t.Fatal("send to unknown actor should fail")
	}
}

func TestSendMailboxOverflowFails(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	id := rt.Spawn(func(_ *Runtime, _ *Actor, _ *Message) bool { return true },
		nil, nil, 2)
	if !rt.Send(id, 1, nil) || !rt.Send(id, 2, nil) {
		t.Fatal("fills should succeed")
	}
	if rt.Send(id, 3, nil) {
		t.Fatal("overflow send should fail")
	}
}

func TestStopActorDeferred(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	finalized := false
	var id ActorID
	id = rt.Spawn(func(rt *Runtime, _ *Actor, _ *Message) bool {
		// stopping yourself mid-behavior must not free state under you
		rt.StopActor(id)
		return true
	}, "state", func(any) { finalized = true }, 4)

	rt.Deliver(id, 1, nil)
	drainSteps(rt)

	if !finalized {
		t.Fatal("finalizer did not run")
	}
	if rt.ActorCount() != 0 {
		t.Fatalf("actor not reaped, count %d", rt.ActorCount())
	}
}

func TestChildExitNotification(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	parent := &recorder{}
	pid := rt.Spawn(recordBehavior, parent, nil, 4)
	cid := rt.Spawn(func(_ *Runtime, _ *Actor, _ *Message) bool {
		return false
	}, nil, nil, 4)
	rt.SetParent(cid, pid)

	rt.Deliver(cid, 1, nil)
	drainSteps(rt)

	if len(parent.got) != 1 || parent.got[0] != MsgChildExit {
		t.Fatalf("parent got %v, want one MsgChildExit", parent.got)
	}
}

func TestDeathCleansNames(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	id := rt.Spawn(func(_ *Runtime, _ *Actor, _ *Message) bool {
		return false
	}, nil, nil, 4)
	if !rt.RegisterName("worker", id) {
		t.Fatal("register failed")
	}
	if rt.LookupName("worker") != id {
		t.Fatal("lookup before death failed")
	}

	rt.Deliver(id, 1, nil)
	drainSteps(rt)

	if rt.LookupName("worker") != ActorIDInvalid {
		t.Fatal("name survived actor death")
	}
}

func TestRunReachesQuiescence(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	r := &recorder{stop: 3}
	id := rt.Spawn(recordBehavior, r, nil, 8)
	rt.Send(id, 1, nil)
	rt.Send(id, 2, nil)
	rt.Send(id, 3, nil)

	// no transports, timers, or watches: Run must return on its own
	rt.Run()

	if len(r.got) != 3 {
		t.Fatalf("delivered %d, want 3", len(r.got))
	}
	if rt.ActorCount() != 0 {
		t.Fatal("actors remain after quiescent run")
	}
}

func TestNamesDuplicateRejected(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	keep := func(_ *Runtime, _ *Actor, _ *Message) bool { return true }
	a := rt.Spawn(keep, nil, nil, 2)
	b := rt.Spawn(keep, nil, nil, 2)

	if !rt.RegisterName("svc", a) {
		t.Fatal("first register failed")
	}
	if rt.RegisterName("svc", b) {
		t.Fatal("duplicate register should fail")
	}
	if rt.LookupName("svc") != a {
		t.Fatal("lookup resolved wrong actor")
	}
	if rt.ReverseLookup(a) != "svc" {
		t.Fatal("reverse lookup failed")
	}
}

func TestSendNamed(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	r := &recorder{}
	id := rt.Spawn(recordBehavior, r, nil, 4)
	rt.RegisterName("echo", id)

	if !rt.SendNamed("echo", 7, []byte("x")) {
		t.Fatal("named send failed")
	}
	if rt.SendNamed("nobody", 7, nil) {
		t.Fatal("send to unbound name should fail")
	}
	drainSteps(rt)
	if len(r.got) != 1 || r.got[0] != 7 {
		t.Fatalf("got %v", r.got)
	}
}

func TestRunReapsExternallyStopped(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	finalized := false
	id := rt.Spawn(func(_ *Runtime, _ *Actor, _ *Message) bool { return true },
		"state", func(any) { finalized = true }, 4)
	if !rt.RegisterName("victim", id) {
		t.Fatal("register failed")
	}

	// stop with the ready queue empty: Run must still reap and return
	rt.StopActor(id)
	rt.Run()

	if !finalized {
		t.Fatal("finalizer did not run")
	}
	if rt.LookupName("victim") != ActorIDInvalid {
		t.Fatal("name survived reaping")
	}
	if rt.ActorCount() != 0 {
		t.Fatalf("actor not reaped, count %d", rt.ActorCount())
	}
}

func TestForeignNodeIDRejected(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	r := &recorder{}
	id := rt.Spawn(recordBehavior, r, nil, 4)
	foreign := MakeActorID(9, id.Seq())

	// same sequence under another node id must resolve to nothing
	rt.StopActor(foreign)
	if !rt.Send(id, 1, nil) {
		t.Fatal("local actor was killed by a foreign-node stop")
	}
	if rt.Send(foreign, 2, nil) {
		t.Fatal("send to a foreign-node id was delivered locally")
	}
	if rt.ActorState(foreign) != nil {
		t.Fatal("state exposed for a foreign-node id")
	}
	rt.SetParent(foreign, id)

	drainSteps(rt)
	if len(r.got) != 1 || r.got[0] != 1 {
		t.Fatalf("delivered %v, want only the local send", r.got)
	}
}

func TestSelfDuringBehavior(t *testing.T) {
	rt := NewRuntime(1, 8)
	defer rt.Close()

	var observed ActorID
	id := rt.Spawn(func(rt *Runtime, _ *Actor, _ *Message) bool {
		observed = rt.Self()
		return false
	}, nil, nil, 2)
	rt.Deliver(id, 1, nil)
	drainSteps(rt)

	if observed != id {
		t.Fatalf("Self() = %v, want %v", observed, id)
	}
	if rt.Self() != ActorIDInvalid {
		t.Fatal("Self() outside a behavior should be invalid")
	}
}
