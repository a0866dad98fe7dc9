package kernel

import "strings"

// nameEntry is one slot of the open-addressed flat name table.
type nameEntry struct {
	name string
	id   ActorID
}

func fnv1a(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// namesInsert adds a flat entry, linear probing. False on duplicate or a
// full table. Does not broadcast.
func (rt *Runtime) namesInsert(name string, id ActorID) bool {
	if name == "" || len(name) > NameMaxLen || id == ActorIDInvalid {
		return false
	}
	start := fnv1a(name) % nameTabSize
	free := -1
	for i := uint32(0); i < nameTabSize; i++ {
		slot := (start + i) % nameTabSize
		e := &rt.names[slot]
		if e.id == ActorIDInvalid {
			if free < 0 {
				free = int(slot)
			}
			continue
		}
		if e.name == name {
			return false
		}
	}
	if free < 0 {
		return false
	}
	rt.names[free] = nameEntry{name: name, id: id}
	return true
}

// namesRemoveByName clears a flat entry. Does not broadcast.
func (rt *Runtime) namesRemoveByName(name string) bool {
	for i := range rt.names {
		if rt.names[i].id != ActorIDInvalid && rt.names[i].name == name {
			rt.names[i] = nameEntry{}
			return true
		}
	}
	return false
}

// RegisterName binds a name to an actor and broadcasts the binding to
// attached peers. Names starting with '/' are hierarchical paths and route
// to the path registry; anything else lands in the flat table. Duplicate
// names are rejected.
func (rt *Runtime) RegisterName(name string, id ActorID) bool {
	if name == "" || id == ActorIDInvalid {
		return false
	}
	if strings.HasPrefix(name, "/") {
		if rt.paths == nil || len(name) > PathMaxLen {
			return false
		}
		if rt.paths.Register(name, id) != 0 {
			return false
		}
		rt.BroadcastRegistry(MsgPathRegister, EncodePathRegister(name, id))
		return true
	}
	if len(name) > NameMaxLen {
		return false
	}
	if !rt.namesInsert(name, id) {
		return false
	}
	rt.BroadcastRegistry(MsgNameRegister, EncodeNameRegister(name, id))
	return true
}

// UnregisterName removes a binding and notifies peers.
func (rt *Runtime) UnregisterName(name string) bool {
	if strings.HasPrefix(name, "/") {
		// Remove, not Lookup: a path merely covered by a mount point must
		// not unregister as if it were a real entry.
		if rt.paths == nil || !rt.paths.Remove(name) {
			return false
		}
		rt.BroadcastRegistry(MsgPathUnregister, EncodePathUnregister(name))
		return true
	}
	if !rt.namesRemoveByName(name) {
		return false
	}
	rt.BroadcastRegistry(MsgNameUnregister, EncodeNameUnregister(name))
	return true
}

// LookupName resolves a name to an actor id, consulting the path registry
// for '/'-prefixed names. Returns ActorIDInvalid when unbound.
func (rt *Runtime) LookupName(name string) ActorID {
	if strings.HasPrefix(name, "/") {
		if rt.paths == nil {
			return ActorIDInvalid
		}
		return rt.paths.Lookup(name)
	}
	start := fnv1a(name) % nameTabSize
	for i := uint32(0); i < nameTabSize; i++ {
		slot := (start + i) % nameTabSize
		e := &rt.names[slot]
		if e.id != ActorIDInvalid && e.name == name {
			return e.id
		}
	}
	return ActorIDInvalid
}

// SendNamed resolves name and sends in one call.
func (rt *Runtime) SendNamed(name string, mtype MsgType, payload []byte) bool {
	id := rt.LookupName(name)
	if id == ActorIDInvalid {
		return false
	}
	return rt.Send(id, mtype, payload)
}

// ReverseLookup returns the first flat name bound to id, or "".
func (rt *Runtime) ReverseLookup(id ActorID) string {
	for i := range rt.names {
		if rt.names[i].id == id {
			return rt.names[i].name
		}
	}
	return ""
}

// EachName visits every flat binding.
func (rt *Runtime) EachName(fn func(name string, id ActorID)) {
	for i := range rt.names {
		if rt.names[i].id != ActorIDInvalid {
			fn(rt.names[i].name, rt.names[i].id)
		}
	}
}

// deregisterActorNames drops every flat binding owned by id, broadcasting
// each removal so peers stay coherent.
func (rt *Runtime) deregisterActorNames(id ActorID) {
	for i := range rt.names {
		if rt.names[i].id == id {
			name := rt.names[i].name
			rt.names[i] = nameEntry{}
			rt.BroadcastRegistry(MsgNameUnregister, EncodeNameUnregister(name))
		}
	}
}
