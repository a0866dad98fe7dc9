// Package ns implements the namespace actor: a hierarchical path registry
// with mount-point delegation, a message protocol for querying it, and
// cross-node synchronization over mount links.
package ns

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Foundation42/microkernel/internal/kernel"
)

// Namespace status codes, carried in the reply payload.
const (
	StatusOK    int32 = 0
	StatusNoEnt int32 = -1
	StatusExist int32 = -2
	StatusFull  int32 = -3
	StatusInval int32 = -4
)

// Namespace protocol message types.
const (
	MsgRegister kernel.MsgType = 0xFF000014
	MsgLookup   kernel.MsgType = 0xFF000015
	MsgList     kernel.MsgType = 0xFF000016
	MsgMount    kernel.MsgType = 0xFF000017
	MsgUmount   kernel.MsgType = 0xFF000018
	MsgReply    kernel.MsgType = 0xFF000019
	MsgNotify   kernel.MsgType = 0xFF00001A
)

// Table bounds and the reply data ceiling.
const (
	maxPaths  = 256
	maxMounts = 32
	MaxData   = 1024
)

// Reply is the namespace response payload: status, resolved actor id, and
// optional text data (list results).
type Reply struct {
	Status  int32
	ActorID kernel.ActorID
	Data    []byte
}

// EncodeReply packs a reply (4 + 8 + 4 bytes big endian, then data).
func EncodeReply(r Reply) []byte {
	if len(r.Data) > MaxData {
		r.Data = r.Data[:MaxData]
	}
	buf := make([]byte, 16+len(r.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.Status))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.ActorID))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(r.Data)))
	copy(buf[16:], r.Data)
	return buf
}

// DecodeReply unpacks a reply payload.
func DecodeReply(b []byte) (Reply, bool) {
	if len(b) < 16 {
		return Reply{}, false
	}
	r := Reply{
		Status:  int32(binary.BigEndian.Uint32(b[0:4])),
		ActorID: kernel.ActorID(binary.BigEndian.Uint64(b[4:12])),
	}
	n := binary.BigEndian.Uint32(b[12:16])
	if n > MaxData || len(b)-16 < int(n) {
		return Reply{}, false
	}
	if n > 0 {
		r.Data = append([]byte(nil), b[16:16+n]...)
	}
	return r, true
}

type pathEntry struct {
	path string
	id   kernel.ActorID
}

type mountEntry struct {
	point  string
	target kernel.ActorID
}

// Service holds the path and mount tables. It is registered with the
// runtime as its path registry, so both the message protocol and the
// runtime's '/'-prefixed name calls operate on the same tables.
type Service struct {
	rt     *kernel.Runtime
	self   kernel.ActorID
	paths  []pathEntry
	mounts []mountEntry
	log    *logrus.Entry
}

// Init spawns the namespace actor, installs the service as the runtime's
// path registry, and binds the well-known names "ns" and "/sys/ns".
func Init(rt *kernel.Runtime) (*Service, error) {
	s := &Service{
		rt:  rt,
		log: rt.Logger().WithField("actor", "ns"),
	}
	id := rt.Spawn(s.behavior, s, nil, 64)
	if id == kernel.ActorIDInvalid {
		return nil, fmt.Errorf("ns: actor table full")
	}
	s.self = id
	rt.SetPathRegistry(s)
	rt.RegisterName("ns", id)
	rt.RegisterName("/sys/ns", id)
	rt.RegisterName("/node/"+Identity(), id)
	return s, nil
}

// ActorID returns the namespace actor's id.
func (s *Service) ActorID() kernel.ActorID { return s.self }

func validPath(path string) bool {
	return path != "" && path[0] == '/' && len(path) <= kernel.PathMaxLen
}

// Register binds path to id. Implements kernel.PathRegistry; never
// broadcasts, so it is safe to apply remote-originated entries through it.
func (s *Service) Register(path string, id kernel.ActorID) int32 {
	if !validPath(path) || id == kernel.ActorIDInvalid {
		return StatusInval
	}
	for i := range s.paths {
		if s.paths[i].path == path {
			return StatusExist
		}
	}
	if len(s.paths) >= maxPaths {
		return StatusFull
	}
	s.paths = append(s.paths, pathEntry{path: path, id: id})
	return StatusOK
}

// Lookup resolves path: exact match first, then the longest mount point
// that prefixes path on a segment boundary. The path is delegated, not
// rewritten; the mount target sees the full original path in whatever
// protocol it speaks.
func (s *Service) Lookup(path string) kernel.ActorID {
	if !validPath(path) {
		return kernel.ActorIDInvalid
	}
	for i := range s.paths {
		if s.paths[i].path == path {
			return s.paths[i].id
		}
	}
	best := -1
	for i := range s.mounts {
		p := s.mounts[i].point
		if !strings.HasPrefix(path, p) {
			continue
		}
		if len(path) > len(p) && p != "/" && path[len(p)] != '/' {
			continue
		}
		if best < 0 || len(p) > len(s.mounts[best].point) {
			best = i
		}
	}
	if best >= 0 {
		return s.mounts[best].target
	}
	return kernel.ActorIDInvalid
}

// List renders every binding under prefix as "path id" lines, bounded by
// the reply data ceiling. An empty result is not an error.
func (s *Service) List(prefix string) []byte {
	var b strings.Builder
	for i := range s.paths {
		if !strings.HasPrefix(s.paths[i].path, prefix) {
			continue
		}
		line := fmt.Sprintf("%s %d\n", s.paths[i].path, uint64(s.paths[i].id))
		if b.Len()+len(line) > MaxData {
			break
		}
		b.WriteString(line)
	}
	return []byte(b.String())
}

// Mount installs a delegation from mountPoint to target.
func (s *Service) Mount(mountPoint string, target kernel.ActorID) int32 {
	if !validPath(mountPoint) || target == kernel.ActorIDInvalid {
		return StatusInval
	}
	for i := range s.mounts {
		if s.mounts[i].point == mountPoint {
			return StatusExist
		}
	}
	if len(s.mounts) >= maxMounts {
		return StatusFull
	}
	s.mounts = append(s.mounts, mountEntry{point: mountPoint, target: target})
	return StatusOK
}

// Umount removes a delegation. A missing mount point is ENOENT in every
// call path, message-level and direct.
func (s *Service) Umount(mountPoint string) int32 {
	for i := range s.mounts {
		if s.mounts[i].point == mountPoint {
			s.mounts = append(s.mounts[:i], s.mounts[i+1:]...)
			return StatusOK
		}
	}
	return StatusNoEnt
}

// Remove drops a single path binding, reporting whether an exact entry
// existed. Implements kernel.PathRegistry.
func (s *Service) Remove(path string) bool {
	for i := range s.paths {
		if s.paths[i].path == path {
			s.paths = append(s.paths[:i], s.paths[i+1:]...)
			return true
		}
	}
	return false
}

// DeregisterActor drops every path and mount owned by id, broadcasting
// each path removal so peers stop resolving to the dead actor. Implements
// kernel.PathRegistry; runs during actor reaping, before id reuse.
func (s *Service) DeregisterActor(id kernel.ActorID) {
	kept := s.paths[:0]
	for i := range s.paths {
		if s.paths[i].id != id {
			kept = append(kept, s.paths[i])
			continue
		}
		s.rt.BroadcastRegistry(kernel.MsgPathUnregister,
			kernel.EncodePathUnregister(s.paths[i].path))
	}
	s.paths = kept

	keptM := s.mounts[:0]
	for i := range s.mounts {
		if s.mounts[i].target != id {
			keptM = append(keptM, s.mounts[i])
		}
	}
	s.mounts = keptM
}

// SyncTo pushes the full current table to one peer: flat names first, then
// paths. Entries keep their originating node id. Implements
// kernel.PathRegistry.
func (s *Service) SyncTo(tp kernel.Transport) {
	s.rt.EachName(func(name string, id kernel.ActorID) {
		tp.Send(&kernel.Message{
			Type:    kernel.MsgNameRegister,
			Payload: kernel.EncodeNameRegister(name, id),
		})
	})
	for i := range s.paths {
		tp.Send(&kernel.Message{
			Type:    kernel.MsgPathRegister,
			Payload: kernel.EncodePathRegister(s.paths[i].path, s.paths[i].id),
		})
	}
	s.log.WithField("paths", len(s.paths)).Debug("table synced to peer")
}

// behavior services one namespace request per turn and replies to the
// sender within the same turn.
func (s *Service) behavior(rt *kernel.Runtime, _ *kernel.Actor, msg *kernel.Message) bool {
	var reply Reply

	switch msg.Type {
	case MsgRegister:
		path, id, ok := kernel.DecodePathRegister(msg.Payload)
		if !ok {
			reply.Status = StatusInval
			break
		}
		reply.Status = s.Register(path, id)
		if reply.Status == StatusOK {
			reply.ActorID = id
			rt.BroadcastRegistry(kernel.MsgPathRegister,
				kernel.EncodePathRegister(path, id))
		}

	case MsgLookup:
		path, ok := kernel.DecodePathUnregister(msg.Payload)
		if !ok {
			reply.Status = StatusInval
			break
		}
		id := s.Lookup(path)
		if id == kernel.ActorIDInvalid {
			reply.Status = StatusNoEnt
		} else {
			reply.ActorID = id
		}

	case MsgList:
		prefix, ok := kernel.DecodePathUnregister(msg.Payload)
		if !ok {
			reply.Status = StatusInval
			break
		}
		reply.Data = s.List(prefix)

	case MsgMount:
		point, target, ok := kernel.DecodePathRegister(msg.Payload)
		if !ok {
			reply.Status = StatusInval
			break
		}
		reply.Status = s.Mount(point, target)
		if reply.Status == StatusOK {
			reply.ActorID = target
		}

	case MsgUmount:
		point, ok := kernel.DecodePathUnregister(msg.Payload)
		if !ok {
			reply.Status = StatusInval
			break
		}
		reply.Status = s.Umount(point)

	default:
		return true
	}

	if msg.Source != kernel.ActorIDInvalid {
		rt.Send(msg.Source, MsgReply, EncodeReply(reply))
	}
	return true
}
