package ns

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Foundation42/microkernel/internal/kernel"
)

// Version is the node software version advertised in capability replies and
// the mount handshake. Peers with a different major version are refused.
const Version = "1.0.0"

// nodeVersion is Version parsed once at init; a malformed constant is a
// programming error.
var nodeVersion = semver.MustParse(Version)

// VersionCompatible reports whether a peer's advertised version can
// interoperate with ours. An empty version is accepted for peers that
// predate version advertisement.
func VersionCompatible(peer string) bool {
	if peer == "" {
		return true
	}
	v, err := semver.NewVersion(peer)
	if err != nil {
		return false
	}
	return v.Major() == nodeVersion.Major()
}

type capsState struct {
	identity string
}

// capsBehavior answers MsgCapsRequest with "key=value" lines describing
// this node.
func capsBehavior(rt *kernel.Runtime, self *kernel.Actor, msg *kernel.Message) bool {
	if msg.Type != kernel.MsgCapsRequest || msg.Source == kernel.ActorIDInvalid {
		return true
	}
	st := self.State.(*capsState)
	var b strings.Builder
	fmt.Fprintf(&b, "platform=%s\n", runtime.GOOS)
	fmt.Fprintf(&b, "identity=%s\n", st.identity)
	fmt.Fprintf(&b, "node_id=%d\n", rt.NodeID())
	fmt.Fprintf(&b, "version=%s\n", Version)
	fmt.Fprintf(&b, "max_actors=%d\n", rt.MaxActors())
	fmt.Fprintf(&b, "actor_count=%d\n", rt.ActorCount())
	fmt.Fprintf(&b, "transports=%d\n", rt.TransportCount())
	rt.Send(msg.Source, kernel.MsgCapsReply, []byte(b.String()))
	return true
}

// CapsInit spawns the capability actor and binds it at /node/<identity>/caps
// and under the flat name "caps".
func CapsInit(rt *kernel.Runtime) (kernel.ActorID, error) {
	identity := Identity()
	id := rt.Spawn(capsBehavior, &capsState{identity: identity}, nil, 8)
	if id == kernel.ActorIDInvalid {
		return kernel.ActorIDInvalid, fmt.Errorf("caps: actor table full")
	}
	rt.RegisterName("caps", id)
	rt.RegisterName("/node/"+identity+"/caps", id)
	return id, nil
}
