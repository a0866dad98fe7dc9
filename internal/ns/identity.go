package ns

import (
	"crypto/sha1"
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"strconv"

	"github.com/Foundation42/microkernel/internal/kernel"
)

// Env overrides for node identity.
const (
	EnvNodeName = "MK_NODE_NAME"
	EnvNodeID   = "MK_NODE_ID"
)

// Identity returns this node's human-readable name: MK_NODE_NAME when set,
// otherwise a stable name derived from the hostname.
func Identity() string {
	if name := os.Getenv(EnvNodeName); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	sum := sha1.Sum([]byte(host))
	return fmt.Sprintf("%s-%02x%02x", runtime.GOOS, sum[18], sum[19])
}

// NodeID returns this node's numeric id: MK_NODE_ID when set, otherwise a
// hash of the identity folded into [1,15]. Id 0 is never produced; it means
// "no node" on the wire.
func NodeID() kernel.NodeID {
	if v := os.Getenv(EnvNodeID); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			return kernel.NodeID(n)
		}
	}
	h := fnv.New32a()
	h.Write([]byte(Identity()))
	return kernel.NodeID(h.Sum32()%15 + 1)
}
