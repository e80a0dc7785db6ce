package nodes

import (
    "net"
    "os"

    "github.com/google/uuid"

    "meshrpc/pkg/api"
)

// Version is the protocol version advertised in INFO payloads.
const Version = "1"

// NewLocalNode assembles this process's own node record: hostname and
// non-loopback addresses are probed best-effort, the instance id is fresh
// per process.
func NewLocalNode(id string, meta map[string]any) *api.Node {
    if meta == nil {
        meta = map[string]any{}
    }
    host, _ := os.Hostname()
    return &api.Node{
        ID:         id,
        Available:  true,
        IPList:     localAddrs(),
        Hostname:   host,
        InstanceID: uuid.NewString(),
        Meta:       meta,
        Ver:        Version,
    }
}

func localAddrs() []string {
    addrs, err := net.InterfaceAddrs()
    if err != nil {
        return nil
    }
    var out []string
    for _, a := range addrs {
        ipnet, ok := a.(*net.IPNet)
        if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
            continue
        }
        out = append(out, ipnet.IP.String())
    }
    return out
}
