package api

import "time"

// Node is the identity record of one mesh participant. Transit creates one
// on the first INFO packet from an unknown node id, updates it on every
// subsequent INFO/HEARTBEAT, and removes it on DISCONNECT.
type Node struct {
    ID            string
    Available     bool
    CPU           float64
    Services      []ServiceInfo
    IPList        []string
    Hostname      string
    InstanceID    string
    Meta          map[string]any
    Seq           uint64
    Ver           string
    LastHeartbeat time.Time
}

// Catalog is the node-catalog collaborator consumed by the transit engine.
// Mutations of the local record go through the setters so the catalog can
// serialize them against its own readers.
type Catalog interface {
    // Local returns this process's own node record.
    Local() *Node
    // Get looks up a node by id.
    Get(id string) (*Node, bool)
    // Add inserts or replaces a node record.
    Add(id string, n *Node)
    // Disconnect removes a node record.
    Disconnect(id string)
    // List returns a snapshot of all remote nodes.
    List() []*Node
    // SetLocalSeq records the latest advertised INFO sequence number.
    SetLocalSeq(seq uint64)
    // SetLocalCPU records the latest sampled load.
    SetLocalCPU(cpu float64)
}
