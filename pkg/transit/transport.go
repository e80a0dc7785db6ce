package transit

import "meshrpc/pkg/protocol"

// Transport is the abstract pub/sub capability the transit engine rides on.
// The substrate is assumed to deliver at-least-once, best-effort; nothing
// here implies persistence or ordering across senders.
//
// Implementations attach the sending node's id to each inbound packet's
// Sender field before invoking the receiver callback.
type Transport interface {
    Connect() error
    Disconnect() error
    // Publish ships one packet. The packet's Target selects between a
    // broadcast topic and a single-node topic.
    Publish(p *protocol.Packet) error
    // Subscribe registers interest in a topic kind, either broadcast
    // (nodeID == "") or targeted at the given node id.
    Subscribe(t protocol.Topic, nodeID string) error
    // SetReceiver installs the inbound callback. Must be called before
    // Connect; the transport may deliver from its own goroutine.
    SetReceiver(fn func(p *protocol.Packet))
}
