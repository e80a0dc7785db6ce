// Package mem provides an in-process pub/sub bus. Useful for tests, for
// single-process meshes and as the reference transport: packets go through
// a full encode/decode round trip, so codec behavior matches any real
// substrate.
package mem

import (
    "errors"
    "sync"

    "go.uber.org/zap"

    "meshrpc/pkg/protocol"
    "meshrpc/pkg/protocol/codec"
)

// ErrNotConnected is returned by Publish and Subscribe before Connect.
var ErrNotConnected = errors.New("mem: transport not connected")

// queueSize bounds each subscriber's delivery queue. Overflow drops.
const queueSize = 256

type envelope struct {
    data   []byte
    sender string
}

// Bus is the shared substrate. All transports attached to one bus see each
// other's publishes on the topics they subscribed to.
type Bus struct {
    codecs *codec.Registry
    format protocol.Format
    prefix string
    log    *zap.Logger

    mu   sync.Mutex
    subs map[string][]*Transport
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithFormat selects the wire encoding used for every publish.
func WithFormat(f protocol.Format) BusOption { return func(b *Bus) { b.format = f } }

// WithPrefix sets the namespace segment of every topic string.
func WithPrefix(prefix string) BusOption {
    return func(b *Bus) {
        if prefix != "" {
            b.prefix = prefix
        }
    }
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) BusOption { return func(b *Bus) { b.log = l } }

// NewBus builds a bus with JSON and CBOR codecs registered.
func NewBus(opts ...BusOption) *Bus {
    r := codec.NewRegistry()
    if c, err := codec.CBOR(); err == nil {
        r.Register(c)
    }
    b := &Bus{
        codecs: r,
        format: protocol.FormatJSON,
        prefix: protocol.DefaultPrefix,
        log:    zap.L(),
        subs:   make(map[string][]*Transport),
    }
    for _, opt := range opts {
        opt(b)
    }
    return b
}

// NewTransport attaches a node endpoint to the bus. The transport is inert
// until Connect.
func (b *Bus) NewTransport(nodeID string) *Transport {
    return &Transport{bus: b, nodeID: nodeID}
}

func (b *Bus) subscribe(name string, t *Transport) {
    b.mu.Lock()
    defer b.mu.Unlock()
    for _, s := range b.subs[name] {
        if s == t {
            return
        }
    }
    b.subs[name] = append(b.subs[name], t)
}

func (b *Bus) drop(t *Transport) {
    b.mu.Lock()
    defer b.mu.Unlock()
    for name, list := range b.subs {
        keep := list[:0]
        for _, s := range list {
            if s != t {
                keep = append(keep, s)
            }
        }
        if len(keep) == 0 {
            delete(b.subs, name)
            continue
        }
        b.subs[name] = keep
    }
}

func (b *Bus) deliver(name string, env envelope) {
    b.mu.Lock()
    list := append([]*Transport(nil), b.subs[name]...)
    b.mu.Unlock()
    for _, s := range list {
        s.enqueue(env)
    }
}

// Transport is one node's endpoint on the bus. Delivery to each subscriber
// runs on its own goroutine with a bounded ordered queue, so a slow node
// never blocks the publisher or its peers.
type Transport struct {
    bus    *Bus
    nodeID string

    mu        sync.Mutex
    recv      func(p *protocol.Packet)
    connected bool
    queue     chan envelope
    stopCh    chan struct{}
    doneCh    chan struct{}
}

// SetReceiver installs the inbound callback.
func (t *Transport) SetReceiver(fn func(p *protocol.Packet)) {
    t.mu.Lock()
    t.recv = fn
    t.mu.Unlock()
}

// Connect starts the delivery loop. Connecting twice is a no-op.
func (t *Transport) Connect() error {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.connected {
        return nil
    }
    t.queue = make(chan envelope, queueSize)
    t.stopCh = make(chan struct{})
    t.doneCh = make(chan struct{})
    t.connected = true
    go t.deliveryLoop(t.queue, t.stopCh, t.doneCh)
    return nil
}

// Disconnect removes every subscription and stops the delivery loop.
func (t *Transport) Disconnect() error {
    t.mu.Lock()
    if !t.connected {
        t.mu.Unlock()
        return nil
    }
    t.connected = false
    stopCh, doneCh := t.stopCh, t.doneCh
    t.mu.Unlock()
    t.bus.drop(t)
    close(stopCh)
    <-doneCh
    return nil
}

// Publish encodes the packet and hands it to every subscriber of its topic.
func (t *Transport) Publish(p *protocol.Packet) error {
    t.mu.Lock()
    connected := t.connected
    t.mu.Unlock()
    if !connected {
        return ErrNotConnected
    }
    data, err := p.Encode(t.bus.codecs, t.bus.format, t.bus.prefix)
    if err != nil {
        return err
    }
    name := p.Topic.Name(t.bus.prefix, p.Target)
    t.bus.deliver(name, envelope{data: data, sender: t.nodeID})
    return nil
}

// Subscribe registers interest in a topic, broadcast (nodeID == "") or
// targeted.
func (t *Transport) Subscribe(topic protocol.Topic, nodeID string) error {
    t.mu.Lock()
    connected := t.connected
    t.mu.Unlock()
    if !connected {
        return ErrNotConnected
    }
    t.bus.subscribe(topic.Name(t.bus.prefix, nodeID), t)
    return nil
}

func (t *Transport) enqueue(env envelope) {
    t.mu.Lock()
    q, connected := t.queue, t.connected
    t.mu.Unlock()
    if !connected {
        return
    }
    select {
    case q <- env:
    default:
        t.bus.log.Warn("mem bus queue full, dropping packet", zap.String("node", t.nodeID))
    }
}

func (t *Transport) deliveryLoop(queue chan envelope, stopCh, doneCh chan struct{}) {
    defer close(doneCh)
    for {
        select {
        case <-stopCh:
            return
        case env := <-queue:
            pkt, err := protocol.DecodePacket(t.bus.codecs, env.data)
            if err != nil {
                t.bus.log.Warn("mem bus packet decode failed", zap.Error(err))
                continue
            }
            pkt.Sender = env.sender
            t.mu.Lock()
            fn := t.recv
            t.mu.Unlock()
            if fn != nil {
                fn(pkt)
            }
        }
    }
}
