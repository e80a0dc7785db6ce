// Package nodes provides the in-memory node catalog: identity records for
// every known mesh participant, kept fresh by INFO and HEARTBEAT traffic.
package nodes

import (
    "sync"
    "time"

    "github.com/benbjohnson/clock"
    "go.uber.org/zap"

    "meshrpc/pkg/api"
)

// defaultLiveness is how long a node may stay silent before the sweep marks
// it unavailable.
const defaultLiveness = 30 * time.Second

// defaultSweepInterval controls how often stale nodes are checked for.
const defaultSweepInterval = 5 * time.Second

// Catalog is the in-memory api.Catalog implementation. Remote entries are
// created on first INFO, touched on heartbeats and expired by an optional
// staleness sweep.
type Catalog struct {
    clk      clock.Clock
    liveness time.Duration
    log      *zap.Logger

    mu    sync.RWMutex
    local *api.Node
    nodes map[string]*api.Node

    stopCh chan struct{}
    doneCh chan struct{}
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock substitutes the wall clock, letting tests drive the sweep.
func WithClock(c clock.Clock) Option { return func(cat *Catalog) { cat.clk = c } }

// WithLiveness overrides the silence window after which a node is considered
// unavailable.
func WithLiveness(d time.Duration) Option {
    return func(cat *Catalog) {
        if d > 0 {
            cat.liveness = d
        }
    }
}

// WithLogger overrides the package logger.
func WithLogger(l *zap.Logger) Option { return func(cat *Catalog) { cat.log = l } }

// New builds a catalog around the local node record.
func New(local *api.Node, opts ...Option) *Catalog {
    c := &Catalog{
        clk:      clock.New(),
        liveness: defaultLiveness,
        log:      zap.L(),
        local:    local,
        nodes:    make(map[string]*api.Node),
    }
    for _, opt := range opts {
        opt(c)
    }
    return c
}

// Local returns this process's own node record.
func (c *Catalog) Local() *api.Node { return c.local }

// Get looks up a node by id; the local node resolves too.
func (c *Catalog) Get(id string) (*api.Node, bool) {
    if id == c.local.ID {
        return c.local, true
    }
    c.mu.RLock()
    defer c.mu.RUnlock()
    n, ok := c.nodes[id]
    return n, ok
}

// Add inserts or replaces a remote node record.
func (c *Catalog) Add(id string, n *api.Node) {
    if n.LastHeartbeat.IsZero() {
        n.LastHeartbeat = c.clk.Now()
    }
    c.mu.Lock()
    c.nodes[id] = n
    c.mu.Unlock()
    c.log.Debug("node added", zap.String("node", id), zap.Uint64("seq", n.Seq))
}

// Disconnect removes a node record.
func (c *Catalog) Disconnect(id string) {
    c.mu.Lock()
    _, ok := c.nodes[id]
    delete(c.nodes, id)
    c.mu.Unlock()
    if ok {
        c.log.Info("node removed", zap.String("node", id))
    }
}

// List returns a snapshot of all remote nodes.
func (c *Catalog) List() []*api.Node {
    c.mu.RLock()
    defer c.mu.RUnlock()
    out := make([]*api.Node, 0, len(c.nodes))
    for _, n := range c.nodes {
        out = append(out, n)
    }
    return out
}

// SetLocalSeq records the latest advertised INFO sequence number on the
// local record. Announce paths run on several goroutines; the write is
// serialized here.
func (c *Catalog) SetLocalSeq(seq uint64) {
    c.mu.Lock()
    c.local.Seq = seq
    c.mu.Unlock()
}

// SetLocalCPU records the latest sampled load on the local record.
func (c *Catalog) SetLocalCPU(cpu float64) {
    c.mu.Lock()
    c.local.CPU = cpu
    c.mu.Unlock()
}

// Heartbeat refreshes a known node's liveness and load. Unknown senders are
// ignored: heartbeats never create nodes implicitly.
func (c *Catalog) Heartbeat(id string, cpu float64) bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    n, ok := c.nodes[id]
    if !ok {
        return false
    }
    n.CPU = cpu
    n.Available = true
    n.LastHeartbeat = c.clk.Now()
    return true
}

// StartSweep begins the background staleness sweep. A second call while
// running is a no-op.
func (c *Catalog) StartSweep() {
    c.mu.Lock()
    if c.stopCh != nil {
        c.mu.Unlock()
        return
    }
    c.stopCh = make(chan struct{})
    c.doneCh = make(chan struct{})
    stop, done := c.stopCh, c.doneCh
    c.mu.Unlock()

    ticker := c.clk.Ticker(defaultSweepInterval)
    go func() {
        defer close(done)
        defer ticker.Stop()
        for {
            select {
            case <-stop:
                return
            case <-ticker.C:
                c.sweep()
            }
        }
    }()
}

// StopSweep halts the background sweep and waits for it to exit.
func (c *Catalog) StopSweep() {
    c.mu.Lock()
    stop, done := c.stopCh, c.doneCh
    c.stopCh, c.doneCh = nil, nil
    c.mu.Unlock()
    if stop == nil {
        return
    }
    close(stop)
    <-done
}

func (c *Catalog) sweep() {
    cutoff := c.clk.Now().Add(-c.liveness)
    c.mu.Lock()
    defer c.mu.Unlock()
    for id, n := range c.nodes {
        if n.Available && n.LastHeartbeat.Before(cutoff) {
            n.Available = false
            c.log.Warn("node went silent", zap.String("node", id),
                zap.Time("last_heartbeat", n.LastHeartbeat))
        }
    }
}
