package transit

import (
    "sync"
    "time"

    "github.com/benbjohnson/clock"
    "go.uber.org/zap"
)

// DefaultHeartbeatInterval is the discoverer tick period when none is set.
const DefaultHeartbeatInterval = 5 * time.Second

// defaultStopGrace bounds how long Stop waits for an in-flight beat.
const defaultStopGrace = 2 * time.Second

// Beater is the single capability the discoverer drives.
type Beater interface {
    Beat() error
}

// Discoverer periodically announces this node's presence by beating the
// transit on a fixed interval.
type Discoverer struct {
    b        Beater
    interval time.Duration
    grace    time.Duration
    clk      clock.Clock
    log      *zap.Logger

    mu     sync.Mutex
    stopCh chan struct{}
    doneCh chan struct{}
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithInterval sets the beat period.
func WithInterval(d time.Duration) DiscovererOption {
    return func(dv *Discoverer) {
        if d > 0 {
            dv.interval = d
        }
    }
}

// WithDiscovererClock substitutes the clock, for tests.
func WithDiscovererClock(c clock.Clock) DiscovererOption {
    return func(dv *Discoverer) { dv.clk = c }
}

// WithStopGrace bounds how long Stop blocks on the loop goroutine.
func WithStopGrace(d time.Duration) DiscovererOption {
    return func(dv *Discoverer) {
        if d > 0 {
            dv.grace = d
        }
    }
}

// WithDiscovererLogger overrides the logger.
func WithDiscovererLogger(l *zap.Logger) DiscovererOption {
    return func(dv *Discoverer) { dv.log = l }
}

// NewDiscoverer builds a discoverer over the beater. Start it explicitly.
func NewDiscoverer(b Beater, opts ...DiscovererOption) *Discoverer {
    d := &Discoverer{
        b:        b,
        interval: DefaultHeartbeatInterval,
        grace:    defaultStopGrace,
        clk:      clock.New(),
        log:      zap.L(),
    }
    for _, opt := range opts {
        opt(d)
    }
    return d
}

// Start launches the beat loop. Calling Start on a running discoverer is a
// no-op.
func (d *Discoverer) Start() {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.stopCh != nil {
        return
    }
    d.stopCh = make(chan struct{})
    d.doneCh = make(chan struct{})
    // create the ticker before launching the goroutine so the loop is
    // already observing ticks by the time Start returns
    ticker := d.clk.Ticker(d.interval)
    go d.loop(ticker, d.stopCh, d.doneCh)
    d.log.Info("discoverer started", zap.Duration("interval", d.interval))
}

// Stop halts the loop, waiting up to the grace period for an in-flight
// beat to finish. A stopped or never-started discoverer is a no-op.
func (d *Discoverer) Stop() {
    d.mu.Lock()
    stopCh, doneCh := d.stopCh, d.doneCh
    d.stopCh, d.doneCh = nil, nil
    d.mu.Unlock()
    if stopCh == nil {
        return
    }
    close(stopCh)
    select {
    case <-doneCh:
    case <-d.clk.After(d.grace):
        d.log.Warn("discoverer did not stop within grace period")
    }
}

func (d *Discoverer) loop(ticker *clock.Ticker, stopCh, doneCh chan struct{}) {
    defer close(doneCh)
    defer ticker.Stop()
    for {
        select {
        case <-stopCh:
            return
        case <-ticker.C:
            // a failed beat is retried on the next tick, never fatal
            if err := d.b.Beat(); err != nil {
                d.log.Warn("heartbeat failed", zap.Error(err))
            }
        }
    }
}
