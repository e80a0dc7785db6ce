package nodes

import (
    "sync"
    "testing"
    "time"

    "github.com/benbjohnson/clock"
    "go.uber.org/zap"

    "meshrpc/pkg/api"
)

func TestGetAddDisconnect(t *testing.T) {
    c := New(NewLocalNode("node-1", nil), WithLogger(zap.NewNop()))
    if n, ok := c.Get("node-1"); !ok || n.ID != "node-1" {
        t.Fatalf("local node must resolve")
    }
    if _, ok := c.Get("node-2"); ok {
        t.Fatalf("unknown node must not resolve")
    }
    c.Add("node-2", &api.Node{ID: "node-2", Available: true})
    if n, ok := c.Get("node-2"); !ok || !n.Available {
        t.Fatalf("added node must resolve")
    }
    if got := len(c.List()); got != 1 {
        t.Fatalf("want 1 remote node, got %d", got)
    }
    c.Disconnect("node-2")
    if _, ok := c.Get("node-2"); ok {
        t.Fatalf("disconnected node must be gone")
    }
}

func TestHeartbeatIgnoresUnknownSenders(t *testing.T) {
    c := New(NewLocalNode("node-1", nil), WithLogger(zap.NewNop()))
    if c.Heartbeat("ghost", 0.5) {
        t.Fatalf("heartbeat must not create nodes implicitly")
    }
    c.Add("node-2", &api.Node{ID: "node-2"})
    if !c.Heartbeat("node-2", 0.25) {
        t.Fatalf("heartbeat for known node must apply")
    }
    n, _ := c.Get("node-2")
    if n.CPU != 0.25 || !n.Available {
        t.Fatalf("heartbeat must refresh load and liveness: %+v", n)
    }
}

func TestLocalSettersSerializeWrites(t *testing.T) {
    c := New(NewLocalNode("node-1", nil), WithLogger(zap.NewNop()))
    var wg sync.WaitGroup
    for i := 0; i < 4; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for j := 1; j <= 100; j++ {
                c.SetLocalSeq(uint64(j))
                c.SetLocalCPU(float64(j) / 100)
            }
        }()
    }
    wg.Wait()
    if n := c.Local(); n.Seq != 100 || n.CPU != 1 {
        t.Fatalf("final local record = seq %d cpu %v", n.Seq, n.CPU)
    }
}

func TestAddStampsHeartbeatWithCatalogClock(t *testing.T) {
    mock := clock.NewMock()
    mock.Add(42 * time.Second)
    c := New(NewLocalNode("node-1", nil), WithClock(mock), WithLogger(zap.NewNop()))
    c.Add("node-2", &api.Node{ID: "node-2", Available: true})
    n, _ := c.Get("node-2")
    if !n.LastHeartbeat.Equal(mock.Now()) {
        t.Fatalf("LastHeartbeat = %v, want catalog clock %v", n.LastHeartbeat, mock.Now())
    }
}

func TestSweepMarksSilentNodesUnavailable(t *testing.T) {
    mock := clock.NewMock()
    c := New(NewLocalNode("node-1", nil),
        WithClock(mock), WithLiveness(10*time.Second), WithLogger(zap.NewNop()))
    c.Add("node-2", &api.Node{ID: "node-2", Available: true})
    c.StartSweep()
    defer c.StopSweep()

    mock.Add(5 * time.Second)
    if n, _ := c.Get("node-2"); !n.Available {
        t.Fatalf("node should still be live")
    }
    mock.Add(15 * time.Second)
    deadline := time.Now().Add(2 * time.Second)
    for {
        if n, _ := c.Get("node-2"); !n.Available {
            break
        }
        if time.Now().After(deadline) {
            t.Fatalf("silent node should be marked unavailable")
        }
        time.Sleep(time.Millisecond)
    }

    // a heartbeat revives it
    c.Heartbeat("node-2", 0.1)
    if n, _ := c.Get("node-2"); !n.Available {
        t.Fatalf("heartbeat should revive node")
    }
}
