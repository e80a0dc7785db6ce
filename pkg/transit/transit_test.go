package transit

import (
    "errors"
    "testing"
    "time"

    "meshrpc/pkg/api"
    "meshrpc/pkg/nodes"
    "meshrpc/pkg/protocol"
    "meshrpc/pkg/registry"
    "meshrpc/pkg/transport/mem"
)

type testService struct {
    name    string
    actions []api.ActionDescriptor
    events  []api.EventDescriptor
}

func (s testService) Name() string                    { return s.name }
func (s testService) Actions() []api.ActionDescriptor { return s.actions }
func (s testService) Events() []api.EventDescriptor   { return s.events }

func mathService() testService {
    return testService{
        name: "math",
        actions: []api.ActionDescriptor{
            {
                Name:   "add",
                Params: map[string]any{"a": "number", "b": "number"},
                Handler: func(c *api.Context) (any, error) {
                    a, _ := protocol.GetFloat(c.Params, "a")
                    b, _ := protocol.GetFloat(c.Params, "b")
                    return a + b, nil
                },
            },
            {
                Name: "boom",
                Handler: func(c *api.Context) (any, error) {
                    panic("kaboom")
                },
            },
        },
    }
}

type testNode struct {
    tr  *Transit
    reg *registry.Registry
    cat *nodes.Catalog
}

func newTestNode(t *testing.T, bus *mem.Bus, id string, opts []Option, svcs ...api.Service) testNode {
    t.Helper()
    cat := nodes.New(&api.Node{ID: id, Available: true})
    reg := registry.New(id)
    for _, s := range svcs {
        reg.Register(s)
    }
    all := append([]Option{WithRequestTimeout(500 * time.Millisecond)}, opts...)
    tr := New(cat, reg, bus.NewTransport(id), all...)
    if err := tr.Connect(); err != nil {
        t.Fatalf("connect %s: %v", id, err)
    }
    t.Cleanup(func() { _ = tr.Disconnect() })
    return testNode{tr: tr, reg: reg, cat: cat}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if cond() {
            return
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", msg)
}

func waitForAction(t *testing.T, n testNode, name string) {
    t.Helper()
    waitFor(t, func() bool {
        _, ok := n.reg.GetAction(name)
        return ok
    }, "registry to learn "+name)
}

func TestCallAcrossNodes(t *testing.T) {
    bus := mem.NewBus()
    newTestNode(t, bus, "worker", nil, mathService())
    caller := newTestNode(t, bus, "caller", nil)
    waitForAction(t, caller, "math.add")

    res, err := caller.tr.NewContext().Call("math.add", map[string]any{"a": 2, "b": 3}, nil)
    if err != nil {
        t.Fatalf("call: %v", err)
    }
    got, ok := protocol.AsFloat(res)
    if !ok || got != 5 {
        t.Fatalf("result = %v, want 5", res)
    }
}

func TestLocalCallLoopsThroughTransport(t *testing.T) {
    bus := mem.NewBus()
    worker := newTestNode(t, bus, "worker", nil, mathService())

    // the local node serves its own request over the same publish path
    res, err := worker.tr.NewContext().Call("math.add", map[string]any{"a": 4, "b": 4}, nil)
    if err != nil {
        t.Fatalf("call: %v", err)
    }
    if got, _ := protocol.AsFloat(res); got != 8 {
        t.Fatalf("result = %v, want 8", res)
    }
}

func TestCallValidationFailure(t *testing.T) {
    bus := mem.NewBus()
    newTestNode(t, bus, "worker", nil, mathService())
    caller := newTestNode(t, bus, "caller", nil)
    waitForAction(t, caller, "math.add")

    _, err := caller.tr.NewContext().Call("math.add", map[string]any{"a": "two", "b": 3}, nil)
    var rce *RemoteCallError
    if !errors.As(err, &rce) {
        t.Fatalf("err = %v, want RemoteCallError", err)
    }
    if rce.Name != "ValidationError" {
        t.Fatalf("error name = %q, want ValidationError", rce.Name)
    }
}

func TestCallUnknownAction(t *testing.T) {
    bus := mem.NewBus()
    caller := newTestNode(t, bus, "caller", nil)

    _, err := caller.tr.NewContext().Call("nope.missing", nil, nil)
    var nf *ActionNotFoundError
    if !errors.As(err, &nf) {
        t.Fatalf("err = %v, want ActionNotFoundError", err)
    }
    if nf.Action != "nope.missing" {
        t.Fatalf("action = %q", nf.Action)
    }
}

func TestRequestTimeoutCleansPending(t *testing.T) {
    bus := mem.NewBus()
    caller := newTestNode(t, bus, "caller", nil)
    // action advertised by a node that is not on the bus: nobody answers
    caller.reg.AddAction(registry.Action{Name: "ghost.echo", NodeID: "ghost"})

    c := caller.tr.NewContext()
    c.Timeout = 0.1
    _, err := c.Call("ghost.echo", nil, nil)
    var te *RequestTimeoutError
    if !errors.As(err, &te) {
        t.Fatalf("err = %v, want RequestTimeoutError", err)
    }
    if n := caller.tr.PendingCount(); n != 0 {
        t.Fatalf("pending table has %d entries after timeout", n)
    }
}

func TestHandlerPanicReturnsRemoteError(t *testing.T) {
    bus := mem.NewBus()
    newTestNode(t, bus, "worker", nil, mathService())
    caller := newTestNode(t, bus, "caller", nil)
    waitForAction(t, caller, "math.boom")

    _, err := caller.tr.NewContext().Call("math.boom", nil, nil)
    var rce *RemoteCallError
    if !errors.As(err, &rce) {
        t.Fatalf("err = %v, want RemoteCallError", err)
    }
    if rce.Name != "PanicError" || rce.Stack == "" {
        t.Fatalf("got name %q stack len %d", rce.Name, len(rce.Stack))
    }
}

func TestEmitReachesRemoteHandler(t *testing.T) {
    bus := mem.NewBus()
    got := make(chan map[string]any, 1)
    newTestNode(t, bus, "worker", nil, testService{
        name: "users",
        events: []api.EventDescriptor{{
            Name: "user.created",
            Handler: func(c *api.Context) error {
                got <- c.Params
                return nil
            },
        }},
    })
    caller := newTestNode(t, bus, "caller", nil)
    waitFor(t, func() bool {
        _, ok := caller.reg.GetEvent("user.created")
        return ok
    }, "registry to learn user.created")

    if err := caller.tr.NewContext().Emit("user.created", map[string]any{"id": "u1"}, nil); err != nil {
        t.Fatalf("emit: %v", err)
    }
    select {
    case params := <-got:
        if protocol.GetString(params, "id") != "u1" {
            t.Fatalf("params = %v", params)
        }
    case <-time.After(2 * time.Second):
        t.Fatalf("event handler never ran")
    }
}

func TestBroadcastReachesEveryNodeIncludingSender(t *testing.T) {
    bus := mem.NewBus()
    got := make(chan string, 8)
    ids := []string{"n1", "n2", "n3"}
    nodesByID := make(map[string]testNode, len(ids))
    for _, id := range ids {
        id := id
        nodesByID[id] = newTestNode(t, bus, id, nil, testService{
            name: "audit",
            events: []api.EventDescriptor{{
                Name: "config.changed",
                Handler: func(c *api.Context) error {
                    got <- id
                    return nil
                },
            }},
        })
    }
    // wait until the broadcaster knows the other two nodes
    waitFor(t, func() bool {
        return len(nodesByID["n1"].cat.List()) == 2
    }, "catalog convergence")

    if err := nodesByID["n1"].tr.NewContext().Broadcast("config.changed", nil, nil); err != nil {
        t.Fatalf("broadcast: %v", err)
    }

    seen := make(map[string]bool)
    for len(seen) < 3 {
        select {
        case id := <-got:
            seen[id] = true
        case <-time.After(2 * time.Second):
            t.Fatalf("broadcast reached %d of 3 nodes: %v", len(seen), seen)
        }
    }
}

func TestDisconnectCancelsPending(t *testing.T) {
    bus := mem.NewBus()
    caller := newTestNode(t, bus, "caller", []Option{WithRequestTimeout(10 * time.Second)})
    caller.reg.AddAction(registry.Action{Name: "ghost.echo", NodeID: "ghost"})

    errCh := make(chan error, 1)
    go func() {
        _, err := caller.tr.NewContext().Call("ghost.echo", nil, nil)
        errCh <- err
    }()
    waitFor(t, func() bool { return caller.tr.PendingCount() == 1 }, "request to be in flight")

    if err := caller.tr.Disconnect(); err != nil {
        t.Fatalf("disconnect: %v", err)
    }
    select {
    case err := <-errCh:
        if !errors.Is(err, ErrDisconnected) {
            t.Fatalf("err = %v, want ErrDisconnected", err)
        }
    case <-time.After(2 * time.Second):
        t.Fatalf("pending request was not cancelled")
    }
}

func TestDuplicateResponseCompletesOnce(t *testing.T) {
    bus := mem.NewBus()
    caller := newTestNode(t, bus, "caller", nil)
    caller.reg.AddAction(registry.Action{Name: "echo.twice", NodeID: "responder"})

    // a raw transport that answers every request twice with the same id
    responder := bus.NewTransport("responder")
    responder.SetReceiver(func(p *protocol.Packet) {
        if p.Topic != protocol.TopicRequest {
            return
        }
        id := protocol.GetString(p.Payload, "id")
        for i := 0; i < 2; i++ {
            _ = responder.Publish(protocol.NewPacket(protocol.TopicResponse, p.Sender, map[string]any{
                "id": id, "success": true, "data": i, "meta": map[string]any{},
            }))
        }
    })
    if err := responder.Connect(); err != nil {
        t.Fatalf("connect responder: %v", err)
    }
    defer func() { _ = responder.Disconnect() }()
    if err := responder.Subscribe(protocol.TopicRequest, "responder"); err != nil {
        t.Fatalf("subscribe responder: %v", err)
    }

    res, err := caller.tr.NewContext().Call("echo.twice", nil, nil)
    if err != nil {
        t.Fatalf("call: %v", err)
    }
    if got, _ := protocol.AsFloat(res); got != 0 {
        t.Fatalf("result = %v, want the first response to win", res)
    }
    waitFor(t, func() bool { return caller.tr.PendingCount() == 0 }, "pending table drain")
}

func TestStrayResponseIgnored(t *testing.T) {
    bus := mem.NewBus()
    newTestNode(t, bus, "worker", nil, mathService())
    caller := newTestNode(t, bus, "caller", nil)
    waitForAction(t, caller, "math.add")

    fake := bus.NewTransport("fake")
    if err := fake.Connect(); err != nil {
        t.Fatalf("connect fake: %v", err)
    }
    defer func() { _ = fake.Disconnect() }()
    err := fake.Publish(protocol.NewPacket(protocol.TopicResponse, "caller", map[string]any{
        "id":      "never-issued",
        "success": true,
        "data":    42,
    }))
    if err != nil {
        t.Fatalf("publish stray response: %v", err)
    }

    // the stray response must not disturb real traffic
    res, err := caller.tr.NewContext().Call("math.add", map[string]any{"a": 1, "b": 1}, nil)
    if err != nil {
        t.Fatalf("call after stray response: %v", err)
    }
    if got, _ := protocol.AsFloat(res); got != 2 {
        t.Fatalf("result = %v, want 2", res)
    }
}

func TestHeartbeatUpdatesCatalog(t *testing.T) {
    bus := mem.NewBus()
    worker := newTestNode(t, bus, "worker", []Option{WithCPUProbe(func() float64 { return 0.42 })}, mathService())
    caller := newTestNode(t, bus, "caller", nil)
    waitFor(t, func() bool {
        _, ok := caller.cat.Get("worker")
        return ok
    }, "catalog to learn worker")

    if err := worker.tr.Beat(); err != nil {
        t.Fatalf("beat: %v", err)
    }
    waitFor(t, func() bool {
        n, ok := caller.cat.Get("worker")
        return ok && n.CPU == 0.42
    }, "heartbeat to update cpu")
}

func TestDisconnectRemovesNodeEverywhere(t *testing.T) {
    bus := mem.NewBus()
    worker := newTestNode(t, bus, "worker", nil, mathService())
    caller := newTestNode(t, bus, "caller", nil)
    waitForAction(t, caller, "math.add")

    if err := worker.tr.Disconnect(); err != nil {
        t.Fatalf("disconnect: %v", err)
    }
    waitFor(t, func() bool {
        _, ok := caller.reg.GetAction("math.add")
        return !ok
    }, "registry cleanup after disconnect")
    if _, ok := caller.cat.Get("worker"); ok {
        t.Fatalf("catalog still holds disconnected node")
    }
}

func TestConcurrentAnnouncementsShareLocalRecord(t *testing.T) {
    bus := mem.NewBus()
    a := newTestNode(t, bus, "a", nil)
    b := newTestNode(t, bus, "b", nil)
    waitFor(t, func() bool {
        _, ok := a.cat.Get("b")
        return ok
    }, "catalog convergence")

    // inbound DISCOVERs make a's dispatch loop send INFO while the public
    // announce/beat paths run on this goroutine
    done := make(chan struct{})
    go func() {
        defer close(done)
        for i := 0; i < 50; i++ {
            _ = b.tr.Discover()
        }
    }()
    for i := 0; i < 50; i++ {
        if err := a.tr.SendInfo(""); err != nil {
            t.Errorf("send info: %v", err)
        }
        if err := a.tr.Beat(); err != nil {
            t.Errorf("beat: %v", err)
        }
    }
    <-done

    // stop a's loop before reading the record back
    if err := a.tr.Disconnect(); err != nil {
        t.Fatalf("disconnect: %v", err)
    }
    if seq := a.cat.Local().Seq; seq < 50 {
        t.Fatalf("local seq = %d, want at least 50", seq)
    }
}

func TestNodeFromInfoLeavesHeartbeatUnstamped(t *testing.T) {
    n := nodeFromInfo("peer", map[string]any{"hostname": "h", "seq": 3})
    if !n.LastHeartbeat.IsZero() {
        t.Fatalf("LastHeartbeat = %v, want zero until the catalog stamps it", n.LastHeartbeat)
    }
    if n.Hostname != "h" || n.Seq != 3 {
        t.Fatalf("record = %+v", n)
    }
}

func TestBeatRequiresConnection(t *testing.T) {
    bus := mem.NewBus()
    cat := nodes.New(&api.Node{ID: "idle", Available: true})
    tr := New(cat, registry.New("idle"), bus.NewTransport("idle"))
    if err := tr.Beat(); !errors.Is(err, ErrNotConnected) {
        t.Fatalf("err = %v, want ErrNotConnected", err)
    }
}
