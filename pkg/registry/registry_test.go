package registry

import (
    "testing"

    "meshrpc/pkg/api"
)

// stubService is a minimal api.Service for registry tests.
type stubService struct {
    name    string
    actions []api.ActionDescriptor
    events  []api.EventDescriptor
}

func (s *stubService) Name() string                     { return s.name }
func (s *stubService) Actions() []api.ActionDescriptor  { return s.actions }
func (s *stubService) Events() []api.EventDescriptor    { return s.events }

func noopAction(c *api.Context) (any, error) { return nil, nil }
func noopEvent(c *api.Context) error         { return nil }

func TestRegisterQualifiesActionNames(t *testing.T) {
    r := New("node-1")
    r.Register(&stubService{
        name: "math",
        actions: []api.ActionDescriptor{
            {Name: "add", Handler: noopAction, Params: map[string]any{"a": "number"}},
        },
    })
    a, ok := r.GetAction("math.add")
    if !ok {
        t.Fatalf("math.add not found")
    }
    if !a.Local || a.NodeID != "node-1" || a.Handler == nil {
        t.Fatalf("unexpected action record: %+v", a)
    }
    if a.Params["a"] != "number" {
        t.Fatalf("schema not carried: %#v", a.Params)
    }
    if _, ok := r.GetService("math"); !ok {
        t.Fatalf("service lookup failed")
    }
}

func TestGetActionFirstMatchWins(t *testing.T) {
    r := New("node-1")
    r.AddAction(Action{Name: "math.add", NodeID: "remote-1"})
    r.AddAction(Action{Name: "math.add", NodeID: "remote-2"})
    a, ok := r.GetAction("math.add")
    if !ok || a.NodeID != "remote-1" {
        t.Fatalf("first match should win: %+v", a)
    }
    if _, ok := r.GetAction("math.sub"); ok {
        t.Fatalf("unknown action must not resolve")
    }
}

func TestEventFanOut(t *testing.T) {
    r := New("node-1")
    r.Register(&stubService{
        name:   "mailer",
        events: []api.EventDescriptor{{Name: "user.created", Handler: noopEvent}},
    })
    r.Register(&stubService{
        name:   "audit",
        events: []api.EventDescriptor{{Name: "user.created", Handler: noopEvent}},
    })
    all := r.GetAllEvents("user.created")
    if len(all) != 2 {
        t.Fatalf("want 2 events, got %d", len(all))
    }
    first, ok := r.GetEvent("user.created")
    if !ok || first.NodeID != all[0].NodeID {
        t.Fatalf("GetEvent must return the first registered: %+v", first)
    }
    if got := len(r.LocalEvents("user.created")); got != 2 {
        t.Fatalf("want 2 local handlers, got %d", got)
    }
}

func TestRemoveNodeDropsRemoteRecordsOnly(t *testing.T) {
    r := New("node-1")
    r.Register(&stubService{
        name:    "math",
        actions: []api.ActionDescriptor{{Name: "add", Handler: noopAction}},
    })
    r.AddAction(Action{Name: "calc.mul", NodeID: "remote-1"})
    r.AddEvent("calc.done", "remote-1")

    r.RemoveNode("remote-1")
    if _, ok := r.GetAction("calc.mul"); ok {
        t.Fatalf("remote action should be gone")
    }
    if evs := r.GetAllEvents("calc.done"); len(evs) != 0 {
        t.Fatalf("remote event should be gone: %+v", evs)
    }
    if _, ok := r.GetAction("math.add"); !ok {
        t.Fatalf("local action must survive RemoveNode of a remote")
    }
    // removing the local id is a no-op
    r.RemoveNode("node-1")
    if _, ok := r.GetAction("math.add"); !ok {
        t.Fatalf("local records must never be removed by node id")
    }
}

func TestLocalServicesAdvertisement(t *testing.T) {
    r := New("node-1")
    r.Register(&stubService{
        name: "math",
        actions: []api.ActionDescriptor{
            {Name: "add", Handler: noopAction, Params: map[string]any{"a": "number", "b": "number"}},
        },
        events: []api.EventDescriptor{{Name: "math.computed", Handler: noopEvent}},
    })
    infos := r.LocalServices()
    if len(infos) != 1 || infos[0].Name != "math" {
        t.Fatalf("unexpected advertisement: %+v", infos)
    }
    if len(infos[0].Actions) != 1 || infos[0].Actions[0].Name != "math.add" {
        t.Fatalf("action advertisement mismatch: %+v", infos[0].Actions)
    }
    if len(infos[0].Events) != 1 || infos[0].Events[0] != "math.computed" {
        t.Fatalf("event advertisement mismatch: %+v", infos[0].Events)
    }
}
