// Package registry keeps the in-memory catalog of local and remote actions
// and events, keyed by fully-qualified name.
package registry

import (
    "sort"
    "sync"

    "go.uber.org/zap"

    "meshrpc/pkg/api"
)

// Action is a callable capability: a fully-qualified "service.action" name,
// the owning node, and — only when local — a handler and optional parameter
// schema. Immutable after creation.
type Action struct {
    Name    string
    NodeID  string
    Local   bool
    Handler api.ActionHandler
    Params  map[string]any
}

// Event is a subscribable notification. Unlike actions, many events may
// share one name; delivery fans out.
type Event struct {
    Name    string
    NodeID  string
    Local   bool
    Handler api.EventHandler
}

// Registry catalogs the actions and events this node knows about, its own
// and those advertised by remote INFO packets. All access is serialized by
// an internal lock; transit and registration paths share it safely.
type Registry struct {
    localID string
    log     *zap.Logger

    mu       sync.RWMutex
    services map[string]api.Service
    actions  []Action
    events   []Event
}

// New builds an empty registry for a node.
func New(localNodeID string) *Registry {
    return &Registry{
        localID:  localNodeID,
        log:      zap.L(),
        services: make(map[string]api.Service),
    }
}

// Register wraps every action and event a service exposes as local records.
// Action names become fully qualified ("<service>.<action>"); event names
// are taken as declared. Duplicate local action names are the service
// loader's configuration problem, not enforced here.
func (r *Registry) Register(svc api.Service) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.services[svc.Name()] = svc
    for _, d := range svc.Actions() {
        r.actions = append(r.actions, Action{
            Name:    svc.Name() + "." + d.Name,
            NodeID:  r.localID,
            Local:   true,
            Handler: d.Handler,
            Params:  d.Params,
        })
    }
    for _, d := range svc.Events() {
        r.events = append(r.events, Event{
            Name:    d.Name,
            NodeID:  r.localID,
            Local:   true,
            Handler: d.Handler,
        })
    }
    r.log.Info("service registered",
        zap.String("service", svc.Name()),
        zap.Int("actions", len(svc.Actions())),
        zap.Int("events", len(svc.Events())))
}

// GetService returns a locally registered service by name.
func (r *Registry) GetService(name string) (api.Service, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    svc, ok := r.services[name]
    return svc, ok
}

// AddAction records a remote action learned via INFO.
func (r *Registry) AddAction(a Action) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.actions = append(r.actions, a)
}

// AddEvent records a remote event learned via INFO.
func (r *Registry) AddEvent(name, nodeID string) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.events = append(r.events, Event{Name: name, NodeID: nodeID})
}

// GetAction scans for the first action with an exact name match.
func (r *Registry) GetAction(name string) (Action, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    for _, a := range r.actions {
        if a.Name == name {
            return a, true
        }
    }
    return Action{}, false
}

// GetAllEvents returns every event with the given name, supporting fan-out
// to multiple handlers across nodes.
func (r *Registry) GetAllEvents(name string) []Event {
    r.mu.RLock()
    defer r.mu.RUnlock()
    var out []Event
    for _, e := range r.events {
        if e.Name == name {
            out = append(out, e)
        }
    }
    return out
}

// GetEvent returns the first event with the given name.
func (r *Registry) GetEvent(name string) (Event, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    for _, e := range r.events {
        if e.Name == name {
            return e, true
        }
    }
    return Event{}, false
}

// LocalEvents returns the locally handled events with the given name.
func (r *Registry) LocalEvents(name string) []Event {
    r.mu.RLock()
    defer r.mu.RUnlock()
    var out []Event
    for _, e := range r.events {
        if e.Name == name && e.Local && e.Handler != nil {
            out = append(out, e)
        }
    }
    return out
}

// RemoveNode drops every remote record owned by a node. Called when a node
// disconnects and before re-learning its capabilities from a fresh INFO.
func (r *Registry) RemoveNode(nodeID string) {
    if nodeID == r.localID {
        return
    }
    r.mu.Lock()
    defer r.mu.Unlock()
    actions := r.actions[:0]
    for _, a := range r.actions {
        if a.NodeID != nodeID {
            actions = append(actions, a)
        }
    }
    r.actions = actions
    events := r.events[:0]
    for _, e := range r.events {
        if e.NodeID != nodeID {
            events = append(events, e)
        }
    }
    r.events = events
}

// LocalServices builds the service advertisement for this node's INFO
// payload: every local action (with schema) and event, grouped by service.
func (r *Registry) LocalServices() []api.ServiceInfo {
    r.mu.RLock()
    defer r.mu.RUnlock()
    names := make([]string, 0, len(r.services))
    for name := range r.services {
        names = append(names, name)
    }
    sort.Strings(names)
    out := make([]api.ServiceInfo, 0, len(names))
    for _, name := range names {
        svc := r.services[name]
        info := api.ServiceInfo{Name: name}
        for _, d := range svc.Actions() {
            info.Actions = append(info.Actions, api.ActionInfo{
                Name:   name + "." + d.Name,
                Params: d.Params,
            })
        }
        for _, d := range svc.Events() {
            info.Events = append(info.Events, d.Name)
        }
        out = append(out, info)
    }
    return out
}
