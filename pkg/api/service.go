// Package api holds the shared data model of the mesh: services and their
// action/event descriptors, node identity records, and the per-call Context.
// Keeping these in one leaf package lets the registry, the node catalog and
// the transit engine depend on them without depending on each other.
package api

// ActionHandler executes a locally registered action. The returned value is
// shipped back to the caller in the response payload.
type ActionHandler func(c *Context) (any, error)

// EventHandler reacts to a locally registered event. Events are
// fire-and-forget; a returned error is logged, never reported to the sender.
type EventHandler func(c *Context) error

// ActionDescriptor declares one callable action of a service. Params is an
// optional parameter schema checked before the handler runs.
type ActionDescriptor struct {
    Name    string
    Params  map[string]any
    Handler ActionHandler
}

// EventDescriptor declares one subscribable event of a service.
type EventDescriptor struct {
    Name    string
    Handler EventHandler
}

// Service is the typed capability contract a service loader hands to the
// registry: registration reads an explicit descriptor list instead of
// inspecting arbitrary objects.
type Service interface {
    Name() string
    Actions() []ActionDescriptor
    Events() []EventDescriptor
}

// ActionInfo is the wire form of an advertised action inside an INFO payload.
type ActionInfo struct {
    Name   string
    Params map[string]any
}

// ServiceInfo is the wire form of one advertised service.
type ServiceInfo struct {
    Name    string
    Actions []ActionInfo
    Events  []string
}
