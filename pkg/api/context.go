package api

import (
    "errors"

    "github.com/google/uuid"

    "meshrpc/pkg/protocol"
)

// ErrNoCaller is returned when a detached Context (one built outside the
// mesh) is asked to call, emit or broadcast.
var ErrNoCaller = errors.New("context is not attached to a transit")

// Caller is the back-reference a Context uses to trigger further mesh
// activity. Implemented by the transit engine.
type Caller interface {
    Call(c *Context, action string, params, meta map[string]any) (any, error)
    Emit(c *Context, event string, params, meta map[string]any) error
    Broadcast(c *Context, event string, params, meta map[string]any) error
}

// Context is the per-call/per-event execution record. One exists per logical
// call: created by the caller, or rebuilt from a received packet payload on
// the handling node.
type Context struct {
    ID       string
    Action   string
    Event    string
    ParentID string
    Params   map[string]any
    Meta     map[string]any
    Timeout  float64 // seconds; 0 means the transit default
    Level    int
    Stream   bool

    caller Caller
}

// NewContext builds a root context with a fresh correlation id.
func NewContext(caller Caller) *Context {
    return &Context{
        ID:     uuid.NewString(),
        Level:  1,
        Params: map[string]any{},
        Meta:   map[string]any{},
        caller: caller,
    }
}

// NewChild derives a context for a nested call or event: new id, this
// context as parent, one level deeper. Meta is taken as given; callers merge
// before deriving.
func (c *Context) NewChild(action, event string, params, meta map[string]any) *Context {
    if params == nil {
        params = map[string]any{}
    }
    if meta == nil {
        meta = map[string]any{}
    }
    return &Context{
        ID:       uuid.NewString(),
        Action:   action,
        Event:    event,
        ParentID: c.ID,
        Params:   params,
        Meta:     meta,
        Timeout:  c.Timeout,
        Level:    c.Level + 1,
        caller:   c.caller,
    }
}

// Call invokes a remote (or local) action through the attached transit and
// returns the unwrapped result. Call-site meta wins over the context's own
// metadata on key collision.
func (c *Context) Call(action string, params, meta map[string]any) (any, error) {
    if c.caller == nil {
        return nil, ErrNoCaller
    }
    return c.caller.Call(c, action, params, MergeMeta(c.Meta, meta))
}

// Emit fires an event at its owning node. No result is awaited.
func (c *Context) Emit(event string, params, meta map[string]any) error {
    if c.caller == nil {
        return ErrNoCaller
    }
    return c.caller.Emit(c, event, params, MergeMeta(c.Meta, meta))
}

// Broadcast fires an event at every known node, this one included.
func (c *Context) Broadcast(event string, params, meta map[string]any) error {
    if c.caller == nil {
        return ErrNoCaller
    }
    return c.caller.Broadcast(c, event, params, MergeMeta(c.Meta, meta))
}

// MergeMeta overlays over onto base without mutating either; over wins on
// key collision.
func MergeMeta(base, over map[string]any) map[string]any {
    out := make(map[string]any, len(base)+len(over))
    for k, v := range base {
        out[k] = v
    }
    for k, v := range over {
        out[k] = v
    }
    return out
}

// AsMap produces the wire-safe payload of this context with a fixed key set.
// Outbound serialization and introspection share this one code path.
func (c *Context) AsMap() map[string]any {
    return map[string]any{
        "id":       c.ID,
        "action":   nullable(c.Action),
        "event":    nullable(c.Event),
        "params":   c.Params,
        "meta":     c.Meta,
        "timeout":  c.Timeout,
        "level":    c.Level,
        "tracing":  nil,
        "parentID": nullable(c.ParentID),
        "stream":   c.Stream,
    }
}

func nullable(s string) any {
    if s == "" {
        return nil
    }
    return s
}

// Rebuild is the inverse of AsMap up to the set of known fields: a context
// rebuilt from a marshalled payload reproduces the same id, action/event
// name, params and meta. Unknown payload fields are dropped.
func Rebuild(payload map[string]any, caller Caller) *Context {
    c := &Context{
        ID:       protocol.GetString(payload, "id"),
        Action:   protocol.GetString(payload, "action"),
        Event:    protocol.GetString(payload, "event"),
        ParentID: protocol.GetString(payload, "parentID"),
        Params:   protocol.GetMap(payload, "params"),
        Meta:     protocol.GetMap(payload, "meta"),
        Level:    protocol.GetInt(payload, "level"),
        Stream:   protocol.GetBool(payload, "stream"),
        caller:   caller,
    }
    if f, ok := protocol.GetFloat(payload, "timeout"); ok {
        c.Timeout = f
    }
    if c.ID == "" {
        c.ID = uuid.NewString()
    }
    if c.Params == nil {
        c.Params = map[string]any{}
    }
    if c.Meta == nil {
        c.Meta = map[string]any{}
    }
    if c.Level == 0 {
        c.Level = 1
    }
    return c
}
