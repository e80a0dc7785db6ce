// Package transit is the hub of the mesh RPC layer: it owns the outbound
// publish path, demultiplexes inbound packets by topic kind, tracks in-flight
// requests, and implements the connect/disconnect lifecycle.
package transit

import (
    "errors"
    "os"
    "runtime/debug"
    "strconv"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "meshrpc/pkg/api"
    "meshrpc/pkg/observability"
    "meshrpc/pkg/protocol"
    "meshrpc/pkg/registry"
    "meshrpc/pkg/validator"
)

// DefaultRequestTimeout bounds outbound requests when neither the config
// nor the context sets one.
const DefaultRequestTimeout = 5 * time.Second

// inboundBuffer sizes the channel feeding the dispatch loop. Overflow drops
// packets: the substrate is best-effort anyway.
const inboundBuffer = 256

type result struct {
    payload map[string]any
    err     error
}

// pendingRequest is one entry of the in-flight table. resolve delivers at
// most one outcome no matter how many responses or cancellations race.
type pendingRequest struct {
    id     string
    action string
    ch     chan result
    once   sync.Once
}

func (p *pendingRequest) resolve(res result) {
    p.once.Do(func() { p.ch <- res })
}

// Transit routes packets between this node and the rest of the mesh.
type Transit struct {
    nodeID  string
    prefix  string
    catalog api.Catalog
    reg     *registry.Registry
    tp      Transport
    timeout time.Duration
    cpu     func() float64
    metrics *observability.TransitMetrics
    log     *zap.Logger

    // static topic dispatch table, built once at construction
    handlers map[protocol.Topic]func(*protocol.Packet)

    mu        sync.Mutex
    pending   map[string]*pendingRequest
    connected bool
    seq       uint64
    inCh      chan *protocol.Packet
    stopCh    chan struct{}
    doneCh    chan struct{}
}

// Option configures a Transit.
type Option func(*Transit)

// WithRequestTimeout sets the default outbound request deadline.
func WithRequestTimeout(d time.Duration) Option {
    return func(t *Transit) {
        if d > 0 {
            t.timeout = d
        }
    }
}

// WithTopicPrefix sets the namespace segment of every topic string.
func WithTopicPrefix(prefix string) Option {
    return func(t *Transit) {
        if prefix != "" {
            t.prefix = prefix
        }
    }
}

// WithCPUProbe substitutes the load probe sampled into heartbeats.
func WithCPUProbe(fn func() float64) Option { return func(t *Transit) { t.cpu = fn } }

// WithMetrics attaches Prometheus instruments. Nil is fine.
func WithMetrics(m *observability.TransitMetrics) Option {
    return func(t *Transit) { t.metrics = m }
}

// WithLogger overrides the package logger.
func WithLogger(l *zap.Logger) Option { return func(t *Transit) { t.log = l } }

// New wires a transit over the given catalog, registry and transport. The
// transport's receiver is installed here; call Connect to go live.
func New(catalog api.Catalog, reg *registry.Registry, tp Transport, opts ...Option) *Transit {
    t := &Transit{
        nodeID:  catalog.Local().ID,
        prefix:  protocol.DefaultPrefix,
        catalog: catalog,
        reg:     reg,
        tp:      tp,
        timeout: DefaultRequestTimeout,
        cpu:     loadAvg,
        log:     zap.L(),
        pending: make(map[string]*pendingRequest),
    }
    for _, opt := range opts {
        opt(t)
    }
    t.handlers = map[protocol.Topic]func(*protocol.Packet){
        protocol.TopicDiscover:   t.handleDiscover,
        protocol.TopicInfo:       t.handleInfo,
        protocol.TopicHeartbeat:  t.handleHeartbeat,
        protocol.TopicDisconnect: t.handleDisconnect,
        protocol.TopicEvent:      t.handleEvent,
        protocol.TopicRequest:    t.handleRequest,
        protocol.TopicResponse:   t.handleResponse,
    }
    tp.SetReceiver(t.receive)
    return t
}

// NodeID returns this node's id.
func (t *Transit) NodeID() string { return t.nodeID }

// NewContext builds a root context attached to this transit.
func (t *Transit) NewContext() *api.Context { return api.NewContext(t) }

// Connect brings the transport up, announces this node (DISCOVER then INFO)
// and subscribes to the node's inbound topics.
func (t *Transit) Connect() error {
    t.mu.Lock()
    if t.connected {
        t.mu.Unlock()
        return nil
    }
    t.mu.Unlock()

    if err := t.tp.Connect(); err != nil {
        return err
    }

    t.mu.Lock()
    t.inCh = make(chan *protocol.Packet, inboundBuffer)
    t.stopCh = make(chan struct{})
    t.doneCh = make(chan struct{})
    t.connected = true
    inCh, stopCh, doneCh := t.inCh, t.stopCh, t.doneCh
    t.mu.Unlock()
    go t.dispatchLoop(inCh, stopCh, doneCh)

    // subscriptions go first: a DISCOVER reply may arrive targeted at this
    // node before the announce round finishes
    subs := []struct {
        topic  protocol.Topic
        nodeID string
    }{
        {protocol.TopicInfo, ""},
        {protocol.TopicInfo, t.nodeID},
        {protocol.TopicDiscover, ""},
        {protocol.TopicHeartbeat, ""},
        {protocol.TopicRequest, t.nodeID},
        {protocol.TopicResponse, t.nodeID},
        {protocol.TopicEvent, t.nodeID},
        {protocol.TopicDisconnect, ""},
    }
    for _, s := range subs {
        if err := t.tp.Subscribe(s.topic, s.nodeID); err != nil {
            return err
        }
    }

    if err := t.Discover(); err != nil {
        return err
    }
    if err := t.SendInfo(""); err != nil {
        return err
    }
    t.log.Info("transit connected", zap.String("node", t.nodeID))
    return nil
}

// Disconnect announces departure best-effort, cancels every pending request
// synchronously, then tears the transport down.
func (t *Transit) Disconnect() error {
    t.mu.Lock()
    if !t.connected {
        t.mu.Unlock()
        return nil
    }
    t.mu.Unlock()

    if err := t.publish(protocol.NewPacket(protocol.TopicDisconnect, "", map[string]any{
        "sender": t.nodeID,
    })); err != nil {
        t.log.Warn("disconnect announcement failed", zap.Error(err))
    }

    t.mu.Lock()
    t.connected = false
    stopCh, doneCh := t.stopCh, t.doneCh
    pend := t.pending
    t.pending = make(map[string]*pendingRequest)
    t.mu.Unlock()

    for _, pr := range pend {
        pr.resolve(result{err: ErrDisconnected})
        t.metrics.PendingDelta(-1)
    }

    close(stopCh)
    <-doneCh
    t.log.Info("transit disconnected", zap.String("node", t.nodeID))
    return t.tp.Disconnect()
}

// Discover broadcasts a DISCOVER packet asking every node for its INFO.
func (t *Transit) Discover() error {
    return t.publish(protocol.NewPacket(protocol.TopicDiscover, "", map[string]any{
        "sender": t.nodeID,
    }))
}

// SendInfo advertises this node's identity and capabilities, broadcast or
// targeted at a single node.
func (t *Transit) SendInfo(target string) error {
    t.mu.Lock()
    t.seq++
    seq := t.seq
    t.mu.Unlock()
    t.catalog.SetLocalSeq(seq)
    return t.publish(protocol.NewPacket(protocol.TopicInfo, target, t.infoPayload(seq)))
}

// Beat broadcasts a HEARTBEAT carrying the current load and a timestamp.
func (t *Transit) Beat() error {
    t.mu.Lock()
    connected := t.connected
    t.mu.Unlock()
    if !connected {
        return ErrNotConnected
    }
    cpu := 0.0
    if t.cpu != nil {
        cpu = t.cpu()
    }
    t.catalog.SetLocalCPU(cpu)
    return t.publish(protocol.NewPacket(protocol.TopicHeartbeat, "", map[string]any{
        "sender": t.nodeID,
        "cpu":    cpu,
        "time":   time.Now().UnixMilli(),
    }))
}

// Request publishes a REQUEST for the action and blocks until the matching
// RESPONSE arrives, the deadline passes, or the transit disconnects. Timing
// out removes the pending entry; the table never leaks.
func (t *Transit) Request(a registry.Action, c *api.Context) (any, error) {
    t.mu.Lock()
    if !t.connected {
        t.mu.Unlock()
        return nil, ErrNotConnected
    }
    pr := &pendingRequest{id: c.ID, action: a.Name, ch: make(chan result, 1)}
    t.pending[c.ID] = pr
    t.mu.Unlock()
    t.metrics.PendingDelta(1)

    if err := t.publish(protocol.NewPacket(protocol.TopicRequest, a.NodeID, c.AsMap())); err != nil {
        t.removePending(c.ID)
        return nil, err
    }

    timeout := t.timeout
    if c.Timeout > 0 {
        timeout = time.Duration(c.Timeout * float64(time.Second))
    }
    start := time.Now()
    timer := time.NewTimer(timeout)
    defer timer.Stop()

    select {
    case res := <-pr.ch:
        t.metrics.ObserveRequest(time.Since(start).Seconds())
        if res.err != nil {
            return nil, res.err
        }
        return unwrapResponse(a.Name, res.payload)
    case <-timer.C:
        t.removePending(c.ID)
        t.metrics.Timeout()
        return nil, &RequestTimeoutError{Action: a.Name, Timeout: timeout}
    }
}

// SendEvent publishes an EVENT packet at the event's owning node. No
// response is expected.
func (t *Transit) SendEvent(e registry.Event, c *api.Context) error {
    return t.publish(protocol.NewPacket(protocol.TopicEvent, e.NodeID, c.AsMap()))
}

// PendingCount reports the size of the in-flight table.
func (t *Transit) PendingCount() int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return len(t.pending)
}

// ---------- api.Caller ----------

// Call resolves the action, derives a child context and runs the request
// path, returning the unwrapped result.
func (t *Transit) Call(parent *api.Context, action string, params, meta map[string]any) (any, error) {
    a, ok := t.reg.GetAction(action)
    if !ok {
        return nil, &ActionNotFoundError{Action: action}
    }
    return t.Request(a, parent.NewChild(action, "", params, meta))
}

// Emit fires the event at its owning node, fire-and-forget.
func (t *Transit) Emit(parent *api.Context, event string, params, meta map[string]any) error {
    e, ok := t.reg.GetEvent(event)
    if !ok {
        return &EventNotFoundError{Event: event}
    }
    return t.SendEvent(e, parent.NewChild("", event, params, meta))
}

// Broadcast fires the event at every known node including this one. Each
// node only listens on its own EVENT topic, so this fans out one targeted
// packet per node.
func (t *Transit) Broadcast(parent *api.Context, event string, params, meta map[string]any) error {
    c := parent.NewChild("", event, params, meta)
    payload := c.AsMap()
    targets := []string{t.nodeID}
    for _, n := range t.catalog.List() {
        if n.Available {
            targets = append(targets, n.ID)
        }
    }
    var firstErr error
    for _, id := range targets {
        if err := t.publish(protocol.NewPacket(protocol.TopicEvent, id, payload)); err != nil && firstErr == nil {
            firstErr = err
        }
    }
    return firstErr
}

// ---------- inbound path ----------

func (t *Transit) receive(p *protocol.Packet) {
    t.mu.Lock()
    ch, up := t.inCh, t.connected
    t.mu.Unlock()
    if !up || ch == nil {
        return
    }
    select {
    case ch <- p:
    default:
        t.log.Warn("inbound queue full, dropping packet",
            zap.String("topic", p.Topic.String()), zap.String("sender", p.Sender))
    }
}

func (t *Transit) dispatchLoop(inCh chan *protocol.Packet, stopCh, doneCh chan struct{}) {
    defer close(doneCh)
    for {
        select {
        case <-stopCh:
            return
        case p := <-inCh:
            t.dispatch(p)
        }
    }
}

func (t *Transit) dispatch(p *protocol.Packet) {
    t.metrics.Received(p.Topic.String())
    switch p.Topic {
    case protocol.TopicInfo, protocol.TopicHeartbeat, protocol.TopicDiscover, protocol.TopicDisconnect:
        // own broadcasts echo back on the shared substrate
        if p.Sender == t.nodeID {
            return
        }
    }
    h, ok := t.handlers[p.Topic]
    if !ok {
        t.log.Warn("no handler for topic", zap.String("topic", p.Topic.String()))
        return
    }
    switch p.Topic {
    case protocol.TopicRequest, protocol.TopicEvent:
        // handlers may issue nested calls; keep the dispatch loop free
        go h(p)
    default:
        h(p)
    }
}

func (t *Transit) handleDiscover(p *protocol.Packet) {
    if err := t.SendInfo(p.Sender); err != nil {
        t.log.Warn("info reply failed", zap.String("to", p.Sender), zap.Error(err))
    }
}

func (t *Transit) handleInfo(p *protocol.Packet) {
    sender := p.Sender
    if sender == "" {
        sender = protocol.GetString(p.Payload, "sender")
    }
    if sender == "" || sender == t.nodeID {
        return
    }
    n := nodeFromInfo(sender, p.Payload)
    t.catalog.Add(sender, n)
    t.reg.RemoveNode(sender)
    for _, si := range n.Services {
        for _, a := range si.Actions {
            t.reg.AddAction(registry.Action{Name: a.Name, NodeID: sender, Params: a.Params})
        }
        for _, ev := range si.Events {
            t.reg.AddEvent(ev, sender)
        }
    }
    t.log.Debug("node info applied",
        zap.String("node", sender), zap.Int("services", len(n.Services)))
}

// heartbeatSink lets catalog implementations apply heartbeats under their
// own lock; plain catalogs get direct field updates.
type heartbeatSink interface {
    Heartbeat(id string, cpu float64) bool
}

func (t *Transit) handleHeartbeat(p *protocol.Packet) {
    cpu, _ := protocol.GetFloat(p.Payload, "cpu")
    if hs, ok := t.catalog.(heartbeatSink); ok {
        if !hs.Heartbeat(p.Sender, cpu) {
            t.log.Debug("heartbeat from unknown node ignored", zap.String("sender", p.Sender))
        }
        return
    }
    n, ok := t.catalog.Get(p.Sender)
    if !ok {
        t.log.Debug("heartbeat from unknown node ignored", zap.String("sender", p.Sender))
        return
    }
    n.CPU = cpu
    n.Available = true
    n.LastHeartbeat = time.Now()
}

func (t *Transit) handleDisconnect(p *protocol.Packet) {
    t.catalog.Disconnect(p.Sender)
    t.reg.RemoveNode(p.Sender)
    t.log.Info("node disconnected", zap.String("node", p.Sender))
}

func (t *Transit) handleEvent(p *protocol.Packet) {
    c := api.Rebuild(p.Payload, t)
    handlers := t.reg.LocalEvents(c.Event)
    if len(handlers) == 0 {
        t.log.Debug("no local handler for event", zap.String("event", c.Event))
        return
    }
    for _, ev := range handlers {
        // events are fire-and-forget: failures are logged, never propagated
        if err := t.safeEvent(ev, c); err != nil {
            t.log.Error("event handler failed", zap.String("event", c.Event), zap.Error(err))
        }
    }
}

func (t *Transit) handleRequest(p *protocol.Packet) {
    c := api.Rebuild(p.Payload, t)
    a, ok := t.reg.GetAction(c.Action)
    if !ok || !a.Local || a.Handler == nil {
        // no response: the caller times out. Deliberate wire behavior.
        t.log.Warn("dropping request for unknown action",
            zap.String("action", c.Action), zap.String("sender", p.Sender))
        return
    }
    if a.Params != nil {
        if err := validator.Validate(c.Params, a.Params); err != nil {
            t.respond(p.Sender, c.ID, nil, err)
            return
        }
    }
    res, err := t.safeInvoke(a, c)
    t.respond(p.Sender, c.ID, res, err)
}

func (t *Transit) handleResponse(p *protocol.Packet) {
    id := protocol.GetString(p.Payload, "id")
    t.mu.Lock()
    pr, ok := t.pending[id]
    if ok {
        delete(t.pending, id)
    }
    t.mu.Unlock()
    if !ok {
        // duplicate or late response; exactly-one-outcome makes this a no-op
        t.log.Debug("response for unknown or completed request", zap.String("id", id))
        return
    }
    t.metrics.PendingDelta(-1)
    pr.resolve(result{payload: p.Payload})
}

// ---------- helpers ----------

func (t *Transit) publish(p *protocol.Packet) error {
    t.metrics.Sent(p.Topic.String())
    return t.tp.Publish(p)
}

func (t *Transit) removePending(id string) {
    t.mu.Lock()
    _, ok := t.pending[id]
    delete(t.pending, id)
    t.mu.Unlock()
    if ok {
        t.metrics.PendingDelta(-1)
    }
}

func (t *Transit) safeInvoke(a registry.Action, c *api.Context) (res any, err error) {
    defer func() {
        if r := recover(); r != nil {
            err = &panicError{value: r, stack: string(debug.Stack())}
        }
    }()
    return a.Handler(c)
}

func (t *Transit) safeEvent(e registry.Event, c *api.Context) (err error) {
    defer func() {
        if r := recover(); r != nil {
            err = &panicError{value: r, stack: string(debug.Stack())}
        }
    }()
    return e.Handler(c)
}

func (t *Transit) respond(target, id string, data any, err error) {
    payload := map[string]any{"id": id, "meta": map[string]any{}}
    if err != nil {
        payload["success"] = false
        payload["error"] = errorInfo(err)
    } else {
        payload["success"] = true
        payload["data"] = data
    }
    if perr := t.publish(protocol.NewPacket(protocol.TopicResponse, target, payload)); perr != nil {
        t.log.Error("response publish failed", zap.String("to", target), zap.Error(perr))
    }
}

// errorInfo shapes an error into the wire form {name, message, stack}.
func errorInfo(err error) map[string]any {
    name := "Error"
    var stack any
    var ve *validator.ValidationError
    var pe *panicError
    var rce *RemoteCallError
    switch {
    case errors.As(err, &ve):
        name = "ValidationError"
    case errors.As(err, &pe):
        name = "PanicError"
        stack = pe.stack
    case errors.As(err, &rce):
        name = rce.Name
        if rce.Stack != "" {
            stack = rce.Stack
        }
    }
    return map[string]any{"name": name, "message": err.Error(), "stack": stack}
}

func unwrapResponse(action string, payload map[string]any) (any, error) {
    if protocol.GetBool(payload, "success") {
        return payload["data"], nil
    }
    em := protocol.GetMap(payload, "error")
    return nil, &RemoteCallError{
        Action:  action,
        Name:    protocol.GetString(em, "name"),
        Message: protocol.GetString(em, "message"),
        Stack:   protocol.GetString(em, "stack"),
    }
}

func (t *Transit) infoPayload(seq uint64) map[string]any {
    // only construction-time fields of the local record are read here;
    // the mutable ones (Seq, CPU) go through the catalog setters
    local := t.catalog.Local()
    services := make([]any, 0)
    for _, si := range t.reg.LocalServices() {
        actions := make([]any, 0, len(si.Actions))
        for _, a := range si.Actions {
            am := map[string]any{"name": a.Name}
            if a.Params != nil {
                am["params"] = a.Params
            }
            actions = append(actions, am)
        }
        events := make([]any, 0, len(si.Events))
        for _, ev := range si.Events {
            events = append(events, ev)
        }
        services = append(services, map[string]any{
            "name":    si.Name,
            "actions": actions,
            "events":  events,
        })
    }
    return map[string]any{
        "sender":     t.nodeID,
        "services":   services,
        "ipList":     local.IPList,
        "hostname":   local.Hostname,
        "instanceID": local.InstanceID,
        "meta":       local.Meta,
        "seq":        seq,
        "ver":        local.Ver,
    }
}

// nodeFromInfo builds a node record from an INFO payload. Unknown or
// malformed fields are dropped rather than erroring.
func nodeFromInfo(sender string, payload map[string]any) *api.Node {
    // LastHeartbeat stays zero; the catalog stamps it on Add with its own
    // clock, keeping one timeline for the staleness sweep
    n := &api.Node{
        ID:         sender,
        Available:  true,
        IPList:     protocol.GetStrings(payload, "ipList"),
        Hostname:   protocol.GetString(payload, "hostname"),
        InstanceID: protocol.GetString(payload, "instanceID"),
        Meta:       protocol.GetMap(payload, "meta"),
        Seq:        uint64(protocol.GetInt(payload, "seq")),
        Ver:        protocol.GetString(payload, "ver"),
    }
    for _, sv := range protocol.GetSlice(payload, "services") {
        sm := protocol.AsMap(sv)
        if sm == nil {
            continue
        }
        si := api.ServiceInfo{
            Name:   protocol.GetString(sm, "name"),
            Events: protocol.GetStrings(sm, "events"),
        }
        for _, av := range protocol.GetSlice(sm, "actions") {
            am := protocol.AsMap(av)
            if am == nil {
                continue
            }
            si.Actions = append(si.Actions, api.ActionInfo{
                Name:   protocol.GetString(am, "name"),
                Params: protocol.GetMap(am, "params"),
            })
        }
        n.Services = append(n.Services, si)
    }
    return n
}

// loadAvg samples the 1-minute load average, best-effort. Non-linux hosts
// and read failures report zero.
func loadAvg() float64 {
    b, err := os.ReadFile("/proc/loadavg")
    if err != nil {
        return 0
    }
    fields := strings.Fields(string(b))
    if len(fields) == 0 {
        return 0
    }
    v, err := strconv.ParseFloat(fields[0], 64)
    if err != nil {
        return 0
    }
    return v
}
