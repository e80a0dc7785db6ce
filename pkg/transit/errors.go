package transit

import (
    "errors"
    "fmt"
    "time"
)

// ErrDisconnected cancels every pending request when the transit shuts
// down, so no caller is left waiting forever.
var ErrDisconnected = errors.New("transit disconnected")

// ErrNotConnected is returned by outbound operations before Connect.
var ErrNotConnected = errors.New("transit is not connected")

// ActionNotFoundError is raised by the caller-side request path when no
// node in the registry advertises the action.
type ActionNotFoundError struct {
    Action string
}

func (e *ActionNotFoundError) Error() string {
    return fmt.Sprintf("action %q is not available on any known node", e.Action)
}

// EventNotFoundError is raised by Emit when no node subscribes to the event.
type EventNotFoundError struct {
    Event string
}

func (e *EventNotFoundError) Error() string {
    return fmt.Sprintf("event %q has no known subscriber", e.Event)
}

// RequestTimeoutError is raised locally when no response arrives within the
// deadline. Distinct from RemoteCallError: the remote may never have seen
// the request.
type RequestTimeoutError struct {
    Action  string
    Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
    return fmt.Sprintf("request to %q timed out after %s", e.Action, e.Timeout)
}

// RemoteCallError carries the remote node's error name/message/stack when a
// response indicates failure.
type RemoteCallError struct {
    Action  string
    Name    string
    Message string
    Stack   string
}

func (e *RemoteCallError) Error() string {
    return fmt.Sprintf("remote error from %q: %s: %s", e.Action, e.Name, e.Message)
}

// panicError wraps a recovered handler panic so the response can carry the
// goroutine stack.
type panicError struct {
    value any
    stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }
