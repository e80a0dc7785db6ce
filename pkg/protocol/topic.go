// Package protocol defines the wire envelope of the mesh: the closed set of
// topic kinds, the Packet type, and helpers for encoding packets through the
// pluggable codec registry.
package protocol

import (
    "fmt"
    "strings"
)

// Topic is the closed enumeration of packet kinds.
type Topic uint8

const (
    TopicUnknown Topic = iota
    TopicHeartbeat
    TopicEvent
    TopicDisconnect
    TopicDiscover
    TopicInfo
    TopicRequest
    TopicResponse
)

func (t Topic) String() string {
    switch t {
    case TopicHeartbeat:
        return "HEARTBEAT"
    case TopicEvent:
        return "EVENT"
    case TopicDisconnect:
        return "DISCONNECT"
    case TopicDiscover:
        return "DISCOVER"
    case TopicInfo:
        return "INFO"
    case TopicRequest:
        return "REQUEST"
    case TopicResponse:
        return "RESPONSE"
    default:
        return "UNKNOWN"
    }
}

var topicByName = map[string]Topic{
    "HEARTBEAT":  TopicHeartbeat,
    "EVENT":      TopicEvent,
    "DISCONNECT": TopicDisconnect,
    "DISCOVER":   TopicDiscover,
    "INFO":       TopicInfo,
    "REQUEST":    TopicRequest,
    "RESPONSE":   TopicResponse,
}

// DefaultPrefix is the first segment of every topic string unless the
// node is configured with its own namespace.
const DefaultPrefix = "MESH"

// Name builds the wire topic string "<prefix>.<KIND>" for broadcast topics,
// or "<prefix>.<KIND>.<nodeID>" when targeted at a single node.
func (t Topic) Name(prefix, nodeID string) string {
    if prefix == "" {
        prefix = DefaultPrefix
    }
    if nodeID == "" {
        return prefix + "." + t.String()
    }
    return prefix + "." + t.String() + "." + nodeID
}

// InvalidTopicError reports a topic string that does not have at least a
// prefix and a kind segment.
type InvalidTopicError struct {
    Raw string
}

func (e *InvalidTopicError) Error() string { return fmt.Sprintf("invalid topic: %q", e.Raw) }

// UnknownTopicTypeError reports a well-formed topic whose kind segment maps
// to no known Topic.
type UnknownTopicTypeError struct {
    Raw  string
    Kind string
}

func (e *UnknownTopicTypeError) Error() string {
    return fmt.Sprintf("unknown topic type %q in %q", e.Kind, e.Raw)
}

// ParseTopic parses a dot-delimited topic string of the form
// "<prefix>.<KIND>[.<suffix>]". The parser is pure: malformed input is
// rejected, never coerced.
func ParseTopic(s string) (Topic, error) {
    parts := strings.Split(s, ".")
    if len(parts) < 2 {
        return TopicUnknown, &InvalidTopicError{Raw: s}
    }
    t, ok := topicByName[parts[1]]
    if !ok {
        return TopicUnknown, &UnknownTopicTypeError{Raw: s, Kind: parts[1]}
    }
    return t, nil
}

// ParseTarget returns the node id suffix of a topic string, or "" for
// broadcast topics.
func ParseTarget(s string) string {
    parts := strings.SplitN(s, ".", 3)
    if len(parts) < 3 {
        return ""
    }
    return parts[2]
}
