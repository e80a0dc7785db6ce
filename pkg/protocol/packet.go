package protocol

import (
    "fmt"

    "meshrpc/pkg/protocol/codec"
)

// Packet is the wire envelope for a single transmission: a topic kind, a
// target node (empty means mesh-wide broadcast) and an opaque payload map.
// Sender is attached by the transport on receipt; it is never encoded.
type Packet struct {
    Topic   Topic
    Target  string
    Payload map[string]any
    Sender  string
}

// NewPacket builds a packet with a non-nil payload map.
func NewPacket(t Topic, target string, payload map[string]any) *Packet {
    if payload == nil {
        payload = map[string]any{}
    }
    return &Packet{Topic: t, Target: target, Payload: payload}
}

// Format is a compact on-wire indicator of payload encoding.
// It is carried as the first byte of an encoded packet frame.
type Format uint8

const (
    FormatUnknown Format = iota
    FormatJSON
    FormatCBOR
)

func (f Format) String() string {
    switch f {
    case FormatJSON:
        return codec.ContentJSON
    case FormatCBOR:
        return codec.ContentCBOR
    default:
        return "application/octet-stream"
    }
}

// CodecFor returns a codec instance for a given format.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
    if c := r.Get(f.String()); c != nil {
        return c, nil
    }
    return nil, fmt.Errorf("no codec registered for format %d", f)
}

// frame mirrors the transport-agnostic wire shape of a packet.
type frame struct {
    Topic   string         `json:"topic"`
    Payload map[string]any `json:"payload"`
}

// Encode serializes the packet using the codec for f and prefixes the frame
// with a single format byte, so the receiving side needs no out-of-band
// format negotiation.
func (p *Packet) Encode(r *codec.Registry, f Format, prefix string) ([]byte, error) {
    c, err := CodecFor(r, f)
    if err != nil {
        return nil, err
    }
    b, err := c.Marshal(frame{Topic: p.Topic.Name(prefix, p.Target), Payload: p.Payload})
    if err != nil {
        return nil, err
    }
    out := make([]byte, 1+len(b))
    out[0] = byte(f)
    copy(out[1:], b)
    return out, nil
}

// DecodePacket decodes a frame produced by Encode. The topic string is parsed
// back into a kind and target; malformed topics fail here, before any
// dispatch sees the packet.
func DecodePacket(r *codec.Registry, data []byte) (*Packet, error) {
    if len(data) == 0 {
        return nil, fmt.Errorf("empty packet frame")
    }
    c, err := CodecFor(r, Format(data[0]))
    if err != nil {
        return nil, err
    }
    var fr frame
    if err := c.Unmarshal(data[1:], &fr); err != nil {
        return nil, err
    }
    t, err := ParseTopic(fr.Topic)
    if err != nil {
        return nil, err
    }
    return &Packet{Topic: t, Target: ParseTarget(fr.Topic), Payload: fr.Payload}, nil
}
