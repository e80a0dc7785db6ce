package codec

import (
    "reflect"

    cbor "github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
    enc cbor.EncMode
    dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec (RFC 8949) with core profile.
// Maps decode as map[string]any so payloads look the same no matter which
// codec carried them.
func CBOR() (Codec, error) {
    em, err := cbor.CanonicalEncOptions().EncMode()
    if err != nil {
        return nil, err
    }
    dm, err := cbor.DecOptions{
        DefaultMapType: reflect.TypeOf(map[string]any(nil)),
    }.DecMode()
    if err != nil {
        return nil, err
    }
    return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return ContentCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
