package codec

// Content types understood by the built-in codecs.
const (
    ContentJSON = "application/json"
    ContentCBOR = "application/cbor"
)

// Codec defines a simple interface for marshaling packet frames and payload
// maps. Implementations should be deterministic and safe for cross-node
// exchange.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the built-in codecs that
// don't require initialization: JSON. CBOR can be added via Register(CBOR()).
func NewRegistry() *Registry {
    r := &Registry{byType: make(map[string]Codec)}
    r.Register(JSON())
    return r
}

// Register adds a codec, replacing a previous one for the same content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }
