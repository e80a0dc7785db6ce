package protocol

// Payload accessors. Codecs round-trip numbers as float64 (JSON) or
// sized integers (CBOR), so handlers read payload fields through these
// coercing helpers instead of direct type assertions.

// GetString returns m[key] as a string, or "" when absent or not a string.
func GetString(m map[string]any, key string) string {
    s, _ := m[key].(string)
    return s
}

// GetFloat returns m[key] as a float64 across the numeric kinds codecs emit.
func GetFloat(m map[string]any, key string) (float64, bool) {
    return AsFloat(m[key])
}

// GetInt returns m[key] truncated to int.
func GetInt(m map[string]any, key string) int {
    f, _ := AsFloat(m[key])
    return int(f)
}

// GetBool returns m[key] as a bool, or false.
func GetBool(m map[string]any, key string) bool {
    b, _ := m[key].(bool)
    return b
}

// GetMap returns m[key] as a map, or nil.
func GetMap(m map[string]any, key string) map[string]any {
    return AsMap(m[key])
}

// GetSlice returns m[key] as a slice, or nil.
func GetSlice(m map[string]any, key string) []any {
    s, _ := m[key].([]any)
    return s
}

// GetStrings returns m[key] as a string slice, dropping non-string elements.
func GetStrings(m map[string]any, key string) []string {
    src := GetSlice(m, key)
    if len(src) == 0 {
        return nil
    }
    out := make([]string, 0, len(src))
    for _, v := range src {
        if s, ok := v.(string); ok {
            out = append(out, s)
        }
    }
    return out
}

// AsFloat converts any numeric value to float64. Booleans are not numbers.
func AsFloat(v any) (float64, bool) {
    switch n := v.(type) {
    case float64:
        return n, true
    case float32:
        return float64(n), true
    case int:
        return float64(n), true
    case int8:
        return float64(n), true
    case int16:
        return float64(n), true
    case int32:
        return float64(n), true
    case int64:
        return float64(n), true
    case uint:
        return float64(n), true
    case uint8:
        return float64(n), true
    case uint16:
        return float64(n), true
    case uint32:
        return float64(n), true
    case uint64:
        return float64(n), true
    default:
        return 0, false
    }
}

// AsMap converts a decoded map value to map[string]any. CBOR may produce
// map[any]any when no default map type is configured; string keys are kept,
// the rest dropped.
func AsMap(v any) map[string]any {
    switch m := v.(type) {
    case map[string]any:
        return m
    case map[any]any:
        out := make(map[string]any, len(m))
        for k, val := range m {
            if ks, ok := k.(string); ok {
                out[ks] = val
            }
        }
        return out
    default:
        return nil
    }
}
