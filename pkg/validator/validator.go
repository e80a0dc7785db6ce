// Package validator checks action parameters against declarative schemas
// before a local handler runs.
package validator

import (
    "fmt"
    "reflect"
    "regexp"
    "sort"
    "unicode/utf8"

    "meshrpc/pkg/protocol"
)

// Failure categories carried by ValidationError.Kind. Callers branch on
// these programmatically; the message text is for humans only.
const (
    KindRequired  = "required"
    KindType      = "type"
    KindMin       = "min"
    KindMax       = "max"
    KindGt        = "gt"
    KindGte       = "gte"
    KindLt        = "lt"
    KindLte       = "lte"
    KindMinLength = "minLength"
    KindMaxLength = "maxLength"
    KindPattern   = "pattern"
    KindMinItems  = "minItems"
    KindMaxItems  = "maxItems"
    KindEnum      = "enum"
)

// ValidationError is the single structured failure kind every check raises.
type ValidationError struct {
    Field    string
    Kind     string
    Expected any
    Actual   any
}

func (e *ValidationError) Error() string {
    return fmt.Sprintf("parameter %q failed %s check: expected %v, got %v",
        e.Field, e.Kind, e.Expected, e.Actual)
}

// Validate checks params against a schema. The schema is either a list of
// required parameter names, or a map from parameter name to a rule: a type
// tag string, or a structured rule map (required, type, numeric/string/array
// bounds, pattern, enum, items). A nil schema always passes.
//
// Required-but-absent parameters fail before any type or shape checks, in
// lexical field order so failures are deterministic.
func Validate(params map[string]any, schema any) error {
    switch s := schema.(type) {
    case nil:
        return nil
    case []string:
        for _, name := range sortedCopy(s) {
            if _, ok := params[name]; !ok {
                return &ValidationError{Field: name, Kind: KindRequired, Expected: "present", Actual: nil}
            }
        }
        return nil
    case []any:
        names := make([]string, 0, len(s))
        for _, v := range s {
            if name, ok := v.(string); ok {
                names = append(names, name)
            }
        }
        return Validate(params, names)
    case map[string]any:
        names := make([]string, 0, len(s))
        for name := range s {
            names = append(names, name)
        }
        sort.Strings(names)
        for _, name := range names {
            if _, ok := params[name]; !ok && isRequired(s[name]) {
                return &ValidationError{Field: name, Kind: KindRequired, Expected: "present", Actual: nil}
            }
        }
        for _, name := range names {
            v, ok := params[name]
            if !ok {
                continue
            }
            if err := checkRule(name, v, s[name]); err != nil {
                return err
            }
        }
        return nil
    default:
        return fmt.Errorf("unsupported schema type %T", schema)
    }
}

// A bare type tag means "must be present and of this type"; a structured
// rule is required unless it carries required:false.
func isRequired(rule any) bool {
    r, ok := rule.(map[string]any)
    if !ok {
        return true
    }
    req, ok := r["required"]
    if !ok {
        return true
    }
    b, ok := req.(bool)
    return !ok || b
}

func checkRule(field string, v any, rule any) error {
    switch r := rule.(type) {
    case string:
        return checkType(field, v, r)
    case map[string]any:
        return checkStructured(field, v, r)
    default:
        return fmt.Errorf("unsupported rule for %q: %T", field, rule)
    }
}

func checkStructured(field string, v any, r map[string]any) error {
    if tag, ok := r["type"].(string); ok {
        if err := checkType(field, v, tag); err != nil {
            return err
        }
    }
    if err := checkNumberBounds(field, v, r); err != nil {
        return err
    }
    if err := checkStringBounds(field, v, r); err != nil {
        return err
    }
    if err := checkArrayBounds(field, v, r); err != nil {
        return err
    }
    if enum, ok := r["enum"].([]any); ok {
        found := false
        for _, e := range enum {
            if reflect.DeepEqual(e, v) || looselyEqual(e, v) {
                found = true
                break
            }
        }
        if !found {
            return &ValidationError{Field: field, Kind: KindEnum, Expected: enum, Actual: v}
        }
    }
    return nil
}

func checkType(field string, v any, tag string) error {
    fail := func() error {
        return &ValidationError{Field: field, Kind: KindType, Expected: tag, Actual: v}
    }
    switch tag {
    case "any":
        return nil
    case "null":
        if v != nil {
            return fail()
        }
    case "string":
        if _, ok := v.(string); !ok {
            return fail()
        }
    case "number":
        if _, ok := protocol.AsFloat(v); !ok {
            return fail()
        }
    case "boolean":
        if _, ok := v.(bool); !ok {
            return fail()
        }
    case "array":
        if !isArray(v) {
            return fail()
        }
    case "object":
        if protocol.AsMap(v) == nil {
            return fail()
        }
    default:
        return fmt.Errorf("unknown type tag %q for %q", tag, field)
    }
    return nil
}

func checkNumberBounds(field string, v any, r map[string]any) error {
    type bound struct {
        kind string
        fail func(n, b float64) bool
    }
    bounds := []bound{
        {KindMin, func(n, b float64) bool { return n < b }},
        {KindMax, func(n, b float64) bool { return n > b }},
        {KindGt, func(n, b float64) bool { return n <= b }},
        {KindGte, func(n, b float64) bool { return n < b }},
        {KindLt, func(n, b float64) bool { return n >= b }},
        {KindLte, func(n, b float64) bool { return n > b }},
    }
    for _, bd := range bounds {
        raw, ok := r[bd.kind]
        if !ok {
            continue
        }
        limit, ok := protocol.AsFloat(raw)
        if !ok {
            return fmt.Errorf("non-numeric %s bound for %q", bd.kind, field)
        }
        n, ok := protocol.AsFloat(v)
        if !ok {
            return &ValidationError{Field: field, Kind: KindType, Expected: "number", Actual: v}
        }
        if bd.fail(n, limit) {
            return &ValidationError{Field: field, Kind: bd.kind, Expected: limit, Actual: n}
        }
    }
    return nil
}

func checkStringBounds(field string, v any, r map[string]any) error {
    _, hasMin := r["minLength"]
    _, hasMax := r["maxLength"]
    _, hasPat := r["pattern"]
    if !hasMin && !hasMax && !hasPat {
        return nil
    }
    s, ok := v.(string)
    if !ok {
        return &ValidationError{Field: field, Kind: KindType, Expected: "string", Actual: v}
    }
    // length bounds count characters, not bytes
    n := utf8.RuneCountInString(s)
    if hasMin {
        if limit, ok := protocol.AsFloat(r["minLength"]); ok && float64(n) < limit {
            return &ValidationError{Field: field, Kind: KindMinLength, Expected: limit, Actual: n}
        }
    }
    if hasMax {
        if limit, ok := protocol.AsFloat(r["maxLength"]); ok && float64(n) > limit {
            return &ValidationError{Field: field, Kind: KindMaxLength, Expected: limit, Actual: n}
        }
    }
    if hasPat {
        pat, ok := r["pattern"].(string)
        if !ok {
            return fmt.Errorf("non-string pattern for %q", field)
        }
        re, err := regexp.Compile(pat)
        if err != nil {
            return fmt.Errorf("bad pattern for %q: %w", field, err)
        }
        if !re.MatchString(s) {
            return &ValidationError{Field: field, Kind: KindPattern, Expected: pat, Actual: s}
        }
    }
    return nil
}

func checkArrayBounds(field string, v any, r map[string]any) error {
    _, hasMin := r["minItems"]
    _, hasMax := r["maxItems"]
    items, hasItems := r["items"]
    if !hasMin && !hasMax && !hasItems {
        return nil
    }
    arr, ok := v.([]any)
    if !ok {
        return &ValidationError{Field: field, Kind: KindType, Expected: "array", Actual: v}
    }
    if hasMin {
        if limit, ok := protocol.AsFloat(r["minItems"]); ok && float64(len(arr)) < limit {
            return &ValidationError{Field: field, Kind: KindMinItems, Expected: limit, Actual: len(arr)}
        }
    }
    if hasMax {
        if limit, ok := protocol.AsFloat(r["maxItems"]); ok && float64(len(arr)) > limit {
            return &ValidationError{Field: field, Kind: KindMaxItems, Expected: limit, Actual: len(arr)}
        }
    }
    if hasItems {
        // item rules recurse per element with the index folded into the
        // failing field name for diagnostics
        for i, el := range arr {
            if err := checkRule(fmt.Sprintf("%s[%d]", field, i), el, items); err != nil {
                return err
            }
        }
    }
    return nil
}

func isArray(v any) bool {
    if _, ok := v.([]any); ok {
        return true
    }
    if v == nil {
        return false
    }
    k := reflect.TypeOf(v).Kind()
    return k == reflect.Slice || k == reflect.Array
}

// looselyEqual matches numbers across the int/float kinds codecs produce.
func looselyEqual(a, b any) bool {
    fa, oka := protocol.AsFloat(a)
    fb, okb := protocol.AsFloat(b)
    return oka && okb && fa == fb
}

func sortedCopy(in []string) []string {
    out := append([]string(nil), in...)
    sort.Strings(out)
    return out
}
