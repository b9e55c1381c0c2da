package chainclient

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// MappingValueKind discriminates the MappingValue tagged union.
type MappingValueKind int

const (
	// KindNull represents the absence of a value (raw JSON null).
	KindNull MappingValueKind = iota
	// KindScalar represents a numeric value, already stripped of its
	// /u8|u16|u32|u64|u128 suffix if it had one.
	KindScalar
	// KindBool represents a boolean value.
	KindBool
	// KindText represents a bare string (e.g. an address) that is
	// neither a recognized numeric suffix form nor a boolean literal.
	KindText
	// KindRecord represents a JSON object / struct-shaped value.
	KindRecord
)

// MappingValue is the parsed form of a raw mapping lookup. The chain SDK
// may return a native scalar, a JSON-like structure, or a stringified
// record with typed suffixes; MappingValue normalizes all three so the
// rest of the pipeline never branches on wire shape again.
type MappingValue struct {
	Kind   MappingValueKind
	Scalar *big.Int
	Bool   bool
	Text   string
	Record map[string]MappingValue
}

var numericSuffix = regexp.MustCompile(`u(8|16|32|64|128)$`)

// stripNumericSuffix removes a trailing /u(8|16|32|64|128) token, e.g.
// "1234u64" -> "1234".
func stripNumericSuffix(s string) string {
	return numericSuffix.ReplaceAllString(s, "")
}

// ParseMappingValue parses one raw JSON mapping-value payload into the
// tagged union. An unparseable string leaf degrades to KindText so that
// higher-level interpretation (microcredits, commission, is_open) can
// each apply their own fallback rules. A payload that is not null, a
// boolean, an integer, a string or an object (e.g. an array or a
// fractional number) is an error.
func ParseMappingValue(raw json.RawMessage) (MappingValue, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return MappingValue{Kind: KindNull}, nil
	}

	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		return MappingValue{Kind: KindBool, Bool: asBool}, nil
	}

	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		n, ok := new(big.Int).SetString(asNumber.String(), 10)
		if ok {
			return MappingValue{Kind: KindScalar, Scalar: n}, nil
		}
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return parseStringValue(asString), nil
	}

	var asRecord map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asRecord); err == nil {
		record := make(map[string]MappingValue, len(asRecord))
		for k, v := range asRecord {
			parsed, err := ParseMappingValue(v)
			if err != nil {
				continue // a single bad field doesn't fail the whole record
			}
			record[k] = parsed
		}
		return MappingValue{Kind: KindRecord, Record: record}, nil
	}

	return MappingValue{}, fmt.Errorf("chainclient: unrecognized mapping value shape: %s", trimmed)
}

// parseStringValue interprets a stringified scalar such as "1234u64" or
// "true", falling back to KindText (e.g. a bare address).
func parseStringValue(s string) MappingValue {
	if s == "true" {
		return MappingValue{Kind: KindBool, Bool: true}
	}
	if s == "false" {
		return MappingValue{Kind: KindBool, Bool: false}
	}

	stripped := stripNumericSuffix(s)
	if n, ok := new(big.Int).SetString(stripped, 10); ok {
		return MappingValue{Kind: KindScalar, Scalar: n}
	}

	return MappingValue{Kind: KindText, Text: s}
}

// AsBigInt returns the scalar value, treating KindNull as zero and any
// other kind as a parse failure.
func (v MappingValue) AsBigInt() (*big.Int, bool) {
	switch v.Kind {
	case KindScalar:
		return v.Scalar, true
	case KindNull:
		return big.NewInt(0), true
	default:
		return nil, false
	}
}

// AsBool reports whether the value is the boolean true. The string
// "true" is normalized to a KindBool at parse time, so it also
// satisfies this.
func (v MappingValue) AsBool() bool {
	return v.Kind == KindBool && v.Bool
}
