package normalize

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// encoding tags the wire shapes a payload arrives in.
type encoding int

const (
	encodingUnstructured encoding = iota
	encodingBase64JSON
	encodingJSONText
	encodingObject
)

func (e encoding) String() string {
	switch e {
	case encodingBase64JSON:
		return "base64"
	case encodingJSONText:
		return "json_text"
	case encodingObject:
		return "object"
	default:
		return "unstructured"
	}
}

// decoded is a payload after its encoding has been identified.
type decoded struct {
	encoding encoding
	fields   map[string]any
}

// decodePayload identifies the payload encoding. It never fails: anything that
// is not a JSON object after decoding is unstructured.
func decodePayload(raw json.RawMessage) decoded {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return decoded{encoding: encodingUnstructured}
	}

	switch trimmed[0] {
	case '{':
		if fields, ok := objectFromJSON(trimmed); ok {
			return decoded{encoding: encodingObject, fields: fields}
		}
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return decoded{encoding: encodingUnstructured}
		}
		return decodeString(s)
	}
	return decoded{encoding: encodingUnstructured}
}

func decodeString(s string) decoded {
	s = strings.TrimSpace(s)
	if s == "" {
		return decoded{encoding: encodingUnstructured}
	}
	if strings.HasPrefix(s, "{") {
		if fields, ok := objectFromJSON([]byte(s)); ok {
			return decoded{encoding: encodingJSONText, fields: fields}
		}
		return decoded{encoding: encodingUnstructured}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if fields, ok := objectFromJSON(bytes.TrimSpace(b)); ok {
			return decoded{encoding: encodingBase64JSON, fields: fields}
		}
		break
	}
	return decoded{encoding: encodingUnstructured}
}

func objectFromJSON(b []byte) (map[string]any, bool) {
	if len(b) == 0 || b[0] != '{' {
		return nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// wrapperKeys name the fields legacy clients double-wrapped the real message in.
var wrapperKeys = []string{"envelope", "payload", "data"}

// unwrapEnvelope lifts the inner message out of a legacy wrapper. A wrapper is
// an object without its own type, kind or schema whose wrapper field holds an
// object or a JSON-encoded object. Outer fields fill gaps in the inner message.
func unwrapEnvelope(fields map[string]any) map[string]any {
	for depth := 0; depth < 2; depth++ {
		if hasAny(fields, "type", "kind", "schema") {
			return fields
		}
		inner, key := innerMessage(fields)
		if inner == nil {
			return fields
		}
		for k, v := range fields {
			if k == key {
				continue
			}
			if _, exists := inner[k]; !exists {
				inner[k] = v
			}
		}
		fields = inner
	}
	return fields
}

func innerMessage(fields map[string]any) (map[string]any, string) {
	for _, key := range wrapperKeys {
		switch v := fields[key].(type) {
		case map[string]any:
			return v, key
		case string:
			if d := decodeString(v); d.fields != nil {
				return d.fields, key
			}
		}
	}
	return nil, ""
}

func hasAny(fields map[string]any, keys ...string) bool {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}
