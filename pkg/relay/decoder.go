package relay

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/xuezhaojun/telemetryrelay/pkg/stream"
)

// Decode renders a record as text: the JSON form of the body immediately
// followed by the JSON form of the application properties. Empty parts
// contribute nothing.
func Decode(record *stream.Record) string {
	var b strings.Builder
	b.WriteString(encodeBody(record.Body))
	if len(record.Properties) > 0 {
		if data, err := marshalJSON(record.Properties); err == nil {
			b.WriteString(data)
		}
	}
	return b.String()
}

func encodeBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		if isEmpty(v) {
			return ""
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return buf.String()
		}
	}

	data, err := marshalJSON(string(body))
	if err != nil {
		return ""
	}
	return data
}

// isEmpty reports whether a JSON value has no members. Scalars other than
// non-empty strings have none.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	default:
		return true
	}
}

// marshalJSON encodes v without escaping HTML characters.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
