package dcm4chee

import (
	"encoding/json"
	"io"
	"strings"
)

// Body is a decoded archive response body. dcm4chee answers some calls
// with a JSON object, some with a JSON array, and error paths with
// plain text, so the decode keeps both views: Fields is non-nil when
// the body was a JSON object, Raw always holds the body text.
type Body struct {
	Fields map[string]any
	Raw    string
}

// decodeBody reads the whole body and attempts to interpret it as a
// JSON object. Anything that is not a JSON object is kept as raw text.
func decodeBody(r io.Reader) Body {
	data, err := io.ReadAll(r)
	if err != nil {
		return Body{Raw: ""}
	}
	b := Body{Raw: strings.TrimSpace(string(data))}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err == nil {
		b.Fields = fields
	}
	return b
}

// ErrorMessage extracts the archive's errorMessage field when the body
// is a JSON object carrying one; otherwise it falls back to the raw
// body text.
func (b Body) ErrorMessage() string {
	if b.Fields != nil {
		if msg, ok := b.Fields["errorMessage"].(string); ok && msg != "" {
			return msg
		}
	}
	return b.Raw
}

// Pretty re-indents the body when it is valid JSON (object or array),
// for human-facing output. Non-JSON bodies come back unchanged.
func (b Body) Pretty() string {
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(b.Raw), &raw); err != nil {
		return b.Raw
	}
	pretty, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return b.Raw
	}
	return string(pretty)
}
