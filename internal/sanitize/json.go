package sanitize

import "encoding/json"

// SanitizeJSON decodes line as a generic JSON value, sanitizes it, and
// re-encodes it. It is used to redact secrets from raw child-process stdout
// before persistence or fan-out. If line does not parse as JSON, it is
// returned unchanged; the caller then fails to parse it and drops it.
func (s *Sanitizer) SanitizeJSON(line []byte) []byte {
	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		return line
	}
	clean := s.Sanitize(v)
	out, err := json.Marshal(clean)
	if err != nil {
		return line
	}
	return out
}
