package embhttp

import (
	"fmt"
	"strings"

	"github.com/embhttp/embhttp/internal/http1"
)

type headerField struct {
	name  string
	value string
}

// Header is an ordered, case-insensitive multimap of HTTP header fields.
// Insertion order is preserved through serialization and duplicate names
// are permitted, so it is backed by a slice of pairs rather than a map.
// Lookups compare names case-insensitively; stored names keep the spelling
// they were added with.
//
// A Header is owned by exactly one Request or Response and is not safe for
// concurrent use.
type Header struct {
	fields []headerField
}

// Add appends a field, preserving any existing fields with the same name.
// The name must be a valid token and neither name nor value may contain
// CR, LF or other control bytes; violations return ErrInvalidHeader.
func (h *Header) Add(name, value string) error {
	if !http1.ValidToken(name) {
		return fmt.Errorf("%w: bad name %q", ErrInvalidHeader, name)
	}
	if !http1.ValidFieldValue(value) {
		return fmt.Errorf("%w: bad value for %q", ErrInvalidHeader, name)
	}
	h.fields = append(h.fields, headerField{name: name, value: value})
	return nil
}

// Set replaces all fields named name with a single field.
func (h *Header) Set(name, value string) error {
	if !http1.ValidToken(name) {
		return fmt.Errorf("%w: bad name %q", ErrInvalidHeader, name)
	}
	if !http1.ValidFieldValue(value) {
		return fmt.Errorf("%w: bad value for %q", ErrInvalidHeader, name)
	}
	h.Del(name)
	h.fields = append(h.fields, headerField{name: name, value: value})
	return nil
}

// Get returns the value of the first field matching name, or "".
func (h *Header) Get(name string) string {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, name) {
			return h.fields[i].value
		}
	}
	return ""
}

// Has reports whether at least one field matches name, distinguishing an
// absent field from one with an empty value.
func (h *Header) Has(name string) bool {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, name) {
			return true
		}
	}
	return false
}

// Values returns all values for name in insertion order.
func (h *Header) Values(name string) []string {
	var vals []string
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, name) {
			vals = append(vals, h.fields[i].value)
		}
	}
	return vals
}

// Del removes every field matching name.
func (h *Header) Del(name string) {
	kept := h.fields[:0]
	for i := range h.fields {
		if !strings.EqualFold(h.fields[i].name, name) {
			kept = append(kept, h.fields[i])
		}
	}
	h.fields = kept
}

// Len returns the number of fields.
func (h *Header) Len() int { return len(h.fields) }

// VisitAll calls fn for every field in insertion order.
func (h *Header) VisitAll(fn func(name, value string)) {
	for i := range h.fields {
		fn(h.fields[i].name, h.fields[i].value)
	}
}

// reset empties the header while keeping the backing storage for reuse.
func (h *Header) reset() { h.fields = h.fields[:0] }

// addRaw appends a field without validation, for input the wire parser
// has already vetted.
func (h *Header) addRaw(name, value string) {
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// appendWire appends "Name: value\r\n" lines in insertion order. The blank
// terminator line is the response writer's job.
func (h *Header) appendWire(dst []byte) []byte {
	for i := range h.fields {
		dst = http1.AppendHeaderLine(dst, h.fields[i].name, h.fields[i].value)
	}
	return dst
}

// connectionWants interprets the Connection field against the given token
// ("close" or "keep-alive"), matching case-insensitively within a
// comma-separated list.
func (h *Header) connectionWants(token string) bool {
	for _, v := range h.Values("Connection") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
