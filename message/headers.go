// Package message implements the Request and Response types: the
// insertion-ordered header map, the wire serializer, the status-line
// and header-block parser, and the body-framing decision table that
// picks a transfer mode once headers are in hand.
package message

import "strings"

// Headers is an insertion-ordered, single-valued header multimap.
// Lookup is case-insensitive; iteration preserves the case the caller
// originally supplied for the name. A Set on an existing key replaces
// the value in place, keeping its original position.
type Headers struct {
	order []string          // canonical (lowercased) keys, insertion order
	names map[string]string // canonical key -> original-case name
	vals  map[string]string // canonical key -> value
}

// NewHeaders returns an empty Headers map.
func NewHeaders() *Headers {
	return &Headers{
		names: make(map[string]string),
		vals:  make(map[string]string),
	}
}

func canonical(name string) string {
	return strings.ToLower(name)
}

// Set stores value under name, replacing (in place) any previous value
// under the same case-insensitive key.
func (h *Headers) Set(name, value string) {
	key := canonical(name)
	if _, exists := h.vals[key]; !exists {
		h.order = append(h.order, key)
	}
	h.names[key] = name
	h.vals[key] = value
}

// Get returns the value stored under name, case-insensitively.
func (h *Headers) Get(name string) (string, bool) {
	v, ok := h.vals[canonical(name)]
	return v, ok
}

// Has reports whether name is present, case-insensitively.
func (h *Headers) Has(name string) bool {
	_, ok := h.vals[canonical(name)]
	return ok
}

// Del removes name, case-insensitively. A no-op if absent.
func (h *Headers) Del(name string) {
	key := canonical(name)
	if _, ok := h.vals[key]; !ok {
		return
	}
	delete(h.vals, key)
	delete(h.names, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Field is a single name/value pair, in the original case supplied.
type Field struct {
	Name  string
	Value string
}

// Fields returns the stored headers in insertion order.
func (h *Headers) Fields() []Field {
	out := make([]Field, 0, len(h.order))
	for _, key := range h.order {
		out = append(out, Field{Name: h.names[key], Value: h.vals[key]})
	}
	return out
}

// Len reports the number of distinct header names stored.
func (h *Headers) Len() int {
	return len(h.order)
}

// ContainsToken reports whether name's value, parsed as a
// comma-separated list (as Connection and Transfer-Encoding are),
// contains token case-insensitively.
func (h *Headers) ContainsToken(name, token string) bool {
	v, ok := h.Get(name)
	if !ok {
		return false
	}
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of h.
func (h *Headers) Clone() *Headers {
	clone := NewHeaders()
	for _, f := range h.Fields() {
		clone.Set(f.Name, f.Value)
	}
	return clone
}
