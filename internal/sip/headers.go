package sip

import "strings"

// Headers stores SIP headers preserving insertion order. Lookups are
// case-insensitive, serialization keeps the name spelling of the first Add.
type Headers struct {
	order   []string            // lowercase keys in insertion order
	display map[string]string   // lowercase key -> original spelling
	values  map[string][]string // lowercase key -> values
}

func NewHeaders() *Headers {
	return &Headers{
		display: make(map[string]string),
		values:  make(map[string][]string),
	}
}

// Add appends a value, keeping any existing values of the same header.
func (h *Headers) Add(name, value string) *Headers {
	key := strings.ToLower(name)
	if _, exists := h.values[key]; !exists {
		h.order = append(h.order, key)
		h.display[key] = name
	}
	h.values[key] = append(h.values[key], value)
	return h
}

// Set replaces all values of the header with a single value.
func (h *Headers) Set(name, value string) *Headers {
	key := strings.ToLower(name)
	if _, exists := h.values[key]; !exists {
		h.order = append(h.order, key)
		h.display[key] = name
	}
	h.values[key] = []string{value}
	return h
}

// Get returns the first value of the header, or "".
func (h *Headers) Get(name string) string {
	vs := h.values[strings.ToLower(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values of the header.
func (h *Headers) Values(name string) []string {
	return h.values[strings.ToLower(name)]
}

// Has reports whether the header is present.
func (h *Headers) Has(name string) bool {
	return len(h.values[strings.ToLower(name)]) > 0
}

// Del removes the header entirely.
func (h *Headers) Del(name string) {
	key := strings.ToLower(name)
	if _, exists := h.values[key]; !exists {
		return
	}
	delete(h.values, key)
	delete(h.display, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Each visits every header value in insertion order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, key := range h.order {
		for _, v := range h.values[key] {
			fn(h.display[key], v)
		}
	}
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	h.Each(func(name, value string) {
		c.Add(name, value)
	})
	return c
}
