// Package message defines the request, response and trailer values shared by
// the protocol engines, together with the single-pass body streams they carry.
package message

import (
	"sort"

	"github.com/ekinhbayar/http-server/internal"
)

// A Header is a case-insensitive multi-map of header fields. Keys are stored
// lower-cased; the order of values under one key is preserved.
type Header map[string][]string

// NewHeader returns an empty Header.
func NewHeader() Header {
	return make(Header)
}

// Get returns the first value associated with key, or "".
func (h Header) Get(key string) string {
	if v := h[internal.ToLower(key)]; len(v) > 0 {
		return v[0]
	}

	return ""
}

// Values returns all values associated with key. The returned slice is
// not a copy.
func (h Header) Values(key string) []string {
	return h[internal.ToLower(key)]
}

// Has reports whether key is present.
func (h Header) Has(key string) bool {
	_, ok := h[internal.ToLower(key)]

	return ok
}

// Add appends value to key.
func (h Header) Add(key, value string) {
	k := internal.ToLower(key)
	h[k] = append(h[k], value)
}

// Set replaces any values of key with value.
func (h Header) Set(key, value string) {
	h[internal.ToLower(key)] = []string{value}
}

// Del removes key.
func (h Header) Del(key string) {
	delete(h, internal.ToLower(key))
}

// Len returns the number of distinct keys.
func (h Header) Len() int {
	return len(h)
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}

	c := make(Header, len(h))
	for k, vv := range h {
		c[k] = append([]string(nil), vv...)
	}

	return c
}

// Each calls fn for every key/value pair. Keys are visited in sorted order so
// that serialized output is deterministic; values keep their order.
func (h Header) Each(fn func(key, value string)) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range h[k] {
			fn(k, v)
		}
	}
}
