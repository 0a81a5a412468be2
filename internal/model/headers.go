package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Header is one (name, value) pair. It encodes as a two element JSON array.
type Header [2]string

// Name returns the header name.
func (h Header) Name() string { return h[0] }

// Value returns the header value.
func (h Header) Value() string { return h[1] }

// Headers is an ordered header list. Duplicate names are allowed and order
// is significant.
type Headers []Header

// Add appends a pair, keeping any existing pairs with the same name.
func (hs *Headers) Add(name, value string) {
	*hs = append(*hs, Header{name, value})
}

// Get returns the first value for name, compared case-insensitively.
func (hs Headers) Get(name string) string {
	for _, h := range hs {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Values returns every value for name in order.
func (hs Headers) Values(name string) []string {
	var out []string
	for _, h := range hs {
		if strings.EqualFold(h[0], name) {
			out = append(out, h[1])
		}
	}
	return out
}

// MarshalJSON always emits an array, never null.
func (hs Headers) MarshalJSON() ([]byte, error) {
	if hs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Header(hs))
}

// UnmarshalJSON accepts an array of two element string arrays.
func (hs *Headers) UnmarshalJSON(data []byte) error {
	var raw [][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("headers: %w", err)
	}
	out := make(Headers, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return fmt.Errorf("headers: entry %d has %d elements, want 2", i, len(pair))
		}
		out = append(out, Header{pair[0], pair[1]})
	}
	*hs = out
	return nil
}

// UnsafeHeaderPrefix marks a header the caller wants sent even though a
// sandbox would normally forbid it. The binding strips it before transmission.
const UnsafeHeaderPrefix = "http_unsafe_header_"
