package web

import (
	"strings"
)

type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Lookups are case-insensitive
// through an index keyed by the folded name; the list keeps the names as
// they were received.
type Header struct {
	fields []Field
	index  map[string][]int
}

func fold(name string) string {
	return strings.ToLower(name)
}

func (h *Header) Add(name, value string) {
	if h.index == nil {
		h.index = make(map[string][]int)
	}

	key := fold(name)
	h.index[key] = append(h.index[key], len(h.fields))
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces every field named name with a single one.
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

func (h *Header) Del(name string) {
	key := fold(name)
	if _, ok := h.index[key]; !ok {
		return
	}

	kept := h.fields[:0]
	for _, f := range h.fields {
		if fold(f.Name) != key {
			kept = append(kept, f)
		}
	}

	h.fields = kept
	h.reindex()
}

// Get returns the first value of name, or "".
func (h *Header) Get(name string) string {
	idx := h.index[fold(name)]
	if len(idx) == 0 {
		return ""
	}

	return h.fields[idx[0]].Value
}

func (h *Header) Values(name string) []string {
	idx := h.index[fold(name)]
	if len(idx) == 0 {
		return nil
	}

	values := make([]string, len(idx))
	for i, j := range idx {
		values[i] = h.fields[j].Value
	}

	return values
}

func (h *Header) Has(name string) bool {
	return len(h.index[fold(name)]) > 0
}

// HasToken reports whether any value of the comma separated header name
// contains token, compared case-insensitively.
func (h *Header) HasToken(name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}

	return false
}

// Fields returns the fields in received order.
func (h *Header) Fields() []Field { return h.fields }

func (h *Header) Len() int { return len(h.fields) }

func (h *Header) reindex() {
	h.index = make(map[string][]int, len(h.fields))
	for i, f := range h.fields {
		key := fold(f.Name)
		h.index[key] = append(h.index[key], i)
	}
}
