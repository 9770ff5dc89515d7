// Package jsonpatch implements RFC 6902 JSON Patch application and a
// structural differ that produces RFC 6902 operations between two
// decoded JSON values (maps, slices, and scalars).
package jsonpatch

import "strings"

// Pointer is a parsed RFC 6901 JSON Pointer: a sequence of reference
// tokens, each already unescaped ("~1" -> "/", "~0" -> "~").
type Pointer []string

// ParsePointer splits a JSON Pointer string into unescaped tokens.
// The root pointer "" parses to an empty Pointer.
func ParsePointer(path string) Pointer {
	if path == "" {
		return Pointer{}
	}
	raw := strings.Split(strings.TrimPrefix(path, "/"), "/")
	tokens := make(Pointer, len(raw))
	for i, t := range raw {
		tokens[i] = unescapeToken(t)
	}
	return tokens
}

// String renders the pointer back to its RFC 6901 wire form.
func (p Pointer) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range p {
		b.WriteByte('/')
		b.WriteString(escapeToken(t))
	}
	return b.String()
}

// Parent returns all but the final token, and the final token itself.
func (p Pointer) Parent() (Pointer, string, bool) {
	if len(p) == 0 {
		return nil, "", false
	}
	return p[:len(p)-1], p[len(p)-1], true
}

func escapeToken(t string) string {
	t = strings.ReplaceAll(t, "~", "~0")
	t = strings.ReplaceAll(t, "/", "~1")
	return t
}

func unescapeToken(t string) string {
	t = strings.ReplaceAll(t, "~1", "/")
	t = strings.ReplaceAll(t, "~0", "~")
	return t
}
