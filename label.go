package contour

import "strings"

// MessageLabel is an opaque tag naming a message kind. Labels are plain
// strings so they are cheap to copy and equality-comparable; the empty label
// is invalid.
type MessageLabel string

// Any is the distinguished label that matches all labels. It is used by
// dynamic outgoing routing to register a catch-all route whose destination is
// resolved at publish time.
const Any MessageLabel = "*"

// NewLabel normalizes a raw label string. Labels are case-insensitive on the
// wire; they are interned lowercase.
func NewLabel(s string) MessageLabel {
	return MessageLabel(strings.ToLower(strings.TrimSpace(s)))
}

func (l MessageLabel) String() string {
	return string(l)
}

// IsAny reports whether the label is the catch-all label.
func (l MessageLabel) IsAny() bool {
	return l == Any
}

// IsAlias reports whether the label is an alias reference (":name") to be
// resolved against the endpoint it is declared on.
func (l MessageLabel) IsAlias() bool {
	return strings.HasPrefix(string(l), ":")
}

// Alias returns the alias name without the leading colon.
func (l MessageLabel) Alias() string {
	return strings.TrimPrefix(string(l), ":")
}

// IsEmpty reports whether the label carries no name at all.
func (l MessageLabel) IsEmpty() bool {
	return len(l) == 0
}
