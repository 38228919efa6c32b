// Package stream decodes the text of a streamed completion: it splits the
// reasoning channel from the answer channel and strips inline directives from
// the answer before it is shown.
package stream

import "strings"

// Buffer accumulates raw transport fragments until the scanner drains them.
type Buffer struct {
	b strings.Builder
}

// Append adds fragment to the buffer. Empty fragments are ignored.
func (b *Buffer) Append(fragment string) {
	if fragment == "" {
		return
	}
	b.b.WriteString(fragment)
}

// Drain returns everything buffered so far and resets the buffer.
func (b *Buffer) Drain() string {
	s := b.b.String()
	b.b.Reset()
	return s
}
