package stream

import (
	"regexp"
	"strings"
)

// directivePattern matches one memory-write directive anchored at the start of
// the input. Keys and values cannot contain a double quote; a value with a
// quote in it never matches and is shown as literal text.
var directivePattern = regexp.MustCompile(`^\[SAVE_MEMORY\s+key="([^"]+)"\s+value="([^"]+)"\]`)

// Directive is one memory write found in the answer channel.
type Directive struct {
	Key   string
	Value string
}

// Sink receives every directive the extractor applies.
type Sink interface {
	Record(key, value string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(key, value string)

// Record calls f(key, value).
func (f SinkFunc) Record(key, value string) { f(key, value) }

// Extractor strips directives from the answer channel and forwards them to a
// sink. Text before the first possible directive start is confirmed clean and
// released; only the unconfirmed suffix is rescanned on the next Feed, so each
// directive occurrence reaches the sink exactly once.
type Extractor struct {
	sink    Sink
	pending string
	applied []Directive
}

// NewExtractor returns an extractor forwarding to sink. A nil sink drops
// directives after stripping them.
func NewExtractor(sink Sink) *Extractor {
	return &Extractor{sink: sink}
}

// Feed scans answer text appended after everything fed so far and returns the
// newly confirmed display text.
func (e *Extractor) Feed(text string) string {
	buf := e.pending + text
	var out strings.Builder

	for {
		i := strings.IndexByte(buf, '[')
		if i < 0 {
			out.WriteString(buf)
			buf = ""
			break
		}
		out.WriteString(buf[:i])
		buf = buf[i:]

		if m := directivePattern.FindStringSubmatch(buf); m != nil {
			e.apply(Directive{Key: m[1], Value: m[2]})
			buf = buf[len(m[0]):]
			continue
		}
		if couldBecomeDirective(buf) {
			break
		}
		out.WriteByte('[')
		buf = buf[1:]
	}

	e.pending = buf
	return out.String()
}

// Flush releases a directive prefix that never closed as literal text.
func (e *Extractor) Flush() string {
	rest := e.pending
	e.pending = ""
	return rest
}

// Applied returns the directives forwarded so far, in stream order.
func (e *Extractor) Applied() []Directive {
	out := make([]Directive, len(e.applied))
	copy(out, e.applied)
	return out
}

func (e *Extractor) apply(d Directive) {
	e.applied = append(e.applied, d)
	if e.sink != nil {
		e.sink.Record(d.Key, d.Value)
	}
}

type grammarPart struct {
	lit    string
	accept func(byte) bool
}

var directiveGrammar = []grammarPart{
	{lit: "[SAVE_MEMORY"},
	{accept: isSpace},
	{lit: `key="`},
	{accept: notQuote},
	{lit: `"`},
	{accept: isSpace},
	{lit: `value="`},
	{accept: notQuote},
	{lit: `"]`},
}

// couldBecomeDirective reports whether s is a proper prefix of some directive,
// i.e. more input may still complete a match.
func couldBecomeDirective(s string) bool {
	i := 0
	for _, p := range directiveGrammar {
		if p.accept == nil {
			for j := 0; j < len(p.lit); j++ {
				if i == len(s) {
					return true
				}
				if s[i] != p.lit[j] {
					return false
				}
				i++
			}
			continue
		}

		n := 0
		for i < len(s) && p.accept(s[i]) {
			i++
			n++
		}
		if i == len(s) {
			return true
		}
		if n == 0 {
			return false
		}
	}
	// s holds a complete directive, which the caller matches directly.
	return false
}

// isSpace mirrors the RE2 \s class.
func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\f', '\r':
		return true
	}
	return false
}

func notQuote(c byte) bool { return c != '"' }
