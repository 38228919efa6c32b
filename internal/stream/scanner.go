package stream

import "strings"

// Delimiters fence the reasoning channel inside a completion.
type Delimiters struct {
	Open  string
	Close string
}

// DefaultDelimiters are the tags emitted by reasoning models.
var DefaultDelimiters = Delimiters{Open: "<think>", Close: "</think>"}

// Output is the text one scanner step produced for each channel.
type Output struct {
	Answer    string
	Reasoning string
}

// Scanner incrementally classifies text into the answer and reasoning
// channels. Delimiters never reach either channel, even when a delimiter is
// split across several Feed calls: any tail that could still grow into the
// delimiter being searched for is held back until the next Feed or Flush.
type Scanner struct {
	delims      Delimiters
	inReasoning bool
	pending     string
}

// NewScanner returns a scanner in the answer state. Empty delimiters fall back
// to DefaultDelimiters.
func NewScanner(d Delimiters) *Scanner {
	if d.Open == "" || d.Close == "" {
		d = DefaultDelimiters
	}
	return &Scanner{delims: d}
}

// InReasoning reports whether the scanner is currently inside a reasoning span.
func (s *Scanner) InReasoning() bool { return s.inReasoning }

// Feed scans text appended after everything fed so far.
func (s *Scanner) Feed(text string) Output {
	var answer, reasoning strings.Builder
	emit := func(t string) {
		if s.inReasoning {
			reasoning.WriteString(t)
		} else {
			answer.WriteString(t)
		}
	}

	buf := s.pending + text
	for {
		delim := s.delims.Open
		if s.inReasoning {
			delim = s.delims.Close
		}

		if i := strings.Index(buf, delim); i >= 0 {
			emit(buf[:i])
			buf = buf[i+len(delim):]
			s.inReasoning = !s.inReasoning
			continue
		}

		keep := partialSuffix(buf, delim)
		emit(buf[:len(buf)-keep])
		s.pending = buf[len(buf)-keep:]
		break
	}

	return Output{Answer: answer.String(), Reasoning: reasoning.String()}
}

// Flush releases any held-back text to the current channel. An unterminated
// reasoning span is not an error; its remaining text is reasoning output.
func (s *Scanner) Flush() Output {
	rest := s.pending
	s.pending = ""
	if s.inReasoning {
		return Output{Reasoning: rest}
	}
	return Output{Answer: rest}
}

// partialSuffix returns the length of the longest suffix of s that is a proper
// prefix of delim.
func partialSuffix(s, delim string) int {
	limit := len(delim) - 1
	if limit > len(s) {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		if strings.HasPrefix(delim, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
