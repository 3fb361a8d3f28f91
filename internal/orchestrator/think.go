package orchestrator

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkSplitter separates <think>...</think> sections from the visible
// answer. Tags may arrive split across fragments, so a trailing partial tag
// is held back until the next fragment decides it.
type thinkSplitter struct {
	inThink  bool
	pending  string
	display  strings.Builder
	thinking strings.Builder
}

// Feed consumes a fragment and returns what became visible in each channel.
func (s *thinkSplitter) Feed(text string) (display, thinking string) {
	buf := s.pending + text
	s.pending = ""

	var d, t strings.Builder
	for buf != "" {
		tag := thinkOpen
		if s.inThink {
			tag = thinkClose
		}
		if i := strings.Index(buf, tag); i >= 0 {
			s.emit(&d, &t, buf[:i])
			buf = buf[i+len(tag):]
			s.inThink = !s.inThink
			continue
		}
		hold := partialSuffix(buf, tag)
		s.emit(&d, &t, buf[:len(buf)-hold])
		s.pending = buf[len(buf)-hold:]
		break
	}
	return d.String(), t.String()
}

// Close releases any held-back text as literal content.
func (s *thinkSplitter) Close() (display, thinking string) {
	var d, t strings.Builder
	s.emit(&d, &t, s.pending)
	s.pending = ""
	return d.String(), t.String()
}

// Display is the visible text so far.
func (s *thinkSplitter) Display() string { return s.display.String() }

// Thinking is the reasoning text so far.
func (s *thinkSplitter) Thinking() string { return s.thinking.String() }

func (s *thinkSplitter) emit(d, t *strings.Builder, text string) {
	if text == "" {
		return
	}
	if s.inThink {
		s.thinking.WriteString(text)
		t.WriteString(text)
		return
	}
	// Reasoning models put a blank line after </think>.
	if s.display.Len() == 0 {
		text = strings.TrimLeft(text, "\r\n")
		if text == "" {
			return
		}
	}
	s.display.WriteString(text)
	d.WriteString(text)
}

// partialSuffix is the length of the longest suffix of s that is a proper
// prefix of tag.
func partialSuffix(s, tag string) int {
	n := len(tag) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
