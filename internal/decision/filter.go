package decision

import (
	"strings"
	"unicode"
)

const (
	textOpenTag  = "<text>"
	textCloseTag = "</text>"
)

type filterState int

const (
	beforeText filterState = iota
	insideText
	afterText
)

// textFilter forwards only the content between <text> and </text> of a
// streamed response, holding back input that may be a split tag.
type textFilter struct {
	emit    func(string)
	state   filterState
	pending string
	started bool
	out     strings.Builder
}

func newTextFilter(emit func(string)) *textFilter {
	return &textFilter{emit: emit}
}

// Write consumes one raw chunk.
func (f *textFilter) Write(chunk string) {
	f.pending += chunk
	for {
		switch f.state {
		case beforeText:
			idx := strings.Index(f.pending, textOpenTag)
			if idx < 0 {
				f.pending = f.pending[len(f.pending)-partialSuffix(f.pending, textOpenTag):]
				return
			}
			f.pending = f.pending[idx+len(textOpenTag):]
			f.state = insideText

		case insideText:
			if idx := strings.Index(f.pending, textCloseTag); idx >= 0 {
				f.forward(f.pending[:idx])
				f.pending = ""
				f.state = afterText
				return
			}
			keep := partialSuffix(f.pending, textCloseTag)
			f.forward(f.pending[:len(f.pending)-keep])
			f.pending = f.pending[len(f.pending)-keep:]
			return

		default:
			f.pending = ""
			return
		}
	}
}

// Text returns everything forwarded so far.
func (f *textFilter) Text() string {
	return strings.TrimRightFunc(f.out.String(), unicode.IsSpace)
}

func (f *textFilter) forward(s string) {
	if !f.started {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		if s == "" {
			return
		}
		f.started = true
	}
	if s == "" {
		return
	}
	f.out.WriteString(s)
	f.emit(s)
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	for k := min(len(s), len(tag)-1); k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}
