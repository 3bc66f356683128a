// Package mention implements the @-mention state machine for the chat input.
// It is pure text logic: no I/O, no timers. Offsets are byte offsets into
// UTF-8 text, matching what the caller's input widget reports.
package mention

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// State is the transient parse of the input box at one caret position.
// It is recreated on every keystroke or caret move and never persisted.
type State struct {
	// Open reports whether the caret sits inside a mention run.
	Open bool
	// AnchorOffset is the byte index of the triggering '@'. Valid only when Open.
	AnchorOffset int
	// Query is the text typed between the '@' and the caret.
	Query string
	// HighlightIndex is the selected row in the candidate menu.
	HighlightIndex int
}

// Closed is the state with no active mention.
var Closed = State{}

// Update parses text at the given caret position and reports the mention state.
//
// A mention is open only while the caret sits inside an unbroken run of
// non-whitespace characters immediately following an '@' that is at
// start-of-text or preceded by whitespace. An '@' mid-word never triggers.
func Update(text string, caret int) State {
	if caret < 0 {
		caret = 0
	}
	if caret > len(text) {
		caret = len(text)
	}

	upToCaret := text[:caret]
	at := strings.LastIndexByte(upToCaret, '@')
	if at == -1 {
		return Closed
	}

	// The '@' must start a token: start of string or preceded by whitespace.
	if at > 0 {
		prev, _ := utf8.DecodeLastRuneInString(upToCaret[:at])
		if !unicode.IsSpace(prev) {
			return Closed
		}
	}

	query := upToCaret[at+1:]
	if strings.IndexFunc(query, unicode.IsSpace) != -1 {
		// Whitespace after the '@' means the mention run has been exited.
		return Closed
	}

	return State{Open: true, AnchorOffset: at, Query: query}
}

// Filter returns the candidate names matching query as a case-insensitive
// substring, preserving the input order. An empty query keeps all names.
func Filter(names []string, query string) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		out := make([]string, len(names))
		copy(out, names)
		return out
	}

	var out []string
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), q) {
			out = append(out, name)
		}
	}
	return out
}

// Candidates filters the known names by the state's query. A closed state
// has no candidates.
func (s State) Candidates(names []string) []string {
	if !s.Open {
		return nil
	}
	return Filter(names, s.Query)
}

// MoveHighlight moves the highlight circularly by delta among count candidates.
func (s State) MoveHighlight(delta, count int) State {
	if count <= 0 {
		s.HighlightIndex = 0
		return s
	}
	idx := (s.HighlightIndex + delta) % count
	if idx < 0 {
		idx += count
	}
	s.HighlightIndex = idx
	return s
}

// ClampHighlight clamps the highlight into [0, count).
func (s State) ClampHighlight(count int) State {
	if count <= 0 {
		s.HighlightIndex = 0
		return s
	}
	if s.HighlightIndex < 0 {
		s.HighlightIndex = 0
	}
	if s.HighlightIndex >= count {
		s.HighlightIndex = count - 1
	}
	return s
}

// Commit replaces the half-open mention token [anchor, caret) with the
// literal "@<name> " and returns the rewritten text with the caret placed
// immediately after the inserted trailing space.
func Commit(text string, caret, anchor int, name string) (string, int) {
	if anchor < 0 {
		anchor = 0
	}
	if caret > len(text) {
		caret = len(text)
	}
	if caret < anchor {
		caret = anchor
	}

	inserted := "@" + name + " "
	newText := text[:anchor] + inserted + text[caret:]
	return newText, anchor + len(inserted)
}

// Extract returns the subset of known canvas names literally present in the
// submitted text as "@name" tokens, in the order names are listed. This is
// the submit-time matcher; names may contain spaces, so matching is by full
// literal token rather than by whitespace splitting. Two tabs sharing a name
// resolve to the first in list order.
func Extract(text string, names []string) []string {
	var out []string
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		if strings.Contains(text, "@"+name) {
			out = append(out, name)
			seen[name] = true
		}
	}
	return out
}

// Append adds a mention for name at the end of text, separating it from
// existing content with a single space.
func Append(text, name string) string {
	if text == "" {
		return "@" + name
	}
	return text + " @" + name
}
