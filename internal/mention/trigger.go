package mention

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Detector recognizes trigger characters typed at a valid boundary in an
// editable text surface. The host feeds it (text, caret) snapshots on every
// change; offsets are byte offsets into the text.
type Detector struct {
	triggers []rune
}

// NewDetector creates a detector. With no arguments it recognizes both
// trigger characters.
func NewDetector(triggers ...rune) *Detector {
	if len(triggers) == 0 {
		triggers = []rune{TriggerReference, TriggerUser}
	}
	return &Detector{triggers: triggers}
}

func (d *Detector) isTrigger(char rune) bool {
	for _, t := range d.triggers {
		if t == char {
			return true
		}
	}
	return false
}

// Trigger is an open trigger session: the trigger character and its byte
// offset in the text.
type Trigger struct {
	Char  rune
	Start int
}

// Detect reports whether the character immediately before caret is a trigger
// character at a valid boundary: start of content, or preceded by whitespace
// or a newline.
func (d *Detector) Detect(text string, caret int) (Trigger, bool) {
	if caret <= 0 || caret > len(text) {
		return Trigger{}, false
	}
	char, size := utf8.DecodeLastRuneInString(text[:caret])
	if !d.isTrigger(char) {
		return Trigger{}, false
	}
	start := caret - size
	if start > 0 {
		prev, _ := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsSpace(prev) {
			return Trigger{}, false
		}
	}
	return Trigger{Char: char, Start: start}, true
}

// Query returns the live query for an open session: the text between the
// trigger character and the caret. ok is false when the session is no longer
// valid — the caret moved back to (or past) the trigger, or the query picked
// up whitespace, meaning the user typed past the mention without completing
// it.
func (t Trigger) Query(text string, caret int) (string, bool) {
	queryStart := t.Start + utf8.RuneLen(t.Char)
	if caret < queryStart || caret > len(text) {
		return "", false
	}
	if char, _ := utf8.DecodeRuneInString(text[t.Start:]); char != t.Char {
		// The trigger character itself was deleted.
		return "", false
	}
	query := text[queryStart:caret]
	if strings.ContainsFunc(query, unicode.IsSpace) {
		return "", false
	}
	return query, true
}
