// Package mention implements the reference/mention flow: trigger detection
// in an editable text surface, the suggestion popup state machine, token
// insertion, and the link field controller built on top of them.
package mention

import (
	"errors"

	"quarry/api/internal/document"
	"quarry/api/internal/store"
)

// Trigger characters recognized at a word boundary.
const (
	TriggerReference rune = '#'
	TriggerUser      rune = '@'
)

// ErrEmptyToken rejects tokens that point at nothing.
var ErrEmptyToken = errors.New("mention: token carries neither a reference id nor a record id")

// Token is the inline, in-document representation of a reference or direct
// link. A token is either reference-backed (ReferenceID set; RecordID and
// FieldKey are display copies) or direct (ReferenceID empty, RecordID
// required). Tokens are replaced wholesale on edit, never mutated.
type Token struct {
	ReferenceID string              `json:"referenceId,omitempty"`
	RecordID    string              `json:"recordId,omitempty"`
	FieldKey    string              `json:"fieldKey,omitempty"`
	Label       string              `json:"label"`
	Mode        store.ReferenceMode `json:"mode"`
	Trigger     rune                `json:"triggerChar"`
}

func (t Token) Validate() error {
	if t.ReferenceID == "" && t.RecordID == "" {
		return ErrEmptyToken
	}
	return nil
}

// Node renders the token as a document mention node.
func (t Token) Node() *document.Node {
	attrs := map[string]any{
		"label":       t.Label,
		"mode":        string(t.Mode),
		"triggerChar": string(t.Trigger),
	}
	if t.ReferenceID != "" {
		attrs["referenceId"] = t.ReferenceID
	}
	if t.RecordID != "" {
		attrs["recordId"] = t.RecordID
	}
	if t.FieldKey != "" {
		attrs["fieldKey"] = t.FieldKey
	}
	return &document.Node{Type: document.TypeMention, Attrs: attrs}
}

// TokenFromNode reads a token back out of a mention node.
func TokenFromNode(n *document.Node) (Token, error) {
	token := Token{
		ReferenceID: n.StringAttr("referenceId"),
		RecordID:    n.StringAttr("recordId"),
		FieldKey:    n.StringAttr("fieldKey"),
		Label:       n.StringAttr("label"),
		Mode:        store.ReferenceMode(n.StringAttr("mode")),
	}
	if trigger := n.StringAttr("triggerChar"); trigger != "" {
		token.Trigger = []rune(trigger)[0]
	}
	if err := token.Validate(); err != nil {
		return Token{}, err
	}
	return token, nil
}
