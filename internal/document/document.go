// Package document models the persisted rich-text document tree that task
// descriptions and record long-text fields are stored as. The shape mirrors
// what the editor produces: a root "doc" node containing block nodes, which
// contain inline text and mention nodes.
package document

import (
	"encoding/json"
	"strings"
)

const (
	TypeDoc       = "doc"
	TypeParagraph = "paragraph"
	TypeText      = "text"
	TypeMention   = "mention"
)

// Node is a single node in the document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is a formatting mark on a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Parse decodes a stored document. Malformed input yields an empty document
// and the decode error; callers render the empty document rather than failing.
func Parse(raw json.RawMessage) (*Node, error) {
	if len(raw) == 0 {
		return Empty(), nil
	}
	var doc Node
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Empty(), err
	}
	if doc.Type == "" {
		doc.Type = TypeDoc
	}
	return &doc, nil
}

// Empty returns a document with a single empty paragraph.
func Empty() *Node {
	return &Node{
		Type:    TypeDoc,
		Content: []*Node{{Type: TypeParagraph}},
	}
}

// Encode serializes the document for storage.
func (n *Node) Encode() (json.RawMessage, error) {
	return json.Marshal(n)
}

// NewText returns an inline text node.
func NewText(text string) *Node {
	return &Node{Type: TypeText, Text: text}
}

// PlainText flattens the document to its visible text. Mention nodes render
// as their label; blocks are separated by newlines.
func (n *Node) PlainText() string {
	var b strings.Builder
	writePlainText(&b, n, true)
	return strings.TrimRight(b.String(), "\n")
}

func writePlainText(b *strings.Builder, n *Node, root bool) {
	switch n.Type {
	case TypeText:
		b.WriteString(n.Text)
	case TypeMention:
		b.WriteString(n.StringAttr("label"))
	default:
		for _, child := range n.Content {
			writePlainText(b, child, false)
		}
		if !root && isBlock(n.Type) {
			b.WriteString("\n")
		}
	}
}

func isBlock(nodeType string) bool {
	switch nodeType {
	case TypeText, TypeMention:
		return false
	}
	return true
}

// StringAttr reads a string attribute, tolerating absent or mistyped values.
func (n *Node) StringAttr(key string) string {
	if n.Attrs == nil {
		return ""
	}
	value, _ := n.Attrs[key].(string)
	return value
}

// Walk visits every node depth-first. The visitor returns false to stop.
func (n *Node) Walk(visit func(*Node) bool) bool {
	if !visit(n) {
		return false
	}
	for _, child := range n.Content {
		if !child.Walk(visit) {
			return false
		}
	}
	return true
}

// Mentions returns every mention node in document order.
func (n *Node) Mentions() []*Node {
	var mentions []*Node
	n.Walk(func(node *Node) bool {
		if node.Type == TypeMention {
			mentions = append(mentions, node)
		}
		return true
	})
	return mentions
}

// ReferenceIDs returns the distinct reference ids carried by mention nodes,
// in document order. Direct mentions (no backing reference) are skipped.
func (n *Node) ReferenceIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range n.Mentions() {
		id := m.StringAttr("referenceId")
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
