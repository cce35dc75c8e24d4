package document

import "fmt"

// InlineLength returns the length of a block's inline content in characters.
// Non-text inline nodes (mentions) count as one position, matching how the
// editor addresses them.
func (n *Node) InlineLength() int {
	length := 0
	for _, child := range n.Content {
		if child.Type == TypeText {
			length += len(child.Text)
		} else {
			length++
		}
	}
	return length
}

// SpliceInline replaces the inline span [from, to) of a block node with the
// given replacement nodes as one edit. Text nodes straddling the span
// boundaries are split; adjacent text fragments outside the span are kept.
// This is the single mutation the mention flow performs on a document.
func (n *Node) SpliceInline(from, to int, replacement ...*Node) error {
	if from < 0 || to < from {
		return fmt.Errorf("invalid splice span [%d, %d)", from, to)
	}
	if total := n.InlineLength(); to > total {
		return fmt.Errorf("splice span [%d, %d) exceeds block length %d", from, to, total)
	}

	var out []*Node
	offset := 0
	appendText := func(text string) {
		if text == "" {
			return
		}
		if len(out) > 0 && out[len(out)-1].Type == TypeText {
			out[len(out)-1].Text += text
			return
		}
		out = append(out, NewText(text))
	}

	inserted := false
	insert := func() {
		if inserted {
			return
		}
		inserted = true
		for _, r := range replacement {
			if r.Type == TypeText {
				appendText(r.Text)
			} else {
				out = append(out, r)
			}
		}
	}

	for _, child := range n.Content {
		width := 1
		if child.Type == TypeText {
			width = len(child.Text)
		}
		start, end := offset, offset+width
		offset = end

		switch {
		case end <= from || start >= to:
			// Entirely outside the span.
			if start >= to {
				insert()
			}
			if child.Type == TypeText {
				appendText(child.Text)
			} else {
				out = append(out, child)
			}
		case child.Type == TypeText:
			// Keep the fragments outside [from, to).
			if start < from {
				appendText(child.Text[:from-start])
			}
			insert()
			if end > to {
				appendText(child.Text[to-start:])
			}
		default:
			// Non-text node fully covered by the span: dropped.
			insert()
		}
	}
	insert()

	n.Content = out
	return nil
}

// RemoveMention deletes the first mention node carrying the given reference id
// and reports whether one was found.
func (n *Node) RemoveMention(referenceID string) bool {
	for _, block := range n.Content {
		for i, child := range block.Content {
			if child.Type == TypeMention && child.StringAttr("referenceId") == referenceID {
				block.Content = append(block.Content[:i], block.Content[i+1:]...)
				return true
			}
		}
	}
	return false
}
