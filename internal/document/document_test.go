package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paragraph(children ...*Node) *Node {
	return &Node{Type: TypeParagraph, Content: children}
}

func mention(attrs map[string]any) *Node {
	return &Node{Type: TypeMention, Attrs: attrs}
}

func TestParseRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello"}]}]}`)
	doc, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.PlainText())

	encoded, err := doc.Encode()
	require.NoError(t, err)
	again, err := Parse(encoded)
	require.NoError(t, err)
	assert.Equal(t, doc.PlainText(), again.PlainText())
}

func TestParseMalformedDegradesToEmpty(t *testing.T) {
	doc, err := Parse(json.RawMessage(`{"type": [not json`))
	require.Error(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, TypeDoc, doc.Type)
	assert.Equal(t, "", doc.PlainText())
}

func TestParseEmptyInput(t *testing.T) {
	doc, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, TypeDoc, doc.Type)
}

func TestPlainTextRendersMentionLabels(t *testing.T) {
	doc := &Node{Type: TypeDoc, Content: []*Node{
		paragraph(NewText("See "), mention(map[string]any{"label": "#Invoice #42:total"})),
	}}
	assert.Equal(t, "See #Invoice #42:total", doc.PlainText())
}

func TestMentionsAndReferenceIDs(t *testing.T) {
	doc := &Node{Type: TypeDoc, Content: []*Node{
		paragraph(
			mention(map[string]any{"referenceId": "ref_1", "label": "a"}),
			mention(map[string]any{"recordId": "rec_9", "label": "b"}),
			mention(map[string]any{"referenceId": "ref_1", "label": "c"}),
			mention(map[string]any{"referenceId": "ref_2", "label": "d"}),
		),
	}}
	assert.Len(t, doc.Mentions(), 4)
	assert.Equal(t, []string{"ref_1", "ref_2"}, doc.ReferenceIDs())
}

func TestSpliceInlineReplacesTriggerSpan(t *testing.T) {
	block := paragraph(NewText("Cost: #Wi"))
	token := mention(map[string]any{"label": "#Widget:price"})

	err := block.SpliceInline(6, 9, token, NewText(" "))
	require.NoError(t, err)

	require.Len(t, block.Content, 3)
	assert.Equal(t, "Cost: ", block.Content[0].Text)
	assert.Equal(t, TypeMention, block.Content[1].Type)
	assert.Equal(t, " ", block.Content[2].Text)
}

func TestSpliceInlineMiddleOfText(t *testing.T) {
	block := paragraph(NewText("a #qu end"))
	err := block.SpliceInline(2, 5, mention(map[string]any{"label": "x"}))
	require.NoError(t, err)

	require.Len(t, block.Content, 3)
	assert.Equal(t, "a ", block.Content[0].Text)
	assert.Equal(t, " end", block.Content[2].Text)
}

func TestSpliceInlineAcrossNodes(t *testing.T) {
	block := paragraph(NewText("ab"), mention(map[string]any{"label": "m"}), NewText("cd"))
	// Span covers the tail of "ab", the mention, and the head of "cd".
	err := block.SpliceInline(1, 4, NewText("X"))
	require.NoError(t, err)
	assert.Equal(t, "aXd", flattenInline(block))
}

// flattenInline renders one block's children for assertions, mentions as
// their labels.
func flattenInline(n *Node) string {
	out := ""
	for _, child := range n.Content {
		if child.Type == TypeText {
			out += child.Text
		} else {
			out += child.StringAttr("label")
		}
	}
	return out
}

func TestSpliceInlineBounds(t *testing.T) {
	block := paragraph(NewText("abc"))
	assert.Error(t, block.SpliceInline(-1, 2))
	assert.Error(t, block.SpliceInline(2, 1))
	assert.Error(t, block.SpliceInline(0, 4))
}

func TestRemoveMention(t *testing.T) {
	doc := &Node{Type: TypeDoc, Content: []*Node{
		paragraph(NewText("x "), mention(map[string]any{"referenceId": "ref_1", "label": "m"})),
	}}
	assert.True(t, doc.RemoveMention("ref_1"))
	assert.False(t, doc.RemoveMention("ref_1"))
	assert.Empty(t, doc.ReferenceIDs())
}
