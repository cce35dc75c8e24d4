package mention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFiresAfterWhitespace(t *testing.T) {
	d := NewDetector()

	trigger, ok := d.Detect("hello #", 7)
	require.True(t, ok)
	assert.Equal(t, TriggerReference, trigger.Char)
	assert.Equal(t, 6, trigger.Start)
}

func TestDetectFiresAtStartOfContent(t *testing.T) {
	d := NewDetector()

	trigger, ok := d.Detect("#", 1)
	require.True(t, ok)
	assert.Equal(t, 0, trigger.Start)
}

func TestDetectRejectsMidWord(t *testing.T) {
	d := NewDetector()

	_, ok := d.Detect("hello#", 6)
	assert.False(t, ok, "a trigger glued to a word must not open a session")

	_, ok = d.Detect("issue#42", 6)
	assert.False(t, ok)
}

func TestDetectFiresAfterNewline(t *testing.T) {
	d := NewDetector()

	trigger, ok := d.Detect("line one\n#", 10)
	require.True(t, ok)
	assert.Equal(t, 9, trigger.Start)
}

func TestDetectRecognizesUserTrigger(t *testing.T) {
	d := NewDetector()

	trigger, ok := d.Detect("cc @", 4)
	require.True(t, ok)
	assert.Equal(t, TriggerUser, trigger.Char)
}

func TestDetectRespectsConfiguredTriggers(t *testing.T) {
	d := NewDetector(TriggerReference)

	_, ok := d.Detect("cc @", 4)
	assert.False(t, ok)
}

func TestQueryTracksTypedText(t *testing.T) {
	trigger := Trigger{Char: TriggerReference, Start: 6}

	query, ok := trigger.Query("hello #wor", 10)
	require.True(t, ok)
	assert.Equal(t, "wor", query)
}

func TestQueryEmptyRightAfterTrigger(t *testing.T) {
	trigger := Trigger{Char: TriggerReference, Start: 6}

	query, ok := trigger.Query("hello #", 7)
	require.True(t, ok)
	assert.Equal(t, "", query)
}

func TestQueryClosesOnWhitespace(t *testing.T) {
	trigger := Trigger{Char: TriggerReference, Start: 6}

	_, ok := trigger.Query("hello #wor ld", 11)
	assert.False(t, ok, "typing a space abandons the session")
}

func TestQueryClosesWhenCaretMovesBeforeTrigger(t *testing.T) {
	trigger := Trigger{Char: TriggerReference, Start: 6}

	_, ok := trigger.Query("hello #wor", 6)
	assert.False(t, ok)
}

func TestQueryClosesWhenTriggerDeleted(t *testing.T) {
	trigger := Trigger{Char: TriggerReference, Start: 6}

	_, ok := trigger.Query("hello wor", 9)
	assert.False(t, ok)
}
