package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChunkMultilineData(t *testing.T) {
	tok := &Tokenizer{}
	events := tok.ParseChunk([]byte("data: Line 1\ndata: Line 2\ndata: Line 3\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "Line 1\nLine 2\nLine 3", events[0].Data)
	assert.Empty(t, events[0].ID)
	assert.Empty(t, events[0].Name)
}

func TestParseChunkIDAndEvent(t *testing.T) {
	tok := &Tokenizer{}
	events := tok.ParseChunk([]byte("id: 42\nevent: ping\ndata: hi\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "42", events[0].ID)
	assert.Equal(t, "ping", events[0].Name)
	assert.Equal(t, "hi", events[0].Data)
	assert.Equal(t, "42", tok.LastEventID())
}

func TestParseChunkCommentIgnored(t *testing.T) {
	tok := &Tokenizer{}
	events := tok.ParseChunk([]byte(":this is a comment\ndata: x\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Data)
}

func TestParseChunkNoDataNoDispatch(t *testing.T) {
	tok := &Tokenizer{}
	events := tok.ParseChunk([]byte("event: ping\n\n"))
	assert.Empty(t, events)
}

func TestParseChunkArbitraryPartitioning(t *testing.T) {
	input := "id: 1\ndata: hello\n\ndata: world\n\n"
	whole := (&Tokenizer{}).ParseChunk([]byte(input))

	for split := 0; split <= len(input); split++ {
		tok := &Tokenizer{}
		events := tok.ParseChunk([]byte(input[:split]))
		events = append(events, tok.ParseChunk([]byte(input[split:]))...)
		require.Equal(t, whole, events, "split at %d", split)
	}
}

func TestParseChunkByteByByte(t *testing.T) {
	input := "id: 7\nevent: tick\ndata: a\ndata: b\n\n"
	tok := &Tokenizer{}
	var events []Event
	for i := 0; i < len(input); i++ {
		events = append(events, tok.ParseChunk([]byte{input[i]})...)
	}
	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].ID)
	assert.Equal(t, "tick", events[0].Name)
	assert.Equal(t, "a\nb", events[0].Data)
}

func TestParseChunkRetryField(t *testing.T) {
	tok := &Tokenizer{}
	events := tok.ParseChunk([]byte("retry: 3000\ndata: x\n\n"))
	require.Len(t, events, 1)
	assert.True(t, events[0].HasRetry)
	assert.EqualValues(t, 3000, events[0].Retry)
}

func TestParseChunkInvalidRetryIgnored(t *testing.T) {
	tok := &Tokenizer{}
	events := tok.ParseChunk([]byte("retry: not-a-number\ndata: x\n\n"))
	require.Len(t, events, 1)
	assert.False(t, events[0].HasRetry)
}

func TestParseChunkFieldWithoutColon(t *testing.T) {
	tok := &Tokenizer{}
	events := tok.ParseChunk([]byte("data\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "", events[0].Data)
}

func TestLastEventIDPersistsAcrossEvents(t *testing.T) {
	tok := &Tokenizer{}
	events := tok.ParseChunk([]byte("id: 5\ndata: first\n\ndata: second\n\n"))
	require.Len(t, events, 2)
	assert.Equal(t, "5", events[0].ID)
	assert.Equal(t, "5", events[1].ID, "id persists to events that don't set it")
}

func TestLastEventIDUpdatesOnDataFreeDispatch(t *testing.T) {
	tok := &Tokenizer{}
	events := tok.ParseChunk([]byte("id: 9\n\ndata: hello\n\n"))
	require.Len(t, events, 1, "the id-only dispatch carries no data and emits nothing")
	assert.Equal(t, "9", tok.LastEventID(), "last_event_id updates on has_id alone, not has_id && has_data")
	assert.Equal(t, "9", events[0].ID)
}
