package iu

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripJSON(t *testing.T) {
	root := New("asr", AsrToken, []byte("hel"), map[string]any{"confidence": 0.4})
	rev := NewRevision("asr", root, []byte("hello"), map[string]any{"confidence": 0.9})
	commit := NewCommit("asr", rev, nil)

	for _, original := range []IU{root, rev, commit} {
		data, err := json.Marshal(original)
		require.NoError(t, err)

		var got IU
		require.NoError(t, json.Unmarshal(data, &got))
		assert.True(t, original.Equal(got), "round trip mismatch: %+v != %+v", original, got)
	}
}

func TestNewRevisionChainsPreviousID(t *testing.T) {
	root := New("llm", Text, []byte("Hi"), nil)
	next := NewRevision("llm", root, []byte("Hi there"), nil)

	assert.Equal(t, root.ID, next.PreviousID)
	assert.True(t, root.IsRoot())
	assert.False(t, next.IsRoot())
	assert.Equal(t, root.DataType, next.DataType)
}

func TestNewCommitAndRevokeReferenceTip(t *testing.T) {
	root := New("llm", Text, []byte("Hi"), nil)
	tip := NewRevision("llm", root, []byte("Hi there"), nil)

	commit := NewCommit("llm", tip, nil)
	assert.Equal(t, tip.ID, commit.PreviousID)
	assert.Equal(t, Commit, commit.UpdateType)

	revoke := NewRevoke("llm", tip)
	assert.Equal(t, tip.ID, revoke.PreviousID)
	assert.Equal(t, Revoke, revoke.UpdateType)
}
