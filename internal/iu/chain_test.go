package iu

import (
	"testing"

	"github.com/leo-huovi/remdis/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAcceptsWellFormedChain(t *testing.T) {
	tr := NewTracker()

	root := New("llm", Text, []byte("Hel"), nil)
	rootID, err := tr.Accept(root)
	require.NoError(t, err)
	assert.Equal(t, root.ID, rootID)

	rev := NewRevision("llm", root, []byte("Hello"), nil)
	revRoot, err := tr.Accept(rev)
	require.NoError(t, err)
	assert.Equal(t, root.ID, revRoot)

	commit := NewCommit("llm", rev, nil)
	_, err = tr.Accept(commit)
	require.NoError(t, err)
	assert.True(t, tr.Terminated(root.ID))
}

func TestTrackerRejectsAddAfterCommit(t *testing.T) {
	tr := NewTracker()

	root := New("llm", Text, []byte("Hi"), nil)
	_, err := tr.Accept(root)
	require.NoError(t, err)

	commit := NewCommit("llm", root, nil)
	_, err = tr.Accept(commit)
	require.NoError(t, err)

	lateAdd := NewRevision("llm", root, []byte("Hi again"), nil)
	_, err = tr.Accept(lateAdd)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocolViolation))
}

func TestTrackerRejectsSecondTerminal(t *testing.T) {
	tr := NewTracker()

	root := New("llm", Text, []byte("Hi"), nil)
	_, err := tr.Accept(root)
	require.NoError(t, err)

	_, err = tr.Accept(NewCommit("llm", root, nil))
	require.NoError(t, err)

	_, err = tr.Accept(NewRevoke("llm", root))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocolViolation))
}

func TestTrackerRejectsUnknownPreviousID(t *testing.T) {
	tr := NewTracker()

	orphan := IU{ID: "x", PreviousID: "does-not-exist", UpdateType: Add, DataType: Text}
	_, err := tr.Accept(orphan)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCausalityViolation))
}
