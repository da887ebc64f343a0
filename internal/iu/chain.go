package iu

import (
	"sync"

	"github.com/leo-huovi/remdis/internal/errs"
)

// chainState tracks whether a chain has already received its one
// allowed terminal (COMMIT or REVOKE).
type chainState struct {
	committed bool
	revoked   bool
}

// Tracker enforces the revision-protocol grammar across IUs flowing
// through a single consumer: ADD (ADD|REV)* (REVOKE|COMMIT)?, with at
// most one terminal per chain and no ADD once a chain has one.
//
// A Tracker is owned by one consumer; it is not meant to be shared
// across goroutines that interleave unrelated chains unless guarded by
// the caller, though its own bookkeeping is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	roots map[string]string     // iu id -> chain root id
	state map[string]chainState // chain root id -> terminal state
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		roots: make(map[string]string),
		state: make(map[string]chainState),
	}
}

// Accept validates u against the chains seen so far. On success it
// records u and returns the chain's root ID. On failure it returns a
// typed *errs.Error (KindCausalityViolation or KindProtocolViolation)
// and the caller must drop u.
func (t *Tracker) Accept(u IU) (rootID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u.IsRoot() {
		t.roots[u.ID] = u.ID
		t.state[u.ID] = chainState{}
		return u.ID, nil
	}

	root, known := t.roots[u.PreviousID]
	if !known {
		return "", errs.New(errs.KindCausalityViolation, "iu.Tracker.Accept", nil)
	}

	st := t.state[root]
	if st.committed || st.revoked {
		return "", errs.New(errs.KindProtocolViolation, "iu.Tracker.Accept", nil)
	}

	t.roots[u.ID] = root
	switch u.UpdateType {
	case Commit:
		st.committed = true
	case Revoke:
		st.revoked = true
	case Add:
		// chain stays open
	}
	t.state[root] = st
	return root, nil
}

// RootOf reports the chain root for a previously accepted IU ID.
func (t *Tracker) RootOf(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, ok := t.roots[id]
	return root, ok
}

// Terminated reports whether the chain rooted at rootID has already
// received its COMMIT or REVOKE.
func (t *Tracker) Terminated(rootID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state[rootID]
	return st.committed || st.revoked
}

// Forget discards bookkeeping for a chain once a consumer no longer
// needs it, bounding the Tracker's memory for long-lived processes.
func (t *Tracker) Forget(rootID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, root := range t.roots {
		if root == rootID {
			delete(t.roots, id)
		}
	}
	delete(t.state, rootID)
}
