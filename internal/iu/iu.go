// Package iu implements the Incremental Unit record and its revision
// protocol: the shared data model every module on the bus speaks.
package iu

import (
	"bytes"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// UpdateType marks what an IU does to the chain it belongs to.
type UpdateType string

const (
	Add    UpdateType = "ADD"
	Revoke UpdateType = "REVOKE"
	Commit UpdateType = "COMMIT"
)

// DataType identifies the payload shape a producer writes and a
// consumer must know how to decode.
type DataType string

const (
	Audio       DataType = "AUDIO"
	AsrToken    DataType = "ASR_TOKEN"
	AsrCommit   DataType = "ASR_COMMIT"
	Vap         DataType = "VAP"
	Text        DataType = "TEXT"
	TtsAudio    DataType = "TTS_AUDIO"
	SystemState DataType = "SYSTEM_STATE"
	Backchannel DataType = "BACKCHANNEL"
	Intent      DataType = "INTENT"
)

// IU is an immutable incremental unit. Once constructed, none of its
// fields change; a revision is a new IU whose PreviousID points back
// at the one it extends, retracts, or finalizes.
type IU struct {
	ID         string
	Producer   string
	Timestamp  time.Time
	PreviousID string
	UpdateType UpdateType
	DataType   DataType
	Payload    []byte
	Metadata   map[string]any
}

// New builds a chain-root ADD IU: PreviousID is empty, so ID doubles
// as the chain's root identity.
func New(producer string, dataType DataType, payload []byte, metadata map[string]any) IU {
	return IU{
		ID:         uuid.NewString(),
		Producer:   producer,
		Timestamp:  time.Now(),
		PreviousID: "",
		UpdateType: Add,
		DataType:   dataType,
		Payload:    payload,
		Metadata:   metadata,
	}
}

// NewRevision appends a new ADD to an existing chain, extending prev.
func NewRevision(producer string, prev IU, payload []byte, metadata map[string]any) IU {
	return IU{
		ID:         uuid.NewString(),
		Producer:   producer,
		Timestamp:  time.Now(),
		PreviousID: prev.ID,
		UpdateType: Add,
		DataType:   prev.DataType,
		Payload:    payload,
		Metadata:   metadata,
	}
}

// NewCommit finalizes the chain tip identified by prev. At most one
// COMMIT or REVOKE may ever be published for a given chain.
func NewCommit(producer string, prev IU, payload []byte) IU {
	return IU{
		ID:         uuid.NewString(),
		Producer:   producer,
		Timestamp:  time.Now(),
		PreviousID: prev.ID,
		UpdateType: Commit,
		DataType:   prev.DataType,
		Payload:    payload,
	}
}

// NewRevoke retracts the chain tip identified by prev. Consumers that
// have buffered any IU belonging to that chain must undo its effects.
func NewRevoke(producer string, prev IU) IU {
	return IU{
		ID:         uuid.NewString(),
		Producer:   producer,
		Timestamp:  time.Now(),
		PreviousID: prev.ID,
		UpdateType: Revoke,
		DataType:   prev.DataType,
	}
}

// IsRoot reports whether iu starts a new chain.
func (u IU) IsRoot() bool {
	return u.PreviousID == ""
}

// Equal compares two IUs field by field, suitable for round-trip tests
// where == would fail on the Payload slice and Metadata map.
func (u IU) Equal(other IU) bool {
	return u.ID == other.ID &&
		u.Producer == other.Producer &&
		u.Timestamp.Equal(other.Timestamp) &&
		u.PreviousID == other.PreviousID &&
		u.UpdateType == other.UpdateType &&
		u.DataType == other.DataType &&
		bytes.Equal(u.Payload, other.Payload) &&
		reflect.DeepEqual(u.Metadata, other.Metadata)
}
