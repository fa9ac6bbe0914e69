package acme

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is the current encoding version of ChallengeSnapshot.
const SnapshotVersion = 1

// ChallengeSnapshot is a plain, versioned record of a challenge's state,
// suitable for caching or persisting between client runs. The format is
// stable and inspectable; restoring a snapshot re-dispatches the challenge
// through the type registry.
type ChallengeSnapshot struct {
	Version    int            `json:"version"`
	Type       string         `json:"type"`
	WireStatus string         `json:"status,omitempty"`
	Location   string         `json:"location,omitempty"`
	URI        string         `json:"uri,omitempty"`
	Token      string         `json:"token,omitempty"`
	Validated  *time.Time     `json:"validated,omitempty"`
	Document   map[string]any `json:"document,omitempty"`
}

// Snapshot captures the challenge's current state.
func (c *GenericChallenge) Snapshot() *ChallengeSnapshot {
	snap := &ChallengeSnapshot{
		Version:    SnapshotVersion,
		Type:       c.typ,
		WireStatus: c.wireStatus,
		Location:   c.location,
		URI:        c.uri,
		Token:      c.token,
	}
	if c.hasValid {
		ts := c.validated
		snap.Validated = &ts
	}
	if c.doc != nil {
		snap.Document = make(map[string]any, len(c.doc))
		for k, v := range c.doc {
			snap.Document[k] = v
		}
	}
	return snap
}

// EncodeSnapshot serializes a snapshot to JSON.
func EncodeSnapshot(snap *ChallengeSnapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// DecodeSnapshot parses a snapshot and checks its version.
func DecodeSnapshot(data []byte) (*ChallengeSnapshot, error) {
	var snap ChallengeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("acme: decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("acme: unsupported snapshot version %d", snap.Version)
	}
	if snap.Type == "" {
		return nil, fmt.Errorf("acme: snapshot has no challenge type")
	}
	return &snap, nil
}

// RestoreChallenge reconstructs a challenge from a snapshot, bound to s.
// The concrete variant is chosen by the snapshot's type through the same
// registry Bind uses.
func RestoreChallenge(s *Session, snap *ChallengeSnapshot) (Challenge, error) {
	if snap == nil {
		return nil, fmt.Errorf("acme: snapshot must not be nil")
	}
	ch := newChallenge(s, snap.Type)
	b := ch.base()
	if b.typ != "" && b.typ != snap.Type {
		return nil, &ProtocolError{Detail: fmt.Sprintf("challenge type mismatch: got %q, want %q", snap.Type, b.typ)}
	}
	b.typ = snap.Type
	b.wireStatus = snap.WireStatus
	b.uri = snap.URI
	b.token = snap.Token
	b.adoptLocation(snap.Location)
	if snap.Validated != nil {
		b.validated = *snap.Validated
		b.hasValid = true
	}
	if snap.Document != nil {
		b.doc = make(map[string]any, len(snap.Document))
		for k, v := range snap.Document {
			b.doc[k] = v
		}
	}
	return ch, nil
}
