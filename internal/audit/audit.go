// Package audit keeps a hash-chained log of scoring decisions.
//
// The chain begins with a genesis entry whose Hash equals GenesisHash (64 hex
// zeros). Every later entry records the hash of its predecessor, so Verify
// detects any edited, dropped or reordered decision. Raw feature values are
// never stored; each entry carries the SHA-256 of the canonical feature
// record instead.
//
// Two implementations of Log are provided:
//   - MemoryLog: bounded and in-process, the default.
//   - PostgresLog: durable, used when a database is configured.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the well-known hash of entry 0 and the chain's trust anchor.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrNotFound is returned by Get for an index outside the stored chain.
var ErrNotFound = errors.New("decision not found")

// Decision is one audited scoring outcome.
type Decision struct {
	Index        int       `json:"index"`
	ID           uuid.UUID `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ModelSource  string    `json:"model_source"`
	ModelVersion string    `json:"model_version"`
	Probability  float64   `json:"probability"`
	RiskLabel    string    `json:"risk_label"`
	Threshold    float64   `json:"threshold"`
	FeaturesHash string    `json:"features_hash"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

// Log is the append-only decision chain.
type Log interface {
	// Append chains d after the current tip. Index, Timestamp, PrevHash and
	// Hash are assigned by the log; ID is assigned when zero.
	Append(ctx context.Context, d Decision) (*Decision, error)

	// Get returns the entry at a zero-based index.
	Get(ctx context.Context, index int) (*Decision, error)

	// Recent returns up to limit decisions, newest first. The genesis entry
	// is never included.
	Recent(ctx context.Context, limit int) ([]*Decision, error)

	// Len returns the total number of entries ever appended, genesis included.
	Len(ctx context.Context) (int, error)

	// Verify walks the stored chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the chain tip.
	Root(ctx context.Context) (string, error)
}

// stamp truncates to microseconds, the resolution PostgreSQL keeps, so a
// hash computed before insert still matches after a round trip.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// hashDecision computes the SHA-256 over every chained field of d.
// It must never be called on the genesis entry.
func hashDecision(d *Decision) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		d.Index, d.ID, d.Timestamp.Format(time.RFC3339Nano),
		d.ModelSource, d.ModelVersion,
		strconv.FormatFloat(d.Probability, 'g', -1, 64),
		d.RiskLabel,
		strconv.FormatFloat(d.Threshold, 'g', -1, 64),
		d.FeaturesHash, d.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// verifyLink checks curr against its predecessor.
func verifyLink(prev, curr *Decision) error {
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashDecision(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
