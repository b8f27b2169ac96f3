package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMemoryCapacity is the number of entries a MemoryLog retains when
// constructed with a non-positive capacity.
const DefaultMemoryCapacity = 10_000

// MemoryLog is an in-memory, thread-safe Log. Entries live in a fixed ring
// of capacity slots; once it is full each append overwrites the oldest
// entry. Verify then checks the retained window only.
type MemoryLog struct {
	mu      sync.RWMutex
	ring    []*Decision
	start   int // ring slot of the oldest retained entry
	n       int // retained entries
	evicted int
}

// NewMemoryLog creates a MemoryLog holding the genesis entry.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	genesis := &Decision{
		Index:        0,
		Timestamp:    stamp(time.Now()),
		RiskLabel:    "genesis",
		FeaturesHash: GenesisHash,
		PrevHash:     GenesisHash,
		Hash:         GenesisHash,
	}
	l := &MemoryLog{ring: make([]*Decision, capacity)}
	l.ring[0] = genesis
	l.n = 1
	return l
}

// at returns the i-th retained entry, oldest first. Callers hold mu.
func (l *MemoryLog) at(i int) *Decision {
	return l.ring[(l.start+i)%len(l.ring)]
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, d Decision) (*Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.at(l.n - 1)
	d.Index = prev.Index + 1
	d.Timestamp = stamp(time.Now())
	d.PrevHash = prev.Hash
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Hash = hashDecision(&d)

	entry := &d
	if l.n < len(l.ring) {
		l.ring[(l.start+l.n)%len(l.ring)] = entry
		l.n++
	} else {
		l.ring[l.start] = entry
		l.start = (l.start + 1) % len(l.ring)
		l.evicted++
	}
	return entry, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Decision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := index - l.evicted
	if i < 0 || i >= l.n {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return l.at(i), nil
}

// Recent implements Log.
func (l *MemoryLog) Recent(_ context.Context, limit int) ([]*Decision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Decision
	for i := l.n - 1; i >= 0 && len(out) < limit; i-- {
		e := l.at(i)
		if e.Index == 0 {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.evicted + l.n, nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	first := l.at(0)
	if first.Index == 0 && first.Hash != GenesisHash {
		return fmt.Errorf("genesis entry has wrong hash: got %q", first.Hash)
	}
	if first.Index != 0 && first.Hash != hashDecision(first) {
		return fmt.Errorf("entry %d has invalid hash", first.Index)
	}
	for i := 1; i < l.n; i++ {
		if err := verifyLink(l.at(i-1), l.at(i)); err != nil {
			return err
		}
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.at(l.n - 1).Hash, nil
}
