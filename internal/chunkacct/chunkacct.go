// Package chunkacct tracks which byte ranges of a fixed-capacity upload
// have been received, decides completion, and bounds its own memory so an
// adversarial client sending many tiny out-of-order chunks cannot exhaust
// memory before the map is merged.
package chunkacct

import (
	"math"
	"sort"

	"github.com/wago/wdx-fileservice/internal/errs"
)

// Accountant tracks received byte ranges for an upload of a fixed capacity.
// It is not safe for concurrent use; callers (internal/fileprovider) are
// expected to serialize access with their own mutex.
type Accountant struct {
	capacity uint64
	received map[uint64]uint64 // offset -> length
	maxCard  int
}

// New returns an Accountant for an upload of the given capacity.
func New(capacity uint64) *Accountant {
	return &Accountant{
		capacity: capacity,
		received: make(map[uint64]uint64),
		maxCard:  cardinalityBound(capacity),
	}
}

// cardinalityBound returns ceil(sqrt(capacity)), with a floor of 1 so a
// zero-capacity or tiny upload can still record at least one chunk.
func cardinalityBound(capacity uint64) int {
	b := int(math.Ceil(math.Sqrt(float64(capacity))))
	if b < 1 {
		b = 1
	}
	return b
}

// AddChunk records a received range [offset, offset+length). It returns
// errs.FileSizeExceeded if the range overflows or exceeds capacity, and a
// LogicError tagged "cannot optimize" if, after insertion and a merge
// attempt, the map still exceeds its memory bound.
func (a *Accountant) AddChunk(offset, length uint64) error {
	if length == 0 {
		return nil
	}

	end := offset + length
	if end < offset || end > a.capacity {
		return errs.FileSizeExceededf("chunk exceeds declared capacity")
	}

	if _, exists := a.received[offset]; exists {
		// Same offset overwritten with a (possibly different) length; last
		// write wins, cardinality is unaffected.
		a.received[offset] = length
		return nil
	}

	a.received[offset] = length

	if len(a.received) > a.maxCard {
		a.optimize()
	}

	if len(a.received) > a.maxCard {
		return errs.LogicErrorf("cannot optimize: chunk map exceeds memory bound")
	}

	return nil
}

// optimize merges overlapping or adjacent entries to reduce cardinality.
func (a *Accountant) optimize() {
	if len(a.received) == 0 {
		return
	}

	offsets := make([]uint64, 0, len(a.received))
	for off := range a.received {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	merged := make(map[uint64]uint64, len(a.received))
	curOff := offsets[0]
	curEnd := curOff + a.received[curOff]

	for _, off := range offsets[1:] {
		length := a.received[off]
		end := off + length
		if off <= curEnd {
			if end > curEnd {
				curEnd = end
			}
			continue
		}
		merged[curOff] = curEnd - curOff
		curOff = off
		curEnd = end
	}
	merged[curOff] = curEnd - curOff

	a.received = merged
}

// FileCompleted returns true iff the union of recorded ranges contains the
// prefix [0, capacity). It runs the §4.A completion algorithm directly
// against the (possibly unmerged) map; it does not mutate state.
func (a *Accountant) FileCompleted() bool {
	if a.capacity == 0 {
		return true
	}
	if len(a.received) == 0 {
		return false
	}

	offsets := make([]uint64, 0, len(a.received))
	for off := range a.received {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	if offsets[0] != 0 {
		return false
	}

	currentEnd := offsets[0] + a.received[offsets[0]]
	for _, off := range offsets[1:] {
		if off > currentEnd {
			return false
		}
		end := off + a.received[off]
		if end > currentEnd {
			currentEnd = end
		}
	}

	return currentEnd == a.capacity
}

// Cardinality returns the current number of entries in the chunk map.
// Exposed for property tests (§8.2).
func (a *Accountant) Cardinality() int {
	return len(a.received)
}
