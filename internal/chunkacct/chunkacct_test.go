package chunkacct

import (
	"math"
	"testing"

	"github.com/wago/wdx-fileservice/internal/errs"
	"github.com/wago/wdx-fileservice/internal/testutil"
)

func TestOutOfOrderCompletion(t *testing.T) {
	a := New(1000)
	testutil.OK(t, a.AddChunk(500, 250))
	testutil.OK(t, a.AddChunk(0, 250))
	testutil.OK(t, a.AddChunk(750, 250))
	testutil.Assert(t, !a.FileCompleted(), "should not be complete with a gap at 250")
	testutil.OK(t, a.AddChunk(250, 250))
	testutil.Assert(t, a.FileCompleted(), "expected completion after filling the gap")
}

func TestGapNeverCompletes(t *testing.T) {
	a := New(100)
	testutil.OK(t, a.AddChunk(0, 40))
	testutil.OK(t, a.AddChunk(60, 40))
	testutil.Assert(t, !a.FileCompleted(), "gap between 40 and 60 must not complete")
}

func TestNonZeroStartNeverCompletes(t *testing.T) {
	a := New(100)
	testutil.OK(t, a.AddChunk(10, 90))
	testutil.Assert(t, !a.FileCompleted(), "missing prefix must not complete")
}

func TestOverflowRejected(t *testing.T) {
	a := New(10)
	err := a.AddChunk(5, 10)
	testutil.Assert(t, errs.Is(err, errs.FileSizeExceeded), "expected file_size_exceeded, got %v", err)
}

func TestCardinalityBound(t *testing.T) {
	const capacity = 1 << 16
	a := New(capacity)
	bound := int(math.Ceil(math.Sqrt(float64(capacity))))

	// Non-adjacent chunks spaced two bytes apart never merge, so the bound
	// must eventually be hit and reported before memory blows up.
	var failed bool
	for off := uint64(0); off < capacity; off += 2 {
		if err := a.AddChunk(off, 1); err != nil {
			testutil.Assert(t, errs.Is(err, errs.LogicError), "expected logic_error (cannot optimize), got %v", err)
			failed = true
			break
		}
		testutil.Assert(t, a.Cardinality() <= bound, "cardinality %d exceeds bound %d", a.Cardinality(), bound)
	}
	testutil.Assert(t, failed, "expected an adversarial non-adjacent sequence to eventually be rejected")
}

func TestAdjacentChunksMergeAndStayWithinBound(t *testing.T) {
	const capacity = 1 << 16
	a := New(capacity)
	bound := int(math.Ceil(math.Sqrt(float64(capacity))))

	for off := uint64(0); off < capacity; off += 3 {
		length := uint64(3)
		if off+length > capacity {
			length = capacity - off
		}
		testutil.OK(t, a.AddChunk(off, length))
		testutil.Assert(t, a.Cardinality() <= bound, "cardinality %d exceeds bound %d", a.Cardinality(), bound)
	}
	testutil.Assert(t, a.FileCompleted(), "adjacent chunks covering the whole range should complete")
}

func TestZeroCapacityIsComplete(t *testing.T) {
	a := New(0)
	testutil.Assert(t, a.FileCompleted(), "zero-capacity upload should be immediately complete")
}

func TestDuplicateOffsetOverwrites(t *testing.T) {
	a := New(100)
	testutil.OK(t, a.AddChunk(0, 50))
	testutil.OK(t, a.AddChunk(0, 100))
	testutil.Assert(t, a.FileCompleted(), "second write at the same offset should extend coverage")
}
