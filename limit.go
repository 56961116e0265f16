package capwire

import (
	"sync/atomic"

	"github.com/capwire/capwire/errors"
)

// Limits bounds the work a read session may perform. Both limits are
// consulted on every pointer dereference; they are the only defense
// against hostile input whose pointers encode enormous or
// cyclic-looking traversal cost.
type Limits struct {
	// TraversalWords is the total number of words a read session may
	// visit across all pointer dereferences.
	TraversalWords uint64

	// NestingDepth is the maximum pointer nesting a single traversal
	// may descend through.
	NestingDepth uint
}

// DefaultLimits returns the limits applied when a reader is built
// without explicit ones: 8 Mi words (64 MiB) of traversal and 64
// levels of nesting.
func DefaultLimits() Limits {
	return Limits{
		TraversalWords: 8 << 20,
		NestingDepth:   64,
	}
}

// readLimiter is a monotonically decreasing traversal budget shared by
// every view derived from one reader message. A nil limiter (builder
// messages) never refuses.
type readLimiter struct {
	remaining atomic.Int64
}

func newReadLimiter(words uint64) *readLimiter {
	l := &readLimiter{}
	if words > 1<<62 {
		words = 1 << 62
	}
	l.remaining.Store(int64(words))
	return l
}

// charge deducts words from the budget, failing without partial
// deduction once the budget is exhausted.
func (l *readLimiter) charge(words uint64) error {
	if l == nil {
		return nil
	}
	for {
		cur := l.remaining.Load()
		if int64(words) > cur {
			return errors.ReadLimit(words)
		}
		if l.remaining.CompareAndSwap(cur, cur-int64(words)) {
			return nil
		}
	}
}

// reset restores the budget to words. Intended for reusing a reader
// message across independent read sessions.
func (l *readLimiter) reset(words uint64) {
	if l == nil {
		return
	}
	if words > 1<<62 {
		words = 1 << 62
	}
	l.remaining.Store(int64(words))
}
