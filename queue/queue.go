// Package queue implements the ordered pending/current/history container
// of spec.md §4.3.
package queue

import (
	"sync"

	"github.com/lsst-ts/scriptqueue/qerr"
	"github.com/lsst-ts/scriptqueue/types"
)

// DefaultHistoryBound is the recommended history bound per spec.md §3.
const DefaultHistoryBound = 100

// Queue holds the three regions of §3: an ordered pending slice, an
// optional current slot, and a bounded history slice. History is kept
// newest-first (SPEC_FULL.md open-question (a)): history[0] is the most
// recently retired script.
//
// A single mutex guards all three regions, following the teacher's
// fan-out Operator idiom of a plain slice/map behind one sync.Mutex rather
// than a library-provided concurrent collection.
type Queue struct {
	mu           sync.Mutex
	pending      []*types.ScriptInfo
	current      *types.ScriptInfo
	history      []*types.ScriptInfo
	historyBound int
}

// New creates an empty Queue with the given history bound. A bound <= 0
// falls back to DefaultHistoryBound.
func New(historyBound int) *Queue {
	if historyBound <= 0 {
		historyBound = DefaultHistoryBound
	}
	return &Queue{historyBound: historyBound}
}

// Insert places info into pending at the position named by location,
// relative to anchorIdx for BEFORE/AFTER. Returns qerr.ErrLocationInvalid
// if anchorIdx is required but not present in pending.
func (q *Queue) Insert(info *types.ScriptInfo, location types.Location, anchorIdx int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.insertLocked(info, location, anchorIdx)
}

func (q *Queue) insertLocked(info *types.ScriptInfo, location types.Location, anchorIdx int) error {
	switch location {
	case types.First:
		q.pending = append([]*types.ScriptInfo{info}, q.pending...)
		return nil
	case types.Last:
		q.pending = append(q.pending, info)
		return nil
	case types.Before, types.After:
		pos, ok := q.indexOfPendingLocked(anchorIdx)
		if !ok {
			return qerr.New(qerr.ErrLocationInvalid, "insert", nil)
		}
		if location == types.After {
			pos++
		}
		q.pending = append(q.pending[:pos], append([]*types.ScriptInfo{info}, q.pending[pos:]...)...)
		return nil
	default:
		return qerr.New(qerr.ErrLocationInvalid, "insert", nil)
	}
}

// Move removes the script named by idx from pending and reinserts it per
// location/anchorIdx. Moving a script BEFORE/AFTER itself is a no-op that
// returns nil without touching pending; the caller must still republish
// the queue event per spec.md §6 scenario 3. Move returns only an error
// and does not report whether pending actually changed.
func (q *Queue) Move(idx int, location types.Location, anchorIdx int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos, ok := q.indexOfPendingLocked(idx)
	if !ok {
		return qerr.New(qerr.ErrNotQueued, "move", nil)
	}

	// A BEFORE/AFTER move relative to the script's own index is trivially
	// satisfied: removing idx first would make it vanish as its own
	// anchor, so short-circuit instead of letting insertLocked fail it
	// with ErrLocationInvalid.
	if location.NeedsAnchor() && anchorIdx == idx {
		return nil
	}

	info := q.pending[pos]
	q.pending = append(q.pending[:pos], q.pending[pos+1:]...)

	if err := q.insertLocked(info, location, anchorIdx); err != nil {
		// Re-insert failed (bad anchor): restore original position before
		// surfacing the error so the queue is left unchanged, per the
		// validation error handling rule of spec.md §7. move's error kind
		// for a missing anchor is UnknownIndex, not insert's
		// LocationInvalid (spec.md §6's move error column is
		// NotQueued/UnknownIndex).
		q.pending = append(q.pending[:pos], append([]*types.ScriptInfo{info}, q.pending[pos:]...)...)
		return qerr.New(qerr.ErrUnknownIndex, "move", nil)
	}
	return nil
}

// Remove removes the script named by idx from pending. Fails
// qerr.ErrNotQueued if idx is not present in pending.
func (q *Queue) Remove(idx int) (*types.ScriptInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos, ok := q.indexOfPendingLocked(idx)
	if !ok {
		return nil, qerr.New(qerr.ErrNotQueued, "remove", nil)
	}
	info := q.pending[pos]
	q.pending = append(q.pending[:pos], q.pending[pos+1:]...)
	return info, nil
}

// Promote moves the head of pending into current and returns it, if
// current is empty, pending is non-empty, and the head is ready
// (LOADED + CONFIGURED per spec.md I7). Returns nil otherwise.
func (q *Queue) Promote() *types.ScriptInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil || len(q.pending) == 0 {
		return nil
	}
	head := q.pending[0]
	if !head.Runnable() {
		return nil
	}
	q.pending = q.pending[1:]
	q.current = head
	return head
}

// RetireAny moves idx into history from wherever it currently lives —
// current, or still pending (a script can fail its load timeout before
// ever being promoted) — trimming the oldest history entry if the bound
// is exceeded. A mismatched idx is a no-op (the caller may be racing a
// stale notification). If updated is non-nil, it replaces the stored
// entry as the history record, so a terminal ScriptInfo (process_state
// DONE/FAILED/TERMINATED per spec.md I6) lands in history instead of
// whatever non-terminal snapshot was last Replace'd in.
func (q *Queue) RetireAny(idx int, updated *types.ScriptInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var finished *types.ScriptInfo
	if q.current != nil && q.current.Index == idx {
		finished = q.current
		q.current = nil
	} else if pos, ok := q.indexOfPendingLocked(idx); ok {
		finished = q.pending[pos]
		q.pending = append(q.pending[:pos], q.pending[pos+1:]...)
	} else {
		return
	}

	if updated != nil {
		finished = updated
	}

	// Newest-first: prepend.
	q.history = append([]*types.ScriptInfo{finished}, q.history...)
	if len(q.history) > q.historyBound {
		q.history = q.history[:q.historyBound]
	}
}

// Replace overwrites the stored ScriptInfo for idx, wherever it lives in
// pending or current (never history, which is immutable once retired),
// with updated. Reports whether a matching entry was found. Supervisor
// notifications carry a freshly cloned ScriptInfo; the Engine applies it
// here so the Queue's view stays in sync without sharing a mutable
// pointer with the Supervisor's own bookkeeping.
func (q *Queue) Replace(idx int, updated *types.ScriptInfo) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.Index == idx {
		q.current = updated
		return true
	}
	if pos, ok := q.indexOfPendingLocked(idx); ok {
		q.pending[pos] = updated
		return true
	}
	return false
}

// Find looks up idx across pending and current, and additionally history
// when searchHistory is true. Returns nil if not found.
func (q *Queue) Find(idx int, searchHistory bool) *types.ScriptInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.Index == idx {
		return q.current
	}
	if pos, ok := q.indexOfPendingLocked(idx); ok {
		return q.pending[pos]
	}
	if searchHistory {
		for _, info := range q.history {
			if info.Index == idx {
				return info
			}
		}
	}
	return nil
}

// IsLive reports whether idx currently names a script in pending, current,
// or history — the liveness predicate the allocator.Allocator consumes.
func (q *Queue) IsLive(idx int) bool {
	return q.Find(idx, true) != nil
}

// Snapshot is a point-in-time, race-free copy of the three regions,
// suitable for publishing as a queue event.
type Snapshot struct {
	Current *types.ScriptInfo
	Pending []*types.ScriptInfo
	History []*types.ScriptInfo
}

// Snapshot returns a copy of the current queue state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]*types.ScriptInfo, len(q.pending))
	copy(pending, q.pending)
	history := make([]*types.ScriptInfo, len(q.history))
	copy(history, q.history)

	return Snapshot{
		Current: q.current,
		Pending: pending,
		History: history,
	}
}

func (q *Queue) indexOfPendingLocked(idx int) (int, bool) {
	for i, info := range q.pending {
		if info.Index == idx {
			return i, true
		}
	}
	return -1, false
}
