// Package queue implements the hold queue, send queue and serialized operation queue that
// order delivery inside the reference-mode store.
package queue

import (
	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/util/syncutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Hold is one requirement of a hold record: id must be confirmed at a version dominating
// Version
type Hold struct {
	ID      model.ReferenceID
	Version model.VersionMap
}

// HoldsFor converts references into holds at their own versions
func HoldsFor(refs []model.Reference) []Hold {
	holds := make([]Hold, 0, len(refs))
	for _, ref := range refs {
		holds = append(holds, Hold{ID: ref.ID, Version: ref.Version.Copy()})
	}
	return holds
}

type holdRecord struct {
	enqueueID int
	ids       map[model.ReferenceID]model.VersionMap
	onRelease func() error
}

type holdState struct {
	queue  map[model.ReferenceID][]*holdRecord
	nextID int
}

// HoldQueue defers actions until every referenced entity is confirmed at or above a
// required version. Records that are never satisfied stay pending until RemoveFromQueue.
type HoldQueue struct {
	state             *syncutil.Guard[holdState]
	retainUnsatisfied bool
	logger            *zap.Logger
}

// HoldOption configures a HoldQueue
type HoldOption func(*HoldQueue)

// RetainUnsatisfied keeps a record indexed under an id when a confirmation for that id does
// not reach the required version. Without it a record gets one chance per confirmation,
// which suits backing stores that confirm each id exactly once per version bump, in order.
func RetainUnsatisfied() HoldOption {
	return func(q *HoldQueue) { q.retainUnsatisfied = true }
}

// NewHoldQueue creates an empty hold queue
func NewHoldQueue(logger *zap.Logger, opts ...HoldOption) *HoldQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &HoldQueue{
		state:  syncutil.NewGuard(holdState{queue: make(map[model.ReferenceID][]*holdRecord)}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue registers onRelease to run once every hold is satisfied and returns an id that
// can be passed to RemoveFromQueue. An empty hold list never releases.
func (q *HoldQueue) Enqueue(holds []Hold, onRelease func() error) int {
	return syncutil.Extract(q.state, func(s *holdState) int {
		s.nextID++
		record := &holdRecord{
			enqueueID: s.nextID,
			ids:       make(map[model.ReferenceID]model.VersionMap, len(holds)),
			onRelease: onRelease,
		}
		for _, h := range holds {
			record.ids[h.ID] = h.Version.Copy()
		}
		for id := range record.ids {
			s.queue[id] = append(s.queue[id], record)
		}
		return record.enqueueID
	})
}

// RemoveFromQueue abandons the record with the given enqueue id
func (q *HoldQueue) RemoveFromQueue(enqueueID int) {
	q.state.Do(func(s *holdState) {
		for id, records := range s.queue {
			kept := records[:0]
			for _, r := range records {
				if r.enqueueID != enqueueID {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 {
				delete(s.queue, id)
			} else {
				s.queue[id] = kept
			}
		}
	})
}

// ProcessReferenceID records that id is now confirmed at version. Every record waiting on
// id loses that requirement if version dominates it; all of them leave the index for id
// either way unless RetainUnsatisfied is set. Records left with no requirements are
// released after the lock is dropped.
func (q *HoldQueue) ProcessReferenceID(id model.ReferenceID, version model.VersionMap) error {
	released := syncutil.Extract(q.state, func(s *holdState) []func() error {
		records, ok := s.queue[id]
		if !ok {
			return nil
		}
		delete(s.queue, id)

		var out []func() error
		var kept []*holdRecord
		for _, r := range records {
			required, ok := r.ids[id]
			if !ok {
				continue
			}
			if version.DoesNotDominate(required) {
				if q.retainUnsatisfied {
					kept = append(kept, r)
				}
				continue
			}
			delete(r.ids, id)
			if len(r.ids) == 0 {
				out = append(out, r.onRelease)
			}
		}
		if len(kept) > 0 {
			s.queue[id] = kept
		}
		return out
	})

	if len(released) > 0 {
		q.logger.Debug("Releasing held actions",
			zap.String("reference_id", id),
			zap.String("version", version.String()),
			zap.Int("released", len(released)))
	}

	var errs error
	for _, release := range released {
		errs = multierr.Append(errs, safeRun(release))
	}
	return errs
}

// Len returns the number of distinct pending records
func (q *HoldQueue) Len() int {
	return syncutil.Extract(q.state, func(s *holdState) int {
		seen := make(map[int]struct{})
		for _, records := range s.queue {
			for _, r := range records {
				seen[r.enqueueID] = struct{}{}
			}
		}
		return len(seen)
	})
}
