package queue

import (
	"strconv"

	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/util/syncutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Action is a queued send
type Action func() error

// sendEntry is NonBlocking when blockID is empty, Blocking(blockID) otherwise
type sendEntry struct {
	blockID string
	action  Action
}

type sendState struct {
	entries   []sendEntry
	released  map[string]struct{}
	draining  bool
	nextBlock int
}

// SendQueueConfig holds send queue configuration
type SendQueueConfig struct {
	// DisableAutoDrain stops Enqueue and EnqueueBlocking from draining; callers then call Drain
	DisableAutoDrain bool
	HoldOptions      []HoldOption
	Logger           *zap.Logger
}

// SendQueue delivers actions in enqueue order, except that a blocking entry waits for its
// references to be confirmed and may be overtaken by later non-blocking entries.
//
// At most one drain runs at a time. A Drain call that finds another drain active only
// records its block id; the active drainer picks it up before it stops.
type SendQueue struct {
	state     *syncutil.Guard[sendState]
	holds     *HoldQueue
	autoDrain bool
	logger    *zap.Logger
}

// NewSendQueue creates a send queue. A nil config auto-drains.
func NewSendQueue(cfg *SendQueueConfig) *SendQueue {
	if cfg == nil {
		cfg = &SendQueueConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SendQueue{
		state:     syncutil.NewGuard(sendState{released: make(map[string]struct{})}),
		holds:     NewHoldQueue(logger, cfg.HoldOptions...),
		autoDrain: !cfg.DisableAutoDrain,
		logger:    logger,
	}
}

// Enqueue appends a non-blocking action. With auto-drain the returned error is the
// combined error of every action that drain ran.
func (q *SendQueue) Enqueue(action Action) error {
	q.state.Do(func(s *sendState) {
		s.entries = append(s.entries, sendEntry{action: action})
	})
	if q.autoDrain {
		return q.Drain("")
	}
	return nil
}

// EnqueueBlocking appends an action that runs only once every reference is confirmed at a
// dominating version. Other entries keep draining in the meantime.
func (q *SendQueue) EnqueueBlocking(refs []model.Reference, action Action) (*Pending, error) {
	p := &Pending{queue: q, done: make(chan struct{})}
	wrapped := func() error {
		defer close(p.done)
		return action()
	}

	if len(refs) == 0 {
		return p, q.Enqueue(wrapped)
	}

	p.blockID = syncutil.Extract(q.state, func(s *sendState) string {
		s.nextBlock++
		blockID := strconv.Itoa(s.nextBlock)
		s.entries = append(s.entries, sendEntry{blockID: blockID, action: wrapped})
		return blockID
	})
	p.holdID = q.holds.Enqueue(HoldsFor(refs), func() error {
		return q.Drain(p.blockID)
	})

	q.logger.Debug("Blocking send enqueued",
		zap.String("block_id", p.blockID),
		zap.Int("references", len(refs)))

	if q.autoDrain {
		return p, q.Drain("")
	}
	return p, nil
}

// Drain runs every non-blocking entry and any entry blocked on blockID ("" for none), in
// enqueue order. Errors from the actions are combined and returned; the drain still runs
// every ready entry.
func (q *SendQueue) Drain(blockID string) error {
	start := syncutil.Extract(q.state, func(s *sendState) bool {
		if blockID != "" && s.hasBlock(blockID) {
			s.released[blockID] = struct{}{}
		}
		if s.draining {
			return false
		}
		s.draining = true
		return true
	})
	if !start {
		return nil
	}

	var errs error
	for {
		ready := syncutil.Extract(q.state, func(s *sendState) []Action {
			var ready []Action
			var rest []sendEntry
			for _, e := range s.entries {
				if e.blockID == "" {
					ready = append(ready, e.action)
					continue
				}
				if _, ok := s.released[e.blockID]; ok {
					delete(s.released, e.blockID)
					ready = append(ready, e.action)
					continue
				}
				rest = append(rest, e)
			}
			s.entries = rest
			if len(ready) == 0 {
				s.draining = false
			}
			return ready
		})
		if len(ready) == 0 {
			return errs
		}
		for _, action := range ready {
			if err := safeRun(action); err != nil {
				q.logger.Warn("Send action failed", zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
	}
}

// NotifyReferenceHold reports that id is confirmed at version, releasing any blocked
// entries that were only waiting on it
func (q *SendQueue) NotifyReferenceHold(id model.ReferenceID, version model.VersionMap) error {
	return q.holds.ProcessReferenceID(id, version)
}

// Len returns the number of entries not yet run
func (q *SendQueue) Len() int {
	return syncutil.Extract(q.state, func(s *sendState) int { return len(s.entries) })
}

// PendingHolds returns the number of blocking entries still waiting on references
func (q *SendQueue) PendingHolds() int {
	return q.holds.Len()
}

func (s *sendState) hasBlock(blockID string) bool {
	for _, e := range s.entries {
		if e.blockID == blockID {
			return true
		}
	}
	return false
}

// cancel drops the blocking entry if it has not run yet
func (q *SendQueue) cancel(p *Pending) bool {
	q.holds.RemoveFromQueue(p.holdID)
	return syncutil.Extract(q.state, func(s *sendState) bool {
		delete(s.released, p.blockID)
		for i, e := range s.entries {
			if e.blockID == p.blockID {
				s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
				return true
			}
		}
		return false
	})
}

// Pending tracks one EnqueueBlocking entry
type Pending struct {
	queue   *SendQueue
	blockID string
	holdID  int
	done    chan struct{}
}

// Done is closed once the action has run
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// BlockID returns the block id, or "" if the entry never blocked
func (p *Pending) BlockID() string {
	return p.blockID
}

// Cancel abandons the entry and its hold record. It returns false if the action already
// ran or was already cancelled.
func (p *Pending) Cancel() bool {
	if p.blockID == "" {
		return false
	}
	return p.queue.cancel(p)
}
