// Package restart schedules daemons for restart after death, spacing the
// attempts with a per-daemon back-off strategy.
package restart

import (
	"container/heap"
	"time"

	"go.uber.org/zap"
)

// DefaultBackoff is the restart strategy used when a daemon does not
// declare one.
var DefaultBackoff = []int{0, 5, 15, 30, 60}

// minBackoff floors every scheduled delay so a crash loop cannot spin
// without pause.
const minBackoff = 1 * time.Second

// resetAfter is the minimum running time before a death may reset the
// back-off position to the start of the strategy.
const resetAfter = 10 * time.Second

// Pending describes one scheduled restart, for queue inspection.
type Pending struct {
	Name string
	At   time.Time
}

// entry is one heap element. A cancelled entry stays in the heap as a
// tombstone and is skipped when popped.
type entry struct {
	at        time.Time
	name      string
	cancelled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a min-heap of (wake-time, daemon) pairs plus the per-daemon
// back-off bookkeeping. It is not safe for concurrent use; the controller
// drives it from its single event loop.
type Queue struct {
	queue     entryHeap
	pending   map[string]*entry
	backoff   map[string][]int
	pos       map[string]int
	startedAt map[string]time.Time
	log       *zap.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an empty restart queue.
func New(log *zap.Logger) *Queue {
	return &Queue{
		pending:   make(map[string]*entry),
		backoff:   make(map[string][]int),
		pos:       make(map[string]int),
		startedAt: make(map[string]time.Time),
		log:       log,
		now:       time.Now,
	}
}

// Add registers a daemon with its back-off strategy. A nil or empty
// strategy selects the default [0, 5, 15, 30, 60].
func (q *Queue) Add(name string, backoff []int) {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	q.backoff[name] = backoff
	q.pos[name] = 0
	delete(q.startedAt, name)
}

// Remove forgets the daemon entirely, including any pending restart.
func (q *Queue) Remove(name string) {
	if e, ok := q.pending[name]; ok {
		e.cancelled = true
		delete(q.pending, name)
	}
	delete(q.backoff, name)
	delete(q.pos, name)
	delete(q.startedAt, name)
}

// Clear drops all registered daemons and scheduled restarts. The reload
// path rebuilds the queue from scratch afterwards.
func (q *Queue) Clear() {
	q.queue = nil
	q.pending = make(map[string]*entry)
	q.backoff = make(map[string][]int)
	q.pos = make(map[string]int)
	q.startedAt = make(map[string]time.Time)
}

// DaemonStarted records that the daemon has just been started. The start
// time decides whether the next death resets the back-off.
func (q *Queue) DaemonStarted(name string) {
	q.startedAt[name] = q.now()
	q.log.Info("daemon started", zap.String("daemon", name))
}

// DaemonStopped records an intentional stop: the back-off position and any
// pending restart are cleared.
func (q *Queue) DaemonStopped(name string) {
	delete(q.startedAt, name)
	q.pos[name] = 0
	if e, ok := q.pending[name]; ok {
		e.cancelled = true
		delete(q.pending, name)
	}
	q.log.Info("daemon stopped", zap.String("daemon", name))
}

// DaemonDied schedules a restart according to the daemon's back-off
// strategy. A child that had been running longer than 10 seconds and twice
// the current back-off restarts from the beginning of the strategy; every
// delay is floored to one second. The code is the exit status, negative
// for death by signal.
func (q *Queue) DaemonDied(name string, code int) {
	backoff, ok := q.backoff[name]
	if !ok {
		return
	}
	pos := q.pos[name]
	delay := time.Duration(backoff[pos]) * time.Second
	if delay < minBackoff {
		delay = minBackoff
	}

	if startedAt, ok := q.startedAt[name]; ok {
		running := q.now().Sub(startedAt)
		if running > resetAfter && running > 2*delay {
			q.pos[name] = 0
			pos = 0
			delay = time.Duration(backoff[0]) * time.Second
			if delay < minBackoff {
				delay = minBackoff
			}
		}
	}

	q.log.Warn("daemon died",
		zap.String("daemon", name),
		zap.Int("code", code),
		zap.Duration("restart_in", delay))

	// Advance to the next back-off for the following death, staying at
	// the last one once the strategy is exhausted.
	if pos+1 < len(backoff) {
		q.pos[name] = pos + 1
	}

	// A pending entry for the same daemon would fire a second, spurious
	// restart; tombstone it before scheduling the new one.
	if old, ok := q.pending[name]; ok {
		old.cancelled = true
	}
	e := &entry{at: q.now().Add(delay), name: name}
	q.pending[name] = e
	heap.Push(&q.queue, e)
}

// CancelRestart drops the pending restart for a daemon and resets its
// back-off position. The heap entry is tombstoned and compacted lazily.
func (q *Queue) CancelRestart(name string) {
	q.pos[name] = 0
	delete(q.startedAt, name)
	if e, ok := q.pending[name]; ok {
		e.cancelled = true
		delete(q.pending, name)
	}
}

// RestartReady pops and returns the daemons whose wake-time has passed,
// skipping tombstones.
func (q *Queue) RestartReady() []string {
	var ready []string
	now := q.now()
	for q.queue.Len() > 0 {
		head := q.queue[0]
		if head.cancelled {
			heap.Pop(&q.queue)
			continue
		}
		if head.at.After(now) {
			break
		}
		e := heap.Pop(&q.queue).(*entry)
		delete(q.pending, e.name)
		ready = append(ready, e.name)
	}
	return ready
}

// PendingAt returns the wake-time of the daemon's scheduled restart, if
// one is pending.
func (q *Queue) PendingAt(name string) (time.Time, bool) {
	e, ok := q.pending[name]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// List returns all scheduled restarts with their wake-times, in no
// particular order.
func (q *Queue) List() []Pending {
	list := make([]Pending, 0, len(q.pending))
	for name, e := range q.pending {
		list = append(list, Pending{Name: name, At: e.at})
	}
	return list
}
