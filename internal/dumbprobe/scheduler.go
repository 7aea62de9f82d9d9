package dumbprobe

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/dozzie/seismometer-toolbox/internal/poll"
)

// schedTick bounds one scheduler wait so new deadlines and cancellation
// are noticed promptly.
const schedTick = 100 * time.Millisecond

// reopenDelay is how long a stream handle rests after EOF before the
// scheduler tries to open it again.
const reopenDelay = 60 * time.Second

// entry is one element of the time-ordered queue: either a check to run
// or a stream handle to (re)open.
type entry struct {
	at     time.Time
	check  Check
	handle Handle
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

// Scheduler interleaves timed checks with poll-driven stream handles and
// hands the produced messages to its caller.
type Scheduler struct {
	queue    entryHeap
	registry *poll.Registry
	handles  map[int]Handle
	log      *zap.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an empty scheduler.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{
		registry: poll.New(),
		handles:  make(map[int]Handle),
		log:      log,
		now:      time.Now,
	}
}

// AddCheck enqueues a timed check at its declared next run time.
func (s *Scheduler) AddCheck(c Check) {
	heap.Push(&s.queue, &entry{at: c.NextRun(), check: c})
}

// AddHandle opens a stream handle and registers it for polling. A handle
// that fails to open is scheduled for a reopen attempt like one that hit
// EOF.
func (s *Scheduler) AddHandle(h Handle) {
	s.openHandle(h)
}

// Next blocks until the next batch of messages is produced, either by a
// due check or by a readable stream handle, and returns it. It returns
// the context's error once the context is cancelled. Check failures are
// logged and the check stays scheduled.
func (s *Scheduler) Next(ctx context.Context) ([]Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		wait := schedTick
		if s.queue.Len() > 0 {
			head := s.queue[0]
			if until := head.at.Sub(s.now()); until <= 0 {
				e := heap.Pop(&s.queue).(*entry)
				if e.handle != nil {
					s.openHandle(e.handle)
					continue
				}
				msgs := s.runCheck(e.check)
				heap.Push(&s.queue, &entry{at: e.check.NextRun(), check: e.check})
				if len(msgs) > 0 {
					return msgs, nil
				}
				continue
			} else if until < wait {
				wait = until
			}
		}

		ready, err := s.registry.Poll(wait)
		if err != nil {
			s.log.Error("poll failed", zap.Error(err))
			continue
		}
		var msgs []Message
		for _, h := range ready {
			handle, ok := s.handles[h.Fileno()]
			if !ok {
				continue
			}
			got, err := handle.ReadMessages()
			msgs = append(msgs, got...)
			if errors.Is(err, io.EOF) {
				s.retireHandle(handle)
			}
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
}

// runCheck executes one check, containing panics and logging failures.
func (s *Scheduler) runCheck(c Check) (msgs []Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("check panicked",
				zap.String("check", c.Name()),
				zap.String("panic", fmt.Sprint(r)))
			msgs = nil
		}
	}()
	msgs, err := c.Run()
	if err != nil {
		s.log.Warn("check failed",
			zap.String("check", c.Name()), zap.Error(err))
	}
	return msgs
}

// openHandle tries to open a stream handle; on failure it goes back on
// the queue for another attempt.
func (s *Scheduler) openHandle(h Handle) {
	if err := h.Open(); err != nil {
		s.log.Warn("opening stream failed, will retry",
			zap.String("stream", h.Name()),
			zap.Duration("retry_in", reopenDelay),
			zap.Error(err))
		heap.Push(&s.queue, &entry{at: s.now().Add(reopenDelay), handle: h})
		return
	}
	s.handles[h.Fileno()] = h
	s.registry.Add(h)
}

// retireHandle closes a finished stream and schedules a reopen attempt.
func (s *Scheduler) retireHandle(h Handle) {
	s.log.Info("stream ended, will reopen",
		zap.String("stream", h.Name()),
		zap.Duration("reopen_in", reopenDelay))
	s.registry.Remove(h)
	delete(s.handles, h.Fileno())
	h.Close()
	heap.Push(&s.queue, &entry{at: s.now().Add(reopenDelay), handle: h})
}

// Close tears down all open stream handles.
func (s *Scheduler) Close() {
	for _, h := range s.handles {
		s.registry.Remove(h)
		h.Close()
	}
	s.handles = make(map[int]Handle)
}
