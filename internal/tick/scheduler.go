package tick

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickFunc advances one match by one bar. It returns done=true when the
// match no longer needs ticking, which cancels the task.
type TickFunc func(ctx context.Context, matchID string) (done bool, err error)

// Config configures the scheduler
type Config struct {
	Workers     int           // size of the worker pool
	CallTimeout time.Duration // bound on one firing's collaborator calls
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:     8,
		CallTimeout: 2 * time.Second,
	}
}

type task struct {
	matchID   string
	interval  time.Duration
	nextFire  time.Time
	cancelled bool
	running   bool
	heapIdx   int // -1 when not in the heap
}

// Scheduler owns one recurring tick task per active match. A single
// dispatcher goroutine tracks next-fire times in a min-heap and hands due
// tasks to a bounded worker pool. Firings for the same match never
// overlap, and a firing that cannot run on time is skipped rather than
// burst-fired later.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task
	queue taskQueue

	fn      TickFunc
	timeout time.Duration
	log     *zap.Logger

	wake   chan struct{}
	workCh chan *task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates and starts a scheduler driving fn
func NewScheduler(config Config, log *zap.Logger, fn TickFunc) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultConfig().CallTimeout
	}

	s := &Scheduler{
		tasks:   make(map[string]*task),
		fn:      fn,
		timeout: config.CallTimeout,
		log:     log.Named("tick"),
		wake:    make(chan struct{}, 1),
		workCh:  make(chan *task, config.Workers),
		stopCh:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.dispatch()

	for i := 0; i < config.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

// StartTicking registers a recurring tick task for a match. Registering an
// already-ticking match resets its task to the new interval.
func (s *Scheduler) StartTicking(matchID string, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	if old, ok := s.tasks[matchID]; ok {
		old.cancelled = true
		if old.heapIdx >= 0 {
			heap.Remove(&s.queue, old.heapIdx)
		}
	}
	t := &task{
		matchID:  matchID,
		interval: interval,
		nextFire: time.Now().Add(interval),
		heapIdx:  -1,
	}
	s.tasks[matchID] = t
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	s.notify()
}

// StopTicking cancels a match's tick task. Calling it for an unknown or
// already-cancelled match is a no-op.
func (s *Scheduler) StopTicking(matchID string) {
	s.mu.Lock()
	t, ok := s.tasks[matchID]
	if ok {
		t.cancelled = true
		if t.heapIdx >= 0 {
			heap.Remove(&s.queue, t.heapIdx)
		}
		delete(s.tasks, matchID)
	}
	s.mu.Unlock()
}

// Active returns the number of registered tick tasks
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop halts the dispatcher and workers
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.notify()
	s.wg.Wait()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch pops due tasks off the heap and feeds them to the worker pool
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		now := time.Now()

		for s.queue.Len() > 0 {
			next := s.queue[0]
			if next.cancelled {
				heap.Pop(&s.queue)
				continue
			}
			if next.nextFire.After(now) {
				wait = next.nextFire.Sub(now)
				break
			}

			heap.Pop(&s.queue)
			next.advance(now)
			heap.Push(&s.queue, next)

			if next.running {
				// Previous firing still executing: skip this one,
				// same-match ticks are serialized.
				continue
			}

			select {
			case s.workCh <- next:
				next.running = true
			default:
				// Pool saturated. Skip the firing rather than queue a
				// backlog that would burst later.
				s.log.Warn("tick skipped, worker pool saturated",
					zap.String("match_id", next.matchID))
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case t := <-s.workCh:
			s.fire(t)
		case <-s.stopCh:
			return
		}
	}
}

// fire executes a single tick with panic isolation: one bad firing must
// not take down the worker, this match's future ticks, or other matches.
func (s *Scheduler) fire(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick panicked",
				zap.String("match_id", t.matchID),
				zap.Any("panic", r))
		}
		s.mu.Lock()
		t.running = false
		s.mu.Unlock()
		s.notify()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	done, err := s.fn(ctx, t.matchID)
	if err != nil {
		s.log.Warn("tick failed",
			zap.String("match_id", t.matchID),
			zap.Error(err))
	}
	if done {
		s.StopTicking(t.matchID)
	}
}

// advance moves the task's next-fire time forward, skipping any firings
// that were missed under load instead of scheduling them back to back.
func (t *task) advance(now time.Time) {
	t.nextFire = t.nextFire.Add(t.interval)
	if !t.nextFire.After(now) {
		t.nextFire = now.Add(t.interval)
	}
}

// taskQueue is a min-heap ordered by next-fire time
type taskQueue []*task

func (q taskQueue) Len() int           { return len(q) }
func (q taskQueue) Less(i, j int) bool { return q[i].nextFire.Before(q[j].nextFire) }
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIdx = i
	q[j].heapIdx = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.heapIdx = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*q = old[:n-1]
	return t
}
