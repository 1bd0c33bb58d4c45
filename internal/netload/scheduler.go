package netload

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type task struct {
	ctx context.Context
	h   Handler

	// set when a worker takes the task off the queue
	runCtx context.Context
	cancel context.CancelFunc
}

// Scheduler runs pipeline requests on a bounded pool of workers. Workers are
// started on demand up to the configured maximum and exit after being idle
// for the idle timeout. Work beyond the pool's capacity waits in FIFO order.
type Scheduler struct {
	pipeline *Pipeline
	log      zerolog.Logger
	max      int
	idle     time.Duration

	mu      sync.Mutex
	queue   *list.List
	running map[*task]struct{}
	workers int
	waiting int
	closed  bool

	notify    chan struct{}
	base      context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewScheduler returns a scheduler running at most workers requests at a
// time. An idle timeout of zero keeps workers alive until Close.
func NewScheduler(p *Pipeline, workers int, idle time.Duration, log zerolog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		pipeline: p,
		log:      log.With().Str("component", "scheduler").Logger(),
		max:      workers,
		idle:     idle,
		queue:    list.New(),
		running:  map[*task]struct{}{},
		notify:   make(chan struct{}, workers),
		base:     base,
		stop:     stop,
	}
}

// Schedule queues h. The request later runs with ctx, so the principal of
// ctx at this call is the one the request runs as. Cancelling ctx aborts the
// request.
func (s *Scheduler) Schedule(ctx context.Context, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queue.PushBack(&task{ctx: ctx, h: h})
	if s.waiting > 0 {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	// idle workers cover part of the queue at most
	if s.queue.Len() > s.waiting && s.workers < s.max {
		s.workers++
		s.wg.Add(1)
		go s.worker()
	}
	return nil
}

// Inline runs h on the calling goroutine, outside the pool.
func (s *Scheduler) Inline(ctx context.Context, h Handler) {
	s.pipeline.Run(ctx, h)
}

// Cancel drops queued work for h and aborts it if it is running. Dropped
// work still reports PhaseDone. Cancelling finished work does nothing.
func (s *Scheduler) Cancel(h Handler) {
	s.mu.Lock()
	var dropped []*task
	for e := s.queue.Front(); e != nil; {
		next := e.Next()
		if t := e.Value.(*task); t.h == h {
			s.queue.Remove(e)
			dropped = append(dropped, t)
		}
		e = next
	}
	// taken off the queue but not yet known to the pipeline
	for t := range s.running {
		if t.h == h {
			t.cancel()
		}
	}
	s.mu.Unlock()

	s.finishDropped(dropped)
	s.pipeline.Abort(h)
}

// CancelAll drops all queued work and aborts every running request.
func (s *Scheduler) CancelAll() {
	s.finishDropped(s.drain())
	s.mu.Lock()
	for t := range s.running {
		t.cancel()
	}
	s.mu.Unlock()
	s.pipeline.AbortAll()
}

// Close cancels everything and waits for the workers to exit. Schedule
// fails afterwards.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.stop()
		s.CancelAll()
		s.wg.Wait()
	})
}

// Workers returns the number of live workers.
func (s *Scheduler) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

// Queued returns the number of requests waiting for a worker.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) drain() []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task, 0, s.queue.Len())
	for e := s.queue.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*task))
	}
	s.queue.Init()
	return out
}

func (s *Scheduler) finishDropped(tasks []*task) {
	for _, t := range tasks {
		s.log.Debug().Str("url", urlString(t.h.LatestURL())).Msg("Dropped queued request")
		s.pipeline.safely(func() {
			t.h.HandleProgress(PhaseDone, t.h.LatestURL(), t.h.LatestMethod(), 0, -1)
		})
	}
}

func (s *Scheduler) next() (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	e := s.queue.Front()
	if e == nil {
		return nil, false
	}
	t := s.queue.Remove(e).(*task)
	t.runCtx, t.cancel = context.WithCancel(t.ctx)
	s.running[t] = struct{}{}
	return t, true
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		if t, ok := s.next(); ok {
			s.run(t)
			continue
		}
		if !s.wait() {
			return
		}
	}
}

// run executes a task returned by next. Its context is also cancelled by
// Cancel and Close.
func (s *Scheduler) run(t *task) {
	defer func() {
		s.mu.Lock()
		delete(s.running, t)
		s.mu.Unlock()
		t.cancel()
	}()
	stop := context.AfterFunc(s.base, t.cancel)
	defer stop()
	s.pipeline.Run(t.runCtx, t.h)
}

// wait parks an idle worker until work arrives. It returns false when the
// worker has been retired, in which case it is no longer counted.
func (s *Scheduler) wait() bool {
	s.mu.Lock()
	if s.closed {
		s.workers--
		s.mu.Unlock()
		return false
	}
	if s.queue.Len() > 0 {
		s.mu.Unlock()
		return true
	}
	s.waiting++
	s.mu.Unlock()

	var timeout <-chan time.Time
	if s.idle > 0 {
		t := time.NewTimer(s.idle)
		defer t.Stop()
		timeout = t.C
	}

	retire := false
	select {
	case <-s.notify:
	case <-s.base.Done():
		retire = true
	case <-timeout:
		retire = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting--
	if retire && (s.closed || s.queue.Len() == 0) {
		s.workers--
		return false
	}
	return true
}
