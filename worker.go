package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// ErrStopped is returned by Manager.Do when the worker stops before the
// function has run.
var ErrStopped = errors.New("mailbox worker stopped")

// A task is a unit of work run on one worker. The ctx it receives
// identifies that worker for as long as the task runs.
type task func(ctx context.Context)

type workerKey struct{}

// A taskRun is one execution of a task. It is what a task's ctx carries,
// so a ctx that outlives its task stops identifying the worker.
type taskRun struct {
	w    *worker
	live atomic.Bool
}

// A worker is one serial task loop. It is the Go rendition of a scheduler
// thread: everything posted to it runs on its goroutine, one task at a
// time, in posting order. Mailboxes living on the worker have their
// handlers invoked only from here.
//
// post never runs a task inline. A task posted from the worker to itself
// therefore runs only after the posting task returns, which gives every
// same-worker delivery the yield that handlers rely on to never see a
// delivery re-enter the code that sent it.
type worker struct {
	manager *Manager
	thread  ThreadID
	table   *table

	mu    sync.Mutex
	queue []task
	wake  chan struct{}

	// stopped is set once Serve returns because its ctx is done, and
	// cleared when it is served again. halted is closed at that moment.
	stopped bool
	halted  chan struct{}
}

func newWorker(m *Manager, thread ThreadID, workers int) *worker {
	return &worker{
		manager: m,
		thread:  thread,
		table:   newTable(thread, workers),
		queue:   make([]task, 0, 1),
		wake:    make(chan struct{}, 1),
		halted:  make(chan struct{}),
	}
}

// post appends t to the worker's queue. It never blocks on the worker.
func (w *worker) post(t task) {
	w.mu.Lock()
	w.queue = append(w.queue, t)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) pop() (task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return nil, false
	}

	t := w.queue[0]
	w.queue[0] = nil
	// in the common case of not having a backlog, this reuses the slot
	// instead of creating garbage.
	if len(w.queue) == 1 {
		w.queue = w.queue[:0]
	} else {
		w.queue = w.queue[1:]
	}
	return t, true
}

// postUnlessStopped is post for callers that wait on the task. It
// reports false if the worker has stopped, and otherwise returns a
// channel closed if the worker stops later.
func (w *worker) postUnlessStopped(t task) (<-chan struct{}, bool) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil, false
	}
	w.queue = append(w.queue, t)
	halted := w.halted
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return halted, true
}

// backlog returns the number of queued tasks.
func (w *worker) backlog() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Serve runs the worker until ctx is canceled. If a task panics, suture
// restarts the worker; the queue survives the restart.
func (w *worker) Serve(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = false
	w.mu.Unlock()

	for {
		for ctx.Err() == nil {
			t, ok := w.pop()
			if !ok {
				break
			}
			w.run(ctx, t)
		}

		select {
		case <-ctx.Done():
			w.halt()
			return nil
		case <-w.wake:
		}
	}
}

func (w *worker) run(ctx context.Context, t task) {
	r := &taskRun{w: w}
	r.live.Store(true)
	defer r.live.Store(false)

	t(context.WithValue(ctx, workerKey{}, r))
}

func (w *worker) halt() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	close(w.halted)
	w.halted = make(chan struct{})
}

func (w *worker) String() string {
	return fmt.Sprintf("mailbox worker %d on %s", w.thread, w.manager.peer)
}

// currentWorker returns the worker ctx is running on, if any. A ctx
// kept after its task returned is not running anywhere.
func currentWorker(ctx context.Context) *worker {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(workerKey{}).(*taskRun)
	if r == nil || !r.live.Load() {
		return nil
	}
	return r.w
}
