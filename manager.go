package mailbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/atomic"
)

// ErrNoSuchThread is returned when a ThreadID does not name one of the
// Manager's workers.
var ErrNoSuchThread = errors.New("no such worker thread")

// A Manager ties the mailboxes of one process to a Transport. It owns one
// worker per scheduler thread, each with the table of mailboxes living on
// it, and receives every TagMailbox message the transport delivers.
//
// The Manager is a suture.Service. Nothing is delivered until it is
// served; messages posted before that wait in the worker queues.
//
// A Manager does not own the mailboxes created on it. It lives as long as
// the process (or test) does.
type Manager struct {
	*suture.Supervisor

	peer      PeerID
	transport Transport
	workers   []*worker
	logger    Logger

	nextThread atomic.Uint32

	localDeliveries  atomic.Uint64
	remoteDeliveries atomic.Uint64
	dropped          atomic.Uint64
	decodeFailures   atomic.Uint64
}

// An Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	workers int
	logger  Logger
}

// WithWorkers sets the number of worker threads. The default is
// runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(o *managerOptions) {
		o.workers = n
	}
}

// WithLogger sets the logger. The default is StdLogger.
func WithLogger(l Logger) Option {
	return func(o *managerOptions) {
		o.logger = l
	}
}

// WithConfig applies a loaded Config: its worker count, and a logger built
// from its log settings writing to standard error.
func WithConfig(cfg *Config) Option {
	return func(o *managerOptions) {
		if cfg.Workers > 0 {
			o.workers = cfg.Workers
		}
		o.logger = cfg.Logger(nil)
	}
}

// NewManager creates the Manager for the process that t connects, and
// registers it on t for TagMailbox.
func NewManager(t Transport, opts ...Option) (*Manager, error) {
	if t == nil {
		return nil, errors.New("nil transport passed to NewManager")
	}

	o := managerOptions{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		return nil, fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, o.workers)
	}

	self := t.Self()
	if self.IsZero() {
		return nil, errors.New("transport has no peer id")
	}

	m := &Manager{
		peer:      self,
		transport: t,
		logger:    resolveLog(o.logger),
	}

	l := m.logger
	m.Supervisor = suture.New(
		fmt.Sprintf("mailbox manager for %s", self),
		suture.Spec{
			EventHook: func(e suture.Event) {
				l.Warn(e.String())
			},
			FailureDecay:     30,
			FailureThreshold: 5,
			FailureBackoff:   time.Second,
		},
	)

	m.workers = make([]*worker, o.workers)
	for i := range m.workers {
		m.workers[i] = newWorker(m, ThreadID(i), o.workers)
		m.Add(m.workers[i])
	}

	if err := t.Register(TagMailbox, m); err != nil {
		return nil, fmt.Errorf("can't register mailbox handler: %w", err)
	}

	m.logger.Info("mailbox manager for %s started with %d workers", self, o.workers)
	return m, nil
}

// Peer returns the PeerID of this process.
func (m *Manager) Peer() PeerID {
	return m.peer
}

// Workers returns the number of worker threads.
func (m *Manager) Workers() int {
	return len(m.workers)
}

// Connectivity returns the transport's view of the cluster.
func (m *Manager) Connectivity() ConnectivityService {
	return m.transport
}

// CurrentThread returns the worker ctx is running on. ok is false if ctx
// does not belong to one of m's workers.
func (m *Manager) CurrentThread(ctx context.Context) (thread ThreadID, ok bool) {
	if w := currentWorker(ctx); w != nil && w.manager == m {
		return w.thread, true
	}
	return 0, false
}

// Do runs f on the given worker and waits for it to return. If ctx belongs
// to the task the worker is running right now, f runs immediately.
// Otherwise f is queued and receives the worker's own context. Do gives
// up waiting, but does not cancel f, when ctx is done. It returns
// ErrStopped if the worker has stopped, or stops before running f.
//
// Do is for code outside the task model, such as tests and startup
// sequences, that needs to act as a particular thread.
func (m *Manager) Do(ctx context.Context, thread ThreadID, f func(ctx context.Context)) error {
	w := m.worker(thread)
	if w == nil {
		return fmt.Errorf("%w: %d", ErrNoSuchThread, thread)
	}

	if currentWorker(ctx) == w {
		f(ctx)
		return nil
	}

	done := make(chan struct{})
	halted, ok := w.postUnlessStopped(func(wctx context.Context) {
		defer close(done)
		f(wctx)
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrStopped, w)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-halted:
		select {
		case <-done:
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrStopped, w)
		}
	}
}

// Stats is a snapshot of the Manager's counters.
type Stats struct {
	// LocalDeliveries counts handler invocations through the local fast
	// path.
	LocalDeliveries uint64
	// RemoteDeliveries counts handler invocations of decoded messages,
	// including ones that looped back through the transport.
	RemoteDeliveries uint64
	// Dropped counts messages that reached no handler.
	Dropped uint64
	// DecodeFailures counts payloads that could not be decoded.
	DecodeFailures uint64
	// Mailboxes is the number of currently registered mailboxes.
	Mailboxes int
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		LocalDeliveries:  m.localDeliveries.Load(),
		RemoteDeliveries: m.remoteDeliveries.Load(),
		Dropped:          m.dropped.Load(),
		DecodeFailures:   m.decodeFailures.Load(),
	}
	for _, w := range m.workers {
		s.Mailboxes += w.table.len()
	}
	return s
}

func (m *Manager) String() string {
	return fmt.Sprintf("mailbox manager for %s", m.peer)
}

func (m *Manager) worker(thread ThreadID) *worker {
	if thread < 0 || int(thread) >= len(m.workers) {
		return nil
	}
	return m.workers[thread]
}

// threadFor resolves "the current thread" for ctx: the worker it runs on,
// or the next worker round-robin for callers outside m's workers.
func (m *Manager) threadFor(ctx context.Context) ThreadID {
	if thread, ok := m.CurrentThread(ctx); ok {
		return thread
	}
	n := m.nextThread.Inc() - 1
	return ThreadID(n % uint32(len(m.workers)))
}

func (m *Manager) drop(dest interface{}, why string) {
	m.dropped.Inc()
	m.logger.Trace("dropped message for %v: %s", dest, why)
}
