package mailbox

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

// timeout bounds every wait in the tests, so a broken delivery fails the
// test instead of hanging it.
var timeout = 5 * time.Second

// This file contains code that supports the tests, including:
// * A loopback transport that delivers to itself and records the rest
// * A test bed that runs a Manager over it
// * A function that returns whether a chunk of code panics.

type sentPayload struct {
	dest    PeerID
	tag     Tag
	payload []byte
}

// loopback is a Transport with no peers but itself. Payloads sent to
// itself are dispatched synchronously; anything else is recorded.
type loopback struct {
	self PeerID

	mu       sync.Mutex
	handlers map[Tag]MessageHandler
	sent     []sentPayload
	failures []error
}

func newLoopback() *loopback {
	return &loopback{
		self:     NewPeerID(),
		handlers: make(map[Tag]MessageHandler),
	}
}

func (l *loopback) Self() PeerID                 { return l.self }
func (l *loopback) Peers() []PeerID              { return nil }
func (l *loopback) IsConnected(peer PeerID) bool { return peer == l.self }

func (l *loopback) Register(tag Tag, h MessageHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, have := l.handlers[tag]; have {
		return ErrTagInUse
	}
	l.handlers[tag] = h
	return nil
}

func (l *loopback) SendBytes(ctx context.Context, dest PeerID, tag Tag, payload []byte) {
	l.mu.Lock()
	h := l.handlers[tag]
	if dest != l.self {
		l.sent = append(l.sent, sentPayload{dest, tag, payload})
		h = nil
	}
	l.mu.Unlock()

	if h == nil {
		return
	}
	if err := h.HandleMessage(ctx, l.self, bytes.NewReader(payload)); err != nil {
		l.Fail(l.self, err)
	}
}

func (l *loopback) Fail(peer PeerID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *loopback) sentPayloads() []sentPayload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentPayload(nil), l.sent...)
}

func (l *loopback) failed() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.failures...)
}

// testBed is a served Manager over a loopback transport.
type testBed struct {
	t         *testing.T
	ctx       context.Context
	transport *loopback
	m         *Manager
}

func newTestBed(t *testing.T, workers int) *testBed {
	t.Helper()

	transport := newLoopback()
	m, err := NewManager(transport, WithWorkers(workers), WithLogger(NullLogger))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := m.ServeBackground(ctx)
	t.Cleanup(func() {
		cancel()
		<-served
	})

	return &testBed{t: t, ctx: ctx, transport: transport, m: m}
}

// on runs f on the given worker and waits for it.
func (tb *testBed) on(thread ThreadID, f func(ctx context.Context)) {
	tb.t.Helper()

	ctx, cancel := context.WithTimeout(tb.ctx, timeout)
	defer cancel()
	if err := tb.m.Do(ctx, thread, f); err != nil {
		tb.t.Fatalf("can't run on thread %d: %v", thread, err)
	}
}

// barrier returns once everything already queued on every worker has
// run.
func (tb *testBed) barrier() {
	tb.t.Helper()

	for i := 0; i < tb.m.Workers(); i++ {
		tb.on(ThreadID(i), func(context.Context) {})
	}
}

func receive[T any](t *testing.T, c chan T) T {
	t.Helper()

	var v T
	select {
	case v = <-c:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a delivery")
	}
	return v
}

func panics(f func()) (panics bool) {
	defer func() {
		if r := recover(); r != nil {
			panics = true
		}
	}()

	f()

	return
}
