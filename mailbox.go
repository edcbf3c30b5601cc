package mailbox

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
)

func init() {
	var addr Address
	gob.Register(&addr)
}

// RegisterType registers a type to be sent across the cluster inside an
// interface value, as with a Mailbox[any].
//
// This wraps gob.Register, in case we ever change the encoding method.
func RegisterType(value interface{}) {
	gob.Register(value)
}

// A Handler receives the messages sent to a Mailbox. It is always invoked
// on the mailbox's home worker, so it never runs concurrently with another
// task of that worker. ctx identifies the worker and the delivery until
// the handler returns; pass it along to New, Send and Close.
type Handler[T any] func(ctx context.Context, msg T)

// readCallback is the type-erased face of a Handler.
type readCallback interface {
	// decode turns a serialized payload into a ready-to-run delivery.
	decode(payload []byte) (func(context.Context), error)

	// localHandler returns the Handler[T] for the local fast path.
	localHandler() any
}

type handlerCallback[T any] struct {
	h Handler[T]
}

func (hc handlerCallback[T]) decode(payload []byte) (func(context.Context), error) {
	var msg T
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) {
		hc.h(ctx, msg)
	}, nil
}

func (hc handlerCallback[T]) localHandler() any {
	return hc.h
}

// rawMailbox is the untyped endpoint the worker tables route to.
type rawMailbox struct {
	manager  *Manager
	thread   ThreadID
	id       ID
	callback readCallback
	drainer  drainer
}

func (r *rawMailbox) address() Address {
	return Address{peer: r.manager.peer, thread: r.thread, id: r.id}
}

func (r *rawMailbox) table() *table {
	return r.manager.workers[r.thread].table
}

// A Mailbox is a receive endpoint for messages of type T. Its Address can
// be handed out freely; anyone holding it, in this process or on another
// peer, can Send to it until the Mailbox is closed.
//
// A Mailbox lives on one worker for its whole life. Its Handler is only
// ever invoked there.
type Mailbox[T any] struct {
	raw *rawMailbox
}

// New creates a Mailbox on the worker ctx is running on, or on a worker
// chosen round-robin if ctx does not belong to one of m's workers. It
// never blocks, and the mailbox can receive messages as soon as New
// returns.
func New[T any](ctx context.Context, m *Manager, h Handler[T]) *Mailbox[T] {
	if h == nil {
		panic("mailbox: New called with a nil handler")
	}

	raw := &rawMailbox{
		manager:  m,
		thread:   m.threadFor(ctx),
		callback: handlerCallback[T]{h},
	}
	m.workers[raw.thread].table.register(raw)

	return &Mailbox[T]{raw}
}

// Address returns the address of this mailbox. It is safe to call from
// any goroutine.
func (mb *Mailbox[T]) Address() Address {
	return mb.raw.address()
}

// Thread returns the worker the mailbox lives on.
func (mb *Mailbox[T]) Thread() ThreadID {
	return mb.raw.thread
}

// Close unregisters the mailbox and waits for any deliveries that have
// already started to finish. Once Close returns the handler is never
// invoked again, and anything still in flight to this mailbox is
// dropped.
//
// Called from inside the mailbox's own handler, Close does not wait for
// that delivery, which is the only one that can be in progress. A ctx
// kept after its delivery returned gets no such exemption.
//
// Close may be called more than once. It can not be canceled.
func (mb *Mailbox[T]) Close(ctx context.Context) {
	r := mb.raw
	r.table().unregister(r.id)

	keep := 0
	if w := currentWorker(ctx); w != nil && w.manager == r.manager && w.thread == r.thread &&
		r.drainer.heldBy(ctx) {
		keep = 1
	}
	r.drainer.drain(keep)
}

func (mb *Mailbox[T]) String() string {
	return fmt.Sprintf("Mailbox(%s)", mb.raw.address())
}
