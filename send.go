package mailbox

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
)

// Send delivers msg to the mailbox at dest, at most once, on a best-effort
// basis. It never blocks and never reports failure: a message to a closed
// mailbox, an unknown worker or an unreachable peer is silently dropped.
// A destination on this peer that can't be found here is dropped without
// touching the transport, since looping it back would only miss again.
// If you need to know a message arrived, have the receiver reply.
//
// A destination in this process gets msg itself, on the destination's
// worker, without serialization. Do not modify msg after sending it. A
// destination on another peer gets a gob-encoded copy; types sent inside
// interface values must be registered with RegisterType.
//
// Sending to a local mailbox whose Handler takes a type other than T is a
// programming error and panics.
func Send[T any](ctx context.Context, m *Manager, dest Address, msg T) {
	if dest.IsNil() {
		m.drop(dest, "nil address")
		return
	}

	if dest.peer == m.peer {
		if !sendLocal(ctx, m, dest, msg) {
			m.drop(dest, "no such local mailbox")
		}
		return
	}

	sendRemote(ctx, m, dest, msg)
}

// sendLocal is the fast path for destinations on this peer. It reports
// false when dest can not be resolved here.
func sendLocal[T any](ctx context.Context, m *Manager, dest Address, msg T) bool {
	thread := dest.thread
	if thread == AnyThread {
		thread = m.threadFor(ctx)
	}

	w := m.worker(thread)
	if w == nil {
		return false
	}

	mbox := w.table.find(dest.id)
	if mbox == nil || mbox.manager.peer != dest.peer {
		return false
	}

	h, ok := mbox.callback.localHandler().(Handler[T])
	if !ok {
		panic(fmt.Sprintf("mailbox: sent a %T to %s, which does not handle that type", msg, dest))
	}

	id := dest.id
	w.post(func(ctx context.Context) {
		deliverLocal(ctx, w, id, h, msg)
	})
	return true
}

func deliverLocal[T any](ctx context.Context, w *worker, id ID, h Handler[T], msg T) {
	m := w.manager

	mbox := w.table.find(id)
	if mbox == nil {
		m.drop(id, "mailbox closed before delivery")
		return
	}

	tk, ok := mbox.drainer.acquire()
	if !ok {
		m.drop(id, "mailbox draining")
		return
	}
	defer tk.release()

	m.localDeliveries.Inc()
	h(tk.context(ctx), msg)
}

func sendRemote[T any](ctx context.Context, m *Manager, dest Address, msg T) {
	var buf bytes.Buffer
	writeHeader(&buf, dest.thread, dest.id)

	// Encoding through a pointer keeps interface types intact, so a
	// Mailbox[any] on the far side can decode them.
	if err := gob.NewEncoder(&buf).Encode(&msg); err != nil {
		m.dropped.Inc()
		m.logger.Error("can't encode %T for %s: %s", msg, dest, err)
		return
	}

	m.transport.SendBytes(ctx, dest.peer, TagMailbox, buf.Bytes())
}
