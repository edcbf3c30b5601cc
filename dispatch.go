package mailbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// headerSize is the routing header that precedes every mailbox payload:
// the destination thread as a big-endian int32, then the mailbox ID as a
// big-endian uint64.
const headerSize = 4 + 8

func writeHeader(buf *bytes.Buffer, thread ThreadID, id ID) {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(thread))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(id))
	buf.Write(hdr[:])
}

func readHeader(r io.Reader) (ThreadID, ID, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	return ThreadID(int32(binary.BigEndian.Uint32(hdr[0:4]))),
		ID(binary.BigEndian.Uint64(hdr[4:12])),
		nil
}

// HandleMessage implements MessageHandler for TagMailbox. It consumes the
// whole of r, then hands the message to the destination worker.
//
// A corrupt header is returned as ErrMalformedMessage. A payload that does
// not decode into the destination's message type is reported to the
// transport through Fail, once the destination worker gets to it.
// Everything else that can't be delivered is dropped.
func (m *Manager) HandleMessage(ctx context.Context, source PeerID, r io.Reader) error {
	thread, id, err := readHeader(r)
	if err != nil {
		return fmt.Errorf("%w: header from %s: %v", ErrMalformedMessage, source, err)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: payload from %s: %v", ErrMalformedMessage, source, err)
	}

	if thread == AnyThread {
		thread = m.threadFor(ctx)
	}

	w := m.worker(thread)
	if w == nil {
		m.dropped.Inc()
		m.logger.Warn("message from %s for mailbox %d on thread %s, but there are only %d threads",
			source, id, thread, len(m.workers))
		return nil
	}

	w.post(func(ctx context.Context) {
		m.deliverRemote(ctx, w, source, id, payload)
	})
	return nil
}

func (m *Manager) deliverRemote(ctx context.Context, w *worker, source PeerID, id ID, payload []byte) {
	mbox := w.table.find(id)
	if mbox == nil {
		m.drop(id, "no such mailbox")
		return
	}

	tk, ok := mbox.drainer.acquire()
	if !ok {
		m.drop(id, "mailbox draining")
		return
	}
	defer tk.release()

	deliver, err := mbox.callback.decode(payload)
	if err != nil {
		m.decodeFailures.Inc()
		m.logger.Error("can't decode message from %s for %s: %s", source, mbox.address(), err)
		m.transport.Fail(source, fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		return
	}

	m.remoteDeliveries.Inc()
	deliver(tk.context(ctx))
}
