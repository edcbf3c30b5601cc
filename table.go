package mailbox

import (
	"math"
	"sync"

	"go.uber.org/atomic"
)

// A table routes mailbox IDs to the mailboxes living on one worker.
//
// The table never owns a mailbox; it only observes it for routing. An ID
// found in the table always resolves to a mailbox that has not begun
// closing, because Close removes the entry before it drains.
type table struct {
	thread  ThreadID
	workers uint64

	// nextSerial is multiplied by the worker count and offset by this
	// table's thread, so IDs from different tables never collide.
	nextSerial atomic.Uint64

	// Registration can come from any goroutine, routing lookups come
	// from the owning worker. Both are rare compared to message
	// handling, so a plain RWMutex is enough.
	sync.RWMutex
	mailboxes map[ID]*rawMailbox
}

func newTable(thread ThreadID, workers int) *table {
	return &table{
		thread:    thread,
		workers:   uint64(workers),
		mailboxes: make(map[ID]*rawMailbox),
	}
}

// generateID returns an ID never before returned by any table of the same
// Manager. Running out of IDs is fatal.
func (t *table) generateID() ID {
	serial := t.nextSerial.Inc()
	if serial > (math.MaxUint64-uint64(t.thread))/t.workers {
		panic("mailbox: mailbox ID space exhausted")
	}
	return ID(serial*t.workers + uint64(t.thread))
}

// register assigns a fresh ID to mbox and makes it routable.
func (t *table) register(mbox *rawMailbox) {
	mbox.id = t.generateID()

	t.Lock()
	defer t.Unlock()

	t.mailboxes[mbox.id] = mbox
}

func (t *table) unregister(id ID) {
	t.Lock()
	defer t.Unlock()

	delete(t.mailboxes, id)
}

// find returns the mailbox with the given ID, or nil.
func (t *table) find(id ID) *rawMailbox {
	t.RLock()
	defer t.RUnlock()

	return t.mailboxes[id]
}

func (t *table) len() int {
	t.RLock()
	defer t.RUnlock()

	return len(t.mailboxes)
}
