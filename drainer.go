package mailbox

import (
	"context"
	"sync"
)

// A drainer hands out delivery tickets for a mailbox and lets the
// mailbox's Close wait for outstanding tickets to be returned.
//
// Once draining has begun no new ticket is issued, so the number of
// outstanding tickets can only go down.
type drainer struct {
	mu       sync.Mutex
	tickets  int
	draining bool
	released *sync.Cond
}

// A ticket is proof that its holder may invoke the mailbox's handler.
// It must be released exactly once.
type ticket struct {
	d *drainer
}

type ticketKey struct{}

func (d *drainer) acquire() (ticket, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.draining {
		return ticket{}, false
	}
	d.tickets++
	return ticket{d}, true
}

func (t ticket) release() {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tickets <= 0 {
		panic("mailbox: delivery ticket released twice")
	}
	d.tickets--
	if d.released != nil {
		d.released.Broadcast()
	}
}

// context returns ctx marked as held by the delivery owning t.
func (t ticket) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, ticketKey{}, t.d)
}

// heldBy reports whether ctx belongs to a delivery holding one of d's
// tickets.
func (d *drainer) heldBy(ctx context.Context) bool {
	held, _ := ctx.Value(ticketKey{}).(*drainer)
	return held == d
}

// drain stops issuing tickets, then blocks until no more than keep
// tickets are outstanding. It is safe to call more than once.
func (d *drainer) drain(keep int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.draining = true
	if d.released == nil {
		d.released = sync.NewCond(&d.mu)
	}
	for d.tickets > keep {
		d.released.Wait()
	}
}

// outstanding returns the number of tickets currently held.
func (d *drainer) outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tickets
}
