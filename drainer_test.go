package mailbox

import (
	"context"
	"testing"
	"time"
)

func TestDrainerTickets(t *testing.T) {
	t.Parallel()

	var d drainer

	t1, ok := d.acquire()
	if !ok {
		t.Fatal("can't acquire from a fresh drainer")
	}
	t2, _ := d.acquire()
	if d.outstanding() != 2 {
		t.Fatalf("expected 2 tickets, have %d", d.outstanding())
	}

	drained := make(chan struct{})
	go func() {
		d.drain(0)
		close(drained)
	}()

	// once draining has begun, no more tickets
	for {
		d.mu.Lock()
		draining := d.draining
		d.mu.Unlock()
		if draining {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := d.acquire(); ok {
		t.Fatal("acquired a ticket while draining")
	}

	t1.release()
	select {
	case <-drained:
		t.Fatal("drain returned with a ticket outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	t2.release()
	receive(t, drained)

	if !panics(t2.release) {
		t.Fatal("releasing past zero did not panic")
	}
}

func TestDrainerKeep(t *testing.T) {
	t.Parallel()

	var d drainer
	tk, _ := d.acquire()

	// returns at once when only the kept ticket is outstanding
	d.drain(1)
	d.drain(1)

	if _, ok := d.acquire(); ok {
		t.Fatal("acquired a ticket after drain")
	}
	tk.release()

	// nothing outstanding: waiting returns at once too
	d.drain(0)
}

func TestDrainerHeldBy(t *testing.T) {
	t.Parallel()

	var d, other drainer
	tk, _ := d.acquire()
	defer tk.release()

	ctx := tk.context(context.Background())
	if !d.heldBy(ctx) {
		t.Fatal("ticket context not recognized by its drainer")
	}
	if other.heldBy(ctx) || d.heldBy(context.Background()) {
		t.Fatal("ticket context recognized where it was never issued")
	}
}
