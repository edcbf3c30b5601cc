package mailbox

import (
	"math"
	"testing"
)

func TestTableIDs(t *testing.T) {
	t.Parallel()

	const workers = 3
	tables := []*table{newTable(0, workers), newTable(1, workers), newTable(2, workers)}

	seen := map[ID]bool{}
	for i := 0; i < 100; i++ {
		for thread, tab := range tables {
			id := tab.generateID()
			if seen[id] {
				t.Fatalf("ID %d handed out twice", id)
			}
			seen[id] = true
			if int(uint64(id)%workers) != thread {
				t.Fatalf("ID %d from table %d does not encode its thread", id, thread)
			}
		}
	}
}

func TestTableRegistration(t *testing.T) {
	t.Parallel()

	tab := newTable(0, 1)
	a := &rawMailbox{}
	b := &rawMailbox{}
	tab.register(a)
	tab.register(b)

	if a.id == b.id {
		t.Fatal("two registrations got the same ID")
	}
	if tab.find(a.id) != a || tab.find(b.id) != b {
		t.Fatal("find did not return the registered mailbox")
	}

	tab.unregister(a.id)
	tab.unregister(a.id)
	if tab.find(a.id) != nil {
		t.Fatal("unregistered mailbox is still found")
	}
	if tab.len() != 1 {
		t.Fatalf("expected 1 mailbox, have %d", tab.len())
	}
}

func TestTableIDExhaustion(t *testing.T) {
	t.Parallel()

	tab := newTable(1, 3)
	tab.nextSerial.Store(math.MaxUint64 / 3)

	if !panics(func() { tab.generateID() }) {
		t.Fatal("running out of IDs did not panic")
	}
}
