/*
Package mailbox implements addressable, location-transparent mailboxes.

A Mailbox is a receive endpoint with a typed Handler. Its Address is a
small value that can be copied, compared, stored, and serialized; anyone
holding it can Send to the mailbox without knowing whether it lives in the
same process or on another peer of the cluster.

Delivery is best-effort and at-most-once. Send never blocks and never
reports an error. Messages to closed mailboxes, unknown workers or
unreachable peers are silently dropped. There are no acknowledgments and
no retries; if you need to know a message arrived, have the receiver
reply.

Workers

The process runs a fixed number of workers, each a goroutine draining its
own queue of tasks one at a time. A worker is the unit of serialization:
a Mailbox lives on the worker it was created on, and its Handler is only
ever invoked there, so handlers need no locking of their own against each
other.

A task's context.Context identifies its worker. Pass it along to New, Send
and Close. Code that is not running on a worker can use Manager.Do to run
something on one, or pass any context and get a worker chosen
round-robin.

Delivering a message always goes through the destination worker's queue,
even when the sender is already on that worker. A handler therefore never
runs inside the Send call that targeted it.

Local and Remote Delivery

A message to a mailbox in the same process is handed over as-is, with no
serialization. Do not modify a message after sending it.

A message to a mailbox on another peer is gob-encoded behind a small
routing header, and carried by a Transport. This package defines the
Transport contract; the memnet package implements it in memory for tests
and single-process use, and the cluster package implements it over TLS.
Types carried inside interface values must be registered with
RegisterType, as with any gob encoding.

Closing

Close unregisters a mailbox and then waits for any delivery that has
already started to return. After Close returns, the handler is never
invoked again. Close from inside the mailbox's own handler is legal and
does not wait.

Getting Started

	transport := memnet.NewNetwork(nil).Join(mailbox.NewPeerID())
	m, err := mailbox.NewManager(transport, mailbox.WithWorkers(4))
	if err != nil {
		// handle
	}
	go m.Serve(ctx)

	mbox := mailbox.New(ctx, m, func(ctx context.Context, n int) {
		fmt.Println("received", n)
	})
	defer mbox.Close(ctx)

	mailbox.Send(ctx, m, mbox.Address(), 42)
*/
package mailbox
