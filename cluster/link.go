package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/kyawmyohlaing/mailbox"
	"github.com/kyawmyohlaing/mailbox/internal/wire"
)

// A link connects the local transport with one peer. Whichever side
// dialed, once the session is up it is symmetric and both sides run this.
//
// The link is retained across sessions; it holds the outgoing queue so
// that SendBytes never waits on the network. The link for the local peer
// has no session and dispatches its frames locally.
type link struct {
	transport *Transport
	peer      mailbox.PeerID

	mu      sync.Mutex
	session *session
	queue   []*wire.Frame
	wake    chan struct{}
}

func newLink(t *Transport, peer mailbox.PeerID) *link {
	return &link{
		transport: t,
		peer:      peer,
		wake:      make(chan struct{}, 1),
	}
}

func (l *link) current() *session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func (l *link) swap(s *session) *session {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.session
	l.session = s
	return old
}

// clear unsets s, returning false if s was no longer current. Frames
// still queued for the session are dropped with it.
func (l *link) clear(s *session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != s {
		return false
	}
	l.session = nil
	l.queue = nil
	return true
}

func (l *link) enqueue(f *wire.Frame) {
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *link) pop() (*wire.Frame, *session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, l.session
	}
	f := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return f, l.session
}

func (l *link) Serve(ctx context.Context) error {
	t := l.transport
	for {
		for ctx.Err() == nil {
			f, s := l.pop()
			if f == nil {
				break
			}

			if l.peer == t.self {
				if err := t.dispatch(ctx, l.peer, f); err != nil {
					t.Fail(l.peer, err)
				}
				continue
			}

			if s == nil {
				t.logger.Trace("dropping payload for %s: not connected", l.peer)
				continue
			}
			if err := s.send(f); err != nil {
				s.fail(err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

func (l *link) String() string {
	return fmt.Sprintf("link %s -> %s", l.transport.self, l.peer)
}
