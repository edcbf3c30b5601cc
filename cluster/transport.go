package cluster

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/kyawmyohlaing/mailbox"
	"github.com/kyawmyohlaing/mailbox/internal/wire"
)

// A Transport connects this peer to the rest of a Cluster over mutually
// authenticated TLS, and implements mailbox.Transport on top of it.
//
// Each pair of peers shares one session. The peer with the lower ID dials,
// the other listens. Either side may send on the session once it is up.
// Payloads sent while there is no session to their destination are
// dropped.
//
// The Transport is a suture.Service; nothing connects until it is served.
type Transport struct {
	*suture.Supervisor

	cluster *Cluster
	self    mailbox.PeerID
	logger  mailbox.Logger

	listener   *listener
	connectors []*connector

	mu        sync.Mutex
	handlers  map[mailbox.Tag]mailbox.MessageHandler
	links     map[mailbox.PeerID]*link
	callbacks []func(mailbox.PeerID, bool)
	changed   chan struct{}
}

var _ mailbox.Transport = (*Transport)(nil)

func newTransport(cluster *Cluster, l mailbox.Logger) *Transport {
	self := cluster.ThisNode.peer

	t := &Transport{
		cluster:  cluster,
		self:     self,
		logger:   l,
		handlers: make(map[mailbox.Tag]mailbox.MessageHandler),
		links:    make(map[mailbox.PeerID]*link, len(cluster.Nodes)),
		changed:  make(chan struct{}),
	}

	t.Supervisor = suture.New(
		fmt.Sprintf("cluster transport for %s", self),
		suture.Spec{
			EventHook: func(e suture.Event) {
				l.Warn(e.String())
			},
			FailureDecay:     60,
			FailureThreshold: float64(len(cluster.Nodes)/2 + 1),
			FailureBackoff:   time.Second,
		},
	)

	needListener := false
	for peer, node := range cluster.Nodes {
		lnk := newLink(t, peer)
		t.links[peer] = lnk
		t.Add(lnk)

		switch {
		case peer == self:
		case self.Less(peer):
			c := &connector{transport: t, dest: node}
			t.connectors = append(t.connectors, c)
			t.Add(c)
		default:
			needListener = true
		}
	}

	if needListener {
		t.listener = newListener(t)
		t.Add(t.listener)
	}

	return t
}

// Self returns the local peer.
func (t *Transport) Self() mailbox.PeerID {
	return t.self
}

// Cluster returns the resolved cluster definition.
func (t *Transport) Cluster() *Cluster {
	return t.cluster
}

// Peers returns the peers with a live session, sorted.
func (t *Transport) Peers() []mailbox.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var peers []mailbox.PeerID
	for peer, lnk := range t.links {
		if peer != t.self && lnk.current() != nil {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Less(peers[j])
	})
	return peers
}

// IsConnected reports whether there is a live session to peer. The local
// peer is always connected.
func (t *Transport) IsConnected(peer mailbox.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isConnected(peer)
}

func (t *Transport) isConnected(peer mailbox.PeerID) bool {
	if peer == t.self {
		return true
	}
	lnk, ok := t.links[peer]
	return ok && lnk.current() != nil
}

// WaitForConnection blocks until there is a session to peer, or ctx is
// done.
func (t *Transport) WaitForConnection(ctx context.Context, peer mailbox.PeerID) error {
	for {
		t.mu.Lock()
		connected := t.isConnected(peer)
		changed := t.changed
		t.mu.Unlock()

		if connected {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AddConnectionStatusCallback registers f to be called with the peer and
// true whenever a session comes up, and with false when it goes down.
// Callbacks run on the session's goroutine and must not block.
func (t *Transport) AddConnectionStatusCallback(f func(mailbox.PeerID, bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, f)
}

// Register installs the handler for tag.
func (t *Transport) Register(tag mailbox.Tag, h mailbox.MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.handlers[tag]; exists {
		return fmt.Errorf("%w: %d", mailbox.ErrTagInUse, tag)
	}
	t.handlers[tag] = h
	return nil
}

func (t *Transport) handler(tag mailbox.Tag) mailbox.MessageHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers[tag]
}

// SendBytes queues payload for dest. It never blocks on the network.
func (t *Transport) SendBytes(ctx context.Context, dest mailbox.PeerID, tag mailbox.Tag, payload []byte) {
	t.mu.Lock()
	lnk, exists := t.links[dest]
	t.mu.Unlock()

	if !exists {
		t.logger.Trace("dropping payload for unknown peer %s", dest)
		return
	}
	if dest != t.self && lnk.current() == nil {
		t.logger.Trace("dropping payload for %s: not connected", dest)
		return
	}
	lnk.enqueue(&wire.Frame{Tag: uint8(tag), Payload: payload})
}

// Fail drops the current session to peer. The connector or the peer's
// connector will establish a fresh one.
func (t *Transport) Fail(peer mailbox.PeerID, err error) {
	if peer == t.self {
		t.logger.Error("local delivery failed: %s", err)
		return
	}

	t.mu.Lock()
	lnk, exists := t.links[peer]
	t.mu.Unlock()
	if !exists {
		return
	}

	if s := lnk.current(); s != nil {
		t.logger.Warn("failing session with %s: %s", peer, err)
		s.fail(err)
	}
}

// dispatch hands one received frame to the handler for its tag.
func (t *Transport) dispatch(ctx context.Context, source mailbox.PeerID, f *wire.Frame) error {
	h := t.handler(mailbox.Tag(f.Tag))
	if h == nil {
		t.logger.Warn("no handler for tag %d from %s, dropping", f.Tag, source)
		return nil
	}
	return h.HandleMessage(ctx, source, bytes.NewReader(f.Payload))
}

// attach makes s the session for its peer, replacing any older one.
func (t *Transport) attach(s *session) {
	t.mu.Lock()
	lnk, exists := t.links[s.peer]
	if !exists {
		t.mu.Unlock()
		s.fail(fmt.Errorf("%w: %s", ErrPeerNotDefined, s.peer))
		return
	}
	old := lnk.swap(s)
	callbacks := t.notifyLocked()
	t.mu.Unlock()

	if old != nil {
		t.logger.Warn("replacing existing session with %s", s.peer)
		old.fail(errReplaced)
	}
	t.logger.Info("connected to %s", s.peer)
	for _, f := range callbacks {
		f(s.peer, true)
	}
}

// detach clears s as its peer's session, if it still is.
func (t *Transport) detach(s *session) {
	t.mu.Lock()
	lnk, exists := t.links[s.peer]
	if !exists || !lnk.clear(s) {
		t.mu.Unlock()
		return
	}
	callbacks := t.notifyLocked()
	t.mu.Unlock()

	t.logger.Warn("connection to %s has gone down", s.peer)
	for _, f := range callbacks {
		f(s.peer, false)
	}
}

func (t *Transport) notifyLocked() []func(mailbox.PeerID, bool) {
	close(t.changed)
	t.changed = make(chan struct{})
	return append(([]func(mailbox.PeerID, bool))(nil), t.callbacks...)
}

// destroyConnection asks peer to tear down the session, simulating a
// lost connection.
func (t *Transport) destroyConnection(peer mailbox.PeerID) error {
	t.mu.Lock()
	lnk, exists := t.links[peer]
	t.mu.Unlock()
	if !exists {
		return ErrPeerNotDefined
	}
	s := lnk.current()
	if s == nil {
		return ErrNoConnection
	}
	return s.send(&wire.DestroyConnection{})
}

func (t *Transport) String() string {
	return fmt.Sprintf("cluster transport %s", t.self)
}
