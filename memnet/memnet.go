/*
Package memnet implements mailbox.Transport in memory.

A Network is a set of peers living in one process. Each peer joins with
its own Transport, which delivers inbound payloads in order on a goroutine
of its own, just as a real connection's reader would. Links between peers
can be partitioned and healed to simulate network failure.

memnet is meant for tests and for single-process deployments that still
want the serialization behavior of a cluster.
*/
package memnet

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/kyawmyohlaing/mailbox"
)

// A Failure is a protocol failure reported through Transport.Fail.
type Failure struct {
	Peer mailbox.PeerID
	Err  error
}

type link struct {
	a, b mailbox.PeerID
}

func newLink(a, b mailbox.PeerID) link {
	if b.Less(a) {
		a, b = b, a
	}
	return link{a, b}
}

// A Network connects the Transports that joined it.
type Network struct {
	logger mailbox.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu          sync.Mutex
	peers       map[mailbox.PeerID]*Transport
	partitioned map[link]bool
}

// NewNetwork returns an empty Network. A nil logger means
// mailbox.NullLogger.
func NewNetwork(logger mailbox.Logger) *Network {
	if logger == nil {
		logger = mailbox.NullLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		peers:       make(map[mailbox.PeerID]*Transport),
		partitioned: make(map[link]bool),
	}
}

// Join adds a peer to the network and returns its Transport. A zero peer
// gets a fresh PeerID. Joining twice with the same peer returns the
// existing Transport.
func (n *Network) Join(peer mailbox.PeerID) *Transport {
	if peer.IsZero() {
		peer = mailbox.NewPeerID()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if t, have := n.peers[peer]; have {
		return t
	}

	t := &Transport{
		network:  n,
		self:     peer,
		handlers: make(map[mailbox.Tag]mailbox.MessageHandler),
		wake:     make(chan struct{}, 1),
	}
	n.peers[peer] = t
	n.wg.Go(func() { t.run(n.ctx) })

	n.logger.Info("memnet: %s joined", peer)
	return t
}

// Partition cuts the link between a and b. Payloads between them are
// dropped until Heal is called, including ones already queued.
func (n *Network) Partition(a, b mailbox.PeerID) {
	n.mu.Lock()
	n.partitioned[newLink(a, b)] = true
	ta, tb := n.peers[a], n.peers[b]
	n.mu.Unlock()

	if ta != nil {
		ta.discardFrom(b)
	}
	if tb != nil {
		tb.discardFrom(a)
	}
	n.logger.Info("memnet: partitioned %s from %s", a, b)
}

// Heal restores the link between a and b.
func (n *Network) Heal(a, b mailbox.PeerID) {
	n.mu.Lock()
	delete(n.partitioned, newLink(a, b))
	n.mu.Unlock()

	n.logger.Info("memnet: healed %s and %s", a, b)
}

// Failures returns the protocol failures the given peer has reported
// through Fail, oldest first.
func (n *Network) Failures(peer mailbox.PeerID) []Failure {
	n.mu.Lock()
	t := n.peers[peer]
	n.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Failures()
}

// Close stops all delivery goroutines and waits for them to exit.
// Anything still queued is discarded.
func (n *Network) Close() {
	n.cancel()
	n.wg.Wait()
}

func (n *Network) route(source, dest mailbox.PeerID) (*Transport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if source != dest && n.partitioned[newLink(source, dest)] {
		return nil, false
	}
	t, have := n.peers[dest]
	return t, have
}

type envelope struct {
	source  mailbox.PeerID
	tag     mailbox.Tag
	payload []byte
}

// A Transport is one peer's attachment to a Network.
type Transport struct {
	network *Network
	self    mailbox.PeerID

	mu       sync.Mutex
	handlers map[mailbox.Tag]mailbox.MessageHandler
	inbox    []envelope
	failures []Failure
	wake     chan struct{}
}

var _ mailbox.Transport = (*Transport)(nil)

// Self implements mailbox.ConnectivityService.
func (t *Transport) Self() mailbox.PeerID {
	return t.self
}

// Peers implements mailbox.ConnectivityService. It lists the other peers
// this one currently has a link to.
func (t *Transport) Peers() []mailbox.PeerID {
	n := t.network
	n.mu.Lock()
	defer n.mu.Unlock()

	peers := make([]mailbox.PeerID, 0, len(n.peers))
	for peer := range n.peers {
		if peer != t.self && !n.partitioned[newLink(t.self, peer)] {
			peers = append(peers, peer)
		}
	}
	return peers
}

// IsConnected implements mailbox.ConnectivityService.
func (t *Transport) IsConnected(peer mailbox.PeerID) bool {
	_, ok := t.network.route(t.self, peer)
	return ok
}

// Register implements mailbox.Transport.
func (t *Transport) Register(tag mailbox.Tag, h mailbox.MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, have := t.handlers[tag]; have {
		return fmt.Errorf("%w: %d", mailbox.ErrTagInUse, tag)
	}
	t.handlers[tag] = h
	return nil
}

// SendBytes implements mailbox.Transport.
func (t *Transport) SendBytes(ctx context.Context, dest mailbox.PeerID, tag mailbox.Tag, payload []byte) {
	target, ok := t.network.route(t.self, dest)
	if !ok {
		t.network.logger.Trace("memnet: %s can't reach %s, dropping %d bytes", t.self, dest, len(payload))
		return
	}
	target.enqueue(envelope{source: t.self, tag: tag, payload: payload})
}

// Fail implements mailbox.Transport. The session with peer is dropped:
// everything still queued from it is discarded.
func (t *Transport) Fail(peer mailbox.PeerID, err error) {
	t.network.logger.Warn("memnet: %s dropping session with %s: %s", t.self, peer, err)

	t.mu.Lock()
	t.failures = append(t.failures, Failure{Peer: peer, Err: err})
	t.mu.Unlock()

	t.discardFrom(peer)
}

// Failures returns the protocol failures reported through Fail, oldest
// first.
func (t *Transport) Failures() []Failure {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Failure(nil), t.failures...)
}

func (t *Transport) enqueue(e envelope) {
	t.mu.Lock()
	t.inbox = append(t.inbox, e)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) discardFrom(peer mailbox.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.inbox[:0]
	for _, e := range t.inbox {
		if e.source != peer {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(t.inbox); i++ {
		t.inbox[i] = envelope{}
	}
	t.inbox = kept
}

func (t *Transport) next() (envelope, mailbox.MessageHandler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.inbox) == 0 {
		return envelope{}, nil, false
	}
	e := t.inbox[0]
	t.inbox[0] = envelope{}
	t.inbox = t.inbox[1:]
	return e, t.handlers[e.tag], true
}

func (t *Transport) run(ctx context.Context) {
	for {
		for ctx.Err() == nil {
			e, h, ok := t.next()
			if !ok {
				break
			}
			t.dispatch(ctx, e, h)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, e envelope, h mailbox.MessageHandler) {
	if h == nil {
		t.network.logger.Trace("memnet: %s has no handler for tag %d, dropping", t.self, e.tag)
		return
	}
	if err := h.HandleMessage(ctx, e.source, bytes.NewReader(e.payload)); err != nil {
		t.Fail(e.source, err)
	}
}

func (t *Transport) String() string {
	return fmt.Sprintf("memnet transport for %s", t.self)
}
