package cluster

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kyawmyohlaing/mailbox"
	"github.com/kyawmyohlaing/mailbox/certs"
)

const timeout = 10 * time.Second

type testNode struct {
	transport *Transport
	manager   *mailbox.Manager
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testSpec builds the spec peer i of the cluster would be configured
// with. Each peer gets its own NodeDefinitions, since resolving a spec
// fills them in.
func testSpec(t *testing.T, ca *certs.Authority, peers []mailbox.PeerID, addrs []string, i int) *ClusterSpec {
	t.Helper()

	certPEM, keyPEM, err := ca.Issue(peers[i].String(), "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	spec := &ClusterSpec{
		ClusterCertPEM: string(ca.CertPEM()),
		NodeCertPEM:    string(certPEM),
		NodeKeyPEM:     string(keyPEM),
	}
	for j := range peers {
		spec.Nodes = append(spec.Nodes, &NodeDefinition{
			ID:      peers[j].String(),
			Address: addrs[j],
		})
	}
	return spec
}

// newTestCluster brings up n peers on localhost, each with a Manager, and
// waits until every pair is connected.
func newTestCluster(t *testing.T, n int) []*testNode {
	t.Helper()

	ca, err := certs.NewAuthority("mailbox tests", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	peers := make([]mailbox.PeerID, n)
	addrs := make([]string, n)
	for i := range peers {
		peers[i] = mailbox.NewPeerID()
		addrs[i] = freeAddr(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	nodes := make([]*testNode, n)
	for i := range nodes {
		tr, err := CreateFromSpec(testSpec(t, ca, peers, addrs, i), peers[i], mailbox.NullLogger)
		if err != nil {
			t.Fatal(err)
		}
		m, err := mailbox.NewManager(tr, mailbox.WithWorkers(2), mailbox.WithLogger(mailbox.NullLogger))
		if err != nil {
			t.Fatal(err)
		}
		tr.ServeBackground(ctx)
		m.ServeBackground(ctx)
		if tr.listener != nil {
			tr.listener.waitForListen()
		}
		nodes[i] = &testNode{transport: tr, manager: m}
	}

	wctx, wcancel := context.WithTimeout(ctx, timeout)
	defer wcancel()
	for _, a := range nodes {
		for _, b := range nodes {
			if err := a.transport.WaitForConnection(wctx, b.transport.Self()); err != nil {
				t.Fatalf("%s never connected to %s: %v", a.transport.Self(), b.transport.Self(), err)
			}
		}
	}

	return nodes
}

func receive[T any](t *testing.T, c chan T) T {
	t.Helper()
	var v T
	select {
	case v = <-c:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a message")
	}
	return v
}

type request struct {
	N       int
	ReplyTo mailbox.Address
}

func TestRoundTripAcrossPeers(t *testing.T) {
	nodes := newTestCluster(t, 2)
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	doubler := mailbox.New(ctx, b.manager, func(ctx context.Context, req request) {
		mailbox.Send(ctx, b.manager, req.ReplyTo, req.N*2)
	})

	replies := make(chan int, 1)
	replyTo := mailbox.New(ctx, a.manager, func(ctx context.Context, n int) {
		replies <- n
	})

	mailbox.Send(ctx, a.manager, doubler.Address(), request{N: 21, ReplyTo: replyTo.Address()})

	if n := receive(t, replies); n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}
	if stats := b.manager.Stats(); stats.RemoteDeliveries != 1 {
		t.Fatalf("expected one remote delivery on the far side, have %#v", stats)
	}
}

func TestOrderingAcrossPeers(t *testing.T) {
	nodes := newTestCluster(t, 2)
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	const count = 200
	got := make(chan int, count)
	dest := mailbox.New(ctx, b.manager, func(ctx context.Context, n int) {
		got <- n
	})

	for i := 0; i < count; i++ {
		mailbox.Send(ctx, a.manager, dest.Address(), i)
	}
	for i := 0; i < count; i++ {
		if n := receive(t, got); n != i {
			t.Fatalf("message %d arrived as %d", i, n)
		}
	}
}

type statusLog struct {
	events chan bool
}

func watchStatus(tr *Transport, peer mailbox.PeerID) *statusLog {
	sl := &statusLog{events: make(chan bool, 16)}
	tr.AddConnectionStatusCallback(func(p mailbox.PeerID, up bool) {
		if p == peer {
			sl.events <- up
		}
	})
	return sl
}

func TestReconnectAfterDestroy(t *testing.T) {
	nodes := newTestCluster(t, 2)
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	status := watchStatus(a.transport, b.transport.Self())

	if err := a.transport.destroyConnection(b.transport.Self()); err != nil {
		t.Fatal(err)
	}
	if up := receive(t, status.events); up {
		t.Fatal("expected the connection to go down first")
	}
	if up := receive(t, status.events); !up {
		t.Fatal("expected the connection to come back")
	}

	got := make(chan string, 1)
	dest := mailbox.New(ctx, b.manager, func(ctx context.Context, s string) {
		got <- s
	})
	mailbox.Send(ctx, a.manager, dest.Address(), "again")
	if s := receive(t, got); s != "again" {
		t.Fatalf("unexpected message %q", s)
	}
}

func TestCorruptPayloadFailsSession(t *testing.T) {
	nodes := newTestCluster(t, 2)
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	dest := mailbox.New(ctx, b.manager, func(ctx context.Context, n int) {
		t.Error("corrupt payload was delivered")
	})

	status := watchStatus(a.transport, b.transport.Self())

	payload := make([]byte, 12, 16)
	binary.BigEndian.PutUint32(payload[0:4], uint32(dest.Thread()))
	binary.BigEndian.PutUint64(payload[4:12], uint64(dest.Address().ID()))
	payload = append(payload, 0xff, 0xfe, 0xfd)

	a.transport.SendBytes(ctx, b.transport.Self(), mailbox.TagMailbox, payload)

	if up := receive(t, status.events); up {
		t.Fatal("expected the session to be failed")
	}
	if up := receive(t, status.events); !up {
		t.Fatal("expected the session to be re-established")
	}
	if stats := b.manager.Stats(); stats.DecodeFailures != 1 {
		t.Fatalf("expected one decode failure, have %#v", stats)
	}
}

type recorder struct {
	got chan string
}

func (r recorder) HandleMessage(ctx context.Context, source mailbox.PeerID, rd io.Reader) error {
	b, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	r.got <- source.String() + ":" + string(b)
	return nil
}

func TestUserTagsAndLoopback(t *testing.T) {
	nodes := newTestCluster(t, 2)
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	ra := recorder{got: make(chan string, 2)}
	rb := recorder{got: make(chan string, 2)}
	if err := a.transport.Register(mailbox.TagUser, ra); err != nil {
		t.Fatal(err)
	}
	if err := b.transport.Register(mailbox.TagUser, rb); err != nil {
		t.Fatal(err)
	}
	if err := a.transport.Register(mailbox.TagUser, ra); !errors.Is(err, mailbox.ErrTagInUse) {
		t.Fatalf("expected ErrTagInUse, got %v", err)
	}

	a.transport.SendBytes(ctx, a.transport.Self(), mailbox.TagUser, []byte("self"))
	if s := receive(t, ra.got); s != a.transport.Self().String()+":self" {
		t.Fatalf("unexpected loopback %q", s)
	}

	a.transport.SendBytes(ctx, b.transport.Self(), mailbox.TagUser, []byte("hi"))
	if s := receive(t, rb.got); s != a.transport.Self().String()+":hi" {
		t.Fatalf("unexpected delivery %q", s)
	}

	// unknown peers are dropped, not fatal
	a.transport.SendBytes(ctx, mailbox.NewPeerID(), mailbox.TagUser, []byte("lost"))

	peers := a.transport.Peers()
	if len(peers) != 1 || peers[0] != b.transport.Self() {
		t.Fatalf("unexpected peers: %v", peers)
	}
	if !a.transport.IsConnected(a.transport.Self()) {
		t.Fatal("the local peer is always connected")
	}
}

func TestThreeNodeCluster(t *testing.T) {
	nodes := newTestCluster(t, 3)
	ctx := context.Background()

	got := make(chan int, 3)
	sinks := make([]mailbox.Address, len(nodes))
	for i, n := range nodes {
		sinks[i] = mailbox.New(ctx, n.manager, func(ctx context.Context, v int) {
			got <- v
		}).Address()
	}

	for i, n := range nodes {
		mailbox.Send(ctx, n.manager, sinks[(i+1)%len(nodes)], i)
	}

	seen := map[int]bool{}
	for range nodes {
		seen[receive(t, got)] = true
	}
	if len(seen) != 3 {
		t.Fatalf("not every message arrived: %v", seen)
	}
}

func TestResolveSpecErrors(t *testing.T) {
	t.Parallel()

	self := mailbox.NewPeerID()
	other := mailbox.NewPeerID()

	for name, spec := range map[string]*ClusterSpec{
		"no nodes": {},
		"bad id": {Nodes: []*NodeDefinition{
			{ID: "not-a-peer", Address: "127.0.0.1:1"},
		}},
		"no address": {Nodes: []*NodeDefinition{
			{ID: self.String()},
		}},
		"bad address": {Nodes: []*NodeDefinition{
			{ID: self.String(), Address: "127.0.0.1:notaport"},
		}},
		"duplicate": {Nodes: []*NodeDefinition{
			{ID: self.String(), Address: "127.0.0.1:1"},
			{ID: self.String(), Address: "127.0.0.1:2"},
		}},
		"bad cipher": {
			Nodes:              []*NodeDefinition{{ID: self.String(), Address: "127.0.0.1:1"}},
			PermittedProtocols: []string{"TLS_ROT13"},
		},
		"no certs": {Nodes: []*NodeDefinition{
			{ID: self.String(), Address: "127.0.0.1:1"},
			{ID: other.String(), Address: "127.0.0.1:2"},
		}},
	} {
		if _, err := CreateFromSpec(spec, self, mailbox.NullLogger); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("%s: expected ErrInvalidSpec, got %v", name, err)
		}
	}

	spec := &ClusterSpec{Nodes: []*NodeDefinition{{ID: other.String(), Address: "127.0.0.1:1"}}}
	if _, err := CreateFromSpec(spec, self, mailbox.NullLogger); !errors.Is(err, ErrPeerNotDefined) {
		t.Fatalf("expected ErrPeerNotDefined, got %v", err)
	}
}

func TestCertificateMustMatchPeer(t *testing.T) {
	t.Parallel()

	ca, err := certs.NewAuthority("mailbox tests", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	peers := []mailbox.PeerID{mailbox.NewPeerID(), mailbox.NewPeerID()}
	addrs := []string{"127.0.0.1:1", "127.0.0.1:2"}

	// peer 1's certificate, claimed by peer 0
	spec := testSpec(t, ca, peers, addrs, 1)
	_, err = CreateFromSpec(spec, peers[0], mailbox.NullLogger)
	if err == nil || !strings.Contains(err.Error(), "does not match the certificate") {
		t.Fatalf("expected a certificate mismatch, got %v", err)
	}
}

func TestLoadSpecFromYAML(t *testing.T) {
	t.Parallel()

	self := mailbox.NewPeerID()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")

	yaml := "nodes:\n" +
		"  - id: " + self.String() + "\n" +
		"    address: 127.0.0.1:29876\n" +
		"    local_address: 127.0.0.1:0\n" +
		"permitted_protocols:\n" +
		"  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	spec, err := LoadSpec(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Nodes) != 1 || spec.Nodes[0].LocalAddress != "127.0.0.1:0" {
		t.Fatalf("spec not loaded: %#v", spec)
	}

	tr, err := CreateFromFile(path, self, mailbox.NullLogger)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Self() != self || tr.listener != nil || len(tr.connectors) != 0 {
		t.Fatal("a single node cluster should neither listen nor dial")
	}
	node := tr.Cluster().ThisNode
	if node.ListenAddress != node.Address || node.Peer() != self {
		t.Fatalf("listen address not defaulted: %#v", node)
	}
	if len(tr.Cluster().PermittedProtocols) != 1 {
		t.Fatalf("permitted protocols not applied: %v", tr.Cluster().PermittedProtocols)
	}

	if _, err := LoadSpec(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("loading a missing file succeeded")
	}
}
