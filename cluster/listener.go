package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// listener accepts the sessions dialed by peers with lower IDs.
type listener struct {
	transport *Transport

	mu        sync.Mutex
	condition *sync.Cond
	addr      net.Addr
}

func newListener(t *Transport) *listener {
	l := &listener{transport: t}
	l.condition = sync.NewCond(&l.mu)
	return l
}

// waitForListen blocks until the listener is bound, and returns its
// address. Tests bring several peers up in one process, and this lets
// them avoid dialing before anyone is listening.
func (l *listener) waitForListen() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.addr == nil {
		l.condition.Wait()
	}
	return l.addr
}

func (l *listener) Serve(ctx context.Context) error {
	t := l.transport
	node := t.cluster.ThisNode

	if node.listenaddr == nil {
		return fmt.Errorf("cannot start listener for %s because we have no listen address", t.self)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", node.listenaddr.String())
	if err != nil {
		return fmt.Errorf("cannot start listener for %s: %w", t.self, err)
	}

	l.mu.Lock()
	l.addr = ln.Addr()
	l.mu.Unlock()
	l.condition.Broadcast()

	var g errgroup.Group
	defer func() {
		_ = g.Wait()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ln.Close()
			return fmt.Errorf("lost listener for cluster: %w", err)
		}

		t.logger.Info("cluster connection received from %s", conn.RemoteAddr())
		g.Go(func() error {
			l.handle(ctx, conn)
			return nil
		})
	}
}

func (l *listener) handle(ctx context.Context, conn net.Conn) {
	t := l.transport

	tlsConn := tls.Server(conn, t.cluster.tlsConfig(t.self))

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	err := tlsConn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		conn.Close()
		t.logger.Error("could not TLS handshake the incoming connection from %s: %s", conn.RemoteAddr(), err)
		return
	}

	s, err := serverHandshake(t, tlsConn)
	if err != nil {
		tlsConn.Close()
		t.logger.Error("could not cluster handshake the incoming connection: %s", err)
		return
	}
	t.logger.Trace("%s listener successfully handshook with %s", t.self, s.peer)

	if err := s.run(ctx); err != nil {
		t.logger.Warn("session with %s ended: %s", s.peer, err)
	}
}

func (l *listener) String() string {
	return fmt.Sprintf("listener %s on %s", l.transport.self, l.transport.cluster.ThisNode.ListenAddress)
}
