package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// connector dials one peer and serves the resulting session. It runs as a
// supervised service; when the session ends, or the dial fails, the
// supervisor restarts it to try again.
type connector struct {
	transport *Transport
	dest      *NodeDefinition

	// test criteria
	failOnTLSHandshake bool
}

func (c *connector) Serve(ctx context.Context) error {
	t := c.transport
	source := t.cluster.ThisNode

	t.logger.Trace("connection from %s to %s starting serve", t.self, c.dest.peer)

	dialer := net.Dialer{Timeout: HandshakeTimeout}
	if source.localaddr != nil {
		dialer.LocalAddr = source.localaddr
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.dest.ipaddr.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("could not connect to %s: %w", c.dest.peer, err)
	}
	t.logger.Trace("%s -> %s connected", t.self, c.dest.peer)

	if c.failOnTLSHandshake {
		conn.Close()
		return fmt.Errorf("failing on TLS handshake to %s, as instructed", c.dest.peer)
	}

	tlsConn := tls.Client(conn, t.cluster.tlsConfig(c.dest.peer))

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	err = tlsConn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		conn.Close()
		t.logger.Error("could not TLS handshake to %s: %s", c.dest.peer, err)
		return err
	}
	t.logger.Trace("%s -> %s TLS handshake successful", t.self, c.dest.peer)

	s, err := clientHandshake(t, c.dest.peer, tlsConn)
	if err != nil {
		tlsConn.Close()
		t.logger.Error("could not perform cluster handshake with %s: %s", c.dest.peer, err)
		return err
	}
	t.logger.Trace("%s -> %s cluster handshake successful", t.self, c.dest.peer)

	return s.run(ctx)
}

func (c *connector) String() string {
	return fmt.Sprintf("connector %s -> %s", c.transport.self, c.dest.peer)
}
