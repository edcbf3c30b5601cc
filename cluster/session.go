package cluster

import (
	"context"
	"crypto/tls"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/kyawmyohlaing/mailbox"
	"github.com/kyawmyohlaing/mailbox/internal/wire"
)

var (
	// PingInterval determines the interval between PING messages.
	// Defaults to 30 seconds.
	PingInterval = time.Second * 30

	// DeadlineInterval determines how long to keep the network connection
	// open without hearing from the peer. The deadline is reset upon each
	// successful message read. Defaults to 5 minutes.
	DeadlineInterval = time.Minute * 5

	// HandshakeTimeout bounds the TLS and cluster handshakes.
	HandshakeTimeout = time.Second * 10

	// MaxSequentialPingFailures is the maximum number of sequential ping
	// failures tolerable before the session is torn down.
	MaxSequentialPingFailures uint8 = 5
)

var (
	// ErrNoConnection is returned when there is no session to a peer.
	ErrNoConnection = errors.New("no current connection")

	// ErrHandshake is returned when the peer on the other end of a
	// connection is not the peer the cluster definition says it should
	// be, or speaks another protocol version.
	ErrHandshake = errors.New("cluster handshake failed")

	errDestroyed = errors.New("connection destroyed by peer")
	errReplaced  = errors.New("session replaced by a newer one")
)

// A session is one live, handshaken connection to a peer.
type session struct {
	peer      mailbox.PeerID
	conn      net.Conn
	transport *Transport
	logger    mailbox.Logger

	encMu sync.Mutex
	enc   *gob.Encoder
	dec   *gob.Decoder

	failed  chan error
	closing atomic.Bool
}

func newSession(t *Transport, peer mailbox.PeerID, conn net.Conn, enc *gob.Encoder, dec *gob.Decoder) *session {
	return &session{
		peer:      peer,
		conn:      conn,
		transport: t,
		logger:    t.logger,
		enc:       enc,
		dec:       dec,
		failed:    make(chan error, 1),
	}
}

func (s *session) send(msg wire.Message) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(DeadlineInterval)); err != nil {
		return err
	}
	return s.enc.Encode(&msg)
}

// fail asks the session to shut down with err. Only the first failure
// is kept.
func (s *session) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// run serves the session until ctx is done or it fails. A nil return
// means ctx ended it.
func (s *session) run(ctx context.Context) error {
	s.transport.attach(s)
	defer s.transport.detach(s)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.read(gctx)
	})
	g.Go(func() error {
		return s.ping(gctx)
	})
	g.Go(func() error {
		var err error
		select {
		case <-gctx.Done():
		case err = <-s.failed:
		}
		s.closing.Store(true)
		_ = s.conn.Close()
		return err
	})

	return g.Wait()
}

func (s *session) read(ctx context.Context) error {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(DeadlineInterval)); err != nil {
			s.logger.Error("unable to set network connection deadline: %s", err)
		}

		var msg wire.Message
		err := s.dec.Decode(&msg)
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.fail(fmt.Errorf("connection to %s closed: %w", s.peer, err))
				return nil
			}
			s.logger.Error("error decoding message from %s: %s", s.peer, err)
			s.fail(err)
			return nil
		}

		switch m := msg.(type) {
		case *wire.Ping:
			if err := s.send(&wire.Pong{}); err != nil {
				s.logger.Error("attempted to pong %s: %s", s.peer, err)
			}
		case *wire.Pong:
		case *wire.Frame:
			if err := s.transport.dispatch(ctx, s.peer, m); err != nil {
				s.logger.Error("corrupt message from %s: %s", s.peer, err)
				s.fail(err)
				return nil
			}
		case *wire.DestroyConnection:
			s.fail(errDestroyed)
			return nil
		default:
			s.logger.Warn("unknown message %T from %s", msg, s.peer)
		}
	}
}

// ping sends a PING on every PingInterval, so an idle peer that has
// vanished is noticed by the read deadline.
func (s *session) ping(ctx context.Context) error {
	var failureCount uint8

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := s.send(&wire.Ping{})
			if err == nil {
				failureCount = 0
				continue
			}
			if s.closing.Load() {
				return nil
			}

			failureCount++
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() || failureCount >= MaxSequentialPingFailures {
				s.fail(fmt.Errorf("pinging %s: %w", s.peer, err))
				return nil
			}
			s.logger.Error(err)
		}
	}
}

// clientHandshake runs the cluster handshake from the dialing side.
func clientHandshake(t *Transport, dest mailbox.PeerID, conn *tls.Conn) (*session, error) {
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, err
	}

	err := enc.Encode(wire.Handshake{
		Version: wire.Version,
		From:    wire.PeerID(t.self),
		To:      wire.PeerID(dest),
	})
	if err != nil {
		return nil, err
	}

	var reply wire.Handshake
	if err := dec.Decode(&reply); err != nil {
		return nil, err
	}

	if reply.Version != wire.Version {
		return nil, fmt.Errorf("%w: %s speaks version %d, not %d", ErrHandshake, dest, reply.Version, wire.Version)
	}
	if mailbox.PeerID(reply.From) != dest {
		return nil, fmt.Errorf("%w: the peer I thought was %s is claiming to be %s",
			ErrHandshake, dest, mailbox.PeerID(reply.From))
	}
	if mailbox.PeerID(reply.To) != t.self {
		return nil, fmt.Errorf("%w: %s thinks I'm %s, but I think I'm %s",
			ErrHandshake, dest, mailbox.PeerID(reply.To), t.self)
	}

	return newSession(t, dest, conn, enc, dec), nil
}

// serverHandshake runs the cluster handshake from the listening side. The
// client must claim the identity its certificate carries.
func serverHandshake(t *Transport, conn *tls.Conn) (*session, error) {
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, err
	}

	var hello wire.Handshake
	if err := dec.Decode(&hello); err != nil {
		return nil, err
	}

	from := mailbox.PeerID(hello.From)
	if hello.Version != wire.Version {
		return nil, fmt.Errorf("%w: %s speaks version %d, not %d", ErrHandshake, from, hello.Version, wire.Version)
	}
	if mailbox.PeerID(hello.To) != t.self {
		return nil, fmt.Errorf("%w: %s thinks I'm %s, but I think I'm %s",
			ErrHandshake, from, mailbox.PeerID(hello.To), t.self)
	}
	if _, exists := t.cluster.Nodes[from]; !exists || from == t.self {
		return nil, fmt.Errorf("%w: connecting peer claims to be %s, which is not defined", ErrHandshake, from)
	}

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 || state.PeerCertificates[0].Subject.CommonName != from.String() {
		return nil, fmt.Errorf("%w: connecting peer claims to be %s, but its certificate does not agree", ErrHandshake, from)
	}

	err := enc.Encode(wire.Handshake{
		Version: wire.Version,
		From:    wire.PeerID(t.self),
		To:      hello.From,
	})
	if err != nil {
		return nil, err
	}

	return newSession(t, from, conn, enc, dec), nil
}
