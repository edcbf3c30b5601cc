package mailbox

import (
	"context"
	"errors"
	"io"
)

// ErrTagInUse is returned by Transport.Register when a handler is already
// registered for the tag.
var ErrTagInUse = errors.New("transport tag already has a handler")

// ErrMalformedMessage is returned by HandleMessage when a message can not
// be routed because its header is corrupt, and passed to Transport.Fail
// when its payload can not be decoded. Either way the session that carried
// it is no longer trustworthy.
var ErrMalformedMessage = errors.New("malformed mailbox message")

// A Tag multiplexes independent subsystems over one transport.
type Tag byte

const (
	// TagMailbox carries messages addressed to mailboxes.
	TagMailbox Tag = iota + 1

	// TagUser is the first tag free for applications.
	TagUser Tag = 64
)

// A MessageHandler consumes the messages a transport receives for one tag.
//
// HandleMessage is called once per message with the message body, in
// arrival order for each source. A non-nil error means the stream from
// source is corrupt, and the transport must tear the session down.
type MessageHandler interface {
	HandleMessage(ctx context.Context, source PeerID, r io.Reader) error
}

// The ConnectivityService reports which peers the transport can reach.
type ConnectivityService interface {
	Self() PeerID
	Peers() []PeerID
	IsConnected(peer PeerID) bool
}

// A Transport moves tagged byte payloads between peers.
//
// SendBytes is fire-and-forget: it never blocks on the network, and
// payloads to unreachable peers are dropped. Sending to Self loops back to
// the local handler. The transport may keep payload after SendBytes
// returns, so the caller must not modify it.
//
// Fail reports a protocol failure on the session with peer. The transport
// drops that session.
type Transport interface {
	ConnectivityService
	Register(tag Tag, h MessageHandler) error
	SendBytes(ctx context.Context, dest PeerID, tag Tag, payload []byte)
	Fail(peer PeerID, err error)
}
