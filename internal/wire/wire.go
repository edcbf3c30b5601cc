/*

Package wire holds the gob-encoded messages the cluster transport
exchanges between peers. They must be public for serialization but have
no place in the main documentation.

Peer IDs are replicated as raw arrays here so this package stays free of
imports from the rest of the module.

*/
package wire

import "encoding/gob"

// Version is the version of the cluster protocol. Peers with differing
// versions refuse to talk to each other.
const Version uint16 = 1

func init() {
	var f Frame
	gob.Register(&f)

	var p Ping
	gob.Register(&p)

	var pp Pong
	gob.Register(&pp)

	var dc DestroyConnection
	gob.Register(&dc)
}

// PeerID reflects the PeerID type in the main package.
type PeerID [16]byte

// Handshake is the first thing each side sends once TLS is established.
type Handshake struct {
	Version uint16
	From    PeerID
	To      PeerID
}

// A Message is anything the cluster can send across the wire after the
// handshake.
type Message interface {
	isMessage()
}

// A Frame carries one tagged payload from a transport user.
type Frame struct {
	Tag     uint8
	Payload []byte
}

func (f *Frame) isMessage() {}

// Ping asks the other side to prove it is alive.
type Ping struct{}

func (p *Ping) isMessage() {}

// Pong answers a Ping.
type Pong struct{}

func (p *Pong) isMessage() {}

// DestroyConnection is used in testing to simulate connection loss. The
// receiving side drops the connection when it sees one.
type DestroyConnection struct{}

func (dc *DestroyConnection) isMessage() {}
