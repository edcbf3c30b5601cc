package mailbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// addressSize is the length of a binary-marshaled Address: 16 bytes of
// peer, 4 bytes of thread, 8 bytes of mailbox ID.
const addressSize = 16 + 4 + 8

// ErrIllegalAddressFormat is returned when something attempts to
// unmarshal an illegal text or binary string into an Address.
var ErrIllegalAddressFormat = errors.New("illegally-formatted address")

var errIllegalNilSlice = errors.New("can't unmarshal nil slice into an address")

// PeerID names a process participating in the cluster. The zero PeerID
// names nothing.
type PeerID uuid.UUID

// NewPeerID returns a fresh random PeerID.
func NewPeerID() PeerID {
	return PeerID(uuid.New())
}

// ParsePeerID parses the canonical textual form of a PeerID.
func ParsePeerID(s string) (PeerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PeerID{}, err
	}
	return PeerID(u), nil
}

// IsZero reports whether this is the zero PeerID.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

func (p PeerID) String() string {
	return uuid.UUID(p).String()
}

// Less orders PeerIDs bytewise. The cluster uses it to decide which side
// of a pair dials.
func (p PeerID) Less(other PeerID) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (p PeerID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PeerID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*p = PeerID(u)
	return nil
}

// ThreadID selects one worker on a peer.
type ThreadID int32

// AnyThread is the thread selector meaning "whichever worker the receiver
// is currently on".
const AnyThread ThreadID = -1

func (t ThreadID) String() string {
	if t == AnyThread {
		return "any"
	}
	return strconv.FormatInt(int64(t), 10)
}

// ID is a mailbox identifier. IDs are unique per peer for the lifetime of
// the peer's process.
type ID uint64

// An Address names a Mailbox somewhere in the cluster. It is a plain value:
// copying it, storing it, or comparing it with == has no effect on the
// mailbox it names.
//
// The zero Address is the nil address.
//
// An Address outlives its Mailbox. Once the mailbox is closed the address
// is stale, and anything sent to it is silently dropped.
type Address struct {
	peer   PeerID
	thread ThreadID
	id     ID
}

// NilAddress returns the nil address. It is the same as Address{}.
func NilAddress() Address {
	return Address{}
}

// NewAddress assembles an address from its parts. Addresses normally come
// from Mailbox.Address or from unmarshaling; this exists for code that
// stores the parts separately. A zero peer yields the nil address.
func NewAddress(peer PeerID, thread ThreadID, id ID) Address {
	if peer.IsZero() {
		return Address{}
	}
	return Address{peer: peer, thread: thread, id: id}
}

// IsNil reports whether this is the nil address.
func (a Address) IsNil() bool {
	return a.peer.IsZero()
}

// Peer returns the peer on which the mailbox lives. Calling Peer on the nil
// address is a programming error and panics.
func (a Address) Peer() PeerID {
	if a.IsNil() {
		panic("mailbox: Peer called on the nil address")
	}
	return a.peer
}

// Thread returns the worker selector of the address.
func (a Address) Thread() ThreadID {
	return a.thread
}

// ID returns the mailbox identifier of the address.
func (a Address) ID() ID {
	return a.id
}

// MarshalBinary implements binary marshalling for Addresses, and through
// that, gob. The encoding is fixed width.
func (a Address) MarshalBinary() ([]byte, error) {
	b := make([]byte, addressSize)
	copy(b[:16], a.peer[:])
	binary.BigEndian.PutUint32(b[16:20], uint32(a.thread))
	binary.BigEndian.PutUint64(b[20:28], uint64(a.id))
	return b, nil
}

// UnmarshalBinary implements binary unmarshalling for Addresses.
func (a *Address) UnmarshalBinary(b []byte) error {
	if b == nil {
		return errIllegalNilSlice
	}
	if len(b) != addressSize {
		return ErrIllegalAddressFormat
	}
	var next Address
	copy(next.peer[:], b[:16])
	next.thread = ThreadID(int32(binary.BigEndian.Uint32(b[16:20])))
	next.id = ID(binary.BigEndian.Uint64(b[20:28]))
	if next.peer.IsZero() && (next.thread != 0 || next.id != 0) {
		return ErrIllegalAddressFormat
	}
	*a = next
	return nil
}

// MarshalText renders the address as peer:thread:id, or "nil".
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements text unmarshalling for Addresses.
func (a *Address) UnmarshalText(b []byte) error {
	if b == nil {
		return errIllegalNilSlice
	}
	if string(b) == "nil" {
		*a = Address{}
		return nil
	}

	parts := bytes.Split(b, []byte(":"))
	if len(parts) != 3 {
		return ErrIllegalAddressFormat
	}

	peer, err := uuid.ParseBytes(parts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalAddressFormat, err)
	}
	if PeerID(peer).IsZero() {
		return ErrIllegalAddressFormat
	}

	var thread ThreadID
	if string(parts[1]) == "any" {
		thread = AnyThread
	} else {
		t, err := strconv.ParseInt(string(parts[1]), 10, 32)
		if err != nil || t < 0 {
			return ErrIllegalAddressFormat
		}
		thread = ThreadID(t)
	}

	id, err := strconv.ParseUint(string(parts[2]), 10, 64)
	if err != nil {
		return ErrIllegalAddressFormat
	}

	*a = Address{peer: PeerID(peer), thread: thread, id: ID(id)}
	return nil
}

// MarshalJSON renders the address as a JSON string of its text form.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON implements JSON unmarshalling for Addresses.
func (a *Address) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return ErrIllegalAddressFormat
	}
	return a.UnmarshalText([]byte(s))
}

// String returns a human-readable peer:thread:id. It is for diagnostics
// only; nothing routes on it.
func (a Address) String() string {
	if a.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("%s:%s:%d", a.peer, a.thread, a.id)
}
