package mailbox

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"testing"
)

func TestAddressEquality(t *testing.T) {
	t.Parallel()

	peer := NewPeerID()
	a := NewAddress(peer, 1, 10)

	if a != NewAddress(peer, 1, 10) {
		t.Fatal("addresses with equal fields are not equal")
	}
	for _, other := range []Address{
		NewAddress(NewPeerID(), 1, 10),
		NewAddress(peer, 2, 10),
		NewAddress(peer, 1, 11),
		{},
	} {
		if a == other {
			t.Fatalf("%s equals %s", a, other)
		}
	}

	if NilAddress() != (Address{}) || !NilAddress().IsNil() {
		t.Fatal("NilAddress is not the zero address")
	}
	if !NewAddress(PeerID{}, 3, 4).IsNil() {
		t.Fatal("an address without a peer is not nil")
	}
	if !panics(func() { NilAddress().Peer() }) {
		t.Fatal("Peer on the nil address did not panic")
	}
}

func TestAddressBinary(t *testing.T) {
	t.Parallel()

	for _, a := range []Address{
		NewAddress(NewPeerID(), 0, 1),
		NewAddress(NewPeerID(), AnyThread, 1<<63),
		{},
	} {
		b, err := a.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if len(b) != addressSize {
			t.Fatalf("binary address is %d bytes", len(b))
		}

		var back Address
		if err := back.UnmarshalBinary(b); err != nil {
			t.Fatal(err)
		}
		if back != a {
			t.Fatalf("%s came back as %s", a, back)
		}
	}

	var a Address
	if err := a.UnmarshalBinary(nil); err == nil {
		t.Fatal("unmarshaled a nil slice")
	}
	if err := a.UnmarshalBinary(make([]byte, 27)); !errors.Is(err, ErrIllegalAddressFormat) {
		t.Fatalf("short slice: %v", err)
	}
	bad := make([]byte, addressSize)
	bad[addressSize-1] = 1
	if err := a.UnmarshalBinary(bad); !errors.Is(err, ErrIllegalAddressFormat) {
		t.Fatalf("id without a peer: %v", err)
	}
}

func TestAddressGob(t *testing.T) {
	t.Parallel()

	type envelope struct {
		From Address
		To   Address
	}
	in := envelope{NewAddress(NewPeerID(), 2, 99), Address{}}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(in); err != nil {
		t.Fatal(err)
	}
	var out envelope
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("gob round trip: %v became %v", in, out)
	}
}

func TestAddressText(t *testing.T) {
	t.Parallel()

	peer, err := ParsePeerID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if err != nil {
		t.Fatal(err)
	}

	for text, a := range map[string]Address{
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8:3:42":  NewAddress(peer, 3, 42),
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8:any:7": NewAddress(peer, AnyThread, 7),
		"nil": {},
	} {
		if s := a.String(); s != text {
			t.Errorf("String: got %q, want %q", s, text)
		}

		var back Address
		if err := back.UnmarshalText([]byte(text)); err != nil {
			t.Fatalf("%q: %v", text, err)
		}
		if back != a {
			t.Errorf("%q parsed as %s", text, back)
		}
	}

	for _, bad := range []string{
		"",
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8:3",
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8:x:1",
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8:-2:1",
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8:1:-1",
		"00000000-0000-0000-0000-000000000000:1:1",
		"not-a-uuid:1:1",
	} {
		var a Address
		if err := a.UnmarshalText([]byte(bad)); !errors.Is(err, ErrIllegalAddressFormat) {
			t.Errorf("%q: expected ErrIllegalAddressFormat, got %v", bad, err)
		}
	}
}

func TestAddressJSON(t *testing.T) {
	t.Parallel()

	a := NewAddress(NewPeerID(), 1, 5)
	b, err := json.Marshal(map[string]Address{"reply_to": a})
	if err != nil {
		t.Fatal(err)
	}

	var back map[string]Address
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back["reply_to"] != a {
		t.Fatalf("JSON round trip: %s became %s", a, back["reply_to"])
	}

	var c Address
	if err := json.Unmarshal([]byte("12"), &c); !errors.Is(err, ErrIllegalAddressFormat) {
		t.Fatalf("expected ErrIllegalAddressFormat, got %v", err)
	}
}

func TestPeerID(t *testing.T) {
	t.Parallel()

	if !(PeerID{}).IsZero() || NewPeerID().IsZero() {
		t.Fatal("IsZero is wrong")
	}

	a := PeerID{1}
	b := PeerID{2}
	if !a.Less(b) || b.Less(a) || a.Less(a) {
		t.Fatal("Less is not a strict ordering")
	}

	text, _ := a.MarshalText()
	var back PeerID
	if err := back.UnmarshalText(text); err != nil || back != a {
		t.Fatalf("PeerID text round trip failed: %v", err)
	}
	if _, err := ParsePeerID("nope"); err == nil {
		t.Fatal("parsed a bad peer id")
	}
}
