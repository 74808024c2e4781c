package redio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC16Vector(t *testing.T) {
	// XMODEM check value.
	if got := crc16([]byte("123456789")); got != 0x31c3 {
		t.Fatalf("crc16(123456789) = %#04x, want 0x31c3", got)
	}
}

func TestSlot(t *testing.T) {
	cases := []struct {
		key  string
		want uint16
	}{
		{"foo", 12182},
		{"bar", 5061},
		{"", 0},
	}
	for _, c := range cases {
		if got := Slot(c.key); got != c.want {
			t.Errorf("Slot(%q) = %d, want %d", c.key, got, c.want)
		}
	}
}

func TestSlotHashTag(t *testing.T) {
	// Keys sharing a tag land on the tag's slot.
	if a, b := Slot("{user1000}.following"), Slot("{user1000}.followers"); a != b {
		t.Errorf("tagged keys hash apart: %d vs %d", a, b)
	}
	if got, want := Slot("{user1000}.following"), Slot("user1000"); got != want {
		t.Errorf("Slot({user1000}.following) = %d, want Slot(user1000) = %d", got, want)
	}

	// Only the first tag counts.
	if got, want := Slot("foo{bar}{zap}"), Slot("bar"); got != want {
		t.Errorf("Slot(foo{bar}{zap}) = %d, want %d", got, want)
	}

	// The first '}' closes the tag, so the tag here is "{bar".
	if got, want := Slot("foo{{bar}}"), crc16([]byte("{bar"))&(NumSlots-1); got != want {
		t.Errorf("Slot(foo{{bar}}) = %d, want %d", got, want)
	}

	// An empty tag does not route; the whole key is hashed.
	if got, want := Slot("foo{}{bar}"), crc16([]byte("foo{}{bar}"))&(NumSlots-1); got != want {
		t.Errorf("Slot(foo{}{bar}) = %d, want %d", got, want)
	}

	// So does an unterminated one.
	if got, want := Slot("foo{bar"), crc16([]byte("foo{bar"))&(NumSlots-1); got != want {
		t.Errorf("Slot(foo{bar) = %d, want %d", got, want)
	}
}

func TestParseNodeAddress(t *testing.T) {
	addr, err := ParseNodeAddress("10.0.0.7:6379")
	require.NoError(t, err)
	require.Equal(t, NodeAddress{Host: "10.0.0.7", Port: 6379}, addr)
	require.Equal(t, "10.0.0.7:6379", addr.String())

	for _, bad := range []string{"", "localhost", "localhost:nope", "localhost:0", "localhost:70000"} {
		if _, err := ParseNodeAddress(bad); err == nil {
			t.Errorf("ParseNodeAddress(%q) succeeded, want error", bad)
		}
	}
}

func TestLookupSlot(t *testing.T) {
	a := &NodeClient{addr: "a:6379"}
	b := &NodeClient{addr: "b:6379"}
	table := []SlotMapping{
		{Range: SlotRange{Start: 0, End: 100}, Client: a},
		{Range: SlotRange{Start: 200, End: 300}, Client: b},
	}

	cases := []struct {
		slot uint16
		want *NodeClient
	}{
		{0, a}, {57, a}, {100, a},
		{101, nil}, {199, nil},
		{200, b}, {300, b},
		{301, nil}, {16383, nil},
	}
	for _, c := range cases {
		if got := lookupSlot(table, c.slot); got != c.want {
			t.Errorf("lookupSlot(%d) returned the wrong owner", c.slot)
		}
	}

	if got := lookupSlot(nil, 5); got != nil {
		t.Errorf("lookupSlot on empty table returned %v", got)
	}
}

func TestTopologyCanonicalForm(t *testing.T) {
	owners := []SlotOwner{
		{Range: SlotRange{Start: 8192, End: 16383}, Addr: NodeAddress{Host: "b", Port: 6379}},
		{Range: SlotRange{Start: 0, End: 8191}, Addr: NodeAddress{Host: "a", Port: 6379}},
	}
	sortOwners(owners)
	require.Equal(t, uint16(0), owners[0].Range.Start)

	same := []SlotOwner{
		{Range: SlotRange{Start: 0, End: 8191}, Addr: NodeAddress{Host: "a", Port: 6379}},
		{Range: SlotRange{Start: 8192, End: 16383}, Addr: NodeAddress{Host: "b", Port: 6379}},
	}
	require.True(t, ownersEqual(owners, same))
	require.Equal(t, fingerprintOwners(owners), fingerprintOwners(same))

	moved := []SlotOwner{
		{Range: SlotRange{Start: 0, End: 8191}, Addr: NodeAddress{Host: "a", Port: 6379}},
		{Range: SlotRange{Start: 8192, End: 16383}, Addr: NodeAddress{Host: "c", Port: 6379}},
	}
	require.False(t, ownersEqual(owners, moved))
	require.NotEqual(t, fingerprintOwners(owners), fingerprintOwners(moved))

	// The zero-value fingerprint is the empty topology's fingerprint.
	require.Equal(t, fingerprintOwners(nil), fingerprintOwners([]SlotOwner{}))
}
