package redio

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// NumSlots is the fixed size of the cluster keyspace.
const NumSlots = 16384

// NodeAddress identifies one Redis endpoint. Comparable; used as map key.
type NodeAddress struct {
	Host string
	Port int
}

// ParseNodeAddress parses "host:port".
func ParseNodeAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("redio: bad node address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("redio: bad port in node address %q", s)
	}
	return NodeAddress{Host: host, Port: port}, nil
}

func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// crc16tab is the XMODEM (CCITT, poly 0x1021) table used by Redis Cluster
// for key hashing.
var crc16tab = func() [256]uint16 {
	var tab [256]uint16
	for i := range tab {
		crc := uint16(i) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		tab[i] = crc
	}
	return tab
}()

func crc16(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc = crc<<8 ^ crc16tab[byte(crc>>8)^c]
	}
	return crc
}

// Slot maps a key to its cluster slot. When the key carries a hash tag
// (a non-empty substring between the first '{' and the next '}') only
// the tag is hashed, so related keys can be forced onto one slot.
func Slot(key string) uint16 {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		if j := strings.IndexByte(key[i+1:], '}'); j > 0 {
			key = key[i+1 : i+1+j]
		}
	}
	return crc16([]byte(key)) & (NumSlots - 1)
}

// SlotRange is a contiguous inclusive range of slots owned by one master.
type SlotRange struct {
	Start, End uint16
}

func (r SlotRange) Contains(slot uint16) bool {
	return slot >= r.Start && slot <= r.End
}

func (r SlotRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// SlotOwner pairs a slot range with the master address owning it: one
// entry of a decoded CLUSTER SLOTS reply.
type SlotOwner struct {
	Range SlotRange
	Addr  NodeAddress
}

// SlotMapping is one routing-table entry: a slot range and the node
// client serving it.
type SlotMapping struct {
	Range  SlotRange
	Client *NodeClient
}

// lookupSlot finds the client owning slot in a table sorted by range
// start. Returns nil when no range covers the slot.
func lookupSlot(table []SlotMapping, slot uint16) *NodeClient {
	i := sort.Search(len(table), func(i int) bool { return table[i].Range.End >= slot })
	if i < len(table) && table[i].Range.Contains(slot) {
		return table[i].Client
	}
	return nil
}

// sortOwners orders a decoded topology by range start, the canonical form
// used for comparison and fingerprinting.
func sortOwners(owners []SlotOwner) {
	sort.Slice(owners, func(i, j int) bool {
		return owners[i].Range.Start < owners[j].Range.Start
	})
}

// fingerprintOwners hashes a canonical (sorted) topology so an unchanged
// refresh can be recognized with one comparison. Structural equality is
// still confirmed before treating two tables as equal.
func fingerprintOwners(owners []SlotOwner) uint64 {
	var buf []byte
	var tmp [4]byte
	for _, o := range owners {
		binary.BigEndian.PutUint16(tmp[0:2], o.Range.Start)
		binary.BigEndian.PutUint16(tmp[2:4], o.Range.End)
		buf = append(buf, tmp[:]...)
		buf = append(buf, o.Addr.String()...)
		buf = append(buf, 0)
	}
	return xxh3.Hash(buf)
}

// ownersEqual reports structural equality of two canonical topologies.
func ownersEqual(a, b []SlotOwner) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
