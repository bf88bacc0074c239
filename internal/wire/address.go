package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/zde37/chordring/pkg/hash"
)

// AddressSize is the encoded width of an Address.
const AddressSize = 6

// Address is an IPv4 endpoint in its wire form.
type Address struct {
	IP   [4]byte
	Port uint16
}

// ParseAddress parses "a.b.c.d:port". Hostnames are rejected since only the
// numeric form can travel on the wire.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	return NewAddress(host, int(port))
}

// NewAddress builds an Address from an IPv4 literal and a port.
func NewAddress(host string, port int) (Address, error) {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return Address{}, fmt.Errorf("not an IPv4 address: %q", host)
	}
	if port < 0 || port > 0xffff {
		return Address{}, fmt.Errorf("port out of range: %d", port)
	}
	var a Address
	copy(a.IP[:], ip)
	a.Port = uint16(port)
	return a, nil
}

// AddressFromBytes decodes the first AddressSize bytes of b.
func AddressFromBytes(b []byte) Address {
	var a Address
	copy(a.IP[:], b[:4])
	a.Port = binary.BigEndian.Uint16(b[4:6])
	return a
}

// IsZero reports whether a is the all-zero "no node" sentinel.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Host returns the dotted IPv4 form.
func (a Address) Host() string {
	return net.IP(a.IP[:]).String()
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// Bytes returns the 6-byte wire form.
func (a Address) Bytes() []byte {
	return a.AppendTo(make([]byte, 0, AddressSize))
}

// AppendTo appends the wire form of a to b.
func (a Address) AppendTo(b []byte) []byte {
	b = append(b, a.IP[:]...)
	return binary.BigEndian.AppendUint16(b, a.Port)
}

// ID is the default identifier of a node at this address: the digest of its
// wire form.
func (a Address) ID() hash.ID {
	return hash.HashKey(a.Bytes())
}
