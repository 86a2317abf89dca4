package protocol

import (
	"encoding/binary"
	"errors"
	"net"
)

// ErrMalformedAddr is returned when a wire-encoded endpoint address is
// truncated or carries an IP length other than 4 or 16 bytes.
var ErrMalformedAddr = errors.New("protocol: malformed endpoint address")

// EncodeAddr packs a UDP address as a length-prefixed IP (4 or 16 bytes)
// followed by a 2-byte port. It is the wire form the mediator uses in
// PRX-ACK payloads and endpoint-pair messages, and that NAT punch-through
// reuses to decode them on the connection side.
func EncodeAddr(addr *net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	var ip []byte
	if ip4 != nil {
		ip = ip4
	} else {
		ip = addr.IP.To16()
	}
	buf := make([]byte, 1+len(ip)+2)
	buf[0] = byte(len(ip))
	copy(buf[1:], ip)
	binary.BigEndian.PutUint16(buf[1+len(ip):], uint16(addr.Port))
	return buf
}

// DecodeAddr reverses EncodeAddr and reports how many bytes it consumed.
func DecodeAddr(data []byte) (*net.UDPAddr, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrMalformedAddr
	}
	n := int(data[0])
	if n != 4 && n != 16 {
		return nil, 0, ErrMalformedAddr
	}
	if len(data) < 1+n+2 {
		return nil, 0, ErrMalformedAddr
	}
	ip := make(net.IP, n)
	copy(ip, data[1:1+n])
	port := binary.BigEndian.Uint16(data[1+n:])
	return &net.UDPAddr{IP: ip, Port: int(port)}, 1 + n + 2, nil
}

// EncodeEndpointPair packs the two endpoints (inner, outer) the mediator
// tells each peer about its counterpart once both inner addresses are
// known.
func EncodeEndpointPair(inner, outer *net.UDPAddr) []byte {
	return append(EncodeAddr(inner), EncodeAddr(outer)...)
}

// DecodeEndpointPair reverses EncodeEndpointPair.
func DecodeEndpointPair(data []byte) (inner, outer *net.UDPAddr, err error) {
	inner, n, err := DecodeAddr(data)
	if err != nil {
		return nil, nil, err
	}
	outer, _, err = DecodeAddr(data[n:])
	if err != nil {
		return nil, nil, err
	}
	return inner, outer, nil
}
