// Package dnsheaders fetches 80-byte block headers encoded in AAAA records.
//
// A header is spread over six IPv6 addresses. In every address the first two
// bytes are ignored and the next nibble is the address's position, since
// resolvers are free to shuffle records. The address at position 0 then
// carries an 8-bit encoding version, which must be 0. All remaining nibbles,
// taken in position order, are the header bytes.
//
// Records live at "{height}.{height/10000}.{domain}" so that each zone holds
// at most ten thousand names. bitcoinheaders.net serves a public copy.
package dnsheaders

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/bsv-blockchain/go-sdk/block"
)

const (
	// HeaderSize is the length of a serialized block header.
	HeaderSize = 80
	// AddrsPerHeader is the number of AAAA records that make up one header.
	AddrsPerHeader = 6

	// Nibbles available after the two ignored bytes of an address.
	payloadNibbles = 14 * 2
)

var (
	ErrAddressCount       = errors.New("header requires exactly 6 IPv6 addresses")
	ErrUnsupportedVersion = errors.New("unsupported header encoding version")
)

// DefaultPrefix fills the two leading bytes of encoded addresses, which
// decoders ignore.
var DefaultPrefix = [2]byte{0x20, 0x01}

// RawHeader is a block header in consensus serialization.
type RawHeader [HeaderSize]byte

// NameForHeight returns the hostname queried for the header at height.
func NameForHeight(height uint32, domain string) string {
	return fmt.Sprintf("%d.%d.%s", height, height/10000, domain)
}

// Decode reassembles a header from the six addresses of one AAAA answer.
// The addresses may arrive in any order.
func Decode(addrs []netip.Addr) (RawHeader, error) {
	var raw RawHeader
	if len(addrs) != AddrsPerHeader {
		return raw, fmt.Errorf("%w: got %d", ErrAddressCount, len(addrs))
	}
	var ips [AddrsPerHeader][16]byte
	for i, addr := range addrs {
		if !addr.Is6() || addr.Is4In6() {
			return raw, fmt.Errorf("%w: %s is not an IPv6 address", ErrAddressCount, addr)
		}
		ips[i] = addr.As16()
	}
	sortByPosition(&ips)

	if version := ips[0][2]&0x0f | ips[0][3]&0xf0; version != 0 {
		return raw, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	offs := 0
	for idx := range ips {
		// Skip the position nibble, and on the first address the version too.
		start := 1
		if idx == 0 {
			start = 3
		}
		for i := start; i < payloadNibbles; i++ {
			nibble := payloadNibble(&ips[idx], i)
			if offs%2 == 0 {
				raw[offs/2] = nibble << 4
			} else {
				raw[offs/2] |= nibble
			}
			offs++
		}
	}
	return raw, nil
}

// Encode is the inverse of Decode. Each address starts with prefix, and
// addresses are returned in position order.
func Encode(raw RawHeader, prefix [2]byte) [AddrsPerHeader]netip.Addr {
	var ips [AddrsPerHeader][16]byte
	offs := 0
	for idx := range ips {
		ips[idx][0], ips[idx][1] = prefix[0], prefix[1]
		setPayloadNibble(&ips[idx], 0, byte(idx))
		start := 1
		if idx == 0 {
			// Version 0 occupies nibbles 1 and 2, already zero.
			start = 3
		}
		for i := start; i < payloadNibbles; i++ {
			b := raw[offs/2]
			if offs%2 == 0 {
				b >>= 4
			}
			setPayloadNibble(&ips[idx], i, b&0x0f)
			offs++
		}
	}
	var addrs [AddrsPerHeader]netip.Addr
	for i := range ips {
		addrs[i] = netip.AddrFrom16(ips[i])
	}
	return addrs
}

// ParseHeader deserializes raw into a header.
func ParseHeader(raw RawHeader) (*block.Header, error) {
	return block.NewHeaderFromBytes(raw[:])
}

// payloadNibble returns nibble i of the 14 bytes following the ignored prefix.
func payloadNibble(ip *[16]byte, i int) byte {
	b := ip[2+i/2]
	if i%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

func setPayloadNibble(ip *[16]byte, i int, v byte) {
	p := &ip[2+i/2]
	if i%2 == 0 {
		*p = *p&0x0f | v<<4
	} else {
		*p = *p&0xf0 | v&0x0f
	}
}

// sortByPosition orders addresses by their position nibble. Six elements,
// so an insertion sort in place.
func sortByPosition(ips *[AddrsPerHeader][16]byte) {
	for i := 1; i < len(ips); i++ {
		for j := i; j > 0 && ips[j][2]&0xf0 < ips[j-1][2]&0xf0; j-- {
			ips[j], ips[j-1] = ips[j-1], ips[j]
		}
	}
}
