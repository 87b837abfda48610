package dnsheaders

import (
	"encoding/hex"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	genesisHex  = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c"
	genesisHash = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"

	block100kHex  = "0100000050120119172a610421a6c3011dd330d9df07b63616c2cc1f1cd00200000000006657a9252aacd5c0b2940996ecff952228c3067cc38d4885efb5a4ac4247e9f337221b4d4c86041b0f2b5710"
	block100kHash = "000000000003ba27aa200b1cecaad478d2b00432346c3f1f3986da1afd33e506"
)

var genesisAddrs = []string{
	"2001:0000:1000:0000:0000:0000:0000:0000",
	"2001:1000:0000:0000:0000:0000:0000:0000",
	"2001:2000:0000:0000:0000:0000:03ba:3edf",
	"2001:3d7a:7b12:b27a:c72c:3e67:768f:617f",
	"2001:4c81:bc38:88a5:1323:a9fb:8aa4:b1e5",
	"2001:5e4a:29ab:5f49:ffff:001d:1dac:2b7c",
}

// Served shuffled, as a resolver would.
var block100kAddrs = []string{
	"2001:2cc1:f1cd:20::665:7a92",
	"2001:352a:acd5:c0b2:9409:96ec:ff95:2228",
	"2001:4c30:67cc:38d4:885e:fb5a:4ac4:247e",
	"2001:0:1000:5:120:1191:72a6:1042",
	"2001:11a6:c301:1dd3:30d9:df07:b636:16c2",
	"2001:59f3:3722:1b4d:4c86:41b:f2b:5710",
}

func parseAddrs(t *testing.T, in []string) []netip.Addr {
	t.Helper()
	addrs := make([]netip.Addr, len(in))
	for i, s := range in {
		addrs[i] = netip.MustParseAddr(s)
	}
	return addrs
}

func rawFromHex(t *testing.T, s string) RawHeader {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	require.Len(t, b, HeaderSize)
	var raw RawHeader
	copy(raw[:], b)
	return raw
}

func TestNameForHeight(t *testing.T) {
	assert.Equal(t, "0.0.bitcoinheaders.net", NameForHeight(0, "bitcoinheaders.net"))
	assert.Equal(t, "9999.0.bitcoinheaders.net", NameForHeight(9999, "bitcoinheaders.net"))
	assert.Equal(t, "10000.1.bitcoinheaders.net", NameForHeight(10000, "bitcoinheaders.net"))
	assert.Equal(t, "654321.65.example.com", NameForHeight(654321, "example.com"))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		addrs []string
		raw   string
		hash  string
	}{
		{"genesis", genesisAddrs, genesisHex, genesisHash},
		{"block 100000", block100kAddrs, block100kHex, block100kHash},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Decode(parseAddrs(t, tc.addrs))
			require.NoError(t, err)
			assert.Equal(t, rawFromHex(t, tc.raw), raw)

			header, err := ParseHeader(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.hash, header.Hash().String())
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	headers := []RawHeader{
		rawFromHex(t, genesisHex),
		rawFromHex(t, block100kHex),
	}
	for i := 0; i < 20; i++ {
		var raw RawHeader
		rng.Read(raw[:])
		headers = append(headers, raw)
	}

	for _, raw := range headers {
		encoded := Encode(raw, [2]byte{0x20, 0x01})
		addrs := encoded[:]
		for i := 0; i < 10; i++ {
			rng.Shuffle(len(addrs), func(a, b int) { addrs[a], addrs[b] = addrs[b], addrs[a] })
			got, err := Decode(addrs)
			require.NoError(t, err)
			require.Equal(t, raw, got)
		}
	}
}

func TestEncodeGenesis(t *testing.T) {
	encoded := Encode(rawFromHex(t, genesisHex), DefaultPrefix)
	assert.Equal(t, parseAddrs(t, genesisAddrs), encoded[:])
}

func TestDecodeIgnoresPrefix(t *testing.T) {
	raw := rawFromHex(t, block100kHex)
	encoded := Encode(raw, [2]byte{0xfe, 0xed})
	got, err := Decode(encoded[:])
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestDecodeVersion(t *testing.T) {
	for _, version := range []byte{0x01, 0x10, 0xff} {
		encoded := Encode(rawFromHex(t, genesisHex), [2]byte{0x20, 0x01})
		b := encoded[0].As16()
		b[2] |= version & 0x0f
		b[3] |= version & 0xf0
		encoded[0] = netip.AddrFrom16(b)

		_, err := Decode(encoded[:])
		assert.ErrorIs(t, err, ErrUnsupportedVersion, "version %#x", version)
	}
}

func TestDecodeAddressCount(t *testing.T) {
	addrs := parseAddrs(t, genesisAddrs)
	for _, n := range []int{0, 1, 5} {
		_, err := Decode(addrs[:n])
		assert.ErrorIs(t, err, ErrAddressCount, "%d addresses", n)
	}
	_, err := Decode(append(addrs, netip.MustParseAddr("2001:6000::")))
	assert.ErrorIs(t, err, ErrAddressCount)

	mixed := parseAddrs(t, genesisAddrs)
	mixed[3] = netip.MustParseAddr("192.0.2.1")
	_, err = Decode(mixed)
	assert.ErrorIs(t, err, ErrAddressCount)
}
