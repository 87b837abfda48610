package dnsheaders

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	client "github.com/shruggr/go-dns-headers-client"
)

const testDomain = "headers.test"

// zone maps fully qualified names to the AAAA answers served for them.
type zone map[string][]netip.Addr

func (z zone) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)
	q := req.Question[0]
	addrs, ok := z[q.Name]
	if !ok {
		resp.SetRcode(req, dns.RcodeNameError)
		_ = w.WriteMsg(resp)
		return
	}
	hdr := dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60}
	for _, addr := range addrs {
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()})
	}
	// Unrelated records must be ignored.
	resp.Answer = append(resp.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
		Txt: []string{"noise"},
	})
	_ = w.WriteMsg(resp)
}

func startServer(t *testing.T, h dns.Handler) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		Handler:           h,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		_ = srv.ActivateAndServe()
	}()
	<-started
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})
	return pc.LocalAddr().String()
}

func fqdn(height uint32) string {
	return dns.Fqdn(NameForHeight(height, testDomain))
}

func newTestClient(t *testing.T, ns ...string) (*Client, *Metrics) {
	metrics := NewMetrics(prometheus.NewRegistry())
	c := NewClient(Config{
		Domain:      testDomain,
		Nameservers: ns,
		Net:         "udp",
		Timeout:     500 * time.Millisecond,
	}, WithLogger(zaptest.NewLogger(t)), WithMetrics(metrics))
	return c, metrics
}

func TestClientGetHeader(t *testing.T) {
	genesis := Encode(rawFromHex(t, genesisHex), [2]byte{0x20, 0x01})
	shuffled := parseAddrs(t, block100kAddrs)
	badVersion := genesis
	b := badVersion[0].As16()
	b[3] |= 0x10
	badVersion[0] = netip.AddrFrom16(b)

	ns := startServer(t, zone{
		fqdn(0):      genesis[:],
		fqdn(100000): shuffled,
		fqdn(2):      genesis[:5],
		fqdn(3):      badVersion[:],
	})
	c, metrics := newTestClient(t, ns)
	ctx := context.Background()

	header, err := c.GetHeader(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, genesisHash, header.Hash().String())

	header, err = c.GetHeader(ctx, 100000)
	require.NoError(t, err)
	assert.Equal(t, block100kHash, header.Hash().String())

	_, err = c.GetHeader(ctx, 1)
	assert.ErrorIs(t, err, client.ErrNoData)

	_, err = c.GetHeader(ctx, 2)
	assert.ErrorIs(t, err, client.ErrNoData)
	assert.ErrorIs(t, err, ErrAddressCount)

	_, err = c.GetHeader(ctx, 3)
	assert.ErrorIs(t, err, client.ErrBogusData)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.queries.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.queries.WithLabelValues("no_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queries.WithLabelValues("bogus")))
}

func TestClientNameserverFallback(t *testing.T) {
	genesis := Encode(rawFromHex(t, genesisHex), [2]byte{0x20, 0x01})
	ns := startServer(t, zone{fqdn(0): genesis[:]})

	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	require.NoError(t, dead.Close())

	c, _ := newTestClient(t, deadAddr, ns)
	header, err := c.GetHeader(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, genesisHash, header.Hash().String())
}

func TestClientNoNameservers(t *testing.T) {
	c, metrics := newTestClient(t)
	_, err := c.GetHeader(context.Background(), 0)
	assert.ErrorIs(t, err, client.ErrNoData)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queries.WithLabelValues("no_data")))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultDomain, cfg.Domain)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.NotEmpty(t, cfg.Nameservers)
}
