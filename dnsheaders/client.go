package dnsheaders

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	client "github.com/shruggr/go-dns-headers-client"
)

const (
	DefaultDomain     = "bitcoinheaders.net"
	DefaultNameserver = "1.1.1.1:53"
	DefaultTimeout    = 5 * time.Second
)

var errNoNameservers = errors.New("no nameservers configured")

// Config selects the zone to query and the resolvers to ask.
type Config struct {
	// Domain is the suffix appended to "{height}.{height/10000}.".
	Domain string

	// Nameservers are "host:port" resolvers, tried in order.
	Nameservers []string

	// Net is the miekg/dns transport: "udp", "tcp" or "tcp-tls".
	Net string

	// Timeout bounds each exchange with a nameserver.
	Timeout time.Duration
}

// DefaultConfig queries bitcoinheaders.net through the system resolvers.
func DefaultConfig() Config {
	cfg := Config{
		Domain:  DefaultDomain,
		Net:     "udp",
		Timeout: DefaultTimeout,
	}
	if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, server := range cc.Servers {
			cfg.Nameservers = append(cfg.Nameservers, net.JoinHostPort(server, cc.Port))
		}
	}
	if len(cfg.Nameservers) == 0 {
		cfg.Nameservers = []string{DefaultNameserver}
	}
	return cfg
}

// Client fetches single headers by height with AAAA queries.
type Client struct {
	cfg     Config
	dns     *dns.Client
	logger  *zap.Logger
	metrics *Metrics
}

var _ client.HeaderFetcher = (*Client)(nil)

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		cfg: cfg,
		dns: &dns.Client{
			Net:     cfg.Net,
			Timeout: cfg.Timeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetHeader resolves the header at height. Lookup failures, missing or
// partial answers are client.ErrNoData; an answer in an unknown encoding or
// one that does not parse as a header is client.ErrBogusData.
func (c *Client) GetHeader(ctx context.Context, height uint32) (*block.Header, error) {
	start := time.Now()
	header, err := c.getHeader(ctx, height)
	c.metrics.observe(err, time.Since(start))
	if err != nil {
		c.logger.Debug("header lookup failed", zap.Uint32("height", height), zap.Error(err))
	}
	return header, err
}

func (c *Client) getHeader(ctx context.Context, height uint32) (*block.Header, error) {
	name := NameForHeight(height, c.cfg.Domain)
	addrs, err := c.LookupAddrs(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, err := Decode(addrs)
	if errors.Is(err, ErrUnsupportedVersion) {
		return nil, fmt.Errorf("%w: %s: %w", client.ErrBogusData, name, err)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", client.ErrNoData, name, err)
	}
	header, err := ParseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", client.ErrBogusData, name, err)
	}
	return header, nil
}

// LookupAddrs returns the AAAA answers for name from the first nameserver
// that responds. Other record types in the answer are ignored.
func (c *Client) LookupAddrs(ctx context.Context, name string) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeAAAA)

	lastErr := errNoNameservers
	for _, ns := range c.cfg.Nameservers {
		resp, _, err := c.dns.ExchangeContext(ctx, msg, ns)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, fmt.Errorf("%w: %s does not exist", client.ErrNoData, name)
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s answered %s", ns, dns.RcodeToString[resp.Rcode])
			continue
		}
		if resp.Truncated {
			lastErr = fmt.Errorf("%s sent a truncated answer", ns)
			continue
		}
		var addrs []netip.Addr
		for _, rr := range resp.Answer {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				if addr, ok := netip.AddrFromSlice(aaaa.AAAA); ok {
					addrs = append(addrs, addr)
				}
			}
		}
		c.logger.Debug("resolved", zap.String("name", name), zap.String("nameserver", ns), zap.Int("addrs", len(addrs)))
		return addrs, nil
	}
	return nil, fmt.Errorf("%w: %s: %w", client.ErrNoData, name, lastErr)
}
