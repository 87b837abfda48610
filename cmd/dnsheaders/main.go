package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"go.uber.org/zap"

	client "github.com/shruggr/go-dns-headers-client"
	"github.com/shruggr/go-dns-headers-client/caching"
	"github.com/shruggr/go-dns-headers-client/dnsheaders"
)

type cmdFlags struct {
	Flagset    *flag.FlagSet
	Domain     string
	Nameserver string
	Testnet    bool
	Height     int64
	Tip        bool
	Hash       string
	Encode     string
	HttpUrl    string
	ApiKey     string
	Debug      bool
}

func newCmdFlags() *cmdFlags {
	f := &cmdFlags{
		Flagset: flag.NewFlagSet(os.Args[0], flag.ExitOnError),
	}
	f.Flagset.StringVar(
		&f.Domain,
		"domain",
		dnsheaders.DefaultDomain,
		"zone serving headers as AAAA records",
	)
	f.Flagset.StringVar(
		&f.Nameserver,
		"nameserver",
		"",
		"resolver in host:port format (defaults to /etc/resolv.conf)",
	)
	f.Flagset.BoolVar(&f.Testnet, "testnet", false, "retarget every block (testnet3)")
	f.Flagset.Int64Var(&f.Height, "height", -1, "print the header at this height")
	f.Flagset.BoolVar(&f.Tip, "tip", false, "discover the current best block")
	f.Flagset.StringVar(
		&f.Hash,
		"hash",
		"",
		"print the header with this hash (requires -http-url)",
	)
	f.Flagset.StringVar(
		&f.Encode,
		"encode",
		"",
		"print the AAAA records for a hex-encoded 80-byte header",
	)
	f.Flagset.StringVar(
		&f.HttpUrl,
		"http-url",
		"",
		"use a Block Headers Service at this URL instead of DNS",
	)
	f.Flagset.StringVar(&f.ApiKey, "api-key", "", "API key for -http-url")
	f.Flagset.BoolVar(&f.Debug, "debug", false, "enable debug logging")
	return f
}

func main() {
	f := newCmdFlags()
	if err := f.Flagset.Parse(os.Args[1:]); err != nil {
		fmt.Printf("failed to parse command args: %s\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	var err error
	if f.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if f.Encode != "" {
		if err := printRecords(f.Encode); err != nil {
			fmt.Printf("ERROR: %s\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if f.Hash != "" {
		if f.HttpUrl == "" {
			fmt.Println("ERROR: -hash requires -http-url")
			os.Exit(1)
		}
		if err := printHeaderByHash(ctx, newHTTPClient(f, logger), f.Hash); err != nil {
			logger.Fatal("header lookup failed", zap.Error(err))
		}
		return
	}

	src := caching.New(newFetcher(f, logger), !f.Testnet, caching.WithLogger(logger))

	switch {
	case f.Tip:
		hash, height, err := src.GetBestBlock(ctx)
		if err != nil {
			logger.Fatal("tip discovery failed", zap.Error(err))
		}
		fmt.Print("Current chain tip:\n\n")
		fmt.Printf("Block hash: %s\n", hash)
		fmt.Printf("Height: %d\n", *height)
	case f.Height >= 0:
		if err := printHeader(ctx, src, uint32(f.Height)); err != nil {
			logger.Fatal("header lookup failed", zap.Error(err))
		}
	default:
		f.Flagset.Usage()
		os.Exit(1)
	}
}

func newFetcher(f *cmdFlags, logger *zap.Logger) client.HeaderFetcher {
	if f.HttpUrl != "" {
		return newHTTPClient(f, logger)
	}
	cfg := dnsheaders.DefaultConfig()
	cfg.Domain = f.Domain
	if f.Nameserver != "" {
		cfg.Nameservers = []string{f.Nameserver}
	}
	return dnsheaders.NewClient(cfg, dnsheaders.WithLogger(logger))
}

func newHTTPClient(f *cmdFlags, logger *zap.Logger) *client.HeadersClient {
	return &client.HeadersClient{
		Url:    strings.TrimSuffix(f.HttpUrl, "/"),
		ApiKey: f.ApiKey,
		Logger: logger,
	}
}

func printHeaderByHash(ctx context.Context, c *client.HeadersClient, hashHex string) error {
	hash, err := chainhash.NewHashFromHex(hashHex)
	if err != nil {
		return err
	}
	bh, err := c.BlockByHash(ctx, *hash)
	if err != nil {
		return err
	}
	fmt.Printf("Block hash: %s\n", bh.Hash)
	fmt.Printf("Height: %d\n", bh.Height)
	fmt.Printf("Version: %d\n", bh.Version)
	fmt.Printf("Previous block: %s\n", bh.PreviousBlock)
	fmt.Printf("Merkle root: %s\n", bh.MerkleRoot)
	fmt.Printf("Timestamp: %d\n", bh.Timestamp)
	fmt.Printf("Bits: %08x\n", bh.Bits)
	fmt.Printf("Nonce: %d\n", bh.Nonce)
	return nil
}

func printHeader(ctx context.Context, src *caching.Client, height uint32) error {
	hash, data, err := src.HeaderByHeight(ctx, height)
	if err != nil {
		return err
	}
	h := data.Header
	fmt.Printf("Block hash: %s\n", hash)
	fmt.Printf("Height: %d\n", data.Height)
	fmt.Printf("Version: %d\n", h.Version)
	fmt.Printf("Previous block: %s\n", h.PrevHash)
	fmt.Printf("Merkle root: %s\n", h.MerkleRoot)
	fmt.Printf("Timestamp: %d\n", h.Timestamp)
	fmt.Printf("Bits: %08x\n", h.Bits)
	fmt.Printf("Nonce: %d\n", h.Nonce)
	fmt.Printf("Chainwork: %064x\n", data.ChainWork)
	return nil
}

// printRecords prints the six AAAA records serving a header, in zone file
// syntax relative to the header's name.
func printRecords(headerHex string) error {
	b, err := hex.DecodeString(headerHex)
	if err != nil {
		return err
	}
	if len(b) != dnsheaders.HeaderSize {
		return fmt.Errorf("header is %d bytes, want %d", len(b), dnsheaders.HeaderSize)
	}
	var raw dnsheaders.RawHeader
	copy(raw[:], b)
	if _, err := dnsheaders.ParseHeader(raw); err != nil {
		return err
	}
	for _, addr := range dnsheaders.Encode(raw, dnsheaders.DefaultPrefix) {
		fmt.Printf("@\tIN\tAAAA\t%s\n", addr)
	}
	return nil
}
