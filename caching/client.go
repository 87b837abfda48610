// Package caching turns a height-indexed header fetcher into a block source
// with computed chainwork.
//
// Only two things are cached: the hash and compact target of every
// difficulty retarget header (the spine), which is enough to reconstruct
// chainwork at any height, and the last six headers seen, since nearly all
// lookups are for the tip or just behind it. For a million mainnet headers
// this stays under 20KB; on a test network every block is a retarget, so the
// spine grows with the chain.
package caching

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/btcsuite/btcd/blockchain"
	"go.uber.org/zap"

	client "github.com/shruggr/go-dns-headers-client"
)

const (
	MainnetRetargetInterval = 2016
	TestnetRetargetInterval = 1

	// MinDifficultyBits is the compact target of difficulty 1.
	MinDifficultyBits = 0x1d00ffff

	ringSize = 6
)

// minWork is the work of one difficulty-1 block, 4295032833.
var minWork = blockchain.CalcWork(MinDifficultyBits)

type spineEntry struct {
	hash chainhash.Hash
	bits uint32
}

type ringEntry struct {
	hash chainhash.Hash
	data client.BlockHeaderData
}

func (e *ringEntry) clone() *client.BlockHeaderData {
	data := e.data
	header := *e.data.Header
	data.Header = &header
	data.ChainWork = new(big.Int).Set(e.data.ChainWork)
	return &data
}

// Client is a client.BlockSource backed by a client.HeaderFetcher. Calls are
// serialised; the caches live for the lifetime of the Client.
type Client struct {
	mu      sync.Mutex
	fetcher client.HeaderFetcher
	mainnet bool
	logger  *zap.Logger

	// spine[i] is the retarget header at height (i+1)*interval. Genesis is
	// never stored.
	spine []spineEntry
	// recent[h%ringSize] holds the last header fetched at height h.
	recent [ringSize]*ringEntry
}

var _ client.BlockSource = (*Client)(nil)

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New wraps fetcher. mainnet selects a retarget every 2016 blocks; otherwise
// every block is a retarget, as on testnet3.
func New(fetcher client.HeaderFetcher, mainnet bool, opts ...Option) *Client {
	c := &Client{
		fetcher: fetcher,
		mainnet: mainnet,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) interval() uint32 {
	if c.mainnet {
		return MainnetRetargetInterval
	}
	return TestnetRetargetInterval
}

// GetHeader returns the header with the given hash. The height hint is
// required: a DNS source can only be searched by height.
func (c *Client) GetHeader(ctx context.Context, hash chainhash.Hash, heightHint *uint32) (*client.BlockHeaderData, error) {
	if heightHint == nil {
		return nil, fmt.Errorf("%w: lookup of %s needs a height hint", client.ErrNoData, hash)
	}
	height := *heightHint

	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.recent[height%ringSize]; e != nil && e.hash == hash && e.data.Height == height {
		c.logger.Debug("header cache hit", zap.Uint32("height", height))
		return e.clone(), nil
	}
	e, err := c.fetchHeaderAtHeight(ctx, height)
	if err != nil {
		return nil, err
	}
	if e.hash != hash {
		return nil, fmt.Errorf("%w: header at height %d is %s, not %s", client.ErrNoData, height, e.hash, hash)
	}
	return e.clone(), nil
}

// GetBlock always fails: headers are all this source has.
func (c *Client) GetBlock(ctx context.Context, hash chainhash.Hash) (*client.Block, error) {
	return nil, fmt.Errorf("%w: block %s: full blocks are not available", client.ErrNoData, hash)
}

// GetBestBlock walks forward from the highest cached header until the source
// runs out. On a cold cache it first loads every retarget header, which
// lands close to the tip in a few hundred lookups.
func (c *Client) GetBestBlock(ctx context.Context) (chainhash.Hash, *uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	highest := c.highestCached()
	if highest == 0 {
		if err := c.syncRetargets(ctx); err != nil {
			return chainhash.Hash{}, nil, err
		}
		if highest = c.highestCached(); highest == 0 {
			return chainhash.Hash{}, nil, fmt.Errorf("%w: source has no headers", client.ErrNoData)
		}
	}

	var tip *chainhash.Hash
	for {
		e, err := c.fetchHeaderAtHeight(ctx, highest+1)
		if errors.Is(err, client.ErrNoData) {
			break
		} else if err != nil {
			return chainhash.Hash{}, nil, err
		}
		highest++
		tip = &e.hash
	}
	// A cancelled lookup can surface as ErrNoData from the source.
	if err := ctx.Err(); err != nil {
		return chainhash.Hash{}, nil, err
	}
	if tip == nil {
		// Nothing new, so make sure the known tip is still there. If it is
		// gone the chain reorganised to a lower height, which needs a
		// multi-block reorg around a retarget; we don't search for it and
		// wait for the next block instead.
		e, err := c.fetchHeaderAtHeight(ctx, highest)
		if err != nil {
			return chainhash.Hash{}, nil, err
		}
		tip = &e.hash
	}
	c.logger.Debug("best block", zap.Uint32("height", highest), zap.Stringer("hash", tip))
	height := highest
	return *tip, &height, nil
}

// HeaderByHeight returns the header at height and its hash, from the cache
// when the height is recent.
func (c *Client) HeaderByHeight(ctx context.Context, height uint32) (chainhash.Hash, *client.BlockHeaderData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.headerByHeight(ctx, height)
	if err != nil {
		return chainhash.Hash{}, nil, err
	}
	return e.hash, e.clone(), nil
}

// IsValidRootForHeight reports whether root is the merkle root of the header
// at height.
func (c *Client) IsValidRootForHeight(ctx context.Context, root *chainhash.Hash, height uint32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.headerByHeight(ctx, height)
	if err != nil {
		return false, err
	}
	return e.data.Header.MerkleRoot == *root, nil
}

func (c *Client) headerByHeight(ctx context.Context, height uint32) (*ringEntry, error) {
	if e := c.recent[height%ringSize]; e != nil && e.data.Height == height {
		return e, nil
	}
	return c.fetchHeaderAtHeight(ctx, height)
}

// CurrentHeight is the height of GetBestBlock.
func (c *Client) CurrentHeight(ctx context.Context) (uint32, error) {
	_, height, err := c.GetBestBlock(ctx)
	if err != nil {
		return 0, err
	}
	return *height, nil
}

func (c *Client) highestCached() uint32 {
	var highest uint32
	for _, e := range c.recent {
		if e != nil && e.data.Height > highest {
			highest = e.data.Height
		}
	}
	return highest
}

// syncRetargets loads retarget headers upward until the source has no more.
func (c *Client) syncRetargets(ctx context.Context) error {
	interval := c.interval()
	for height := interval; ; height += interval {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.fetchHeaderAtHeight(ctx, height); errors.Is(err, client.ErrNoData) {
			return nil
		} else if err != nil {
			return err
		}
	}
}

// fetchHeaderAtHeight fetches and caches the header at height, first loading
// any retarget headers its chainwork depends on.
func (c *Client) fetchHeaderAtHeight(ctx context.Context, height uint32) (*ringEntry, error) {
	if err := c.fillSpine(ctx, c.spineRequired(height)); err != nil {
		return nil, err
	}
	return c.fetchAndRecord(ctx, height)
}

// spineRequired is how many spine entries must exist before the header at
// height can be recorded.
func (c *Client) spineRequired(height uint32) uint32 {
	interval := c.interval()
	switch {
	case height == 0:
		return 0
	case height%interval == 0:
		return height/interval - 1
	case height > interval:
		return height / interval
	default:
		return 0
	}
}

// fillSpine fetches retarget headers in ascending order until the spine has
// n entries.
func (c *Client) fillSpine(ctx context.Context, n uint32) error {
	interval := c.interval()
	for uint32(len(c.spine)) < n {
		if err := ctx.Err(); err != nil {
			return err
		}
		height := uint32(len(c.spine)+1) * interval
		c.logger.Debug("backfilling retarget header", zap.Uint32("height", height))
		if _, err := c.fetchAndRecord(ctx, height); err != nil {
			return err
		}
	}
	return nil
}

// fetchAndRecord expects the spine to hold every retarget below height.
func (c *Client) fetchAndRecord(ctx context.Context, height uint32) (*ringEntry, error) {
	header, err := c.fetcher.GetHeader(ctx, height)
	if err != nil {
		return nil, err
	}
	hash := header.Hash()

	if height > 0 && height%c.interval() == 0 {
		c.recordRetarget(height, hash, header.Bits)
	}
	chainwork, err := c.chainwork(ctx, height, header)
	if err != nil {
		return nil, err
	}
	e := &ringEntry{
		hash: hash,
		data: client.BlockHeaderData{
			Header:    header,
			Height:    height,
			ChainWork: chainwork,
		},
	}
	c.recent[height%ringSize] = e
	c.logger.Debug("fetched header",
		zap.Uint32("height", height),
		zap.Stringer("hash", hash),
		zap.Stringer("chainwork", chainwork))
	return e, nil
}

// recordRetarget stores the retarget header at height. A different hash at
// an already known retarget height is a reorg: every later entry is dropped.
func (c *Client) recordRetarget(height uint32, hash chainhash.Hash, bits uint32) {
	idx := int(height/c.interval()) - 1
	entry := spineEntry{hash: hash, bits: bits}
	switch {
	case len(c.spine) == idx:
		c.spine = append(c.spine, entry)
	case len(c.spine) > idx && c.spine[idx].hash != hash:
		c.logger.Info("retarget header changed",
			zap.Uint32("height", height),
			zap.Stringer("old", c.spine[idx].hash),
			zap.Stringer("new", hash),
			zap.Int("dropped", len(c.spine)-idx-1))
		c.spine = append(c.spine[:idx], entry)
	}
}

func (c *Client) chainwork(ctx context.Context, height uint32, header *block.Header) (*big.Int, error) {
	if height > 0 {
		if prev := c.recent[(height-1)%ringSize]; prev != nil && prev.hash == header.PrevHash {
			return new(big.Int).Add(prev.data.ChainWork, blockchain.CalcWork(header.Bits)), nil
		}
	}
	interval := c.interval()
	if height >= interval {
		// The header may sit on a chain that replaced this period's
		// retarget header since it was stored.
		if checkpoint := height / interval * interval; checkpoint != height {
			if _, err := c.fetchAndRecord(ctx, checkpoint); err != nil {
				return nil, err
			}
		}
		return c.chainworkFromSpine(height)
	}
	// Below the first retarget difficulty is always 1.
	return new(big.Int).Mul(minWork, big.NewInt(int64(height))), nil
}

// chainworkFromSpine approximates the work through height by assuming each
// retarget's target holds for its whole window.
func (c *Client) chainworkFromSpine(height uint32) (*big.Int, error) {
	interval := c.interval()
	period := int(height / interval)
	if len(c.spine) < period {
		return nil, fmt.Errorf("%w: retarget header at height %d unknown", client.ErrNoData, uint32(period)*interval)
	}
	work := new(big.Int).Mul(minWork, big.NewInt(int64(interval-1)))
	window := big.NewInt(int64(interval))
	for _, e := range c.spine[:period-1] {
		work.Add(work, new(big.Int).Mul(blockchain.CalcWork(e.bits), window))
	}
	partial := big.NewInt(int64(height%interval + 1))
	work.Add(work, new(big.Int).Mul(blockchain.CalcWork(c.spine[period-1].bits), partial))
	return work, nil
}
