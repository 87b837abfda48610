package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"go.uber.org/zap"
)

// HeadersClient fetches headers from a Block Headers Service over HTTP. It
// satisfies HeaderFetcher, so it can stand in for the DNS source underneath
// a caching client.
type HeadersClient struct {
	Url        string
	ApiKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger

	mu       sync.Mutex
	updated  time.Time
	chaintip *BlockHeader
}

var _ HeaderFetcher = (*HeadersClient)(nil)

// Header converts the service representation into a consensus header.
func (h *BlockHeader) Header() *block.Header {
	return &block.Header{
		Version:    int32(h.Version),
		PrevHash:   h.PreviousBlock,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  h.Timestamp,
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
}

// GetHeader returns the longest-chain header at height. The hash reported
// by the service must match the hash of the fields it sent alongside it.
func (c *HeadersClient) GetHeader(ctx context.Context, height uint32) (*block.Header, error) {
	bh, err := c.BlockByHeight(ctx, height)
	if err != nil {
		return nil, err
	}
	header := bh.Header()
	if hash := header.Hash(); hash != bh.Hash {
		c.logger().Warn("header hash mismatch",
			zap.Uint32("height", height),
			zap.Stringer("reported", bh.Hash),
			zap.Stringer("computed", hash))
		return nil, fmt.Errorf("%w: hash mismatch at height %d", ErrBogusData, height)
	}
	return header, nil
}

func (c *HeadersClient) IsValidRootForHeight(ctx context.Context, root *chainhash.Hash, height uint32) (bool, error) {
	if header, err := c.BlockByHeight(ctx, height); err != nil {
		return false, err
	} else {
		return header.MerkleRoot == *root, nil
	}
}

// GetChaintip returns the tip of the longest chain. Results are reused for
// five seconds.
func (c *HeadersClient) GetChaintip(ctx context.Context) (*BlockHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chaintip != nil && time.Since(c.updated) < 5*time.Second {
		return c.chaintip, nil
	}
	headerState := &BlockHeaderState{}
	if err := c.get(ctx, fmt.Sprintf("%s/api/v1/chain/tip/longest", c.Url), headerState); err != nil {
		return nil, err
	}
	header := &headerState.Header
	header.Height = headerState.Height
	if c.chaintip == nil || header.Hash != c.chaintip.Hash {
		c.logger().Debug("new chaintip", zap.Uint32("height", header.Height), zap.Stringer("hash", header.Hash))
	}
	c.chaintip = header
	c.updated = time.Now()
	return header, nil
}

func (c *HeadersClient) BlockByHeight(ctx context.Context, height uint32) (*BlockHeader, error) {
	headers := []BlockHeader{}
	url := fmt.Sprintf("%s/api/v1/chain/header/byHeight?height=%d", c.Url, height)
	if err := c.get(ctx, url, &headers); err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, ErrNoData
	}
	for _, header := range headers {
		if state, err := c.GetBlockState(ctx, header.Hash.String()); err != nil {
			return nil, err
		} else if state.State == "LONGEST_CHAIN" {
			header.Height = state.Height
			return &header, nil
		}
	}
	header := &headers[0]
	header.Height = height
	return header, nil
}

// BlockByHash returns the header with the given hash along with its height.
// The fields sent back must hash to the requested hash.
func (c *HeadersClient) BlockByHash(ctx context.Context, hash chainhash.Hash) (*BlockHeader, error) {
	headerState, err := c.GetBlockState(ctx, hash.String())
	if err != nil {
		return nil, err
	}
	bh := &headerState.Header
	bh.Height = headerState.Height
	if computed := bh.Header().Hash(); computed != hash {
		return nil, fmt.Errorf("%w: service returned %s for %s", ErrBogusData, computed, hash)
	}
	return bh, nil
}

func (c *HeadersClient) GetBlockState(ctx context.Context, hash string) (*BlockHeaderState, error) {
	headerState := &BlockHeaderState{}
	if err := c.get(ctx, fmt.Sprintf("%s/api/v1/chain/header/state/%s", c.Url, hash), headerState); err != nil {
		return nil, err
	}
	return headerState, nil
}

// get performs an authenticated GET and decodes the JSON body into v.
// Transport failures and non-200 responses are ErrNoData; a body that does
// not decode is ErrBogusData.
func (c *HeadersClient) get(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.ApiKey)
	if res, err := c.httpClient().Do(req); err != nil {
		return fmt.Errorf("%w: %w", ErrNoData, err)
	} else {
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: %s returned %d", ErrNoData, url, res.StatusCode)
		}
		if err := json.NewDecoder(res.Body).Decode(v); err != nil {
			return fmt.Errorf("%w: %w", ErrBogusData, err)
		}
	}
	return nil
}

func (c *HeadersClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *HeadersClient) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
