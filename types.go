package client

import (
	"context"
	"errors"
	"math/big"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"
)

var (
	// ErrNoData means nothing usable came back: missing records, a short
	// answer, a hash that does not match, or a source that is simply behind.
	// Callers should treat it as transient.
	ErrNoData = errors.New("no data")

	// ErrBogusData means the source answered with something structurally
	// invalid, e.g. an unsupported encoding version or an unparseable header.
	ErrBogusData = errors.New("bogus data")
)

// BlockHeader is the JSON shape served by a Block Headers Service.
type BlockHeader struct {
	Height        uint32         `json:"height"`
	Hash          chainhash.Hash `json:"hash"`
	Version       uint32         `json:"version"`
	MerkleRoot    chainhash.Hash `json:"merkleRoot"`
	Timestamp     uint32         `json:"creationTimestamp"`
	Bits          uint32         `json:"difficultyTarget"`
	Nonce         uint32         `json:"nonce"`
	PreviousBlock chainhash.Hash `json:"prevBlockHash"`
}

type BlockHeaderState struct {
	Header BlockHeader `json:"header"`
	State  string      `json:"state"`
	Height uint32      `json:"height"`
}

// BlockHeaderData is a header together with its height and the cumulative
// work from genesis through that height.
type BlockHeaderData struct {
	Header    *block.Header
	Height    uint32
	ChainWork *big.Int
}

// Block is a full block. Header-only sources never return one.
type Block struct {
	Header       *block.Header
	Transactions []*transaction.Transaction
}

// HeaderFetcher returns the header at a height and nothing else.
type HeaderFetcher interface {
	GetHeader(ctx context.Context, height uint32) (*block.Header, error)
}

// BlockSource is the lookup surface consumed by chain-tracking code.
type BlockSource interface {
	GetHeader(ctx context.Context, hash chainhash.Hash, heightHint *uint32) (*BlockHeaderData, error)
	GetBlock(ctx context.Context, hash chainhash.Hash) (*Block, error)
	GetBestBlock(ctx context.Context) (chainhash.Hash, *uint32, error)
}
