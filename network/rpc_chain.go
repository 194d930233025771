package network

import (
	"context"
	"encoding/hex"

	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/bitfsorg/libspv-go/spv"
)

var _ spv.ChainSource = (*RPCClient)(nil)

// blockHash returns the hash of the active-chain block at height via
// getblockhash.
func (c *RPCClient) blockHash(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	var hashHex string
	if err := c.Call(ctx, "getblockhash", []interface{}{height}, &hashHex); err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromHex(hashHex)
	if err != nil {
		return nil, invalidResponse("block hash at %d: %v", height, err)
	}
	return hash, nil
}

// rawHeader fetches a header with getblockheader "hash" false and checks it
// hashes to what was asked for.
func (c *RPCClient) rawHeader(ctx context.Context, hash *chainhash.Hash, height uint32) (*spv.BlockHeader, error) {
	var headerHex string
	if err := c.Call(ctx, "getblockheader", []interface{}{hash.String(), false}, &headerHex); err != nil {
		return nil, err
	}
	h, err := codecFor(c.params).parseHex(headerHex, height)
	if err != nil {
		return nil, invalidResponse("header %s: %v", hash, err)
	}
	if h.Hash != *hash {
		return nil, invalidResponse("asked for header %s, got %s", hash, h.Hash)
	}
	return h, nil
}

// TipHeader returns the node's best header. It calls getbestblockhash, then
// getblockheader in verbose mode for the height and in raw mode for the
// header itself.
func (c *RPCClient) TipHeader(ctx context.Context) (*spv.BlockHeader, error) {
	var hashHex string
	if err := c.Call(ctx, "getbestblockhash", nil, &hashHex); err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromHex(hashHex)
	if err != nil {
		return nil, invalidResponse("best block hash: %v", err)
	}

	var verbose struct {
		Height uint32 `json:"height"`
	}
	if err := c.Call(ctx, "getblockheader", []interface{}{hashHex, true}, &verbose); err != nil {
		return nil, err
	}
	return c.rawHeader(ctx, hash, verbose.Height)
}

// Headers returns up to count headers from start, one getblockhash and
// getblockheader round-trip per height, stopping at the node's tip.
func (c *RPCClient) Headers(ctx context.Context, start, count uint32) ([]*spv.BlockHeader, error) {
	var tip uint32
	if err := c.Call(ctx, "getblockcount", nil, &tip); err != nil {
		return nil, err
	}
	if count == 0 || start > tip {
		return []*spv.BlockHeader{}, nil
	}
	if avail := tip - start + 1; count > avail {
		count = avail
	}

	headers := make([]*spv.BlockHeader, 0, count)
	for height := start; height < start+count; height++ {
		hash, err := c.blockHash(ctx, height)
		if err != nil {
			return nil, err
		}
		h, err := c.rawHeader(ctx, hash, height)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// MerkleProof returns the inclusion branch of txid in the block at height.
// It calls gettxoutproof ["txid"] "blockhash", which returns a hex-encoded
// CMerkleBlock, and extracts the branch from its partial merkle tree.
func (c *RPCClient) MerkleProof(ctx context.Context, txid chainhash.Hash, height uint32) (*spv.MerkleProof, error) {
	hash, err := c.blockHash(ctx, height)
	if err != nil {
		return nil, err
	}

	params := []interface{}{[]string{txid.String()}, hash.String()}
	var proofHex string
	if err := c.Call(ctx, "gettxoutproof", params, &proofHex); err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(proofHex)
	if err != nil {
		return nil, invalidResponse("proof hex for %s: %v", txid, err)
	}

	mb, err := ParseMerkleBlock(data, c.params)
	if err != nil {
		return nil, err
	}
	if mb.Header.Hash != *hash {
		return nil, invalidResponse("proof for %s is from block %s, asked for %s", txid, mb.Header.Hash, hash)
	}
	return mb.Proof(txid, height)
}
