package spv

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// Network identifies which chain a header store follows.
type Network int

const (
	// Mainnet is the production base chain.
	Mainnet Network = iota
	// Testnet is the public test network.
	Testnet
	// Regtest is the local regression test network.
	Regtest
	// Liquid is the federated confidential-asset sidechain.
	Liquid
)

// String returns the network name used in file names and configuration.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Regtest:
		return "regtest"
	case Liquid:
		return "liquid"
	default:
		return fmt.Sprintf("network(%d)", int(n))
	}
}

// ParseNetwork maps a configuration string to a Network.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet", "main":
		return Mainnet, nil
	case "testnet", "test", "testnet3":
		return Testnet, nil
	case "regtest":
		return Regtest, nil
	case "liquid", "liquidv1":
		return Liquid, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
}

// MerkleOddRule says how a merkle level with an odd number of nodes treats
// its last node.
type MerkleOddRule int

const (
	// OddDuplicate pairs the last node with a copy of itself.
	OddDuplicate MerkleOddRule = iota
	// OddPromote carries the last node up to the next level unchanged.
	OddPromote
)

// Checkpoint pins the expected header hash at a height.
type Checkpoint struct {
	Height uint32
	Hash   chainhash.Hash
}

// NetworkParams holds the header validation rules of one network.
type NetworkParams struct {
	Net  Network
	Name string

	// Genesis is nil for networks whose headers must be seeded.
	Genesis *BlockHeader

	PowLimitBits uint32
	PowLimit     *big.Int

	// PowCheck is false for chains whose blocks are signed by a federation
	// rather than mined. Such chains count one unit of work per header.
	PowCheck bool

	MaxRetargetFactor int64
	NoRetargetBound   bool
	MedianTimeSpan    int

	// Checkpoints are kept sorted by height.
	Checkpoints []Checkpoint

	MerkleOddRule MerkleOddRule

	// SignedBlocks marks Elements-style chains whose block hash commits to
	// fields beyond the 80-byte record. Their headers keep the hash decoded
	// from the wire and it is never recomputed.
	SignedBlocks bool

	DefaultPort    uint16
	DefaultTLSPort uint16
}

// HeaderWork returns the work contributed by a header with the given bits.
func (p *NetworkParams) HeaderWork(bits uint32) *big.Int {
	if !p.PowCheck {
		return big.NewInt(1)
	}
	return CalcWork(bits)
}

// CheckpointAt returns the checkpoint hash at height, if one is configured.
func (p *NetworkParams) CheckpointAt(height uint32) (chainhash.Hash, bool) {
	i := sort.Search(len(p.Checkpoints), func(i int) bool {
		return p.Checkpoints[i].Height >= height
	})
	if i < len(p.Checkpoints) && p.Checkpoints[i].Height == height {
		return p.Checkpoints[i].Hash, true
	}
	return chainhash.Hash{}, false
}

// WithCheckpoints returns a copy of the params with extra checkpoints merged
// in. A checkpoint that disagrees with an existing one at the same height is
// an error.
func (p *NetworkParams) WithCheckpoints(cps ...Checkpoint) (*NetworkParams, error) {
	c := *p
	c.Checkpoints = append([]Checkpoint(nil), p.Checkpoints...)
	for _, cp := range cps {
		if existing, ok := c.CheckpointAt(cp.Height); ok {
			if existing != cp.Hash {
				return nil, fmt.Errorf("%w: height %d has %s and %s",
					ErrConflictingCheckpoint, cp.Height, existing, cp.Hash)
			}
			continue
		}
		c.Checkpoints = append(c.Checkpoints, cp)
		sort.Slice(c.Checkpoints, func(i, j int) bool {
			return c.Checkpoints[i].Height < c.Checkpoints[j].Height
		})
	}
	return &c, nil
}

// ParamsForNetwork returns a fresh copy of the built-in params for n.
func ParamsForNetwork(n Network) (*NetworkParams, error) {
	var p NetworkParams
	switch n {
	case Mainnet:
		p = mainNetParams
	case Testnet:
		p = testNetParams
	case Regtest:
		p = regTestParams
	case Liquid:
		p = liquidParams
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownNetwork, int(n))
	}
	p.Checkpoints = append([]Checkpoint(nil), p.Checkpoints...)
	if p.Genesis != nil {
		p.Genesis = p.Genesis.Clone()
	}
	if p.PowLimit != nil {
		p.PowLimit = new(big.Int).Set(p.PowLimit)
	}
	return &p, nil
}

// newHashFromStr converts the passed big-endian hex string into a
// chainhash.Hash.  It only differs from the one available in chainhash in
// that it panics on an error since it will only (and must only) be called
// with hard-coded, and therefore known good, hashes.
func newHashFromStr(hexStr string) chainhash.Hash {
	hash, err := chainhash.NewHashFromHex(hexStr)
	if err != nil {
		panic(err)
	}
	return *hash
}

// genesisMerkleRoot is shared by every base-chain genesis block.
var genesisMerkleRoot = newHashFromStr("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")

func genesisHeader(timestamp, bits, nonce uint32) *BlockHeader {
	h := &BlockHeader{
		Version:    1,
		MerkleRoot: genesisMerkleRoot,
		Timestamp:  timestamp,
		Bits:       bits,
		Nonce:      nonce,
	}
	h.Hash = ComputeHeaderHash(h)
	return h
}

var mainNetParams = NetworkParams{
	Net:               Mainnet,
	Name:              "mainnet",
	Genesis:           genesisHeader(1231006505, 0x1d00ffff, 2083236893),
	PowLimitBits:      0x1d00ffff,
	PowLimit:          CompactToBig(0x1d00ffff),
	PowCheck:          true,
	MaxRetargetFactor: 4,
	MedianTimeSpan:    11,
	Checkpoints: []Checkpoint{
		{11111, newHashFromStr("0000000069e244f73d78e8fd29ba2fd2ed618bd6fa2ee92559f542fdb26e7c1d")},
		{33333, newHashFromStr("000000002dd5588a74784eaa7ab0507a18ad16a236e7b1ce69f00d7ddfb5d0a6")},
		{74000, newHashFromStr("0000000000573993a3c9e41ce34471c079dcf5f52a0e824a81e7f953b8661a20")},
		{105000, newHashFromStr("00000000000291ce28027faea320c8d2b054b2e0fe44a773f3eefb151d6bdc97")},
		{134444, newHashFromStr("00000000000005b12ffd4cd315cd34ffd4a594f430ac814c91184a0d42d2b0fe")},
		{168000, newHashFromStr("000000000000099e61ea72015e79632f216fe6cb33d7899acb35b75c8303b763")},
		{193000, newHashFromStr("000000000000059f452a5f7340de6682a977387c17010ff6e6c3bd83ca8b1317")},
		{210000, newHashFromStr("000000000000048b95347e83192f69cf0366076336c639f9b7228e9ba171342e")},
		{216116, newHashFromStr("00000000000001b4f4b433e81ee46494af945cf96014816a4e2370f11b23df4e")},
		{225430, newHashFromStr("00000000000001c108384350f74090433e7fcf79a606b8e797f065b130575932")},
		{250000, newHashFromStr("000000000000003887df1f29024b06fc2200b55f8af8f35453d7be294df2d214")},
		{279000, newHashFromStr("0000000000000001ae8c72a0b0c301f67e3afca10e819efa9041e458e9bd7e40")},
		{300255, newHashFromStr("0000000000000000162804527c6e9b9f0563a280525f9d08c12041def0a0f3b2")},
	},
	MerkleOddRule:  OddDuplicate,
	DefaultPort:    50001,
	DefaultTLSPort: 50002,
}

var testNetParams = NetworkParams{
	Net:          Testnet,
	Name:         "testnet",
	Genesis:      genesisHeader(1296688602, 0x1d00ffff, 414098458),
	PowLimitBits: 0x1d00ffff,
	PowLimit:     CompactToBig(0x1d00ffff),
	PowCheck:     true,
	// Min-difficulty blocks make consecutive targets jump arbitrarily.
	MaxRetargetFactor: 4,
	NoRetargetBound:   true,
	MedianTimeSpan:    11,
	MerkleOddRule:     OddDuplicate,
	DefaultPort:       60001,
	DefaultTLSPort:    60002,
}

var regTestParams = NetworkParams{
	Net:               Regtest,
	Name:              "regtest",
	Genesis:           genesisHeader(1296688602, 0x207fffff, 2),
	PowLimitBits:      0x207fffff,
	PowLimit:          CompactToBig(0x207fffff),
	PowCheck:          true,
	MaxRetargetFactor: 4,
	NoRetargetBound:   true,
	MedianTimeSpan:    11,
	MerkleOddRule:     OddDuplicate,
	DefaultPort:       60401,
	DefaultTLSPort:    60402,
}

// liquidParams has no built-in genesis, so the store is seeded from a
// trusted header. Bits and Nonce are zero in its records; the record keeps
// version, links, merkle root and time.
var liquidParams = NetworkParams{
	Net:               Liquid,
	Name:              "liquid",
	PowCheck:          false,
	MaxRetargetFactor: 4,
	NoRetargetBound:   true,
	MedianTimeSpan:    11,
	MerkleOddRule:     OddDuplicate,
	SignedBlocks:      true,
	DefaultPort:       51001,
	DefaultTLSPort:    51002,
}
