package proof

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var ErrMalformedPayload = errors.New("malformed exit payload")

// ExitPayload is the decoded argument of RootChainManager.exit: an RLP list
// of [headerNumber, blockProof, blockNumber, blockTime, txRoot, receiptRoot,
// receipt, receiptProof, branchMask, receiptLogIndex].
type ExitPayload struct {
	HeaderNumber    *big.Int
	BlockProof      []byte
	BlockNumber     *big.Int
	BlockTime       *big.Int
	TxRoot          ethcommon.Hash
	ReceiptRoot     ethcommon.Hash
	Receipt         []byte
	ReceiptProof    []byte
	BranchMask      []byte
	ReceiptLogIndex *big.Int

	Raw []byte
}

func DecodeExitPayload(raw []byte) (*ExitPayload, error) {
	var items []rlp.RawValue
	if err := rlp.DecodeBytes(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(items) != 10 {
		return nil, fmt.Errorf("%w: %d items, want 10", ErrMalformedPayload, len(items))
	}

	p := &ExitPayload{Raw: raw}
	var txRoot, receiptRoot []byte
	targets := []interface{}{
		&p.HeaderNumber, &p.BlockProof, &p.BlockNumber, &p.BlockTime,
		&txRoot, &receiptRoot, &p.Receipt, &p.ReceiptProof, &p.BranchMask, &p.ReceiptLogIndex,
	}
	for i, target := range targets {
		if err := rlp.DecodeBytes(items[i], target); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedPayload, i, err)
		}
	}
	p.TxRoot = ethcommon.BytesToHash(txRoot)
	p.ReceiptRoot = ethcommon.BytesToHash(receiptRoot)

	if len(p.BranchMask) == 0 {
		return nil, fmt.Errorf("%w: empty branch mask", ErrMalformedPayload)
	}
	return p, nil
}

// Encode is the inverse of DecodeExitPayload.
func (p *ExitPayload) Encode() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{
		p.HeaderNumber, p.BlockProof, p.BlockNumber, p.BlockTime,
		p.TxRoot.Bytes(), p.ReceiptRoot.Bytes(), p.Receipt, p.ReceiptProof,
		p.BranchMask, p.ReceiptLogIndex,
	})
}

// ExitHash is the key RootChainManager.processedExits is indexed by:
// keccak256(abi.encodePacked(blockNumber, nibbles(branchMask), logIndex)).
func (p *ExitPayload) ExitHash() (ethcommon.Hash, error) {
	packed, err := common.EncodePacked(p.BlockNumber, NibbleArray(p.BranchMask), p.ReceiptLogIndex)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// NibbleArray expands a hex-prefix encoded trie path into one nibble per
// byte. An odd-length path (flag 1 or 3) keeps the nibble next to the flag.
func NibbleArray(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	offset := 0
	var nibbles []byte
	hp := nthNibble(b, 0)
	if hp == 1 || hp == 3 {
		nibbles = make([]byte, len(b)*2-1)
		nibbles[0] = nthNibble(b, 1)
		offset = 1
	} else {
		nibbles = make([]byte, len(b)*2-2)
	}

	for i := offset; i < len(nibbles); i++ {
		nibbles[i] = nthNibble(b, i-offset+2)
	}
	return nibbles
}

func nthNibble(b []byte, n int) byte {
	if n%2 == 0 {
		return b[n/2] >> 4
	}
	return b[n/2] & 0x0f
}
