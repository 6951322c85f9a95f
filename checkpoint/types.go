package checkpoint

import (
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

const (
	MinSyncInterval  = 100 * time.Millisecond
	DefaultChunkSize = uint64(5000)
)

// Record is one checkpoint submitted to the root chain. It attests every
// child block up to and including ChildEnd.
type Record struct {
	HeaderBlockID *big.Int
	Proposer      ethcommon.Address
	ChildStart    uint64
	ChildEnd      uint64
	Root          ethcommon.Hash

	// where the checkpoint log was found on the root chain
	RootBlock  uint64
	RootTxHash ethcommon.Hash
}

func (r Record) Covers(childBlock uint64) bool {
	return childBlock <= r.ChildEnd
}

type Config struct {
	// RootChainProxy emits the checkpoint logs
	RootChainProxy ethcommon.Address

	// ChildToken is the only contract a burn log may come from
	ChildToken ethcommon.Address

	// StartBlock is the first root block scanned
	StartBlock uint64

	// ChunkSize bounds the block range of a single eth_getLogs
	ChunkSize uint64

	SyncInterval time.Duration

	// Decoder defaults to NewHeaderBlock of RootChainProxy
	Decoder Decoder
}
