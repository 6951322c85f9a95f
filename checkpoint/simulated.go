package checkpoint

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/contracts/posbridge"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SimulatedRoot is an in-memory root chain that only knows about checkpoint
// logs of one RootChainProxy. Tests use it to drive the oracle.
type SimulatedRoot struct {
	Proxy ethcommon.Address

	mu       sync.Mutex
	block    uint64
	logs     []types.Log
	headerID int64
	lastEnd  uint64
	failing  error
}

func NewSimulatedRoot(proxy ethcommon.Address) *SimulatedRoot {
	return &SimulatedRoot{Proxy: proxy, block: 1}
}

// EncodeNewHeaderBlock builds the NewHeaderBlock log the proxy would emit.
func EncodeNewHeaderBlock(proxy ethcommon.Address, rec Record, reward *big.Int) (types.Log, error) {
	ev := posbridge.MustABI(posbridge.RootChainMetaData).Events["NewHeaderBlock"]
	data, err := ev.Inputs.NonIndexed().Pack(
		new(big.Int).SetUint64(rec.ChildStart),
		new(big.Int).SetUint64(rec.ChildEnd),
		[32]byte(rec.Root),
	)
	if err != nil {
		return types.Log{}, err
	}

	id := rec.HeaderBlockID
	if id == nil {
		id = new(big.Int)
	}
	return types.Log{
		Address: proxy,
		Topics: []ethcommon.Hash{
			posbridge.NewHeaderBlockEventSig,
			ethcommon.BytesToHash(rec.Proposer.Bytes()),
			ethcommon.BigToHash(id),
			ethcommon.BigToHash(reward),
		},
		Data:        data,
		BlockNumber: rec.RootBlock,
		TxHash:      rec.RootTxHash,
	}, nil
}

// AddCheckpoint mines a root block holding a checkpoint of child blocks
// [start, end].
func (s *SimulatedRoot) AddCheckpoint(start, end uint64) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.block++
	s.headerID += 10000
	rec := Record{
		HeaderBlockID: big.NewInt(s.headerID),
		Proposer:      common.RandEthAddress(),
		ChildStart:    start,
		ChildEnd:      end,
		Root:          common.RandHash(),
		RootBlock:     s.block,
		RootTxHash:    common.RandHash(),
	}
	l, err := EncodeNewHeaderBlock(s.Proxy, rec, big.NewInt(1))
	if err != nil {
		panic(err)
	}
	l.Index = uint(len(s.logs))
	s.logs = append(s.logs, l)
	if end > s.lastEnd {
		s.lastEnd = end
	}
	return rec
}

// SetLastChildBlock moves the getLastChildBlock answer without emitting a
// checkpoint log.
func (s *SimulatedRoot) SetLastChildBlock(end uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEnd = end
}

// AddLog appends an arbitrary log in a new block.
func (s *SimulatedRoot) AddLog(l types.Log) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.block++
	l.BlockNumber = s.block
	s.logs = append(s.logs, l)
}

// Mine adds n empty blocks.
func (s *SimulatedRoot) Mine(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block += n
}

// SetFailing makes every read return err until called with nil.
func (s *SimulatedRoot) SetFailing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = err
}

func (s *SimulatedRoot) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return 0, s.failing
	}
	return s.block, nil
}

func (s *SimulatedRoot) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return nil, s.failing
	}

	var out []types.Log
	for _, l := range s.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && (len(l.Topics) == 0 || !containsHash(q.Topics[0], l.Topics[0])) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *SimulatedRoot) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

// CallContract answers getLastChildBlock only.
func (s *SimulatedRoot) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return nil, s.failing
	}

	method := posbridge.MustABI(posbridge.RootChainMetaData).Methods["getLastChildBlock"]
	if call.To == nil || *call.To != s.Proxy || len(call.Data) < 4 || string(call.Data[:4]) != string(method.ID) {
		return nil, errors.New("execution reverted")
	}
	return method.Outputs.Pack(new(big.Int).SetUint64(s.lastEnd))
}

func (s *SimulatedRoot) CodeAt(ctx context.Context, contract ethcommon.Address, blockNumber *big.Int) ([]byte, error) {
	if contract == s.Proxy {
		return []byte{0x60}, nil
	}
	return nil, nil
}

func containsAddr(list []ethcommon.Address, a ethcommon.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []ethcommon.Hash, h ethcommon.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
