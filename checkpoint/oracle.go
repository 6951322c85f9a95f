package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/contracts/posbridge"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	logger "github.com/sirupsen/logrus"
)

type RootReader interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
	bind.ContractCaller
}

type ChildReader interface {
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
}

// snapshot is never mutated after it is published. next is closed when a
// newer snapshot replaces it.
type snapshot struct {
	records   []Record
	nextBlock uint64
	next      chan struct{}
}

func (s *snapshot) covers(childBlock uint64) bool {
	n := len(s.records)
	return n > 0 && s.records[n-1].Covers(childBlock)
}

// Oracle answers "is this child transaction checkpointed yet". Readers see
// an immutable snapshot; Refresh is the only writer.
type Oracle struct {
	cfg     *Config
	root    RootReader
	child   ChildReader
	decoder Decoder
	proxy   *bind.BoundContract

	snap      atomic.Pointer[snapshot]
	refreshMu sync.Mutex
}

func NewOracle(cfg *Config, root RootReader, child ChildReader) (*Oracle, error) {
	if cfg.RootChainProxy == (ethcommon.Address{}) {
		return nil, errors.New("root chain proxy address not set")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.SyncInterval < MinSyncInterval {
		cfg.SyncInterval = MinSyncInterval
	}
	decoder := cfg.Decoder
	if decoder == nil {
		decoder = DefaultDecoder()
	}

	o := &Oracle{
		cfg:     cfg,
		root:    root,
		child:   child,
		decoder: decoder,
		proxy:   bind.NewBoundContract(cfg.RootChainProxy, *posbridge.MustABI(posbridge.RootChainMetaData), root, nil, nil),
	}
	o.snap.Store(&snapshot{nextBlock: cfg.StartBlock, next: make(chan struct{})})
	return o, nil
}

// Records returns the known checkpoints ordered by child block.
func (o *Oracle) Records() []Record {
	s := o.snap.Load()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// LastChildBlock is the highest child block covered by a known checkpoint.
func (o *Oracle) LastChildBlock() (uint64, bool) {
	s := o.snap.Load()
	if len(s.records) == 0 {
		return 0, false
	}
	return s.records[len(s.records)-1].ChildEnd, true
}

// Refresh scans the root blocks not seen yet and publishes the checkpoints
// found. It returns the number of new records.
func (o *Oracle) Refresh(ctx context.Context) (int, error) {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	cur := o.snap.Load()
	latest, err := o.root.BlockNumber(ctx)
	if err != nil {
		return 0, agreement.WrapRead("blockNumber", err)
	}
	if cur.nextBlock > latest {
		return 0, nil
	}

	var found []Record
	scanned := cur.nextBlock
	for from := cur.nextBlock; from <= latest; from += o.cfg.ChunkSize {
		to := min(from+o.cfg.ChunkSize-1, latest)
		logs, err := o.root.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []ethcommon.Address{o.cfg.RootChainProxy},
			Topics:    [][]ethcommon.Hash{{o.decoder.Topic()}},
		})
		if err != nil {
			// keep what was scanned so far
			o.publish(cur, found, scanned)
			return len(found), agreement.WrapRead("getLogs", err)
		}

		for _, l := range logs {
			if l.Removed || l.Address != o.cfg.RootChainProxy {
				continue
			}
			rec, err := o.decoder.Decode(l)
			if err != nil {
				logger.Errorf("skipping checkpoint log: err=%v", err)
				continue
			}
			found = append(found, rec)
		}
		scanned = to + 1
	}

	o.publish(cur, found, scanned)
	if len(found) > 0 {
		last := found[len(found)-1]
		logger.WithFields(logger.Fields{
			"new":       len(found),
			"childEnd":  last.ChildEnd,
			"rootBlock": last.RootBlock,
			"scannedTo": latest,
		}).Debug("new checkpoints")
	}
	return len(found), nil
}

func (o *Oracle) publish(cur *snapshot, found []Record, nextBlock uint64) {
	if len(found) == 0 && nextBlock == cur.nextBlock {
		return
	}

	records := make([]Record, 0, len(cur.records)+len(found))
	records = append(records, cur.records...)
	records = append(records, found...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ChildEnd < records[j].ChildEnd
	})

	o.snap.Store(&snapshot{records: records, nextBlock: nextBlock, next: make(chan struct{})})
	close(cur.next)
}

// Sync refreshes the cache every SyncInterval until ctx is done. Errors are
// logged and retried on the next tick.
func (o *Oracle) Sync(ctx context.Context) error {
	logger.Debug("starting checkpoint synchronization")
	defer func() {
		logger.Debug("stopping checkpoint synchronization")
	}()

	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		if _, err := o.Refresh(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("failed to refresh checkpoints: err=%v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Watch streams every checkpoint whose ChildEnd is above afterChildBlock,
// then every new one as Refresh finds it. The channel is closed when ctx is
// done; call Watch again with the last ChildEnd seen to resume.
func (o *Oracle) Watch(ctx context.Context, afterChildBlock uint64) <-chan Record {
	out := make(chan Record)
	go func() {
		defer close(out)
		cursor := afterChildBlock
		for {
			s := o.snap.Load()
			for _, r := range s.records {
				if r.ChildEnd <= cursor {
					continue
				}
				select {
				case out <- r:
					cursor = r.ChildEnd
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-s.next:
			}
		}
	}()
	return out
}

func (o *Oracle) childBlockOf(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	r, err := o.child.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: child tx %s", agreement.ErrTxNotFound, txHash.Hex())
	}
	if err != nil {
		return nil, agreement.WrapRead("getTransactionReceipt", err)
	}
	if r.BlockNumber == nil {
		return nil, fmt.Errorf("%w: child tx %s has no block", agreement.ErrTxNotFound, txHash.Hex())
	}
	return r, nil
}

// IsCheckpointed looks at the cache first and refreshes it once on a miss.
// When the logs still do not cover the burn, getLastChildBlock has the last
// word: a node may not serve the logs of every checkpoint.
func (o *Oracle) IsCheckpointed(ctx context.Context, childTxHash ethcommon.Hash) (bool, error) {
	r, err := o.childBlockOf(ctx, childTxHash)
	if err != nil {
		return false, err
	}
	block := r.BlockNumber.Uint64()

	if o.snap.Load().covers(block) {
		return true, nil
	}
	_, refreshErr := o.Refresh(ctx)
	if refreshErr == nil && o.snap.Load().covers(block) {
		return true, nil
	}

	last, err := o.LastChildBlockOnChain(ctx)
	if err != nil {
		if refreshErr != nil {
			return false, refreshErr
		}
		return false, err
	}
	if block <= last {
		logger.WithField("txHash", common.Shorten(childTxHash.Hex(), 8)).
			Infof("checkpoint logs behind, getLastChildBlock=%d covers block %d", last, block)
		return true, nil
	}
	return false, nil
}

// WaitForCheckpoint polls IsCheckpointed every pollInterval, or sooner when
// the cache is refreshed by Sync, until maxWait elapses.
func (o *Oracle) WaitForCheckpoint(ctx context.Context, childTxHash ethcommon.Hash, pollInterval, maxWait time.Duration) error {
	newLogger := logger.WithField("txHash", common.Shorten(childTxHash.Hex(), 8))

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		updated := o.snap.Load().next

		ok, err := o.IsCheckpointed(ctx, childTxHash)
		switch {
		case ok:
			newLogger.Debug("burn checkpointed")
			return nil
		case err == nil:
		case agreement.IsTransient(err) || errors.Is(err, agreement.ErrTxNotFound):
			newLogger.Debugf("checkpoint check failed, retrying: err=%v", err)
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: child tx %s after %v", agreement.ErrCheckpointTimeout, childTxHash.Hex(), maxWait)
		case <-ticker.C:
		case <-updated:
		}
	}
}

// VerifyBurn checks that childTxHash succeeded and emitted
// Transfer(from, 0x0, amount) from the child token contract.
func (o *Oracle) VerifyBurn(ctx context.Context, childTxHash ethcommon.Hash, from ethcommon.Address, amount *big.Int) error {
	r, err := o.childBlockOf(ctx, childTxHash)
	if err != nil {
		return err
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return ErrBurnMismatch("burn transaction failed")
	}

	fromTopic := ethcommon.BytesToHash(from.Bytes())
	var burned []string
	for _, l := range r.Logs {
		if l.Address != o.cfg.ChildToken || len(l.Topics) != 3 || l.Topics[0] != posbridge.TransferEventSig {
			continue
		}
		if l.Topics[1] != fromTopic || l.Topics[2] != (ethcommon.Hash{}) {
			continue
		}
		got := new(big.Int).SetBytes(l.Data)
		if got.Cmp(amount) == 0 {
			return nil
		}
		burned = append(burned, got.String())
	}
	if len(burned) > 0 {
		return ErrBurnMismatch(fmt.Sprintf("burned %s, expected %v", strings.Join(burned, ", "), amount))
	}
	return ErrBurnMismatch(fmt.Sprintf("no burn of %s by %s from token %s", amount, from.Hex(), o.cfg.ChildToken.Hex()))
}

// LastChildBlockOnChain asks the root contract directly instead of the
// cache.
func (o *Oracle) LastChildBlockOnChain(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := o.proxy.Call(&bind.CallOpts{Context: ctx}, &out, "getLastChildBlock"); err != nil {
		return 0, agreement.WrapRead("getLastChildBlock", err)
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("getLastChildBlock: unexpected result %v", out[0])
	}
	return n.Uint64(), nil
}
