// Package pendingtx tracks one broadcast transaction from signing to receipt.
package pendingtx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	logger "github.com/sirupsen/logrus"
)

type Status string

const (
	Submitted Status = "submitted"
	Mined     Status = "mined"
	Failed    Status = "failed"
)

const DefaultPollInterval = 2 * time.Second

// ErrNotBroadcast is returned for a signed transaction that was dropped
// before it reached the node. It wraps the reason.
var ErrNotBroadcast = errors.New("transaction not broadcast")

func notBroadcast(cause error) error {
	return fmt.Errorf("%w: %w", ErrNotBroadcast, cause)
}

type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
}

type Sender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// SignFunc builds and signs the transaction. Its error is returned verbatim
// by AwaitHash, so it should already be classified.
type SignFunc func(ctx context.Context) (*types.Transaction, error)

type Option func(*PendingTx)

func WithPollInterval(d time.Duration) Option {
	return func(p *PendingTx) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// HoldBroadcast keeps the signed transaction back until Broadcast is
// called, so its hash can be stored before the node sees it. The holder
// must call Broadcast or Abandon; a released transaction is sent even if
// ctx is done by then.
func HoldBroadcast() Option {
	return func(p *PendingTx) {
		p.release = make(chan error, 1)
	}
}

type PendingTx struct {
	chain        agreement.Chain
	reader       ReceiptReader
	pollInterval time.Duration

	// closed once the hash is known or signing failed
	signed chan struct{}
	// closed once the hash is known or submission failed
	submitted chan struct{}

	// nil unless held; receives nil to send or the reason to drop
	release     chan error
	releaseOnce sync.Once

	mu        sync.RWMutex
	hash      ethcommon.Hash
	submitErr error
	// set when a waiter gave up before the hash was known
	abandoned error
	status    Status
	receipt   *types.Receipt
}

func newPendingTx(chain agreement.Chain, reader ReceiptReader, opts []Option) *PendingTx {
	p := &PendingTx{
		chain:        chain,
		reader:       reader,
		pollInterval: DefaultPollInterval,
		signed:       make(chan struct{}),
		submitted:    make(chan struct{}),
		status:       Submitted,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit signs and broadcasts in the background and returns at once.
func Submit(ctx context.Context, chain agreement.Chain, sender Sender, reader ReceiptReader, sign SignFunc, opts ...Option) *PendingTx {
	p := newPendingTx(chain, reader, opts)
	go p.submit(ctx, sender, sign)
	return p
}

// Track re-attaches to a transaction broadcast earlier, possibly by a
// previous process.
func Track(chain agreement.Chain, reader ReceiptReader, hash ethcommon.Hash, opts ...Option) *PendingTx {
	p := newPendingTx(chain, reader, opts)
	p.hash = hash
	close(p.signed)
	close(p.submitted)
	return p
}

func (p *PendingTx) submit(ctx context.Context, sender Sender, sign SignFunc) {
	defer close(p.submitted)

	tx, err := sign(ctx)

	p.mu.Lock()
	switch {
	case err != nil:
	case p.abandoned != nil:
		err = p.abandoned
	case ctx.Err() != nil:
		err = notBroadcast(ctx.Err())
	default:
		p.hash = tx.Hash()
	}
	if err != nil {
		p.submitErr = err
		p.status = Failed
	}
	p.mu.Unlock()
	close(p.signed)
	if err != nil {
		return
	}

	newLogger := logger.WithFields(logger.Fields{
		"chain":  p.chain,
		"txHash": common.Shorten(tx.Hash().Hex(), 8),
		"nonce":  tx.Nonce(),
	})

	sendCtx := ctx
	if p.release != nil {
		if err := <-p.release; err != nil {
			newLogger.Debugf("tx dropped before broadcast: err=%v", err)
			p.fail(err)
			return
		}
		sendCtx = context.WithoutCancel(ctx)
	}

	err = sender.SendTransaction(sendCtx, tx)
	switch {
	case err == nil || isAlreadyKnown(err):
		newLogger.Debug("tx broadcast")
	case agreement.IsNetworkError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// the node may or may not have the tx; keep the hash so the receipt
		// can still be polled
		newLogger.Warnf("tx broadcast outcome unknown: err=%v", err)
		p.mu.Lock()
		p.submitErr = agreement.NewRpcError("sendTransaction", err)
		p.mu.Unlock()
	default:
		newLogger.Errorf("tx rejected: err=%v", err)
		p.fail(fmt.Errorf("%w: %v", agreement.ErrSubmission, err))
	}
}

func (p *PendingTx) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
	p.status = Failed
}

// Broadcast lets a held transaction go to the node. Only the first call
// to Broadcast or Abandon counts.
func (p *PendingTx) Broadcast() {
	p.releaseOnce.Do(func() {
		if p.release != nil {
			p.release <- nil
		}
	})
}

// Abandon drops a held transaction. AwaitHash then reports ErrNotBroadcast
// wrapping cause.
func (p *PendingTx) Abandon(cause error) {
	if cause == nil {
		cause = errors.New("abandoned")
	}
	p.releaseOnce.Do(func() {
		if p.release != nil {
			p.release <- notBroadcast(cause)
		}
	})
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func (p *PendingTx) Chain() agreement.Chain {
	return p.chain
}

func (p *PendingTx) Hash() ethcommon.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hash
}

func (p *PendingTx) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *PendingTx) Receipt() *types.Receipt {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.receipt
}

// AwaitSigned blocks until the transaction is signed. Unlike AwaitHash it
// does not wait for the broadcast, which a held transaction only does
// after Broadcast.
func (p *PendingTx) AwaitSigned(ctx context.Context) (ethcommon.Hash, error) {
	select {
	case <-ctx.Done():
		return p.giveUp(ctx.Err())
	case <-p.signed:
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.hash == (ethcommon.Hash{}) {
		return p.hash, p.submitErr
	}
	return p.hash, nil
}

// AwaitHash blocks until the transaction is signed and handed to the node.
// When broadcasting failed for network reasons the hash is returned
// together with an RpcError: the transaction may still land. Once the hash
// is known it is returned even if ctx is done first.
func (p *PendingTx) AwaitHash(ctx context.Context) (ethcommon.Hash, error) {
	select {
	case <-p.submitted:
	default:
		select {
		case <-ctx.Done():
			return p.giveUp(ctx.Err())
		case <-p.submitted:
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hash, p.submitErr
}

// giveUp returns the hash if it is already known. Otherwise the
// transaction is marked so that it is never sent.
func (p *PendingTx) giveUp(cause error) (ethcommon.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hash == (ethcommon.Hash{}) && p.abandoned == nil {
		p.abandoned = notBroadcast(cause)
	}
	return p.hash, cause
}

// AwaitReceipt polls for the receipt until it shows up, timeout elapses or
// ctx is done. A reverted receipt is returned together with ErrTxReverted.
func (p *PendingTx) AwaitReceipt(ctx context.Context, timeout time.Duration) (*types.Receipt, error) {
	hash, err := p.AwaitHash(ctx)
	if hash == (ethcommon.Hash{}) {
		return nil, err
	}

	if r, done, err := p.terminal(); done {
		return r, err
	}

	newLogger := logger.WithFields(logger.Fields{
		"chain":  p.chain,
		"txHash": common.Shorten(hash.Hex(), 8),
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.reader.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return p.settle(receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound):
			newLogger.Debugf("failed to get transaction receipt: err=%v", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			newLogger.Warnf("tx has not been mined in %v", timeout)
			return nil, fmt.Errorf("%w: %s tx %s after %v", agreement.ErrTxTimeout, p.chain, hash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}

func (p *PendingTx) terminal() (*types.Receipt, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.status == Mined:
		return p.receipt, true, nil
	case p.status == Failed && p.receipt != nil:
		return p.receipt, true, revertErr(p.chain, p.hash)
	case p.status == Failed:
		return nil, true, p.submitErr
	}
	return nil, false, nil
}

func (p *PendingTx) settle(r *types.Receipt) (*types.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// a terminal status never changes
	if p.status == Submitted {
		p.receipt = r
		if r.Status == types.ReceiptStatusSuccessful {
			p.status = Mined
		} else {
			p.status = Failed
		}
	}

	if p.status == Failed {
		return p.receipt, revertErr(p.chain, p.hash)
	}
	return p.receipt, nil
}

func revertErr(chain agreement.Chain, hash ethcommon.Hash) error {
	return fmt.Errorf("%w: %s tx %s", agreement.ErrTxReverted, chain, hash.Hex())
}
