package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/operation"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/pendingtx"
	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"
)

// runner advances one operation. op is private to the runner goroutine;
// readers see the copies published to run.
type runner struct {
	o       *Orchestrator
	run     *run
	op      *operation.Operation
	account agreement.Account
	logger  *logger.Entry

	exitBounces int
}

func (rn *runner) drive(ctx context.Context) {
	defer close(rn.run.done)

	for !rn.op.IsTerminal() {
		from := rn.op.State
		err := rn.o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			err := rn.step(ctx)
			if agreement.IsTransient(err) {
				rn.op.Attempts++
				rn.o.metrics.retry(rn.op.Kind)
				rn.logger.Warnf("step %s failed, retrying: attempt=%d, err=%v", from, rn.op.Attempts, err)
			}
			return err
		})
		if err == nil {
			continue
		}

		rn.op.LastError = err.Error()
		rn.op.UpdatedAt = time.Now().UTC()
		rn.o.metrics.runStopped(rn.op.Kind, err)
		if keepsState(err) || rn.awaitsExit(err) {
			rn.logger.Warnf("operation parked in %s (%s): err=%v", rn.op.State, Classify(err), err)
			rn.save(ctx)
		} else {
			rn.logger.Errorf("operation failed in %s (%s): err=%v", from, Classify(err), err)
			rn.op.State = operation.Failed
			if rn.save(ctx) == nil {
				rn.o.metrics.transition(rn.op.Kind, operation.Failed)
			}
		}
		rn.run.publish(rn.op, err)
		return
	}

	rn.logger.Infof("operation finished: state=%s", rn.op.State)
	rn.run.publish(rn.op, nil)
}

// awaitsExit tells whether a withdrawal whose burn has landed should be
// parked on err. Only a reverted exit ends it; anything else leaves the
// burn recoverable by a later resume.
func (rn *runner) awaitsExit(err error) bool {
	switch rn.op.State {
	case operation.AwaitingCheckpoint, operation.Exiting:
		return !errors.Is(err, ErrTxReverted)
	}
	return false
}

func (rn *runner) step(ctx context.Context) error {
	switch rn.op.State {
	case operation.Created:
		if rn.op.Kind == operation.Deposit {
			return rn.checkAllowance(ctx)
		}
		return rn.transition(ctx, operation.Burning)
	case operation.Approving:
		return rn.approve(ctx)
	case operation.Approved:
		return rn.transition(ctx, operation.Depositing)
	case operation.Depositing:
		return rn.deposit(ctx)
	case operation.Burning:
		return rn.burn(ctx)
	case operation.Burned:
		return rn.verifyBurn(ctx)
	case operation.AwaitingCheckpoint:
		return rn.awaitCheckpoint(ctx)
	case operation.Exiting:
		return rn.exit(ctx)
	}
	return fmt.Errorf("%w: no step from state %s", operation.ErrInvalidOperation, rn.op.State)
}

// save persists the operation even when ctx is already cancelled, so a
// stopped run leaves its last state behind.
func (rn *runner) save(ctx context.Context) error {
	if err := rn.o.store.Save(context.WithoutCancel(ctx), rn.op); err != nil {
		rn.logger.Errorf("failed to save operation: err=%v", err)
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	rn.run.publish(rn.op, nil)
	return nil
}

func (rn *runner) transition(ctx context.Context, next operation.State) error {
	if !rn.op.Kind.Has(next) {
		return fmt.Errorf("%w: %s cannot move to %s", operation.ErrInvalidOperation, rn.op.Kind, next)
	}
	rn.logger.Debugf("%s -> %s", rn.op.State, next)
	rn.op.State = next
	rn.op.LastError = ""
	rn.op.UpdatedAt = time.Now().UTC()
	if err := rn.save(ctx); err != nil {
		return err
	}
	rn.o.metrics.transition(rn.op.Kind, next)
	return nil
}

// submit sends one transaction while holding the (chain, account) lock.
// The signed hash is saved before the transaction is broadcast, so a
// resumed operation tracks it and never sends a second one. A hash coming
// back with an error means the broadcast outcome is unknown; the
// transaction is then tracked as well.
func (rn *runner) submit(
	ctx context.Context,
	chain agreement.Chain,
	record *ethcommon.Hash,
	send func(ctx context.Context, opts ...pendingtx.Option) (*pendingtx.PendingTx, error),
) (*pendingtx.PendingTx, error) {
	unlock := rn.o.lockSubmission(chain, rn.account.Address)
	defer unlock()

	ptx, err := send(ctx, pendingtx.HoldBroadcast())
	if err != nil {
		return nil, err
	}
	hash, err := ptx.AwaitSigned(ctx)
	if err != nil {
		ptx.Abandon(err)
		return nil, err
	}

	*record = hash
	rn.op.UpdatedAt = time.Now().UTC()
	if err := rn.save(ctx); err != nil {
		ptx.Abandon(err)
		*record = ethcommon.Hash{}
		return nil, err
	}
	ptx.Broadcast()

	// the send is under way whatever ctx says; its outcome decides the record
	if _, err := ptx.AwaitHash(context.WithoutCancel(ctx)); err != nil {
		if ptx.Status() == pendingtx.Failed {
			// refused by the node, it will never land
			*record = ethcommon.Hash{}
			return nil, err
		}
		rn.logger.Warnf("broadcast of %s unconfirmed, tracking it: err=%v", common.Shorten(hash.Hex(), 8), err)
	}
	return ptx, nil
}

func (rn *runner) awaitReceipt(ctx context.Context, ptx *pendingtx.PendingTx) error {
	_, err := ptx.AwaitReceipt(ctx, rn.o.cfg.ReceiptTimeout)
	return err
}

///////////////////////////////////////////////////////////////////////////////
// deposit

func (rn *runner) checkAllowance(ctx context.Context) error {
	predicate, err := rn.o.root.Predicate(ctx)
	if err != nil {
		return err
	}
	allowance, err := rn.o.root.GetAllowance(ctx, rn.account.Address, predicate)
	if err != nil {
		return err
	}
	if allowance.Cmp(rn.op.Amount) >= 0 {
		rn.logger.Debugf("allowance %v covers amount, skipping approval", allowance)
		return rn.transition(ctx, operation.Depositing)
	}
	return rn.transition(ctx, operation.Approving)
}

func (rn *runner) approve(ctx context.Context) error {
	var ptx *pendingtx.PendingTx
	if rn.op.ApproveTxHash == (ethcommon.Hash{}) {
		predicate, err := rn.o.root.Predicate(ctx)
		if err != nil {
			return err
		}
		ptx, err = rn.submit(ctx, agreement.Root, &rn.op.ApproveTxHash, func(ctx context.Context, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
			return rn.o.root.Approve(ctx, rn.account, predicate, rn.op.Amount, opts...)
		})
		if err != nil {
			return err
		}
	} else {
		ptx = rn.o.root.Track(rn.op.ApproveTxHash)
	}

	if err := rn.awaitReceipt(ctx, ptx); err != nil {
		return err
	}
	return rn.transition(ctx, operation.Approved)
}

func (rn *runner) deposit(ctx context.Context) error {
	var ptx *pendingtx.PendingTx
	if rn.op.DepositTxHash == (ethcommon.Hash{}) {
		var err error
		ptx, err = rn.submit(ctx, agreement.Root, &rn.op.DepositTxHash, func(ctx context.Context, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
			return rn.o.root.Deposit(ctx, rn.account, rn.op.Amount, rn.account.Address, opts...)
		})
		if errors.Is(err, ErrInsufficientAllowance) && rn.op.ApproveTxHash == (ethcommon.Hash{}) {
			// the allowance was spent or lowered since it was checked
			return rn.transition(ctx, operation.Approving)
		}
		if err != nil {
			return err
		}
	} else {
		ptx = rn.o.root.Track(rn.op.DepositTxHash)
	}

	if err := rn.awaitReceipt(ctx, ptx); err != nil {
		return err
	}
	return rn.transition(ctx, operation.DepositConfirmed)
}

///////////////////////////////////////////////////////////////////////////////
// withdraw

func (rn *runner) burn(ctx context.Context) error {
	var ptx *pendingtx.PendingTx
	if rn.op.BurnTxHash == (ethcommon.Hash{}) {
		var err error
		ptx, err = rn.submit(ctx, agreement.Child, &rn.op.BurnTxHash, func(ctx context.Context, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
			return rn.o.child.WithdrawStart(ctx, rn.account, rn.op.Amount, opts...)
		})
		if err != nil {
			return err
		}
	} else {
		ptx = rn.o.child.Track(rn.op.BurnTxHash)
	}

	// a reverted burn fails the operation; burning again could double-spend
	if err := rn.awaitReceipt(ctx, ptx); err != nil {
		return err
	}
	return rn.transition(ctx, operation.Burned)
}

func (rn *runner) verifyBurn(ctx context.Context) error {
	if err := rn.o.oracle.VerifyBurn(ctx, rn.op.BurnTxHash, rn.op.Account, rn.op.Amount); err != nil {
		return err
	}
	return rn.transition(ctx, operation.AwaitingCheckpoint)
}

func (rn *runner) awaitCheckpoint(ctx context.Context) error {
	cfg := rn.o.cfg
	if err := rn.o.oracle.WaitForCheckpoint(ctx, rn.op.BurnTxHash, cfg.CheckpointPollInterval, cfg.CheckpointMaxWait); err != nil {
		return err
	}
	return rn.transition(ctx, operation.Exiting)
}

func (rn *runner) exit(ctx context.Context) error {
	var ptx *pendingtx.PendingTx
	if rn.op.RootExitTxHash == (ethcommon.Hash{}) {
		var err error
		ptx, err = rn.submit(ctx, agreement.Root, &rn.op.RootExitTxHash, func(ctx context.Context, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
			return rn.o.root.WithdrawExit(ctx, rn.account, rn.op.BurnTxHash, opts...)
		})
		switch {
		case errors.Is(err, ErrAlreadyExited):
			rn.logger.Info("burn already exited")
			return rn.transition(ctx, operation.Exited)
		case errors.Is(err, ErrNotCheckpointed):
			return rn.bounce(ctx, err)
		case err != nil:
			return err
		}
	} else {
		ptx = rn.o.root.Track(rn.op.RootExitTxHash)
	}

	err := rn.awaitReceipt(ctx, ptx)
	if errors.Is(err, ErrTxReverted) {
		// someone else may have exited the same burn first
		exited, checkErr := rn.o.root.IsExited(ctx, rn.op.BurnTxHash)
		if checkErr != nil {
			return checkErr
		}
		if exited {
			rn.logger.Info("exit reverted but burn is exited")
			return rn.transition(ctx, operation.Exited)
		}
	}
	if err != nil {
		return err
	}
	return rn.transition(ctx, operation.Exited)
}

// bounce sends the operation back to wait for the checkpoint after the
// proof was not available yet.
func (rn *runner) bounce(ctx context.Context, cause error) error {
	rn.exitBounces++
	if rn.exitBounces > rn.o.cfg.MaxExitBounces {
		if err := rn.transition(ctx, operation.AwaitingCheckpoint); err != nil {
			return err
		}
		return cause
	}

	rn.logger.Debugf("exit proof not ready, waiting again: bounce=%d, err=%v", rn.exitBounces, cause)
	timer := time.NewTimer(rn.o.cfg.CheckpointPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return rn.transition(ctx, operation.AwaitingCheckpoint)
}
