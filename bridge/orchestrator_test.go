package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/operation"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/signers"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kind(s string) *big.Int {
	return common.MustParseKind(s)
}

func wait(t *testing.T, o *Orchestrator, h Handle) Status {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, h)
	require.NoError(t, err)
	return st
}

func waitState(t *testing.T, o *Orchestrator, h Handle, state operation.State) Status {
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = o.GetStatus(context.Background(), h)
		return err == nil && st.Operation.State == state
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestDepositWithApproval(t *testing.T) {
	w := newWorld(t)
	w.fundRoot(kind("100"))
	o := w.newOrchestrator(testConfig())

	h, err := o.StartDeposit(context.Background(), w.account, kind("100"))
	require.NoError(t, err)

	st := wait(t, o, h)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.DepositConfirmed, st.Operation.State)
	assert.NotEqual(t, ethcommon.Hash{}, st.Operation.ApproveTxHash)
	assert.NotEqual(t, ethcommon.Hash{}, st.Operation.DepositTxHash)
	assert.Equal(t, 1, w.approvals)

	root, child, locked := w.balances()
	assert.Equal(t, 0, root.Sign())
	assert.Equal(t, 0, child.Cmp(kind("100")))
	assert.Equal(t, 0, locked.Cmp(kind("100")))

	stored, ok, err := w.db.Get(context.Background(), h.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, operation.DepositConfirmed, stored.State)
	assert.Empty(t, stored.LastError)
}

func TestDepositSkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	w := newWorld(t)
	w.fundRoot(kind("100"))
	w.allowance[w.account.Address] = kind("500")
	o := w.newOrchestrator(testConfig())

	h, err := o.StartDeposit(context.Background(), w.account, kind("100"))
	require.NoError(t, err)

	st := wait(t, o, h)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.DepositConfirmed, st.Operation.State)
	assert.Equal(t, ethcommon.Hash{}, st.Operation.ApproveTxHash)
	assert.Equal(t, 0, w.approvals)
	assert.Equal(t, 1, w.rootChain.sentCount())
}

func TestDepositResumesTrackedApproval(t *testing.T) {
	w := newWorld(t)
	w.fundRoot(kind("100"))
	w.rootChain.withhold = true

	cfg := testConfig()
	cfg.ReceiptTimeout = 100 * time.Millisecond
	o := w.newOrchestrator(cfg)

	h, err := o.StartDeposit(context.Background(), w.account, kind("100"))
	require.NoError(t, err)

	st := wait(t, o, h)
	assert.ErrorIs(t, st.Err, ErrTxTimeout)
	assert.Equal(t, Ambiguous, Classify(st.Err))
	assert.Equal(t, operation.Approving, st.Operation.State)
	approveHash := st.Operation.ApproveTxHash
	assert.NotEqual(t, ethcommon.Hash{}, approveHash)

	// the node comes back and the approval turns out mined
	w.rootChain.release()

	stored, ok, err := w.db.Get(context.Background(), h.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, operation.Approving, stored.State)
	assert.Equal(t, approveHash, stored.ApproveTxHash)

	h2, err := o.Resume(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, h, h2)

	st = wait(t, o, h2)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.DepositConfirmed, st.Operation.State)
	assert.Equal(t, approveHash, st.Operation.ApproveTxHash)
	assert.Equal(t, 1, w.approvals)

	_, child, _ := w.balances()
	assert.Equal(t, 0, child.Cmp(kind("100")))
}

func TestDepositRetriesTransientErrors(t *testing.T) {
	w := newWorld(t)
	w.fundRoot(kind("10"))
	w.allowanceFailures = 2
	o := w.newOrchestrator(testConfig())

	h, err := o.StartDeposit(context.Background(), w.account, kind("10"))
	require.NoError(t, err)

	st := wait(t, o, h)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.DepositConfirmed, st.Operation.State)
	assert.Equal(t, 2, st.Operation.Attempts)
}

func TestDepositParksAfterRetriesRunOut(t *testing.T) {
	w := newWorld(t)
	w.fundRoot(kind("10"))
	w.allowanceFailures = 100
	o := w.newOrchestrator(testConfig())

	h, err := o.StartDeposit(context.Background(), w.account, kind("10"))
	require.NoError(t, err)

	st := wait(t, o, h)
	require.Error(t, st.Err)
	assert.Equal(t, Transient, Classify(st.Err))
	assert.Equal(t, operation.Created, st.Operation.State)
	assert.Equal(t, 3, st.Operation.Attempts)
	assert.NotEmpty(t, st.Operation.LastError)
	assert.Equal(t, 0, w.rootChain.sentCount())
}

func TestWithdrawWaitsForCheckpoint(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("50"))
	w.checkpoints.AddCheckpoint(0, 999)
	o := w.newOrchestrator(testConfig())
	ctx := context.Background()

	h, err := o.StartWithdraw(ctx, w.account, kind("50"))
	require.NoError(t, err)

	st := waitState(t, o, h, operation.AwaitingCheckpoint)
	burn := st.Operation.BurnTxHash
	r, err := w.childChain.TransactionReceipt(ctx, burn)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), r.BlockNumber.Uint64())

	ok, err := w.oracle.IsCheckpointed(ctx, burn)
	require.NoError(t, err)
	assert.False(t, ok)

	w.checkpoints.AddCheckpoint(1000, 1500)

	st = wait(t, o, h)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.Exited, st.Operation.State)
	assert.NotEqual(t, ethcommon.Hash{}, st.Operation.RootExitTxHash)

	root, child, locked := w.balances()
	assert.Equal(t, 0, root.Cmp(kind("50")))
	assert.Equal(t, 0, child.Sign())
	assert.Equal(t, 0, locked.Sign())
}

func TestWithdrawBurnRevertFails(t *testing.T) {
	w := newWorld(t)
	w.checkpoints.AddCheckpoint(0, 5000)
	o := w.newOrchestrator(testConfig())

	h, err := o.StartWithdraw(context.Background(), w.account, kind("10"))
	require.NoError(t, err)

	st := wait(t, o, h)
	assert.ErrorIs(t, st.Err, ErrTxReverted)
	assert.Equal(t, operation.Failed, st.Operation.State)
	assert.Equal(t, 1, w.childChain.sentCount())
	assert.Equal(t, 0, w.rootChain.sentCount())
}

func TestWithdrawProofMismatchFails(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("10"))
	w.burnSkew = 1
	w.checkpoints.AddCheckpoint(0, 5000)
	o := w.newOrchestrator(testConfig())

	h, err := o.StartWithdraw(context.Background(), w.account, kind("10"))
	require.NoError(t, err)

	st := wait(t, o, h)
	assert.ErrorIs(t, st.Err, ErrProofMismatch)
	assert.Equal(t, operation.Failed, st.Operation.State)
	assert.Empty(t, w.exited)
	assert.Equal(t, 0, w.rootChain.sentCount())
}

func TestWithdrawWaitsForProof(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("10"))
	w.proofMisses = 2
	w.checkpoints.AddCheckpoint(0, 5000)
	o := w.newOrchestrator(testConfig())

	h, err := o.StartWithdraw(context.Background(), w.account, kind("10"))
	require.NoError(t, err)

	st := wait(t, o, h)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.Exited, st.Operation.State)
}

func TestWithdrawParksWhenProofStaysMissing(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("10"))
	w.proofMisses = 100
	w.checkpoints.AddCheckpoint(0, 5000)
	o := w.newOrchestrator(testConfig())

	h, err := o.StartWithdraw(context.Background(), w.account, kind("10"))
	require.NoError(t, err)

	st := wait(t, o, h)
	assert.ErrorIs(t, st.Err, ErrNotCheckpointed)
	assert.Equal(t, operation.AwaitingCheckpoint, st.Operation.State)
	assert.Equal(t, 0, w.rootChain.sentCount())
}

func TestWithdrawResumesAfterCheckpointTimeout(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("50"))
	ctx := context.Background()

	cfg := testConfig()
	cfg.CheckpointMaxWait = 50 * time.Millisecond
	o := w.newOrchestrator(cfg)

	h, err := o.StartWithdraw(ctx, w.account, kind("50"))
	require.NoError(t, err)

	st := wait(t, o, h)
	assert.ErrorIs(t, st.Err, ErrCheckpointTimeout)
	assert.Equal(t, operation.AwaitingCheckpoint, st.Operation.State)
	o.Stop()

	// persist, restart, resume
	stored, ok, err := w.db.Get(ctx, h.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, operation.AwaitingCheckpoint, stored.State)
	assert.Contains(t, stored.LastError, ErrCheckpointTimeout.Error())

	raw, err := json.Marshal(stored)
	require.NoError(t, err)
	var reloaded operation.Operation
	require.NoError(t, json.Unmarshal(raw, &reloaded))

	w.checkpoints.AddCheckpoint(0, 2000)
	o2 := w.newOrchestrator(testConfig())
	h2, err := o2.Resume(ctx, &reloaded)
	require.NoError(t, err)
	assert.Equal(t, h, h2)

	st = wait(t, o2, h2)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.Exited, st.Operation.State)

	root, child, locked := w.balances()
	assert.Equal(t, 0, root.Cmp(kind("50")))
	assert.Equal(t, 0, child.Sign())
	assert.Equal(t, 0, locked.Sign())
}

func TestWithdrawAlreadyExitedIsSuccess(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("50"))
	ctx := context.Background()

	cfg := testConfig()
	cfg.CheckpointMaxWait = 50 * time.Millisecond
	o := w.newOrchestrator(cfg)

	h, err := o.StartWithdraw(ctx, w.account, kind("50"))
	require.NoError(t, err)
	st := wait(t, o, h)
	require.Equal(t, operation.AwaitingCheckpoint, st.Operation.State)
	o.Stop()

	// another process exits the burn in the meantime
	w.checkpoints.AddCheckpoint(0, 2000)
	ptx, err := (&fakeRoot{w}).WithdrawExit(ctx, w.account, st.Operation.BurnTxHash)
	require.NoError(t, err)
	_, err = ptx.AwaitReceipt(ctx, time.Second)
	require.NoError(t, err)
	sent := w.rootChain.sentCount()

	o2 := w.newOrchestrator(testConfig())
	handles, err := o2.ResumeUnfinished(ctx)
	require.NoError(t, err)
	require.Equal(t, []Handle{h}, handles)

	st = wait(t, o2, h)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.Exited, st.Operation.State)
	assert.Equal(t, sent, w.rootChain.sentCount())

	root, _, locked := w.balances()
	assert.Equal(t, 0, root.Cmp(kind("50")))
	assert.Equal(t, 0, locked.Sign())

	// resuming a finished operation does not run it again
	h3, err := o2.Resume(ctx, st.Operation)
	require.NoError(t, err)
	st = wait(t, o2, h3)
	assert.Equal(t, operation.Exited, st.Operation.State)
	assert.Equal(t, sent, w.rootChain.sentCount())
}

func TestSubmissionsAreSerializedPerAccount(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("30"))
	w.checkpoints.AddCheckpoint(0, 100000)
	o := w.newOrchestrator(testConfig())

	var (
		mu      sync.Mutex
		handles []Handle
		wg      sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := o.StartWithdraw(context.Background(), w.account, kind("10"))
			assert.NoError(t, err)
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, handles, 3)

	for _, h := range handles {
		st := wait(t, o, h)
		require.NoError(t, st.Err)
		assert.Equal(t, operation.Exited, st.Operation.State)
	}
	assert.Equal(t, 1, w.maxInflight)

	root, child, locked := w.balances()
	assert.Equal(t, 0, root.Cmp(kind("30")))
	assert.Equal(t, 0, child.Sign())
	assert.Equal(t, 0, locked.Sign())

	ops, err := o.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestStartRejectsBadInput(t *testing.T) {
	w := newWorld(t)
	o := w.newOrchestrator(testConfig())
	ctx := context.Background()

	_, err := o.StartDeposit(ctx, w.account, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = o.StartWithdraw(ctx, w.account, big.NewInt(-1))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = o.StartDeposit(ctx, agreement.Account{Address: w.account.Address}, kind("1"))
	assert.ErrorIs(t, err, ErrNoSigner)

	_, err = o.GetStatus(ctx, Handle(common.HashToPureHex(common.RandHash())))
	assert.ErrorIs(t, err, ErrUnknownOperation)

	op := operation.New(operation.Withdraw, common.RandEthAddress(), kind("1"))
	_, err = o.Resume(ctx, op)
	assert.ErrorIs(t, err, signers.ErrUnknownSigner)
}

func TestStoppedOrchestratorRefusesWork(t *testing.T) {
	w := newWorld(t)
	w.fundRoot(kind("1"))
	ctx := context.Background()
	o := w.newOrchestrator(testConfig())
	o.Stop()

	_, err := o.StartDeposit(ctx, w.account, kind("1"))
	assert.ErrorIs(t, err, ErrStopped)
	_, err = o.StartWithdraw(ctx, w.account, kind("1"))
	assert.ErrorIs(t, err, ErrStopped)

	// nothing is left behind for the next boot
	ops, err := o.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	o2 := w.newOrchestrator(testConfig())
	handles, err := o2.ResumeUnfinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, handles)
	assert.Equal(t, 0, w.rootChain.sentCount())
	assert.Equal(t, 0, w.childChain.sentCount())
}

func TestWithdrawKeepsBurnHashWhenStoppedMidBroadcast(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("50"))
	w.checkpoints.AddCheckpoint(0, 5000)
	w.childChain.withhold = true
	ctx := context.Background()

	o := w.newOrchestrator(testConfig())
	// the node has the burn when the orchestrator is told to stop
	w.childChain.setOnSend(o.cancel)

	h, err := o.StartWithdraw(ctx, w.account, kind("50"))
	require.NoError(t, err)
	st := wait(t, o, h)
	o.Stop()

	assert.Equal(t, operation.Burning, st.Operation.State)
	burn := st.Operation.BurnTxHash
	require.NotEqual(t, ethcommon.Hash{}, burn)
	stored, ok, err := w.db.Get(ctx, h.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, burn, stored.BurnTxHash)

	w.childChain.setOnSend(nil)
	w.childChain.release()

	o2 := w.newOrchestrator(testConfig())
	handles, err := o2.ResumeUnfinished(ctx)
	require.NoError(t, err)
	require.Equal(t, []Handle{h}, handles)

	st = wait(t, o2, h)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.Exited, st.Operation.State)
	assert.Equal(t, burn, st.Operation.BurnTxHash)
	assert.Equal(t, 1, w.childChain.sentCount())

	root, child, locked := w.balances()
	assert.Equal(t, 0, root.Cmp(kind("50")))
	assert.Equal(t, 0, child.Sign())
	assert.Equal(t, 0, locked.Sign())
}

func TestWithdrawExitRevertedAfterExitElsewhere(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("50"))
	w.checkpoints.AddCheckpoint(0, 5000)
	// another party lands the same exit while ours is being mined
	w.rootChain.setOnSend(w.exitElsewhere)
	o := w.newOrchestrator(testConfig())

	h, err := o.StartWithdraw(context.Background(), w.account, kind("50"))
	require.NoError(t, err)

	st := wait(t, o, h)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.Exited, st.Operation.State)
	assert.NotEqual(t, ethcommon.Hash{}, st.Operation.RootExitTxHash)
	assert.Equal(t, 1, w.rootChain.sentCount())

	r, err := w.rootChain.TransactionReceipt(context.Background(), st.Operation.RootExitTxHash)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusFailed, r.Status)

	root, child, locked := w.balances()
	assert.Equal(t, 0, root.Cmp(kind("50")))
	assert.Equal(t, 0, child.Sign())
	assert.Equal(t, 0, locked.Sign())
}

func TestWithdrawExitRevertedFails(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("50"))
	w.exitReverts = 1
	w.checkpoints.AddCheckpoint(0, 5000)
	o := w.newOrchestrator(testConfig())

	h, err := o.StartWithdraw(context.Background(), w.account, kind("50"))
	require.NoError(t, err)

	st := wait(t, o, h)
	assert.ErrorIs(t, st.Err, ErrTxReverted)
	assert.Equal(t, operation.Failed, st.Operation.State)
	assert.Equal(t, 1, w.rootChain.sentCount())

	root, _, locked := w.balances()
	assert.Equal(t, 0, root.Sign())
	assert.Equal(t, 0, locked.Cmp(kind("50")))
}

func TestWithdrawParksOnExitErrorAfterBurn(t *testing.T) {
	w := newWorld(t)
	w.fundChild(kind("50"))
	w.checkpoints.AddCheckpoint(0, 5000)
	w.setExitErr(errors.New("proof api: status 400: bad request"))
	ctx := context.Background()
	o := w.newOrchestrator(testConfig())

	h, err := o.StartWithdraw(ctx, w.account, kind("50"))
	require.NoError(t, err)

	st := wait(t, o, h)
	require.Error(t, st.Err)
	assert.Equal(t, Fatal, Classify(st.Err))
	assert.Equal(t, operation.Exiting, st.Operation.State)
	assert.NotEqual(t, ethcommon.Hash{}, st.Operation.BurnTxHash)
	assert.Equal(t, 0, w.rootChain.sentCount())
	o.Stop()

	w.setExitErr(nil)
	o2 := w.newOrchestrator(testConfig())
	handles, err := o2.ResumeUnfinished(ctx)
	require.NoError(t, err)
	require.Equal(t, []Handle{h}, handles)

	st = wait(t, o2, h)
	require.NoError(t, st.Err)
	assert.Equal(t, operation.Exited, st.Operation.State)
	assert.Equal(t, 1, w.childChain.sentCount())

	root, child, locked := w.balances()
	assert.Equal(t, 0, root.Cmp(kind("50")))
	assert.Equal(t, 0, child.Sign())
	assert.Equal(t, 0, locked.Sign())
}
