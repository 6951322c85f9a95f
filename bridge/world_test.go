package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/checkpoint"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/contracts/posbridge"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/database"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/logconfig"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/operation"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/pendingtx"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/signers"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const testPoll = 5 * time.Millisecond

func TestMain(m *testing.M) {
	logconfig.ConfigDebugLogger()
	os.Exit(m.Run())
}

func testConfig() *Config {
	return &Config{
		ReceiptTimeout:         2 * time.Second,
		CheckpointPollInterval: 10 * time.Millisecond,
		CheckpointMaxWait:      2 * time.Second,
		MaxExitBounces:         3,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}
}

type effect func(txHash ethcommon.Hash) (bool, []*types.Log)

// fakeChain mines every transaction as soon as it is sent. With withhold
// set the receipts are kept back, as if the node stopped answering.
type fakeChain struct {
	chain agreement.Chain

	mu       sync.Mutex
	block    uint64
	nonce    uint64
	effects  map[ethcommon.Hash]effect
	receipts map[ethcommon.Hash]*types.Receipt
	withheld []*types.Receipt
	withhold bool
	sent     int

	// called once the node has a transaction, before it takes effect
	onSend func()
}

func newFakeChain(chain agreement.Chain, block uint64) *fakeChain {
	return &fakeChain{
		chain:    chain,
		block:    block,
		effects:  map[ethcommon.Hash]effect{},
		receipts: map[ethcommon.Hash]*types.Receipt{},
	}
}

func (c *fakeChain) submit(ctx context.Context, eff effect, opts []pendingtx.Option) *pendingtx.PendingTx {
	sign := func(ctx context.Context) (*types.Transaction, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		data := common.RandBytes32()
		tx := types.NewTx(&types.LegacyTx{Nonce: c.nonce, Gas: 21000, GasPrice: big.NewInt(1), Data: data[:]})
		c.nonce++
		c.effects[tx.Hash()] = eff
		return tx, nil
	}
	opts = append([]pendingtx.Option{pendingtx.WithPollInterval(testPoll)}, opts...)
	return pendingtx.Submit(ctx, c.chain, c, c, sign, opts...)
}

func (c *fakeChain) track(hash ethcommon.Hash) *pendingtx.PendingTx {
	return pendingtx.Track(c.chain, c, hash, pendingtx.WithPollInterval(testPoll))
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	eff, found := c.effects[tx.Hash()]
	if !found {
		c.mu.Unlock()
		return errors.New("unknown transaction")
	}
	delete(c.effects, tx.Hash())
	c.sent++
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.block++

	success, logs := eff(tx.Hash())
	r := &types.Receipt{
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.block),
		Status:      types.ReceiptStatusFailed,
		Logs:        logs,
	}
	if success {
		r.Status = types.ReceiptStatusSuccessful
	}
	if c.withhold {
		c.withheld = append(c.withheld, r)
	} else {
		c.receipts[tx.Hash()] = r
	}
	return nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, hash ethcommon.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, found := c.receipts[hash]
	if !found {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *fakeChain) setOnSend(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = hook
}

// release hands out the withheld receipts and stops withholding.
func (c *fakeChain) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.withheld {
		c.receipts[r.TxHash] = r
	}
	c.withheld = nil
	c.withhold = false
}

func (c *fakeChain) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

type burnRecord struct {
	from   ethcommon.Address
	amount *big.Int
}

// world is a two-chain ledger where the child side mirrors the tokens
// locked by the root predicate.
type world struct {
	t *testing.T

	mu           sync.Mutex
	rootBalance  map[ethcommon.Address]*big.Int
	childBalance map[ethcommon.Address]*big.Int
	allowance    map[ethcommon.Address]*big.Int
	locked       *big.Int
	burns        map[ethcommon.Hash]burnRecord
	exited       map[ethcommon.Hash]bool
	approvals    int

	// fault injection
	allowanceFailures int
	proofMisses       int
	burnSkew          int64
	exitErr           error
	exitReverts       int

	inflight    map[ethcommon.Address]int
	maxInflight int

	predicate   ethcommon.Address
	childToken  ethcommon.Address
	rootChain   *fakeChain
	childChain  *fakeChain
	checkpoints *checkpoint.SimulatedRoot
	oracle      *checkpoint.Oracle
	db          *operation.OperationDB
	keyring     *signers.Keyring
	account     agreement.Account
}

func newWorld(t *testing.T) *world {
	w := &world{
		t:            t,
		rootBalance:  map[ethcommon.Address]*big.Int{},
		childBalance: map[ethcommon.Address]*big.Int{},
		allowance:    map[ethcommon.Address]*big.Int{},
		locked:       new(big.Int),
		burns:        map[ethcommon.Hash]burnRecord{},
		exited:       map[ethcommon.Hash]bool{},
		inflight:     map[ethcommon.Address]int{},
		predicate:    common.RandEthAddress(),
		childToken:   common.RandEthAddress(),
		rootChain:    newFakeChain(agreement.Root, 100),
		childChain:   newFakeChain(agreement.Child, 999),
		checkpoints:  checkpoint.NewSimulatedRoot(common.RandEthAddress()),
	}

	var err error
	w.oracle, err = checkpoint.NewOracle(&checkpoint.Config{
		RootChainProxy: w.checkpoints.Proxy,
		ChildToken:     w.childToken,
	}, w.checkpoints, w.childChain)
	require.NoError(t, err)

	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	w.db, err = operation.NewOperationDB(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		w.db.Close()
		db.Close()
	})

	signer, err := signers.NewRandomLocalSigner()
	require.NoError(t, err)
	w.keyring = signers.NewKeyring(signer)
	w.account, err = w.keyring.Account(signer.Address())
	require.NoError(t, err)
	return w
}

func (w *world) newOrchestrator(cfg *Config) *Orchestrator {
	o := New(cfg, &fakeRoot{w}, &fakeChild{w}, w.oracle, w.db, w.keyring)
	w.t.Cleanup(o.Stop)
	return o
}

func balanceOf(m map[ethcommon.Address]*big.Int, a ethcommon.Address) *big.Int {
	if b, ok := m[a]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func add(m map[ethcommon.Address]*big.Int, a ethcommon.Address, delta *big.Int) {
	m[a] = new(big.Int).Add(balanceOf(m, a), delta)
}

func (w *world) fundRoot(amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	add(w.rootBalance, w.account.Address, amount)
}

// fundChild gives the account child tokens backed by locked root tokens.
func (w *world) fundChild(amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	add(w.childBalance, w.account.Address, amount)
	w.locked.Add(w.locked, amount)
}

// exitElsewhere exits every pending burn as another party would.
func (w *world) exitElsewhere() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for burn, rec := range w.burns {
		if w.exited[burn] {
			continue
		}
		w.exited[burn] = true
		add(w.rootBalance, rec.from, rec.amount)
		w.locked.Sub(w.locked, rec.amount)
	}
}

func (w *world) setExitErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exitErr = err
}

func (w *world) balances() (root, child, locked *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return balanceOf(w.rootBalance, w.account.Address), balanceOf(w.childBalance, w.account.Address), new(big.Int).Set(w.locked)
}

type fakeRoot struct {
	w *world
}

func (r *fakeRoot) Predicate(ctx context.Context) (ethcommon.Address, error) {
	return r.w.predicate, nil
}

func (r *fakeRoot) GetAllowance(ctx context.Context, owner, spender ethcommon.Address) (*big.Int, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.w.allowanceFailures > 0 {
		r.w.allowanceFailures--
		return nil, agreement.NewRpcError("allowance", io.EOF)
	}
	return balanceOf(r.w.allowance, owner), nil
}

func (r *fakeRoot) Approve(ctx context.Context, account agreement.Account, spender ethcommon.Address, amount *big.Int, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
	if !account.CanSign() {
		return nil, agreement.ErrNoSigner
	}
	w := r.w
	return w.rootChain.submit(ctx, func(ethcommon.Hash) (bool, []*types.Log) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.allowance[account.Address] = new(big.Int).Set(amount)
		w.approvals++
		return true, nil
	}, opts), nil
}

func (r *fakeRoot) Deposit(ctx context.Context, account agreement.Account, amount *big.Int, recipient ethcommon.Address, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
	w := r.w
	w.mu.Lock()
	allowance := balanceOf(w.allowance, account.Address)
	w.mu.Unlock()
	if allowance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %v < %v", agreement.ErrInsufficientAllowance, allowance, amount)
	}

	return w.rootChain.submit(ctx, func(ethcommon.Hash) (bool, []*types.Log) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if balanceOf(w.allowance, account.Address).Cmp(amount) < 0 || balanceOf(w.rootBalance, account.Address).Cmp(amount) < 0 {
			return false, nil
		}
		neg := new(big.Int).Neg(amount)
		add(w.allowance, account.Address, neg)
		add(w.rootBalance, account.Address, neg)
		w.locked.Add(w.locked, amount)
		// state sync to the child chain is instant here
		add(w.childBalance, recipient, amount)
		return true, nil
	}, opts), nil
}

func (r *fakeRoot) WithdrawExit(ctx context.Context, account agreement.Account, burnTxHash ethcommon.Hash, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
	w := r.w
	ok, err := w.oracle.IsCheckpointed(ctx, burnTxHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, agreement.ErrNotCheckpointed
	}

	w.mu.Lock()
	if w.exitErr != nil {
		err := w.exitErr
		w.mu.Unlock()
		return nil, err
	}
	if w.proofMisses > 0 {
		w.proofMisses--
		w.mu.Unlock()
		return nil, fmt.Errorf("proof api: %w", agreement.ErrNotCheckpointed)
	}
	if w.exited[burnTxHash] {
		w.mu.Unlock()
		return nil, agreement.ErrAlreadyExited
	}
	rec, found := w.burns[burnTxHash]
	w.mu.Unlock()
	if !found {
		return nil, errors.New("no such burn")
	}

	return w.rootChain.submit(ctx, func(ethcommon.Hash) (bool, []*types.Log) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.exited[burnTxHash] {
			return false, nil
		}
		if w.exitReverts > 0 {
			w.exitReverts--
			return false, nil
		}
		w.exited[burnTxHash] = true
		add(w.rootBalance, rec.from, rec.amount)
		w.locked.Sub(w.locked, rec.amount)
		return true, nil
	}, opts), nil
}

func (r *fakeRoot) IsExited(ctx context.Context, burnTxHash ethcommon.Hash) (bool, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return r.w.exited[burnTxHash], nil
}

func (r *fakeRoot) Track(hash ethcommon.Hash) *pendingtx.PendingTx {
	return r.w.rootChain.track(hash)
}

type fakeChild struct {
	w *world
}

func (c *fakeChild) WithdrawStart(ctx context.Context, account agreement.Account, amount *big.Int, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
	if !account.CanSign() {
		return nil, agreement.ErrNoSigner
	}
	w := c.w
	w.mu.Lock()
	w.inflight[account.Address]++
	if n := w.inflight[account.Address]; n > w.maxInflight {
		w.maxInflight = n
	}
	w.mu.Unlock()

	return w.childChain.submit(ctx, func(h ethcommon.Hash) (bool, []*types.Log) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.inflight[account.Address]--
		if balanceOf(w.childBalance, account.Address).Cmp(amount) < 0 {
			return false, nil
		}
		add(w.childBalance, account.Address, new(big.Int).Neg(amount))
		w.burns[h] = burnRecord{from: account.Address, amount: new(big.Int).Set(amount)}

		logged := new(big.Int).Add(amount, big.NewInt(w.burnSkew))
		return true, []*types.Log{{
			Address: w.childToken,
			Topics: []ethcommon.Hash{
				posbridge.TransferEventSig,
				ethcommon.BytesToHash(account.Address.Bytes()),
				{},
			},
			Data:   ethcommon.LeftPadBytes(logged.Bytes(), 32),
			TxHash: h,
		}}
	}, opts), nil
}

func (c *fakeChild) Track(hash ethcommon.Hash) *pendingtx.PendingTx {
	return c.w.childChain.track(hash)
}
