// Package bridge drives deposits (root to child) and withdrawals (child to
// root) through their states, persisting every transition so an operation
// can be resumed after a crash or a timeout.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/operation"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/pendingtx"
	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"
)

// RootTokenProxy is the root side of the bridge, see token.RootToken.
type RootTokenProxy interface {
	Predicate(ctx context.Context) (ethcommon.Address, error)
	GetAllowance(ctx context.Context, owner, spender ethcommon.Address) (*big.Int, error)
	Approve(ctx context.Context, account agreement.Account, spender ethcommon.Address, amount *big.Int, opts ...pendingtx.Option) (*pendingtx.PendingTx, error)
	Deposit(ctx context.Context, account agreement.Account, amount *big.Int, recipient ethcommon.Address, opts ...pendingtx.Option) (*pendingtx.PendingTx, error)
	WithdrawExit(ctx context.Context, account agreement.Account, burnTxHash ethcommon.Hash, opts ...pendingtx.Option) (*pendingtx.PendingTx, error)
	IsExited(ctx context.Context, burnTxHash ethcommon.Hash) (bool, error)
	Track(hash ethcommon.Hash) *pendingtx.PendingTx
}

// ChildTokenProxy is the child side of the bridge, see token.ChildToken.
type ChildTokenProxy interface {
	WithdrawStart(ctx context.Context, account agreement.Account, amount *big.Int, opts ...pendingtx.Option) (*pendingtx.PendingTx, error)
	Track(hash ethcommon.Hash) *pendingtx.PendingTx
}

// CheckpointOracle, see checkpoint.Oracle.
type CheckpointOracle interface {
	WaitForCheckpoint(ctx context.Context, childTxHash ethcommon.Hash, pollInterval, maxWait time.Duration) error
	VerifyBurn(ctx context.Context, childTxHash ethcommon.Hash, from ethcommon.Address, amount *big.Int) error
}

// OperationStore, see operation.OperationDB.
type OperationStore interface {
	Save(ctx context.Context, op *operation.Operation) error
	Get(ctx context.Context, id string) (*operation.Operation, bool, error)
	GetByStates(ctx context.Context, states ...operation.State) ([]*operation.Operation, error)
	GetUnfinished(ctx context.Context) ([]*operation.Operation, error)
}

// AccountSource gives back the signing account of a resumed operation.
type AccountSource interface {
	Account(addr ethcommon.Address) (agreement.Account, error)
}

type Config struct {
	ReceiptTimeout         time.Duration
	CheckpointPollInterval time.Duration
	CheckpointMaxWait      time.Duration

	// times an exit may find the proof not ready before the operation is
	// parked in AwaitingCheckpoint
	MaxExitBounces int

	Retry RetryPolicy
}

func DefaultConfig() *Config {
	return &Config{
		ReceiptTimeout:         5 * time.Minute,
		CheckpointPollInterval: 30 * time.Second,
		CheckpointMaxWait:      3 * time.Hour,
		MaxExitBounces:         3,
		Retry:                  DefaultRetryPolicy(),
	}
}

// Handle identifies an operation started or resumed by the orchestrator.
type Handle string

func (h Handle) String() string {
	return string(h)
}

// Status is the last known state of an operation and the error that
// stopped it, if any.
type Status struct {
	Operation *operation.Operation
	Err       error
}

type Orchestrator struct {
	cfg      *Config
	root     RootTokenProxy
	child    ChildTokenProxy
	oracle   CheckpointOracle
	store    OperationStore
	accounts AccountSource
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// one mutex per (chain, account) so nonces are taken in order
	submitLocks sync.Map

	mu   sync.RWMutex
	runs map[Handle]*run
}

func New(
	cfg *Config,
	root RootTokenProxy,
	child ChildTokenProxy,
	oracle CheckpointOracle,
	store OperationStore,
	accounts AccountSource,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		root:     root,
		child:    child,
		oracle:   oracle,
		store:    store,
		accounts: accounts,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[Handle]*run),
	}
}

// WithMetrics makes the orchestrator record to m. Call it before any
// operation is started.
func (o *Orchestrator) WithMetrics(m *Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// Stop cancels every running operation and waits for them to park. Their
// last state is persisted.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// StartDeposit moves amount of the account's root tokens to the same
// address on the child chain. ctx only bounds the initial bookkeeping; the
// operation itself runs until it ends or Stop is called.
func (o *Orchestrator) StartDeposit(ctx context.Context, account agreement.Account, amount *big.Int) (Handle, error) {
	return o.start(ctx, operation.Deposit, account, amount)
}

// StartWithdraw burns amount on the child chain and releases it on the root
// chain once the burn is checkpointed.
func (o *Orchestrator) StartWithdraw(ctx context.Context, account agreement.Account, amount *big.Int) (Handle, error) {
	return o.start(ctx, operation.Withdraw, account, amount)
}

func (o *Orchestrator) start(ctx context.Context, kind operation.Kind, account agreement.Account, amount *big.Int) (Handle, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	if !account.CanSign() {
		return "", ErrNoSigner
	}

	// a refused start must not leave a row for the next boot to resume
	if o.stopped() {
		return "", ErrStopped
	}

	op := operation.New(kind, account.Address, amount)
	if err := o.store.Save(ctx, op); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	logger.WithFields(logger.Fields{
		"id":      common.Shorten(op.ID, 6),
		"kind":    kind,
		"account": account.Address.Hex(),
		"amount":  common.FormatUnits(amount, common.TokenDecimals),
	}).Info("bridge operation created")
	o.metrics.operationStarted(kind)

	h, err := o.launch(op, account)
	if errors.Is(err, ErrStopped) {
		// stopped after the row was written
		op.State = operation.Failed
		op.LastError = err.Error()
		op.UpdatedAt = time.Now().UTC()
		if saveErr := o.store.Save(context.WithoutCancel(ctx), op); saveErr != nil {
			logger.Errorf("failed to mark refused operation %s: err=%v", op.ID, saveErr)
		}
	}
	return h, err
}

// Resume continues a persisted operation from its recorded state. Resuming
// an operation that is already running returns its handle and does not
// start a second run.
func (o *Orchestrator) Resume(ctx context.Context, op *operation.Operation) (Handle, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	h := Handle(op.ID)

	o.mu.RLock()
	r, ok := o.runs[h]
	o.mu.RUnlock()
	if ok && !r.finished() {
		return h, nil
	}

	stored, found, err := o.store.Get(ctx, op.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	switch {
	case found && stored.IsTerminal():
		o.register(h, doneRun(stored))
		return h, nil
	case op.IsTerminal():
		if err := o.store.Save(ctx, op); err != nil {
			return "", fmt.Errorf("%w: %v", ErrStore, err)
		}
		o.register(h, doneRun(op))
		return h, nil
	}

	account, err := o.accounts.Account(op.Account)
	if err != nil {
		return "", err
	}
	op = op.Clone()
	if err := o.store.Save(ctx, op); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	logger.WithField("op", op.String()).Info("resuming bridge operation")

	return o.launch(op, account)
}

// ResumeUnfinished resumes every stored operation that has not ended.
func (o *Orchestrator) ResumeUnfinished(ctx context.Context) ([]Handle, error) {
	ops, err := o.store.GetUnfinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	handles := make([]Handle, 0, len(ops))
	for _, op := range ops {
		h, err := o.Resume(ctx, op)
		if err != nil {
			logger.Errorf("failed to resume operation %s: err=%v", op.ID, err)
			continue
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// GetStatus never fails for an operation this orchestrator or its store
// knows about.
func (o *Orchestrator) GetStatus(ctx context.Context, h Handle) (Status, error) {
	o.mu.RLock()
	r, ok := o.runs[h]
	o.mu.RUnlock()
	if ok {
		return r.status(), nil
	}

	op, found, err := o.store.Get(ctx, string(h))
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !found {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownOperation, h)
	}
	st := Status{Operation: op}
	if op.LastError != "" {
		st.Err = errors.New(op.LastError)
	}
	return st, nil
}

// Wait blocks until the run behind h stops, either in a terminal state or
// parked for a later resume.
func (o *Orchestrator) Wait(ctx context.Context, h Handle) (Status, error) {
	o.mu.RLock()
	r, ok := o.runs[h]
	o.mu.RUnlock()
	if !ok {
		return o.GetStatus(ctx, h)
	}

	select {
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-r.done:
	}
	return r.status(), nil
}

// List returns all stored operations, oldest first.
func (o *Orchestrator) List(ctx context.Context) ([]*operation.Operation, error) {
	return o.store.GetByStates(ctx)
}

func (o *Orchestrator) register(h Handle, r *run) {
	o.mu.Lock()
	o.runs[h] = r
	o.mu.Unlock()
}

func (o *Orchestrator) launch(op *operation.Operation, account agreement.Account) (Handle, error) {
	h := Handle(op.ID)

	o.mu.Lock()
	if r, ok := o.runs[h]; ok && !r.finished() {
		o.mu.Unlock()
		return h, nil
	}
	if o.stopped() {
		o.mu.Unlock()
		return "", ErrStopped
	}
	r := newRun(op)
	o.runs[h] = r
	o.wg.Add(1)
	o.mu.Unlock()

	rn := &runner{
		o:       o,
		run:     r,
		op:      op,
		account: account,
		logger: logger.WithFields(logger.Fields{
			"id":   common.Shorten(op.ID, 6),
			"kind": op.Kind,
		}),
	}
	o.metrics.runStarted()
	go func() {
		defer o.wg.Done()
		defer o.metrics.runEnded()
		rn.drive(o.ctx)
	}()
	return h, nil
}

func (o *Orchestrator) stopped() bool {
	select {
	case <-o.ctx.Done():
		return true
	default:
		return false
	}
}

// lockSubmission serializes sending on one chain from one account.
func (o *Orchestrator) lockSubmission(chain agreement.Chain, addr ethcommon.Address) func() {
	key := fmt.Sprintf("%s/%s", chain, addr.Hex())
	v, _ := o.submitLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// run is the shared view of one operation. Only its runner writes it.
type run struct {
	mu   sync.RWMutex
	op   *operation.Operation
	err  error
	done chan struct{}
}

func newRun(op *operation.Operation) *run {
	return &run{op: op.Clone(), done: make(chan struct{})}
}

func doneRun(op *operation.Operation) *run {
	r := newRun(op)
	if op.LastError != "" {
		r.err = errors.New(op.LastError)
	}
	close(r.done)
	return r
}

func (r *run) publish(op *operation.Operation, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.op = op.Clone()
	r.err = err
}

func (r *run) status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{Operation: r.op.Clone(), Err: r.err}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
