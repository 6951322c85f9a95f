package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/contracts/posbridge"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/etherman"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/pendingtx"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/proof"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"
)

// revert reason of RootChainManager.exit for a replayed proof
const exitAlreadyProcessed = "EXIT_ALREADY_PROCESSED"

// PayloadSource builds the exit() argument of a burn.
type PayloadSource interface {
	ExitPayload(ctx context.Context, burnTxHash, eventSig ethcommon.Hash) ([]byte, error)
}

// InclusionChecker answers whether a child tx is covered by a checkpoint.
type InclusionChecker interface {
	IsCheckpointed(ctx context.Context, childTxHash ethcommon.Hash) (bool, error)
}

// RootToken is the token on the root chain together with the
// RootChainManager that locks and releases it.
type RootToken struct {
	*erc20

	managerAddr ethcommon.Address
	manager     *bind.BoundContract
	payloads    PayloadSource
	inclusion   InclusionChecker

	mu        sync.Mutex
	predicate ethcommon.Address
}

// NewRootToken wires the root side. inclusion may be nil, in which case
// checkpoint inclusion is left to the payload source.
func NewRootToken(em *etherman.Etherman, cfg *Config, payloads PayloadSource, inclusion InclusionChecker) (*RootToken, error) {
	if em.Chain() != agreement.Root {
		return nil, fmt.Errorf("root token needs a root chain client, got %s", em.Chain())
	}
	if cfg.ChainManager == (ethcommon.Address{}) {
		return nil, errors.New("root chain manager address not set")
	}
	base, err := newERC20(em, cfg)
	if err != nil {
		return nil, err
	}

	client := em.Client()
	return &RootToken{
		erc20:       base,
		managerAddr: cfg.ChainManager,
		manager:     bind.NewBoundContract(cfg.ChainManager, *posbridge.MustABI(posbridge.RootChainManagerMetaData), client, client, client),
		payloads:    payloads,
		inclusion:   inclusion,
		predicate:   cfg.Predicate,
	}, nil
}

// Predicate is the contract deposits are pulled into, hence the spender
// that must be approved.
func (t *RootToken) Predicate(ctx context.Context) (ethcommon.Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.predicate != (ethcommon.Address{}) {
		return t.predicate, nil
	}

	var out []interface{}
	if err := t.manager.Call(&bind.CallOpts{Context: ctx}, &out, "tokenToType", t.address); err != nil {
		return ethcommon.Address{}, agreement.WrapRead("tokenToType", err)
	}
	tokenType := out[0].([32]byte)
	if tokenType == [32]byte{} {
		return ethcommon.Address{}, fmt.Errorf("token %s is not mapped on the root chain manager", t.address.Hex())
	}

	out = nil
	if err := t.manager.Call(&bind.CallOpts{Context: ctx}, &out, "typeToPredicate", tokenType); err != nil {
		return ethcommon.Address{}, agreement.WrapRead("typeToPredicate", err)
	}
	t.predicate = out[0].(ethcommon.Address)
	return t.predicate, nil
}

// Deposit locks amount on the root chain for recipient on the child chain.
// The predicate must already be allowed to pull at least amount.
func (t *RootToken) Deposit(ctx context.Context, account agreement.Account, amount *big.Int, recipient ethcommon.Address, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	predicate, err := t.Predicate(ctx)
	if err != nil {
		return nil, err
	}
	allowance, err := t.GetAllowance(ctx, account.Address, predicate)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: allowance %v < amount %v", agreement.ErrInsufficientAllowance, allowance, amount)
	}

	depositData, err := encodeAmount(amount)
	if err != nil {
		return nil, err
	}
	return t.transact(ctx, account, opts, t.manager, "depositFor", nil, recipient, t.address, depositData)
}

func encodeAmount(amount *big.Int) ([]byte, error) {
	uint256, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, err
	}
	return abi.Arguments{{Type: uint256}}.Pack(amount)
}

func (t *RootToken) exitPayload(ctx context.Context, burnTxHash ethcommon.Hash) (*proof.ExitPayload, ethcommon.Hash, error) {
	raw, err := t.payloads.ExitPayload(ctx, burnTxHash, posbridge.TransferEventSig)
	if err != nil {
		return nil, ethcommon.Hash{}, err
	}
	payload, err := proof.DecodeExitPayload(raw)
	if err != nil {
		return nil, ethcommon.Hash{}, err
	}
	exitHash, err := payload.ExitHash()
	if err != nil {
		return nil, ethcommon.Hash{}, err
	}
	return payload, exitHash, nil
}

func (t *RootToken) processed(ctx context.Context, exitHash ethcommon.Hash) (bool, error) {
	var out []interface{}
	if err := t.manager.Call(&bind.CallOpts{Context: ctx}, &out, "processedExits", exitHash); err != nil {
		return false, agreement.WrapRead("processedExits", err)
	}
	return out[0].(bool), nil
}

// IsExited reports whether the exit of burnTxHash has been processed on
// the root chain. A burn that is not checkpointed cannot have been exited.
func (t *RootToken) IsExited(ctx context.Context, burnTxHash ethcommon.Hash) (bool, error) {
	_, exitHash, err := t.exitPayload(ctx, burnTxHash)
	if errors.Is(err, agreement.ErrNotCheckpointed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.processed(ctx, exitHash)
}

// WithdrawExit releases the tokens burnt by burnTxHash. It fails with
// ErrNotCheckpointed before the burn is checkpointed and with
// ErrAlreadyExited when the proof was used already.
func (t *RootToken) WithdrawExit(ctx context.Context, account agreement.Account, burnTxHash ethcommon.Hash, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
	if !account.CanSign() {
		return nil, agreement.ErrNoSigner
	}
	if t.inclusion != nil {
		ok, err := t.inclusion.IsCheckpointed(ctx, burnTxHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", agreement.ErrNotCheckpointed, burnTxHash.Hex())
		}
	}

	payload, exitHash, err := t.exitPayload(ctx, burnTxHash)
	if err != nil {
		return nil, err
	}

	processed, err := t.processed(ctx, exitHash)
	if err != nil {
		return nil, err
	}
	if processed {
		return nil, fmt.Errorf("%w: burn %s exit %s", agreement.ErrAlreadyExited, burnTxHash.Hex(), exitHash.Hex())
	}

	logger.WithFields(logger.Fields{
		"burnTxHash": common.Shorten(burnTxHash.Hex(), 8),
		"exitHash":   common.Shorten(exitHash.Hex(), 8),
		"checkpoint": payload.HeaderNumber,
	}).Debug("submitting exit")

	mapErr := func(err error) error {
		if revertReasonContains(err, exitAlreadyProcessed) {
			return fmt.Errorf("%w: burn %s", agreement.ErrAlreadyExited, burnTxHash.Hex())
		}
		return nil
	}
	return t.transact(ctx, account, opts, t.manager, "exit", mapErr, payload.Raw)
}
