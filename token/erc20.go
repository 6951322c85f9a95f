// Package token binds the bridge token contracts on both chains. Every
// mutating call broadcasts exactly one transaction and returns a
// pendingtx.PendingTx; nothing is retried here.
package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/contracts/posbridge"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/etherman"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/pendingtx"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/signers"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Config struct {
	// Address of the token on its chain
	Address ethcommon.Address

	// RootChainManager, root side only
	ChainManager ethcommon.Address

	// ERC20Predicate holding deposited tokens, root side only. Looked up
	// through the manager when zero.
	Predicate ethcommon.Address

	// method burning child tokens: "withdraw" for bridged tokens, "burn"
	// for plain burnable ones
	WithdrawMethod string

	PollInterval time.Duration
}

type Metadata struct {
	Name        string
	Symbol      string
	Decimals    uint8
	TotalSupply *big.Int
}

type erc20 struct {
	em           *etherman.Etherman
	address      ethcommon.Address
	contract     *bind.BoundContract
	pollInterval time.Duration
}

func newERC20(em *etherman.Etherman, cfg *Config) (*erc20, error) {
	if cfg.Address == (ethcommon.Address{}) {
		return nil, fmt.Errorf("%s token address not set", em.Chain())
	}
	client := em.Client()
	return &erc20{
		em:           em,
		address:      cfg.Address,
		contract:     bind.NewBoundContract(cfg.Address, *posbridge.MustABI(posbridge.ERC20MetaData), client, client, client),
		pollInterval: cfg.PollInterval,
	}, nil
}

func (t *erc20) Address() ethcommon.Address {
	return t.address
}

func (t *erc20) Chain() agreement.Chain {
	return t.em.Chain()
}

func (t *erc20) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, agreement.WrapRead(method, err)
	}
	return out, nil
}

func (t *erc20) GetBalance(ctx context.Context, addr ethcommon.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", addr)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (t *erc20) GetAllowance(ctx context.Context, owner, spender ethcommon.Address) (*big.Int, error) {
	out, err := t.call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (t *erc20) Metadata(ctx context.Context) (*Metadata, error) {
	md := &Metadata{}
	out, err := t.call(ctx, "name")
	if err != nil {
		return nil, err
	}
	md.Name = out[0].(string)
	if out, err = t.call(ctx, "symbol"); err != nil {
		return nil, err
	}
	md.Symbol = out[0].(string)
	if out, err = t.call(ctx, "decimals"); err != nil {
		return nil, err
	}
	md.Decimals = out[0].(uint8)
	if out, err = t.call(ctx, "totalSupply"); err != nil {
		return nil, err
	}
	md.TotalSupply = out[0].(*big.Int)
	return md, nil
}

// Approve sets (does not add to) the allowance of spender.
func (t *erc20) Approve(ctx context.Context, account agreement.Account, spender ethcommon.Address, amount *big.Int, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, agreement.ErrInvalidAmount
	}
	return t.transact(ctx, account, opts, t.contract, "approve", nil, spender, amount)
}

func (t *erc20) Transfer(ctx context.Context, account agreement.Account, to ethcommon.Address, amount *big.Int, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	return t.transact(ctx, account, opts, t.contract, "transfer", nil, to, amount)
}

// Track re-attaches to a transaction sent earlier on this chain.
func (t *erc20) Track(hash ethcommon.Hash) *pendingtx.PendingTx {
	return pendingtx.Track(t.em.Chain(), t.em.Client(), hash, pendingtx.WithPollInterval(t.pollInterval))
}

// errMapper lets a caller turn a known revert reason into a business error.
type errMapper func(err error) error

// transact signs method with account in the background. opts go to the
// returned PendingTx after the token's own poll interval.
func (t *erc20) transact(ctx context.Context, account agreement.Account, opts []pendingtx.Option, contract *bind.BoundContract, method string, mapErr errMapper, args ...interface{}) (*pendingtx.PendingTx, error) {
	if !account.CanSign() {
		return nil, agreement.ErrNoSigner
	}

	sign := func(ctx context.Context) (*types.Transaction, error) {
		chainID, err := t.em.ChainID(ctx)
		if err != nil {
			return nil, err
		}
		txOpts, err := signers.TransactOpts(ctx, account, chainID)
		if err != nil {
			return nil, err
		}
		tx, err := contract.Transact(txOpts, method, args...)
		if err != nil {
			if mapErr != nil {
				if mapped := mapErr(err); mapped != nil {
					return nil, mapped
				}
			}
			if agreement.IsNetworkError(err) {
				return nil, agreement.NewRpcError(method, err)
			}
			return nil, fmt.Errorf("%w: %s: %v", agreement.ErrSubmission, method, err)
		}
		return tx, nil
	}

	client := t.em.Client()
	opts = append([]pendingtx.Option{pendingtx.WithPollInterval(t.pollInterval)}, opts...)
	return pendingtx.Submit(ctx, t.em.Chain(), client, client, sign, opts...), nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return agreement.ErrInvalidAmount
	}
	return nil
}

func revertReasonContains(err error, reason string) bool {
	return err != nil && strings.Contains(err.Error(), reason)
}
