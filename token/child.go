package token

import (
	"context"
	"fmt"
	"math/big"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/etherman"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/pendingtx"
)

const (
	MethodWithdraw = "withdraw"
	MethodBurn     = "burn"
)

// ChildToken is the bridged token on the child chain.
type ChildToken struct {
	*erc20
	withdrawMethod string
}

func NewChildToken(em *etherman.Etherman, cfg *Config) (*ChildToken, error) {
	if em.Chain() != agreement.Child {
		return nil, fmt.Errorf("child token needs a child chain client, got %s", em.Chain())
	}
	base, err := newERC20(em, cfg)
	if err != nil {
		return nil, err
	}

	method := cfg.WithdrawMethod
	switch method {
	case "":
		method = MethodWithdraw
	case MethodWithdraw, MethodBurn:
	default:
		return nil, fmt.Errorf("unknown withdraw method %q", method)
	}
	return &ChildToken{erc20: base, withdrawMethod: method}, nil
}

// WithdrawStart burns amount of the account's child tokens. The receipt of
// the returned transaction is what the exit proof is later built from.
func (t *ChildToken) WithdrawStart(ctx context.Context, account agreement.Account, amount *big.Int, opts ...pendingtx.Option) (*pendingtx.PendingTx, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	return t.transact(ctx, account, opts, t.contract, t.withdrawMethod, nil, amount)
}
