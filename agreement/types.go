// Global agreement on types shared by the token, checkpoint and bridge packages.

package agreement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Chain tells which side of the bridge a transaction or a client lives on.
type Chain uint8

const (
	Root Chain = iota + 1
	Child
)

func (c Chain) String() string {
	switch c {
	case Root:
		return "root"
	case Child:
		return "child"
	default:
		return fmt.Sprintf("chain(%d)", uint8(c))
	}
}

// TxSigner signs a raw transaction for a given chain id. Implementations
// keep the key material to themselves.
type TxSigner interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Account is owned by the caller. Signer may be nil for read-only use
// (balances, status queries).
type Account struct {
	Address common.Address
	Signer  TxSigner
}

func (a Account) CanSign() bool {
	return a.Signer != nil
}

func (a Account) String() string {
	return a.Address.Hex()
}
