package etherman

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/contracts/MintableERC20"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

var (
	SimulatedChainID = big.NewInt(1337)
	blockGasLimit    = uint64(999999999999999999)
)

// SimulatedChain is an in-process chain with ten funded accounts, used by
// the tests of every package that needs a real EVM.
type SimulatedChain struct {
	Chain    agreement.Chain
	Backend  *simulated.Backend
	Keys     []*ecdsa.PrivateKey
	Accounts []*bind.TransactOpts
}

func NewSimulatedChain(chain agreement.Chain) *SimulatedChain {
	nAccount := 10
	keys := make([]*ecdsa.PrivateKey, nAccount)
	accounts := make([]*bind.TransactOpts, nAccount)
	genesisAlloc := map[common.Address]types.Account{}
	for i := 0; i < nAccount; i++ {
		keys[i], _ = crypto.GenerateKey()
		accounts[i], _ = bind.NewKeyedTransactorWithChainID(keys[i], SimulatedChainID)

		balance, _ := new(big.Int).SetString("100000000000000000000", 10)
		genesisAlloc[accounts[i].From] = types.Account{Balance: balance}
	}

	backend := simulated.NewBackend(genesisAlloc, simulated.WithBlockGasLimit(blockGasLimit))

	return &SimulatedChain{
		Chain:    chain,
		Backend:  backend,
		Keys:     keys,
		Accounts: accounts,
	}
}

func (sim *SimulatedChain) Etherman() *Etherman {
	return NewEthermanWithClient(sim.Chain, sim.Backend.Client())
}

// DeployToken deploys a mintable ERC20 owned by Accounts[owner] and mines it.
func (sim *SimulatedChain) DeployToken(owner int) (common.Address, *bind.BoundContract, error) {
	addr, _, contract, err := MintableERC20.Deploy(sim.Accounts[owner], sim.Backend.Client(), sim.Accounts[owner].From)
	if err != nil {
		return common.Address{}, nil, err
	}
	sim.Backend.Commit()
	return addr, contract, nil
}

// Mint mints amount to `to` signed by Accounts[owner] and mines it.
func (sim *SimulatedChain) Mint(contract *bind.BoundContract, owner int, to common.Address, amount *big.Int) error {
	if _, err := MintableERC20.Mint(sim.Accounts[owner], contract, to, amount); err != nil {
		return err
	}
	sim.Backend.Commit()
	return nil
}

// AutoCommit mines a block every interval until ctx is done.
func (sim *SimulatedChain) AutoCommit(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sim.Backend.Commit()
			}
		}
	}()
}

func (sim *SimulatedChain) Close() {
	sim.Backend.Close()
}
