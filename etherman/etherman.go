package etherman

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	logger "github.com/sirupsen/logrus"
)

// ChainClient is everything the bridge needs from a node. Both
// *ethclient.Client and the simulated backend client satisfy it.
type ChainClient interface {
	ethereum.ChainIDReader
	ethereum.BlockNumberReader
	ethereum.TransactionReader
	ethereum.LogFilterer

	bind.ContractBackend
}

type Etherman struct {
	chain  agreement.Chain
	client ChainClient
	closer func()

	mu      sync.Mutex
	chainID *big.Int
}

// NewEtherman dials cfg.URL and, when cfg.ExpectedChainID is set, refuses
// to talk to a node of another network.
func NewEtherman(ctx context.Context, cfg *Config) (*Etherman, error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, agreement.NewRpcError("dial", err)
	}

	em := &Etherman{chain: cfg.Chain, client: client, closer: client.Close}

	chainID, err := em.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if cfg.ExpectedChainID != nil && cfg.ExpectedChainID.Cmp(chainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("%s node reports chain id %v, expected %v", cfg.Chain, chainID, cfg.ExpectedChainID)
	}

	logger.WithFields(logger.Fields{
		"chain":    cfg.Chain,
		"chain_id": chainID,
	}).Info("connected to node")

	return em, nil
}

func NewEthermanWithClient(chain agreement.Chain, client ChainClient) *Etherman {
	return &Etherman{chain: chain, client: client}
}

func (em *Etherman) Chain() agreement.Chain {
	return em.chain
}

func (em *Etherman) Client() ChainClient {
	return em.client
}

// ChainID is fetched once and cached; a failed fetch is not cached.
func (em *Etherman) ChainID(ctx context.Context) (*big.Int, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.chainID != nil {
		return new(big.Int).Set(em.chainID), nil
	}
	id, err := em.client.ChainID(ctx)
	if err != nil {
		return nil, agreement.WrapRead("chainId", err)
	}
	em.chainID = id
	return new(big.Int).Set(id), nil
}

// EnsureContract fails when no code is deployed at addr.
func (em *Etherman) EnsureContract(ctx context.Context, addr ethcommon.Address) error {
	code, err := em.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return agreement.WrapRead("getCode", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%s address %s doesn't contain smart contract", em.chain, addr.Hex())
	}
	return nil
}

func (em *Etherman) Close() {
	if em.closer != nil {
		em.closer()
	}
}
