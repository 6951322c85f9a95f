// This file contains
// LocalSigner, a single ECDSA key signer implementing agreement.TxSigner,
// Keyring, the address -> signer lookup used when resuming operations,
// and the glue that turns a TxSigner into bind.TransactOpts.
package signers

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Implementation: Local single key signer.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr ethcommon.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewLocalSignerFromHex accepts the key with or without 0x prefix.
func NewLocalSignerFromHex(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(common.Trim0xPrefix(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewLocalSigner(key), nil
}

// Create a random local signer, for tests.
func NewRandomLocalSigner() (*LocalSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(key), nil
}

func (s *LocalSigner) Address() ethcommon.Address {
	return s.addr
}

func (s *LocalSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// TransactOpts builds options that sign with account but never broadcast;
// the caller sends the signed transaction itself.
func TransactOpts(ctx context.Context, account agreement.Account, chainID *big.Int) (*bind.TransactOpts, error) {
	if !account.CanSign() {
		return nil, agreement.ErrNoSigner
	}
	s := account.Signer
	if s.Address() != account.Address {
		return nil, fmt.Errorf("signer %s does not match account %s", s.Address().Hex(), account.Address.Hex())
	}

	return &bind.TransactOpts{
		From:    account.Address,
		Context: ctx,
		NoSend:  true,
		Signer: func(addr ethcommon.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != s.Address() {
				return nil, bind.ErrNotAuthorized
			}
			return s.SignTx(ctx, tx, chainID)
		},
	}, nil
}

var ErrUnknownSigner = errors.New("no signer for address")

// Keyring maps addresses to the signers the process holds.
type Keyring struct {
	m sync.Map
}

func NewKeyring(signers ...agreement.TxSigner) *Keyring {
	kr := &Keyring{}
	for _, s := range signers {
		kr.Add(s)
	}
	return kr
}

func (kr *Keyring) Add(s agreement.TxSigner) {
	kr.m.Store(s.Address(), s)
}

// Account returns the account of addr, with its signer attached.
func (kr *Keyring) Account(addr ethcommon.Address) (agreement.Account, error) {
	v, ok := kr.m.Load(addr)
	if !ok {
		return agreement.Account{Address: addr}, fmt.Errorf("%w: %s", ErrUnknownSigner, addr.Hex())
	}
	return agreement.Account{Address: addr, Signer: v.(agreement.TxSigner)}, nil
}
