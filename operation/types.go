package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

type Kind string

const (
	Deposit  Kind = "deposit"
	Withdraw Kind = "withdraw"
)

type State string

const (
	Created State = "created"

	// deposit, root -> child
	Approving        State = "approving"
	Approved         State = "approved"
	Depositing       State = "depositing"
	DepositConfirmed State = "deposit_confirmed"

	// withdraw, child -> root
	Burning            State = "burning"
	Burned             State = "burned"
	AwaitingCheckpoint State = "awaiting_checkpoint"
	Exiting            State = "exiting"
	Exited             State = "exited"

	Failed State = "failed"
)

var kindStates = map[Kind][]State{
	Deposit:  {Created, Approving, Approved, Depositing, DepositConfirmed, Failed},
	Withdraw: {Created, Burning, Burned, AwaitingCheckpoint, Exiting, Exited, Failed},
}

var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrImmutable        = errors.New("operation already terminal")
)

func (s State) IsTerminal() bool {
	return s == DepositConfirmed || s == Exited || s == Failed
}

func (s State) IsSuccess() bool {
	return s == DepositConfirmed || s == Exited
}

// Has tells whether s is a state of kind k.
func (k Kind) Has(s State) bool {
	for _, x := range kindStates[k] {
		if x == s {
			return true
		}
	}
	return false
}

// Operation is one bridge transfer. Only the orchestrator mutates it; every
// other holder gets a Clone.
type Operation struct {
	ID      string
	Kind    Kind
	Amount  *big.Int
	Account ethcommon.Address
	State   State

	// zero hash means not sent yet
	ApproveTxHash  ethcommon.Hash
	DepositTxHash  ethcommon.Hash
	BurnTxHash     ethcommon.Hash
	RootExitTxHash ethcommon.Hash

	LastError string
	Attempts  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func New(kind Kind, account ethcommon.Address, amount *big.Int) *Operation {
	id := common.RandBytes32()
	now := time.Now().UTC()
	return &Operation{
		ID:        ethcommon.Bytes2Hex(id[:]),
		Kind:      kind,
		Amount:    common.BigIntClone(amount),
		Account:   account,
		State:     Created,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (op *Operation) IsTerminal() bool {
	return op.State.IsTerminal()
}

func (op *Operation) Clone() *Operation {
	cp := *op
	cp.Amount = common.BigIntClone(op.Amount)
	return &cp
}

func (op *Operation) Validate() error {
	switch {
	case len(op.ID) != 64:
		return fmt.Errorf("%w: id %q", ErrInvalidOperation, op.ID)
	case op.Kind != Deposit && op.Kind != Withdraw:
		return fmt.Errorf("%w: kind %q", ErrInvalidOperation, op.Kind)
	case !op.Kind.Has(op.State):
		return fmt.Errorf("%w: state %q for %s", ErrInvalidOperation, op.State, op.Kind)
	case op.Amount == nil || op.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount %v", ErrInvalidOperation, op.Amount)
	case op.Account == (ethcommon.Address{}):
		return fmt.Errorf("%w: zero account", ErrInvalidOperation)
	}
	return nil
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %s %s [%s]", op.Kind, common.Shorten(op.ID, 6), common.FormatUnits(op.Amount, common.TokenDecimals), op.State)
}

// Persisted is the JSON layout of an operation, used by the HTTP surface and
// the CLI. It is safe to reload after a restart.
type Persisted struct {
	ID             string `json:"operationId"`
	Kind           Kind   `json:"kind"`
	Amount         string `json:"amount"`
	Account        string `json:"account"`
	State          State  `json:"state"`
	ApproveTxHash  string `json:"approveTxHash,omitempty"`
	DepositTxHash  string `json:"depositTxHash,omitempty"`
	BurnTxHash     string `json:"burnTxHash,omitempty"`
	RootExitTxHash string `json:"rootExitTxHash,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	Attempts       int    `json:"attempts"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

func hashOrEmpty(h ethcommon.Hash) string {
	if h == (ethcommon.Hash{}) {
		return ""
	}
	return h.Hex()
}

func (op *Operation) Persisted() *Persisted {
	return &Persisted{
		ID:             op.ID,
		Kind:           op.Kind,
		Amount:         op.Amount.String(),
		Account:        op.Account.Hex(),
		State:          op.State,
		ApproveTxHash:  hashOrEmpty(op.ApproveTxHash),
		DepositTxHash:  hashOrEmpty(op.DepositTxHash),
		BurnTxHash:     hashOrEmpty(op.BurnTxHash),
		RootExitTxHash: hashOrEmpty(op.RootExitTxHash),
		LastError:      op.LastError,
		Attempts:       op.Attempts,
		CreatedAt:      op.CreatedAt.UnixMilli(),
		UpdatedAt:      op.UpdatedAt.UnixMilli(),
	}
}

// Operation validates p and converts it back.
func (p *Persisted) Operation() (*Operation, error) {
	amount, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidOperation, p.Amount)
	}
	if !common.IsHexAddress(p.Account) {
		return nil, fmt.Errorf("%w: account %q", ErrInvalidOperation, p.Account)
	}
	op := &Operation{
		ID:             common.Trim0xPrefix(p.ID),
		Kind:           p.Kind,
		Amount:         amount,
		Account:        ethcommon.HexToAddress(p.Account),
		State:          p.State,
		ApproveTxHash:  ethcommon.HexToHash(p.ApproveTxHash),
		DepositTxHash:  ethcommon.HexToHash(p.DepositTxHash),
		BurnTxHash:     ethcommon.HexToHash(p.BurnTxHash),
		RootExitTxHash: ethcommon.HexToHash(p.RootExitTxHash),
		LastError:      p.LastError,
		Attempts:       p.Attempts,
		CreatedAt:      time.UnixMilli(p.CreatedAt).UTC(),
		UpdatedAt:      time.UnixMilli(p.UpdatedAt).UTC(),
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

func (op *Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.Persisted())
}

func (op *Operation) UnmarshalJSON(b []byte) error {
	var p Persisted
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	decoded, err := p.Operation()
	if err != nil {
		return err
	}
	*op = *decoded
	return nil
}
