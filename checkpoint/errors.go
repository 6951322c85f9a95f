package checkpoint

import (
	"errors"
	"fmt"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrBadDecodedLog = errors.New("unexpected checkpoint log")

func ErrUnexpectedLog(l types.Log, reason string) error {
	return fmt.Errorf("%w: block=%d tx=%s index=%d: %s", ErrBadDecodedLog, l.BlockNumber, l.TxHash.Hex(), l.Index, reason)
}

func ErrBurnMismatch(reason string) error {
	return fmt.Errorf("%w: %s", agreement.ErrProofMismatch, reason)
}
