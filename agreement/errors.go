package agreement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	ErrSubmission            = errors.New("transaction rejected before mining")
	ErrTxReverted            = errors.New("transaction reverted")
	ErrTxTimeout             = errors.New("timed out waiting for receipt")
	ErrCheckpointTimeout     = errors.New("timed out waiting for checkpoint")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNotCheckpointed       = errors.New("burn not checkpointed yet")
	ErrAlreadyExited         = errors.New("burn already exited")
	ErrProofMismatch         = errors.New("burn event does not match")
	ErrTxNotFound            = errors.New("transaction not found")
	ErrNoSigner              = errors.New("account has no signer")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

// RpcError marks a failure to talk to a node. It is the only error class the
// bridge retries on its own.
type RpcError struct {
	Op  string
	Err error
}

func NewRpcError(op string, err error) *RpcError {
	return &RpcError{Op: op, Err: err}
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Op, e.Err)
}

func (e *RpcError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) an RpcError.
func IsTransient(err error) bool {
	var rpcErr *RpcError
	return errors.As(err, &rpcErr)
}

// IsNetworkError tells node unavailability apart from a node that answered
// with a rejection.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "no such host", "i/o timeout", "502 bad gateway", "503 service unavailable", "429 too many requests"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// WrapRead turns a failed read into an RpcError when it looks like a network
// problem and leaves any other error untouched.
func WrapRead(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNetworkError(err) {
		return NewRpcError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
