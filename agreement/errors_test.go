package agreement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(context.Canceled))
	assert.False(t, IsNetworkError(errors.New("execution reverted: EXIT_ALREADY_PROCESSED")))
	assert.False(t, IsNetworkError(errors.New("nonce too low")))

	assert.True(t, IsNetworkError(io.EOF))
	assert.True(t, IsNetworkError(fmt.Errorf("post: %w", io.ErrUnexpectedEOF)))
	assert.True(t, IsNetworkError(&net.OpError{Op: "dial", Err: errors.New("x")}))
	assert.True(t, IsNetworkError(errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")))
}

func TestRpcError(t *testing.T) {
	err := WrapRead("balanceOf", io.EOF)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "balanceOf")

	err = WrapRead("balanceOf", errors.New("execution reverted"))
	assert.False(t, IsTransient(err))
	assert.Nil(t, WrapRead("x", nil))

	wrapped := fmt.Errorf("deposit: %w", NewRpcError("call", io.EOF))
	assert.True(t, IsTransient(wrapped))
}

func TestChainString(t *testing.T) {
	assert.Equal(t, "root", Root.String())
	assert.Equal(t, "child", Child.String())
	assert.Equal(t, "chain(9)", Chain(9).String())
}
