package proof

import (
	"math/big"
	"testing"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNibbleArray(t *testing.T) {
	// even path: flag nibble 0 and its padding nibble are dropped
	assert.Equal(t, []byte{8, 0}, NibbleArray([]byte{0x00, 0x80}))
	// odd path: flag 1 keeps its neighbour
	assert.Equal(t, []byte{0x2, 0x3, 0x4}, NibbleArray([]byte{0x12, 0x34}))
	// leaf flags behave the same way
	assert.Equal(t, []byte{0xa, 0xb}, NibbleArray([]byte{0x20, 0xab}))
	assert.Equal(t, []byte{0x5}, NibbleArray([]byte{0x35}))
	assert.Nil(t, NibbleArray(nil))
}

func testPayload() *ExitPayload {
	return &ExitPayload{
		HeaderNumber:    big.NewInt(10000),
		BlockProof:      []byte{0xaa, 0xbb},
		BlockNumber:     big.NewInt(1000),
		BlockTime:       big.NewInt(1700000000),
		TxRoot:          common.RandHash(),
		ReceiptRoot:     common.RandHash(),
		Receipt:         []byte{0xf9, 0x01},
		ReceiptProof:    []byte{0xc0},
		BranchMask:      []byte{0x00, 0x80},
		ReceiptLogIndex: big.NewInt(1),
	}
}

func TestPayloadRoundTripAndExitHash(t *testing.T) {
	p := testPayload()
	raw, err := p.Encode()
	require.NoError(t, err)

	decoded, err := DecodeExitPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, p.BlockNumber, decoded.BlockNumber)
	assert.Equal(t, p.TxRoot, decoded.TxRoot)
	assert.Equal(t, p.BranchMask, decoded.BranchMask)
	assert.Equal(t, raw, decoded.Raw)

	var expected []byte
	expected = append(expected, ethcommon.LeftPadBytes(big.NewInt(1000).Bytes(), 32)...)
	expected = append(expected, 8, 0)
	expected = append(expected, ethcommon.LeftPadBytes(big.NewInt(1).Bytes(), 32)...)

	h, err := decoded.ExitHash()
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(expected), h)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeExitPayload([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	p := testPayload()
	p.BranchMask = nil
	raw, err := p.Encode()
	require.NoError(t, err)
	_, err = DecodeExitPayload(raw)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
