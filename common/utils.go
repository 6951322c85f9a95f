package common

import (
	"crypto/rand"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Trim0xPrefix removes a leading 0x or 0X.
func Trim0xPrefix(str string) string {
	s := strings.TrimPrefix(str, "0x")
	return strings.TrimPrefix(s, "0X")
}

func Prepend0xPrefix(str string) string {
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		return str
	}
	return "0x" + str
}

// HashToPureHex returns the 64 hex chars of h without prefix, the form the
// sqlite tables store hashes in. The zero hash maps to "".
func HashToPureHex(h ethcommon.Hash) string {
	if h == (ethcommon.Hash{}) {
		return ""
	}
	return h.Hex()[2:]
}

// PureHexToHash is the inverse of HashToPureHex.
func PureHexToHash(s string) ethcommon.Hash {
	if s == "" {
		return ethcommon.Hash{}
	}
	return ethcommon.HexToHash(s)
}

// IsHexAddress accepts addresses with or without prefix.
func IsHexAddress(s string) bool {
	return ethcommon.IsHexAddress(Prepend0xPrefix(strings.TrimSpace(s)))
}

// Shorten keeps n hex characters on each side, for log fields.
func Shorten(hexStr string, n int) string {
	str := Trim0xPrefix(hexStr)
	if len(str) <= n*2 {
		return Prepend0xPrefix(str)
	}
	return Prepend0xPrefix(str[:n] + "..." + str[len(str)-n:])
}

func BigIntClone(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}

// RandBytes32 generates [32]byte with random values
func RandBytes32() [32]byte {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return [32]byte{}
	}
	return b
}

func RandEthAddress() ethcommon.Address {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ethcommon.Address{}
	}
	return ethcommon.BytesToAddress(b[:])
}

func RandHash() ethcommon.Hash {
	return ethcommon.Hash(RandBytes32())
}
