package common

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// EncodePacked mimics solidity's abi.encodePacked for the value kinds the
// exit hash and checkpoint code need. Integers are packed as uint256.
func EncodePacked(values ...interface{}) ([]byte, error) {
	var res [][]byte
	for i, value := range values {
		switch v := value.(type) {
		case []byte:
			res = append(res, v)
		case [32]byte:
			res = append(res, v[:])
		case common.Hash:
			res = append(res, v[:])
		case common.Address:
			res = append(res, v[:])
		case *big.Int:
			if v.Sign() < 0 {
				return nil, fmt.Errorf("encode packed: negative integer at %d", i)
			}
			res = append(res, math.U256Bytes(BigIntClone(v)))
		case uint64:
			res = append(res, math.U256Bytes(new(big.Int).SetUint64(v)))
		case []*big.Int:
			for _, n := range v {
				res = append(res, math.U256Bytes(BigIntClone(n)))
			}
		default:
			return nil, fmt.Errorf("encode packed: unsupported type %T at %d", value, i)
		}
	}
	return bytes.Join(res, nil), nil
}
