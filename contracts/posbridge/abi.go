// Package posbridge holds the ABI fragments of the PoS bridge contracts this
// client talks to. Only the entries the client calls or filters on are listed.
package posbridge

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
)

var ERC20MetaData = &bind.MetaData{
	ABI: `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"value","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}]},
	{"type":"event","name":"Approval","anonymous":false,"inputs":[{"indexed":true,"name":"owner","type":"address"},{"indexed":true,"name":"spender","type":"address"},{"indexed":false,"name":"value","type":"uint256"}]}
]`,
}

var RootChainManagerMetaData = &bind.MetaData{
	ABI: `[
	{"type":"function","name":"depositFor","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"rootToken","type":"address"},{"name":"depositData","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"exit","stateMutability":"nonpayable","inputs":[{"name":"inputData","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"processedExits","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"tokenToType","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"typeToPredicate","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}
]`,
}

var RootChainMetaData = &bind.MetaData{
	ABI: `[
	{"type":"function","name":"getLastChildBlock","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"currentHeaderBlock","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"NewHeaderBlock","anonymous":false,"inputs":[{"indexed":true,"name":"proposer","type":"address"},{"indexed":true,"name":"headerBlockId","type":"uint256"},{"indexed":true,"name":"reward","type":"uint256"},{"indexed":false,"name":"start","type":"uint256"},{"indexed":false,"name":"end","type":"uint256"},{"indexed":false,"name":"root","type":"bytes32"}]}
]`,
}

var (
	TransferEventSig       = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	NewHeaderBlockEventSig = crypto.Keccak256Hash([]byte("NewHeaderBlock(address,uint256,uint256,uint256,uint256,bytes32)"))
)

// MustABI panics on malformed JSON, which can only be a programming error
// for the constants above. bind.MetaData caches the parsed result.
func MustABI(md *bind.MetaData) *abi.ABI {
	a, err := md.GetAbi()
	if err != nil {
		panic(err)
	}
	return a
}
