package etherman

import (
	"math/big"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
)

type Config struct {
	// URL is the json-rpc endpoint of the node
	URL string

	// Chain is the bridge side the node serves
	Chain agreement.Chain

	// ExpectedChainID is checked against the node when set
	ExpectedChainID *big.Int
}
