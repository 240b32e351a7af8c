package EVMRPC

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Both bridge contracts share one interface: lockTokensToHedera is only
// deployed on the source side, mintTokens and processedTransactions only on
// the destination side.
const BridgeABIJSON = `[
	{"type":"function","name":"lockTokensToHedera","stateMutability":"payable",
	 "inputs":[{"name":"amount","type":"uint256"},{"name":"hederaAddress","type":"string"}],"outputs":[]},
	{"type":"function","name":"mintTokens","stateMutability":"nonpayable",
	 "inputs":[{"name":"user","type":"address"},{"name":"amount","type":"uint256"},{"name":"sourceTxHash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"processedTransactions","stateMutability":"view",
	 "inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getBridgeInfo","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"token","type":"address"},{"name":"totalLocked","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"isActive","type":"bool"}]},
	{"type":"event","name":"TokensLocked","anonymous":false,
	 "inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
	           {"name":"destinationNetwork","type":"string","indexed":false},{"name":"destinationAddress","type":"string","indexed":false},
	           {"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"TokensMinted","anonymous":false,
	 "inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
	           {"name":"sourceTxHash","type":"bytes32","indexed":false}]}
]`

const ERC20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	BridgeABI = mustParseABI(BridgeABIJSON)
	ERC20ABI  = mustParseABI(ERC20ABIJSON)

	TokensLockedTopic = crypto.Keccak256Hash([]byte("TokensLocked(address,uint256,string,string,uint256)"))
	TokensMintedTopic = crypto.Keccak256Hash([]byte("TokensMinted(address,uint256,bytes32)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ProcessedKey is the destination bridge's replay key for a source transaction:
// keccak256 over the UTF-8 hex string of the lowercase source hash.
func ProcessedKey(sourceTxHash string) [32]byte {
	return crypto.Keccak256Hash([]byte(strings.ToLower(sourceTxHash)))
}

func processedKeyHex(key [32]byte) string {
	return common.Hash(key).Hex()
}
