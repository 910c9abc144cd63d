package ledger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// Contract ABIs for the bounty settlement contracts.
// These ABIs define the interface for interacting with deployed contracts.

// BountyABI is the ABI of the repository reward-pool contract.
const BountyABI = `[
	{
		"inputs": [
			{"name": "user", "type": "address"},
			{"name": "userId", "type": "string"},
			{"name": "login", "type": "string"}
		],
		"name": "registerUser",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "repoId", "type": "uint256"},
			{"name": "poolManager", "type": "address"},
			{"name": "userId", "type": "string"},
			{"name": "githubId", "type": "uint256"}
		],
		"name": "addPoolManager",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "repoId", "type": "uint256"},
			{"name": "issueId", "type": "uint256"},
			{"name": "reward", "type": "uint256"}
		],
		"name": "allocateIssueReward",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "repoId", "type": "uint256"}],
		"name": "addFundToRepository",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "repoId", "type": "uint256"},
			{"name": "issueId", "type": "uint256"},
			{"name": "contributor", "type": "address"}
		],
		"name": "distributeReward",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "repoId", "type": "uint256"}],
		"name": "getRepository",
		"outputs": [
			{"name": "poolManagers", "type": "address[]"},
			{"name": "contributors", "type": "address[]"},
			{"name": "poolRewards", "type": "uint256"},
			{
				"name": "issues",
				"type": "tuple[]",
				"components": [
					{"name": "id", "type": "uint256"},
					{"name": "rewardAmount", "type": "uint256"},
					{"name": "status", "type": "string"}
				]
			}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "repoId", "type": "uint256"},
			{"name": "issueIds", "type": "uint256[]"}
		],
		"name": "getIssueRewards",
		"outputs": [{"name": "", "type": "uint256[]"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// TokenABI is the ERC20 subset used for token balances and approvals.
const TokenABI = `[
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ForwarderABI is the OpenZeppelin MinimalForwarder (ERC-2771) interface.
const ForwarderABI = `[
	{
		"inputs": [{"name": "from", "type": "address"}],
		"name": "getNonce",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{
				"name": "req",
				"type": "tuple",
				"components": [
					{"name": "from", "type": "address"},
					{"name": "to", "type": "address"},
					{"name": "value", "type": "uint256"},
					{"name": "gas", "type": "uint256"},
					{"name": "nonce", "type": "uint256"},
					{"name": "data", "type": "bytes"}
				]
			},
			{"name": "signature", "type": "bytes"}
		],
		"name": "verify",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{
				"name": "req",
				"type": "tuple",
				"components": [
					{"name": "from", "type": "address"},
					{"name": "to", "type": "address"},
					{"name": "value", "type": "uint256"},
					{"name": "gas", "type": "uint256"},
					{"name": "nonce", "type": "uint256"},
					{"name": "data", "type": "bytes"}
				]
			},
			{"name": "signature", "type": "bytes"}
		],
		"name": "execute",
		"outputs": [
			{"name": "", "type": "bool"},
			{"name": "", "type": "bytes"}
		],
		"stateMutability": "payable",
		"type": "function"
	}
]`

var (
	bountyABIOnce   sync.Once
	bountyABIParsed abi.ABI
	bountyABIErr    error
)

// PackBountyCall encodes calldata for a bounty contract method, for callers
// that route the call through the forwarder instead of sending it directly.
func PackBountyCall(method string, args ...interface{}) ([]byte, error) {
	bountyABIOnce.Do(func() {
		bountyABIParsed, bountyABIErr = abi.JSON(strings.NewReader(BountyABI))
	})
	if bountyABIErr != nil {
		return nil, fmt.Errorf("failed to parse bounty ABI: %w", bountyABIErr)
	}
	data, err := bountyABIParsed.Pack(method, args...)
	if err != nil {
		return nil, &types.ValidationError{Field: method, Reason: err.Error()}
	}
	return data, nil
}
