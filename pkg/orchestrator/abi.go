package orchestrator

// PublicLock write surface plus the enumerable lookup needed to extend a key.
const lockABIJSON = `[{
	"inputs": [
		{"name": "_values", "type": "uint256[]"},
		{"name": "_recipients", "type": "address[]"},
		{"name": "_referrers", "type": "address[]"},
		{"name": "_keyManagers", "type": "address[]"},
		{"name": "_data", "type": "bytes[]"}
	],
	"name": "purchase",
	"outputs": [{"name": "", "type": "uint256[]"}],
	"stateMutability": "payable",
	"type": "function"
},{
	"inputs": [
		{"name": "_value", "type": "uint256"},
		{"name": "_tokenId", "type": "uint256"},
		{"name": "_referrer", "type": "address"},
		{"name": "_data", "type": "bytes"}
	],
	"name": "extend",
	"outputs": [],
	"stateMutability": "payable",
	"type": "function"
},{
	"inputs": [
		{"name": "_keyOwner", "type": "address"},
		{"name": "_index", "type": "uint256"}
	],
	"name": "tokenOfOwnerByIndex",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
}]`

// ERC-20 allowance/approve.
const erc20ABIJSON = `[{
	"inputs": [
		{"name": "owner", "type": "address"},
		{"name": "spender", "type": "address"}
	],
	"name": "allowance",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
},{
	"inputs": [
		{"name": "spender", "type": "address"},
		{"name": "amount", "type": "uint256"}
	],
	"name": "approve",
	"outputs": [{"name": "", "type": "bool"}],
	"stateMutability": "nonpayable",
	"type": "function"
}]`
