package events

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABIs of the two marketplace contracts. The node emits logs in exactly this
// layout so indexers can consume them the same way they would on a chain.
const (
	carvIDABIJSON = `[
		{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[
			{"name":"to","type":"address"},{"name":"carvId","type":"uint256"},
			{"name":"metadataURI","type":"string"},{"name":"name","type":"string"},
			{"name":"description","type":"string"}],"outputs":[]},
		{"type":"function","name":"updateProfile","stateMutability":"nonpayable","inputs":[
			{"name":"carvId","type":"uint256"},{"name":"name","type":"string"},
			{"name":"description","type":"string"}],"outputs":[]},
		{"type":"function","name":"grantAccess","stateMutability":"nonpayable","inputs":[
			{"name":"carvId","type":"uint256"},{"name":"grantee","type":"address"},
			{"name":"dataTypeHash","type":"bytes32"}],"outputs":[]},
		{"type":"function","name":"revokeAccess","stateMutability":"nonpayable","inputs":[
			{"name":"carvId","type":"uint256"},{"name":"grantee","type":"address"},
			{"name":"dataTypeHash","type":"bytes32"}],"outputs":[]},
		{"type":"function","name":"hasAccess","stateMutability":"view","inputs":[
			{"name":"carvId","type":"uint256"},{"name":"grantee","type":"address"},
			{"name":"dataTypeHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"getUserProfile","stateMutability":"view","inputs":[
			{"name":"carvId","type":"uint256"}],"outputs":[
			{"name":"","type":"tuple","components":[
				{"name":"name","type":"string"},{"name":"description","type":"string"},
				{"name":"reputationScore","type":"uint256"}]}]},
		{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[
			{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
		{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
			{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"tokenURI","stateMutability":"view","inputs":[
			{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
		{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[
			{"name":"from","type":"address"},{"name":"to","type":"address"},
			{"name":"tokenId","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
			{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"setApprovalForAll","stateMutability":"nonpayable","inputs":[
			{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]},
		{"type":"function","name":"getApproved","stateMutability":"view","inputs":[
			{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
		{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[
			{"name":"owner","type":"address"},{"name":"operator","type":"address"}],
			"outputs":[{"name":"","type":"bool"}]},
		{"type":"event","name":"Transfer","anonymous":false,"inputs":[
			{"indexed":true,"name":"from","type":"address"},
			{"indexed":true,"name":"to","type":"address"},
			{"indexed":true,"name":"tokenId","type":"uint256"}]},
		{"type":"event","name":"Approval","anonymous":false,"inputs":[
			{"indexed":true,"name":"owner","type":"address"},
			{"indexed":true,"name":"approved","type":"address"},
			{"indexed":true,"name":"tokenId","type":"uint256"}]},
		{"type":"event","name":"ApprovalForAll","anonymous":false,"inputs":[
			{"indexed":true,"name":"owner","type":"address"},
			{"indexed":true,"name":"operator","type":"address"},
			{"indexed":false,"name":"approved","type":"bool"}]},
		{"type":"event","name":"ProfileUpdated","anonymous":false,"inputs":[
			{"indexed":true,"name":"carvId","type":"uint256"},
			{"indexed":false,"name":"name","type":"string"},
			{"indexed":false,"name":"description","type":"string"}]},
		{"type":"event","name":"AccessGranted","anonymous":false,"inputs":[
			{"indexed":true,"name":"carvId","type":"uint256"},
			{"indexed":true,"name":"grantee","type":"address"},
			{"indexed":false,"name":"dataTypeHash","type":"bytes32"}]},
		{"type":"event","name":"AccessRevoked","anonymous":false,"inputs":[
			{"indexed":true,"name":"carvId","type":"uint256"},
			{"indexed":true,"name":"grantee","type":"address"},
			{"indexed":false,"name":"dataTypeHash","type":"bytes32"}]}
	]`

	agentABIJSON = `[
		{"type":"function","name":"registerAgent","stateMutability":"nonpayable","inputs":[
			{"name":"name","type":"string"},{"name":"description","type":"string"},
			{"name":"primaryGoal","type":"string"},{"name":"carvId","type":"uint256"},
			{"name":"keywords","type":"string[]"},{"name":"pricePerCall","type":"uint256"},
			{"name":"receiverAddress","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"updateAgent","stateMutability":"nonpayable","inputs":[
			{"name":"agentId","type":"uint256"},{"name":"name","type":"string"},
			{"name":"description","type":"string"},{"name":"primaryGoal","type":"string"},
			{"name":"keywords","type":"string[]"},{"name":"pricePerCall","type":"uint256"},
			{"name":"receiverAddress","type":"address"}],"outputs":[]},
		{"type":"function","name":"callAgent","stateMutability":"payable","inputs":[
			{"name":"agentId","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"getAgent","stateMutability":"view","inputs":[
			{"name":"agentId","type":"uint256"}],"outputs":[
			{"name":"","type":"tuple","components":[
				{"name":"agentId","type":"uint256"},{"name":"name","type":"string"},
				{"name":"description","type":"string"},{"name":"primaryGoal","type":"string"},
				{"name":"carvId","type":"uint256"},{"name":"keywords","type":"string[]"},
				{"name":"pricePerCall","type":"uint256"},{"name":"receiverAddress","type":"address"},
				{"name":"creator","type":"address"},{"name":"isActive","type":"bool"},
				{"name":"totalCalls","type":"uint256"},{"name":"totalEarnings","type":"uint256"}]}]},
		{"type":"function","name":"searchAgentsByKeyword","stateMutability":"view","inputs":[
			{"name":"keyword","type":"string"}],"outputs":[{"name":"","type":"uint256[]"}]},
		{"type":"function","name":"getAgentsByCreator","stateMutability":"view","inputs":[
			{"name":"creator","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
		{"type":"function","name":"getAgentsByCarvId","stateMutability":"view","inputs":[
			{"name":"carvId","type":"uint256"}],"outputs":[{"name":"","type":"uint256[]"}]},
		{"type":"event","name":"AgentRegistered","anonymous":false,"inputs":[
			{"indexed":true,"name":"agentId","type":"uint256"},
			{"indexed":false,"name":"name","type":"string"},
			{"indexed":true,"name":"creator","type":"address"},
			{"indexed":false,"name":"carvId","type":"uint256"}]},
		{"type":"event","name":"AgentUpdated","anonymous":false,"inputs":[
			{"indexed":true,"name":"agentId","type":"uint256"},
			{"indexed":false,"name":"name","type":"string"},
			{"indexed":false,"name":"pricePerCall","type":"uint256"},
			{"indexed":false,"name":"receiverAddress","type":"address"}]},
		{"type":"event","name":"AgentCalled","anonymous":false,"inputs":[
			{"indexed":true,"name":"agentId","type":"uint256"},
			{"indexed":true,"name":"payer","type":"address"},
			{"indexed":false,"name":"amount","type":"uint256"}]},
		{"type":"event","name":"AgentStatusChanged","anonymous":false,"inputs":[
			{"indexed":true,"name":"agentId","type":"uint256"},
			{"indexed":false,"name":"isActive","type":"bool"}]}
	]`
)

var (
	CarvIDABI = mustParseABI(carvIDABIJSON)
	AgentABI  = mustParseABI(agentABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("events: invalid contract ABI: " + err.Error())
	}
	return parsed
}
