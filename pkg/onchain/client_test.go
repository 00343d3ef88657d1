package onchain

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"agentforge/pkg/events"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	carvAddr  = common.HexToAddress("0x00000000000000000000000000000000000ca4d1")
	agentAddr = common.HexToAddress("0x000000000000000000000000000000000000a9e7")
	alice     = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeBackend struct {
	outputs map[string][]interface{}
	calls   []string
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	var parsed abi.ABI
	switch *msg.To {
	case carvAddr:
		parsed = events.CarvIDABI
	case agentAddr:
		parsed = events.AgentABI
	default:
		return nil, fmt.Errorf("no contract at %s", msg.To.Hex())
	}
	m, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, m.Name)
	out, ok := f.outputs[m.Name]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return m.Outputs.Pack(out...)
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func TestClientReadsIdentity(t *testing.T) {
	be := &fakeBackend{outputs: map[string][]interface{}{
		"hasAccess":      {true},
		"ownerOf":        {alice},
		"tokenURI":       {"ipfs://x"},
		"getUserProfile": {profileTuple{Name: "Alice", Description: "d", ReputationScore: big.NewInt(50)}},
	}}
	c := NewClient(be, carvAddr, agentAddr)
	ctx := context.Background()

	ok, err := c.HasAccess(ctx, big.NewInt(1), alice, events.DataTypeHash("whale_data"))
	require.NoError(t, err)
	assert.True(t, ok)

	owner, err := c.OwnerOf(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	uri, err := c.TokenURI(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://x", uri)

	p, err := c.GetUserProfile(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)
	assert.Equal(t, uint64(50), p.ReputationScore)
}

func TestClientReadsAgents(t *testing.T) {
	be := &fakeBackend{outputs: map[string][]interface{}{
		"getAgent": {agentTuple{
			AgentId: big.NewInt(1), Name: "whale", Description: "d", PrimaryGoal: "g",
			CarvId: big.NewInt(123), Keywords: []string{"defi"}, PricePerCall: big.NewInt(10),
			ReceiverAddress: alice, Creator: alice, IsActive: true,
			TotalCalls: big.NewInt(2), TotalEarnings: big.NewInt(20),
		}},
		"searchAgentsByKeyword": {[]*big.Int{big.NewInt(1), big.NewInt(3)}},
		"getAgentsByCreator":    {[]*big.Int{}},
	}}
	c := NewClient(be, carvAddr, agentAddr)
	ctx := context.Background()

	a, err := c.GetAgent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "whale", a.Name)
	assert.Equal(t, []string{"defi"}, a.Keywords)
	assert.Equal(t, uint64(2), a.TotalCalls)
	assert.True(t, a.IsActive)

	ids, err := c.SearchAgentsByKeyword(ctx, "defi")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, ids)

	ids, err = c.GetAgentsByCreator(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = c.GetAgentsByCarvId(ctx, big.NewInt(1))
	assert.Error(t, err)
}

func TestWatcherDecodesAndCapsRange(t *testing.T) {
	mint, err := events.CarvID(carvAddr).Encode("Transfer", common.Address{}, alice, big.NewInt(7))
	require.NoError(t, err)
	called, err := events.Agent(agentAddr).Encode("AgentCalled", big.NewInt(1), alice, big.NewInt(10))
	require.NoError(t, err)

	be := &fakeBackend{
		head: 5000,
		logs: []types.Log{
			{Address: carvAddr, Topics: mint.Topics, Data: mint.Data, BlockNumber: 150},
			{Address: agentAddr, Topics: called.Topics, Data: called.Data, BlockNumber: 2500},
			{Address: alice, Topics: called.Topics, Data: called.Data, BlockNumber: 160},
		},
	}
	var got []events.Log
	w, err := NewWatcher(context.Background(), be, carvAddr, agentAddr, 100, func(l events.Log) { got = append(got, l) })
	require.NoError(t, err)

	require.NoError(t, w.Poll(context.Background()))
	assert.Equal(t, uint64(2100), w.LastBlock())
	require.Len(t, got, 1)
	assert.Equal(t, "Transfer", got[0].Event)
	assert.Equal(t, events.ContractCarvID, got[0].Contract)

	require.NoError(t, w.Poll(context.Background()))
	require.Len(t, got, 2)
	assert.Equal(t, "AgentCalled", got[1].Event)
	assert.Equal(t, "10", got[1].Args["amount"])
	assert.Equal(t, uint64(2101), be.queries[1].FromBlock.Uint64())
}

func TestWatcherStartsAtHead(t *testing.T) {
	be := &fakeBackend{head: 42}
	w, err := NewWatcher(context.Background(), be, carvAddr, agentAddr, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), w.LastBlock())
	require.NoError(t, w.Poll(context.Background()))
	assert.Empty(t, be.queries)
}
