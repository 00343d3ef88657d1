package marketplace

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"agentforge/pkg/events"
	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	registryAddr = common.HexToAddress("0x000000000000000000000000000000000000a9e7")
	creator      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	other        = common.HexToAddress("0x2222222222222222222222222222222222222222")
	payer        = common.HexToAddress("0x3333333333333333333333333333333333333333")
	receiver     = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// tenthEther is 0.1 native units.
var tenthEther = big.NewInt(100_000_000_000_000_000)

type RegistrySuite struct {
	suite.Suite
	ctx   context.Context
	store *state.Store
	reg   *Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.ctx = context.Background()
	store, err := state.Open(filepath.Join(s.T().TempDir(), "agents.db"))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = store.Close() })
	s.store = store
	s.reg, err = New(s.ctx, store, registryAddr)
	s.Require().NoError(err)

	_, err = store.Fund(s.ctx, payer, big.NewInt(1_000_000_000_000_000_000))
	s.Require().NoError(err)
}

func params(name string, keywords ...string) Params {
	return Params{
		Name:            name,
		Description:     name + " description",
		PrimaryGoal:     "goal",
		CarvID:          big.NewInt(123),
		Keywords:        keywords,
		PricePerCall:    tenthEther,
		ReceiverAddress: receiver,
	}
}

func (s *RegistrySuite) register(caller common.Address, p Params) uint64 {
	id, _, err := s.reg.RegisterAgent(s.ctx, caller, p)
	s.Require().NoError(err)
	return id
}

func (s *RegistrySuite) balance(addr common.Address) *big.Int {
	acct, err := s.store.Account(s.ctx, addr)
	s.Require().NoError(err)
	return acct.Balance
}

func (s *RegistrySuite) TestRegisterAssignsSequentialIDs() {
	s.Equal(uint64(1), s.register(creator, params("a")))
	s.Equal(uint64(2), s.register(other, params("b")))
	s.Equal(uint64(3), s.register(creator, params("c")))

	n, err := s.reg.AgentCount(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint64(3), n)
}

func (s *RegistrySuite) TestRegisterStoresRecordAndEmits() {
	id, rc, err := s.reg.RegisterAgent(s.ctx, creator, params("Whale Watcher", "DeFi", "Trading"))
	s.Require().NoError(err)
	s.Require().Len(rc.Logs, 1)
	s.Equal("AgentRegistered", rc.Logs[0].Event)
	s.Equal("1", rc.Logs[0].Args["agentId"])
	s.Equal(creator.Hex(), rc.Logs[0].Args["creator"])
	s.Equal("123", rc.Logs[0].Args["carvId"])

	a, err := s.reg.GetAgent(s.ctx, id)
	s.Require().NoError(err)
	s.Equal("Whale Watcher", a.Name)
	s.Equal([]string{"DeFi", "Trading"}, a.Keywords)
	s.Equal(creator, a.Creator)
	s.Equal(receiver, a.ReceiverAddress)
	s.True(a.IsActive)
	s.Zero(a.TotalCalls)
	s.Equal(int64(0), a.TotalEarnings.Int64())
	s.Equal(0, tenthEther.Cmp(a.PricePerCall))
	s.Equal(int64(123), a.CarvID.Int64())
}

func (s *RegistrySuite) TestSearchByKeyword() {
	s.register(creator, params("a", "defi", "trading"))
	s.register(creator, params("b", "social"))

	ids, err := s.reg.SearchAgentsByKeyword(s.ctx, "defi")
	s.Require().NoError(err)
	s.Equal([]uint64{1}, ids)

	ids, err = s.reg.SearchAgentsByKeyword(s.ctx, "DEFI")
	s.Require().NoError(err)
	s.Equal([]uint64{1}, ids)

	ids, err = s.reg.SearchAgentsByKeyword(s.ctx, "nothing")
	s.Require().NoError(err)
	s.NotNil(ids)
	s.Empty(ids)

	ids, err = s.reg.SearchAgentsByKeyword(s.ctx, "def")
	s.Require().NoError(err)
	s.Empty(ids)
}

func (s *RegistrySuite) TestRepeatedKeywordIndexedOnce() {
	s.register(creator, params("a", "DeFi", "defi", ""))
	ids, err := s.reg.SearchAgentsByKeyword(s.ctx, "defi")
	s.Require().NoError(err)
	s.Equal([]uint64{1}, ids)

	a, err := s.reg.GetAgent(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal([]string{"DeFi", "defi", ""}, a.Keywords)

	ids, err = s.reg.SearchAgentsByKeyword(s.ctx, "")
	s.Require().NoError(err)
	s.Empty(ids)
}

func (s *RegistrySuite) TestCreatorAndCarvIDIndexes() {
	p := params("a")
	s.register(creator, p)
	p2 := params("b")
	p2.CarvID = big.NewInt(7)
	s.register(other, p2)
	s.register(creator, params("c"))

	ids, err := s.reg.GetAgentsByCreator(s.ctx, creator)
	s.Require().NoError(err)
	s.Equal([]uint64{1, 3}, ids)

	ids, err = s.reg.GetAgentsByCarvId(s.ctx, big.NewInt(123))
	s.Require().NoError(err)
	s.Equal([]uint64{1, 3}, ids)

	ids, err = s.reg.GetAgentsByCreator(s.ctx, payer)
	s.Require().NoError(err)
	s.Empty(ids)
}

func (s *RegistrySuite) TestCarvIDIsOpaque() {
	p := params("a")
	p.CarvID = nil
	id := s.register(creator, p)
	a, err := s.reg.GetAgent(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(int64(0), a.CarvID.Int64())

	ids, err := s.reg.GetAgentsByCarvId(s.ctx, big.NewInt(0))
	s.Require().NoError(err)
	s.Equal([]uint64{id}, ids)
}

func (s *RegistrySuite) TestUpdateReconcilesKeywordIndex() {
	s.register(creator, params("a", "defi", "trading"))
	s.register(creator, params("b", "trading"))

	_, err := s.reg.UpdateAgent(s.ctx, creator, 1, params("a2", "social", "Trading"))
	s.Require().NoError(err)

	ids, err := s.reg.SearchAgentsByKeyword(s.ctx, "defi")
	s.Require().NoError(err)
	s.Empty(ids)

	ids, err = s.reg.SearchAgentsByKeyword(s.ctx, "social")
	s.Require().NoError(err)
	s.Equal([]uint64{1}, ids)

	// kept keyword keeps its original position
	ids, err = s.reg.SearchAgentsByKeyword(s.ctx, "trading")
	s.Require().NoError(err)
	s.Equal([]uint64{1, 2}, ids)

	a, err := s.reg.GetAgent(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal("a2", a.Name)
	s.Equal([]string{"social", "Trading"}, a.Keywords)
	s.Equal(int64(123), a.CarvID.Int64())
}

func (s *RegistrySuite) TestUpdateByNonCreatorFails() {
	s.register(creator, params("a", "defi"))
	p := params("hijacked", "scam")
	p.PricePerCall = big.NewInt(1)
	_, err := s.reg.UpdateAgent(s.ctx, other, 1, p)
	s.True(revert.HasKind(err, revert.Unauthorized))

	a, err := s.reg.GetAgent(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal("a", a.Name)
	s.Equal(0, tenthEther.Cmp(a.PricePerCall))
	ids, err := s.reg.SearchAgentsByKeyword(s.ctx, "scam")
	s.Require().NoError(err)
	s.Empty(ids)
}

func (s *RegistrySuite) TestUpdateUnknownAgent() {
	_, err := s.reg.UpdateAgent(s.ctx, creator, 42, params("x"))
	s.True(revert.HasKind(err, revert.NotFound))
	_, err = s.reg.GetAgent(s.ctx, 42)
	s.True(revert.HasKind(err, revert.NotFound))
	_, err = s.reg.GetAgent(s.ctx, 0)
	s.True(revert.HasKind(err, revert.NotFound))
}

func (s *RegistrySuite) TestCallAgentEndToEnd() {
	id := s.register(creator, params("whale", "defi"))
	before := s.balance(receiver)
	payerBefore := s.balance(payer)

	rc, err := s.reg.CallAgent(s.ctx, payer, id, tenthEther)
	s.Require().NoError(err)
	s.Require().Len(rc.Logs, 1)
	s.Equal("AgentCalled", rc.Logs[0].Event)
	s.Equal(payer.Hex(), rc.Logs[0].Args["payer"])
	s.Equal(tenthEther.String(), rc.Logs[0].Args["amount"])

	s.Equal(new(big.Int).Add(before, tenthEther), s.balance(receiver))
	s.Equal(new(big.Int).Sub(payerBefore, tenthEther), s.balance(payer))

	a, err := s.reg.GetAgent(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(uint64(1), a.TotalCalls)
	s.Equal(0, tenthEther.Cmp(a.TotalEarnings))

	_, err = s.reg.CallAgent(s.ctx, payer, id, tenthEther)
	s.Require().NoError(err)
	a, err = s.reg.GetAgent(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(uint64(2), a.TotalCalls)
	s.Equal(new(big.Int).Mul(tenthEther, big.NewInt(2)), a.TotalEarnings)
}

func (s *RegistrySuite) assertUncalled(id uint64, receiverBefore, payerBefore *big.Int) {
	a, err := s.reg.GetAgent(s.ctx, id)
	s.Require().NoError(err)
	s.Zero(a.TotalCalls)
	s.Equal(int64(0), a.TotalEarnings.Int64())
	s.Equal(receiverBefore, s.balance(receiver))
	s.Equal(payerBefore, s.balance(payer))

	logs, err := s.store.Logs(s.ctx, state.LogFilter{Event: "AgentCalled"})
	s.Require().NoError(err)
	s.Empty(logs)
}

func (s *RegistrySuite) TestCallAgentWrongPayment() {
	id := s.register(creator, params("whale"))
	rb, pb := s.balance(receiver), s.balance(payer)

	_, err := s.reg.CallAgent(s.ctx, payer, id, big.NewInt(1))
	s.True(revert.HasKind(err, revert.InvalidPayment))
	_, err = s.reg.CallAgent(s.ctx, payer, id, new(big.Int).Add(tenthEther, big.NewInt(1)))
	s.True(revert.HasKind(err, revert.InvalidPayment))
	_, err = s.reg.CallAgent(s.ctx, payer, id, nil)
	s.True(revert.HasKind(err, revert.InvalidPayment))

	s.assertUncalled(id, rb, pb)
}

func (s *RegistrySuite) TestCallAgentUnknown() {
	_, err := s.reg.CallAgent(s.ctx, payer, 99, tenthEther)
	s.True(revert.HasKind(err, revert.NotFound))
}

func (s *RegistrySuite) TestCallAgentInactive() {
	id := s.register(creator, params("whale"))
	rb, pb := s.balance(receiver), s.balance(payer)

	_, err := s.reg.DeactivateAgent(s.ctx, other, id)
	s.True(revert.HasKind(err, revert.Unauthorized))

	rc, err := s.reg.DeactivateAgent(s.ctx, creator, id)
	s.Require().NoError(err)
	s.Equal("AgentStatusChanged", rc.Logs[0].Event)
	s.Equal(false, rc.Logs[0].Args["isActive"])

	_, err = s.reg.CallAgent(s.ctx, payer, id, tenthEther)
	s.True(revert.HasKind(err, revert.AgentInactive))
	s.assertUncalled(id, rb, pb)

	_, err = s.reg.ReactivateAgent(s.ctx, creator, id)
	s.Require().NoError(err)
	_, err = s.reg.CallAgent(s.ctx, payer, id, tenthEther)
	s.Require().NoError(err)
}

func (s *RegistrySuite) TestCallAgentInsufficientFunds() {
	id := s.register(creator, params("whale"))
	broke := common.HexToAddress("0x5555555555555555555555555555555555555555")
	_, err := s.reg.CallAgent(s.ctx, broke, id, tenthEther)
	s.True(revert.HasKind(err, revert.InsufficientFunds))
	s.assertUncalled(id, s.balance(receiver), s.balance(payer))
}

func (s *RegistrySuite) TestCallAgentRejectingReceiverRevertsEverything() {
	id := s.register(creator, params("whale"))
	s.Require().NoError(s.store.MarkRejecting(s.ctx, receiver, true))
	rb, pb := s.balance(receiver), s.balance(payer)

	_, err := s.reg.CallAgent(s.ctx, payer, id, tenthEther)
	s.True(revert.HasKind(err, revert.TransferFailed))
	s.assertUncalled(id, rb, pb)
}

func (s *RegistrySuite) TestFreeAgentToZeroReceiver() {
	p := params("free")
	p.PricePerCall = big.NewInt(0)
	p.ReceiverAddress = common.Address{}
	id := s.register(creator, p)

	broke := common.HexToAddress("0x5555555555555555555555555555555555555555")
	_, err := s.reg.CallAgent(s.ctx, broke, id, big.NewInt(0))
	s.Require().NoError(err)
	a, err := s.reg.GetAgent(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(uint64(1), a.TotalCalls)
}

func (s *RegistrySuite) TestListAgentsPages() {
	for _, n := range []string{"a", "b", "c"} {
		s.register(creator, params(n))
	}
	page, err := s.reg.ListAgents(s.ctx, 1, 1)
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal("b", page[0].Name)

	all, err := s.reg.ListAgents(s.ctx, 0, 0)
	s.Require().NoError(err)
	s.Len(all, 3)

	_, err = s.reg.ListAgents(s.ctx, -1, 0)
	s.True(revert.HasKind(err, revert.InvalidArgument))
}

func (s *RegistrySuite) TestRevertedCallsLeaveNoLogs() {
	s.register(creator, params("a"))
	_, _ = s.reg.UpdateAgent(s.ctx, other, 1, params("x"))
	_, _ = s.reg.CallAgent(s.ctx, payer, 1, big.NewInt(3))

	logs, err := s.store.Logs(s.ctx, state.LogFilter{Contract: events.ContractAgent})
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Equal("AgentRegistered", logs[0].Event)
}

func TestConcurrentCallsAreAllCounted(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	defer store.Close()
	reg, err := New(ctx, store, registryAddr)
	require.NoError(t, err)

	p := params("busy")
	p.PricePerCall = big.NewInt(10)
	id, _, err := reg.RegisterAgent(ctx, creator, p)
	require.NoError(t, err)
	_, err = store.Fund(ctx, payer, big.NewInt(100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 15)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.CallAgent(ctx, payer, id, big.NewInt(10))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, broke int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case revert.HasKind(err, revert.InsufficientFunds):
			broke++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, 5, broke)

	a, err := reg.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), a.TotalCalls)
	assert.Equal(t, int64(100), a.TotalEarnings.Int64())
}
