package carvid

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"agentforge/pkg/events"
	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000ca4d1")
	alice        = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob          = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carol        = common.HexToAddress("0x3333333333333333333333333333333333333333")
	agentAddr    = common.HexToAddress("0x000000000000000000000000000000000000a9e7")
)

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
	store, err := state.Open(filepath.Join(s.T().TempDir(), "carvid.db"))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = store.Close() })
	s.store = store
	s.reg, err = New(s.ctx, store, registryAddr)
	s.Require().NoError(err)
}

func (s *RegistrySuite) mint(owner common.Address, id int64) {
	_, err := s.reg.Mint(s.ctx, owner, owner, big.NewInt(id), "ipfs://profile", "Alice", "trader")
	s.Require().NoError(err)
}

func (s *RegistrySuite) TestMintSetsProfileAndEmitsTransfer() {
	rc, err := s.reg.Mint(s.ctx, bob, alice, big.NewInt(123), "ipfs://x", "Alice", "desc")
	s.Require().NoError(err)

	s.Require().Len(rc.Logs, 1)
	s.Equal("Transfer", rc.Logs[0].Event)
	s.Equal(common.Address{}.Hex(), rc.Logs[0].Args["from"])
	s.Equal(alice.Hex(), rc.Logs[0].Args["to"])
	s.Equal("123", rc.Logs[0].Args["tokenId"])

	p, err := s.reg.GetUserProfile(s.ctx, big.NewInt(123))
	s.Require().NoError(err)
	s.Equal(Profile{Name: "Alice", Description: "desc", ReputationScore: 50}, p)

	owner, err := s.reg.OwnerOf(s.ctx, big.NewInt(123))
	s.Require().NoError(err)
	s.Equal(alice, owner)

	uri, err := s.reg.TokenURI(s.ctx, big.NewInt(123))
	s.Require().NoError(err)
	s.Equal("ipfs://x", uri)

	n, err := s.reg.BalanceOf(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal(uint64(1), n)
}

func (s *RegistrySuite) TestMintDuplicateFailsAndLeavesStateUnchanged() {
	s.mint(alice, 123)
	_, err := s.reg.Mint(s.ctx, bob, bob, big.NewInt(123), "ipfs://other", "Bob", "b")
	s.True(revert.HasKind(err, revert.DuplicateToken))

	owner, err := s.reg.OwnerOf(s.ctx, big.NewInt(123))
	s.Require().NoError(err)
	s.Equal(alice, owner)

	logs, err := s.store.Logs(s.ctx, state.LogFilter{Contract: events.ContractCarvID})
	s.Require().NoError(err)
	s.Len(logs, 1)
}

func (s *RegistrySuite) TestMintRejectsInvalidInput() {
	_, err := s.reg.Mint(s.ctx, alice, common.Address{}, big.NewInt(1), "", "", "")
	s.True(revert.HasKind(err, revert.InvalidArgument))
	_, err = s.reg.Mint(s.ctx, alice, alice, big.NewInt(-1), "", "", "")
	s.True(revert.HasKind(err, revert.InvalidArgument))
	_, err = s.reg.Mint(s.ctx, alice, alice, nil, "", "", "")
	s.True(revert.HasKind(err, revert.InvalidArgument))
}

func (s *RegistrySuite) TestUpdateProfileKeepsReputation() {
	s.mint(alice, 123)
	rc, err := s.reg.UpdateProfile(s.ctx, alice, big.NewInt(123), "New", "newdesc")
	s.Require().NoError(err)
	s.Equal("ProfileUpdated", rc.Logs[0].Event)
	s.Equal("New", rc.Logs[0].Args["name"])

	p, err := s.reg.GetUserProfile(s.ctx, big.NewInt(123))
	s.Require().NoError(err)
	s.Equal(Profile{Name: "New", Description: "newdesc", ReputationScore: 50}, p)
}

func (s *RegistrySuite) TestUpdateProfileByNonOwnerFails() {
	s.mint(alice, 123)
	_, err := s.reg.UpdateProfile(s.ctx, bob, big.NewInt(123), "X", "Y")
	s.True(revert.HasKind(err, revert.Unauthorized))

	p, err := s.reg.GetUserProfile(s.ctx, big.NewInt(123))
	s.Require().NoError(err)
	s.Equal("Alice", p.Name)
}

func (s *RegistrySuite) TestUnmintedIdentity() {
	_, err := s.reg.UpdateProfile(s.ctx, alice, big.NewInt(9), "X", "Y")
	s.True(revert.HasKind(err, revert.NotFound))
	_, err = s.reg.GetUserProfile(s.ctx, big.NewInt(9))
	s.True(revert.HasKind(err, revert.NotFound))
	_, err = s.reg.GrantAccess(s.ctx, alice, big.NewInt(9), agentAddr, events.DataTypeHash("x"))
	s.True(revert.HasKind(err, revert.NotFound))

	ok, err := s.reg.Exists(s.ctx, big.NewInt(9))
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RegistrySuite) TestGrantRevokeAccess() {
	s.mint(alice, 123)
	id := big.NewInt(123)
	whale := events.DataTypeHash("whale_data")

	has, err := s.reg.HasAccess(s.ctx, id, agentAddr, whale)
	s.Require().NoError(err)
	s.False(has)

	rc, err := s.reg.GrantAccess(s.ctx, alice, id, agentAddr, whale)
	s.Require().NoError(err)
	s.Equal("AccessGranted", rc.Logs[0].Event)
	s.Equal(whale.Hex(), rc.Logs[0].Args["dataTypeHash"])

	has, err = s.reg.HasAccess(s.ctx, id, agentAddr, whale)
	s.Require().NoError(err)
	s.True(has)

	other, err := s.reg.HasAccess(s.ctx, id, agentAddr, events.DataTypeHash("other"))
	s.Require().NoError(err)
	s.False(other)

	// idempotent
	_, err = s.reg.GrantAccess(s.ctx, alice, id, agentAddr, whale)
	s.Require().NoError(err)

	rc, err = s.reg.RevokeAccess(s.ctx, alice, id, agentAddr, whale)
	s.Require().NoError(err)
	s.Equal("AccessRevoked", rc.Logs[0].Event)
	has, err = s.reg.HasAccess(s.ctx, id, agentAddr, whale)
	s.Require().NoError(err)
	s.False(has)

	_, err = s.reg.RevokeAccess(s.ctx, alice, id, agentAddr, whale)
	s.Require().NoError(err)

	// grant -> revoke -> grant ends granted
	_, err = s.reg.GrantAccess(s.ctx, alice, id, agentAddr, whale)
	s.Require().NoError(err)
	has, err = s.reg.HasAccess(s.ctx, id, agentAddr, whale)
	s.Require().NoError(err)
	s.True(has)
}

func (s *RegistrySuite) TestGrantByNonOwnerFails() {
	s.mint(alice, 123)
	id := big.NewInt(123)
	x := events.DataTypeHash("x")

	_, err := s.reg.GrantAccess(s.ctx, alice, id, carol, x)
	s.Require().NoError(err)
	head, err := s.store.Head(s.ctx)
	s.Require().NoError(err)

	_, err = s.reg.GrantAccess(s.ctx, bob, id, bob, x)
	s.True(revert.HasKind(err, revert.Unauthorized))
	_, err = s.reg.RevokeAccess(s.ctx, bob, id, carol, x)
	s.True(revert.HasKind(err, revert.Unauthorized))

	// the failed calls changed nothing
	has, err := s.reg.HasAccess(s.ctx, id, bob, x)
	s.Require().NoError(err)
	s.False(has)
	has, err = s.reg.HasAccess(s.ctx, id, carol, x)
	s.Require().NoError(err)
	s.True(has)
	after, err := s.store.Head(s.ctx)
	s.Require().NoError(err)
	s.Equal(head, after)
	logs, err := s.store.Logs(s.ctx, state.LogFilter{FromSeq: head + 1})
	s.Require().NoError(err)
	s.Empty(logs)
}

func (s *RegistrySuite) TestTransferMovesMutationRights() {
	s.mint(alice, 123)
	id := big.NewInt(123)

	rc, err := s.reg.TransferFrom(s.ctx, alice, alice, bob, id)
	s.Require().NoError(err)
	s.Equal("Transfer", rc.Logs[0].Event)

	_, err = s.reg.UpdateProfile(s.ctx, alice, id, "old owner", "")
	s.True(revert.HasKind(err, revert.Unauthorized))
	_, err = s.reg.UpdateProfile(s.ctx, bob, id, "Bob", "")
	s.Require().NoError(err)

	p, err := s.reg.GetUserProfile(s.ctx, id)
	s.Require().NoError(err)
	s.Equal("Bob", p.Name)
	s.Equal(uint64(50), p.ReputationScore)
}

func (s *RegistrySuite) TestApprovedSpenderCanTransferOnce() {
	s.mint(alice, 7)
	id := big.NewInt(7)

	_, err := s.reg.TransferFrom(s.ctx, carol, alice, carol, id)
	s.True(revert.HasKind(err, revert.Unauthorized))

	_, err = s.reg.Approve(s.ctx, bob, carol, id)
	s.True(revert.HasKind(err, revert.Unauthorized))
	_, err = s.reg.Approve(s.ctx, alice, alice, id)
	s.True(revert.HasKind(err, revert.InvalidArgument))

	_, err = s.reg.Approve(s.ctx, alice, carol, id)
	s.Require().NoError(err)
	approved, err := s.reg.GetApproved(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(carol, approved)

	_, err = s.reg.TransferFrom(s.ctx, carol, alice, bob, id)
	s.Require().NoError(err)

	approved, err = s.reg.GetApproved(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(common.Address{}, approved)
	_, err = s.reg.TransferFrom(s.ctx, carol, bob, carol, id)
	s.True(revert.HasKind(err, revert.Unauthorized))
}

func (s *RegistrySuite) TestOperatorCanTransfer() {
	s.mint(alice, 7)
	s.mint(alice, 8)

	_, err := s.reg.SetApprovalForAll(s.ctx, alice, alice, true)
	s.True(revert.HasKind(err, revert.InvalidArgument))

	rc, err := s.reg.SetApprovalForAll(s.ctx, alice, carol, true)
	s.Require().NoError(err)
	s.Equal(true, rc.Logs[0].Args["approved"])

	ok, err := s.reg.IsApprovedForAll(s.ctx, alice, carol)
	s.Require().NoError(err)
	s.True(ok)

	_, err = s.reg.TransferFrom(s.ctx, carol, alice, bob, big.NewInt(8))
	s.Require().NoError(err)

	_, err = s.reg.SetApprovalForAll(s.ctx, alice, carol, false)
	s.Require().NoError(err)
	_, err = s.reg.TransferFrom(s.ctx, carol, alice, bob, big.NewInt(7))
	s.True(revert.HasKind(err, revert.Unauthorized))

	tokens, err := s.reg.TokensOf(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal([]*big.Int{big.NewInt(7)}, tokens)
}

func (s *RegistrySuite) TestTransferFromWrongOwner() {
	s.mint(alice, 7)
	_, err := s.reg.TransferFrom(s.ctx, alice, bob, carol, big.NewInt(7))
	s.True(revert.HasKind(err, revert.InvalidArgument))
	_, err = s.reg.TransferFrom(s.ctx, alice, alice, common.Address{}, big.NewInt(7))
	s.True(revert.HasKind(err, revert.InvalidArgument))
}

func TestLargeCarvIDRoundTrips(t *testing.T) {
	store, err := state.Open(filepath.Join(t.TempDir(), "big.db"))
	require.NoError(t, err)
	defer store.Close()
	reg, err := New(context.Background(), store, registryAddr)
	require.NoError(t, err)

	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	_, err = reg.Mint(context.Background(), alice, alice, huge, "", "max", "")
	require.NoError(t, err)
	id, err := reg.Identity(context.Background(), huge)
	require.NoError(t, err)
	require.Equal(t, 0, huge.Cmp(id.CarvID))
	require.Equal(t, "max", id.Profile.Name)
}
