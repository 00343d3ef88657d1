package state

import (
	"context"
	"math/big"
	"testing"

	"agentforge/pkg/revert"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMovesFunds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Fund(ctx, alice, ether(2))
	require.NoError(t, err)

	_, err = s.Send(ctx, alice, bob, ether(1))
	require.NoError(t, err)

	a, _ := s.Account(ctx, alice)
	b, _ := s.Account(ctx, bob)
	assert.Equal(t, ether(1), a.Balance)
	assert.Equal(t, ether(1), b.Balance)
}

func TestSendInsufficientFunds(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Send(context.Background(), alice, bob, big.NewInt(1))
	assert.True(t, revert.HasKind(err, revert.InsufficientFunds))
}

func TestSendToRejectingAccountFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Fund(ctx, alice, ether(1))
	require.NoError(t, err)
	require.NoError(t, s.MarkRejecting(ctx, carol, true))

	_, err = s.Send(ctx, alice, carol, ether(1))
	assert.True(t, revert.HasKind(err, revert.TransferFailed))
	_, err = s.Send(ctx, alice, carol, big.NewInt(0))
	assert.True(t, revert.HasKind(err, revert.TransferFailed))

	a, _ := s.Account(ctx, alice)
	assert.Equal(t, ether(1), a.Balance)
	c, _ := s.Account(ctx, carol)
	assert.True(t, c.RejectsPayments)
	assert.Equal(t, int64(0), c.Balance.Int64())
}

func TestSendRejectsNegativeAmount(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Send(context.Background(), alice, bob, big.NewInt(-1))
	assert.True(t, revert.HasKind(err, revert.InvalidArgument))
}

func TestCreditOverflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	maxU256 := new(uint256.Int).SetAllOne()
	_, err := s.Fund(ctx, alice, maxU256.ToBig())
	require.NoError(t, err)
	_, err = s.Fund(ctx, alice, big.NewInt(1))
	assert.True(t, revert.HasKind(err, revert.ArithmeticOverflow))
}

func TestApplyGenesisOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	allocs := []Allocation{{Address: alice, Balance: ether(10)}, {Address: bob, Balance: ether(3)}}

	applied, err := s.ApplyGenesis(ctx, allocs)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = s.ApplyGenesis(ctx, allocs)
	require.NoError(t, err)
	assert.False(t, applied)

	a, _ := s.Account(ctx, alice)
	assert.Equal(t, ether(10), a.Balance)
}

func TestParseBig(t *testing.T) {
	v, err := ParseBig("0x10")
	require.NoError(t, err)
	assert.Equal(t, int64(16), v.Int64())

	_, err = ParseBig("nope")
	assert.True(t, revert.HasKind(err, revert.InvalidArgument))

	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = ParseBig(tooBig.String())
	assert.True(t, revert.HasKind(err, revert.InvalidArgument))
}

func TestParseWeiUnits(t *testing.T) {
	cases := map[string]string{
		"100":       "100",
		"0x64":      "100",
		"5 gwei":    "5000000000",
		"0.1 ether": "100000000000000000",
		"2ETH":      "2000000000000000000",
		"7wei":      "7",
	}
	for in, want := range cases {
		got, err := ParseWei(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}

	_, err := ParseWei("0.5 wei")
	assert.True(t, revert.HasKind(err, revert.InvalidArgument))
	_, err = ParseWei("-1 ether")
	assert.True(t, revert.HasKind(err, revert.InvalidArgument))
	_, err = ParseWei("lots ether")
	assert.True(t, revert.HasKind(err, revert.InvalidArgument))
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0.1", FormatEther(big.NewInt(100_000_000_000_000_000)))
	assert.Equal(t, "2", FormatEther(ether(2)))
	assert.Equal(t, "0", FormatEther(big.NewInt(0)))
	assert.Equal(t, "0.000000000000000001", FormatEther(big.NewInt(1)))
}
