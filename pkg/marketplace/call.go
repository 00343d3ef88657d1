package marketplace

import (
	"context"
	"math"
	"math/big"

	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
)

// CallAgent pays for one call of agentID. value must equal the listed price
// exactly and is forwarded in full to the receiver. Either the payment moves
// and the counters advance, or nothing changes.
func (r *Registry) CallAgent(ctx context.Context, payer common.Address, agentID uint64, value *big.Int) (*state.Receipt, error) {
	amount, err := state.ToU256(value)
	if err != nil {
		return nil, err
	}
	rc, err := r.store.Transact(ctx, payer, "callAgent", func(tx *state.Tx) error {
		a, err := loadAgent(tx, agentID)
		if err != nil {
			return err
		}
		price, err := state.ToU256(a.PricePerCall)
		if err != nil {
			return err
		}
		if !amount.Eq(price) {
			return revert.Newf(revert.InvalidPayment, "agent %d costs %s wei, got %s", agentID, price.Dec(), amount.Dec())
		}
		if !a.IsActive {
			return revert.Newf(revert.AgentInactive, "agent %d is not active", agentID)
		}
		if err := tx.Transfer(payer, a.ReceiverAddress, amount); err != nil {
			return err
		}

		earned, err := state.ToU256(a.TotalEarnings)
		if err != nil {
			return err
		}
		earned, err = state.CheckedAdd(earned, amount)
		if err != nil {
			return err
		}
		if a.TotalCalls >= math.MaxInt64 {
			return revert.New(revert.ArithmeticOverflow, "call counter overflow")
		}
		if _, err := tx.Exec("UPDATE agents SET total_calls = ?, total_earnings = ? WHERE agent_id = ?",
			int64(a.TotalCalls+1), earned.Dec(), agentID); err != nil {
			return revert.Wrap(err, revert.Internal, "update counters")
		}
		return r.emit(tx, "AgentCalled", idArg(agentID), payer, amount.ToBig())
	})
	if err != nil {
		return nil, err
	}
	wei, _ := new(big.Float).SetInt(amount.ToBig()).Float64()
	r.store.Metrics().AddValueForwarded(wei)
	r.logger.Info("agent called", "agentId", agentID, "payer", payer.Hex(), "amount", amount.Dec())
	return rc, nil
}
