package carvid

import (
	"context"
	"math/big"

	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
)

func (r *Registry) OwnerOf(ctx context.Context, carvID *big.Int) (common.Address, error) {
	id, err := r.Identity(ctx, carvID)
	return id.Owner, err
}

func (r *Registry) TokenURI(ctx context.Context, carvID *big.Int) (string, error) {
	id, err := r.Identity(ctx, carvID)
	return id.MetadataURI, err
}

func (r *Registry) GetApproved(ctx context.Context, carvID *big.Int) (common.Address, error) {
	id, err := r.Identity(ctx, carvID)
	return id.Approved, err
}

func (r *Registry) BalanceOf(ctx context.Context, owner common.Address) (uint64, error) {
	if owner == (common.Address{}) {
		return 0, revert.New(revert.InvalidArgument, "zero address is not a valid owner")
	}
	var n uint64
	err := r.store.View(ctx, func(tx *state.Tx) error {
		return tx.QueryRow("SELECT COUNT(*) FROM carvid_tokens WHERE owner = ?", owner.Hex()).Scan(&n)
	})
	return n, err
}

// TokensOf lists the ids owned by owner in mint order.
func (r *Registry) TokensOf(ctx context.Context, owner common.Address) ([]*big.Int, error) {
	out := []*big.Int{}
	err := r.store.View(ctx, func(tx *state.Tx) error {
		rows, err := tx.Query("SELECT carv_id FROM carvid_tokens WHERE owner = ? ORDER BY minted_seq", owner.Hex())
		if err != nil {
			return revert.Wrap(err, revert.Internal, "query tokens")
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return revert.Wrap(err, revert.Internal, "scan token")
			}
			id, ok := new(big.Int).SetString(key, 10)
			if !ok {
				return revert.Newf(revert.Internal, "corrupt carvId %q", key)
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

func isOperator(tx *state.Tx, owner, operator common.Address) (bool, error) {
	var one int
	err := tx.QueryRow("SELECT 1 FROM carvid_operators WHERE owner = ? AND operator = ?", owner.Hex(), operator.Hex()).Scan(&one)
	if state.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, revert.Wrap(err, revert.Internal, "load operator")
	}
	return true, nil
}

func (r *Registry) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	var ok bool
	err := r.store.View(ctx, func(tx *state.Tx) error {
		var err error
		ok, err = isOperator(tx, owner, operator)
		return err
	})
	return ok, err
}

// Approve lets to transfer carvID. Caller must be the owner or one of its operators.
func (r *Registry) Approve(ctx context.Context, caller, to common.Address, carvID *big.Int) (*state.Receipt, error) {
	key, err := tokenKey(carvID)
	if err != nil {
		return nil, err
	}
	return r.store.Transact(ctx, caller, "approve", func(tx *state.Tx) error {
		tok, err := loadToken(tx, key)
		if err != nil {
			return err
		}
		if to == tok.owner {
			return revert.New(revert.InvalidArgument, "approval to current owner")
		}
		if caller != tok.owner {
			op, err := isOperator(tx, tok.owner, caller)
			if err != nil {
				return err
			}
			if !op {
				return revert.Newf(revert.Unauthorized, "caller %s may not approve carvId %s", caller.Hex(), key)
			}
		}
		approved := ""
		if to != (common.Address{}) {
			approved = to.Hex()
		}
		if _, err := tx.Exec("UPDATE carvid_tokens SET approved = ? WHERE carv_id = ?", approved, key); err != nil {
			return revert.Wrap(err, revert.Internal, "store approval")
		}
		return r.emit(tx, "Approval", tok.owner, to, carvID)
	})
}

func (r *Registry) SetApprovalForAll(ctx context.Context, caller, operator common.Address, approved bool) (*state.Receipt, error) {
	if operator == caller {
		return nil, revert.New(revert.InvalidArgument, "approve to caller")
	}
	return r.store.Transact(ctx, caller, "setApprovalForAll", func(tx *state.Tx) error {
		var err error
		if approved {
			_, err = tx.Exec("INSERT OR IGNORE INTO carvid_operators (owner, operator) VALUES (?, ?)", caller.Hex(), operator.Hex())
		} else {
			_, err = tx.Exec("DELETE FROM carvid_operators WHERE owner = ? AND operator = ?", caller.Hex(), operator.Hex())
		}
		if err != nil {
			return revert.Wrap(err, revert.Internal, "store operator")
		}
		return r.emit(tx, "ApprovalForAll", caller, operator, approved)
	})
}

// TransferFrom moves carvID from its owner to to. Profile mutation rights
// follow the token immediately.
func (r *Registry) TransferFrom(ctx context.Context, caller, from, to common.Address, carvID *big.Int) (*state.Receipt, error) {
	key, err := tokenKey(carvID)
	if err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, revert.New(revert.InvalidArgument, "transfer to the zero address")
	}
	rc, err := r.store.Transact(ctx, caller, "transferFrom", func(tx *state.Tx) error {
		tok, err := loadToken(tx, key)
		if err != nil {
			return err
		}
		if tok.owner != from {
			return revert.Newf(revert.InvalidArgument, "carvId %s is not owned by %s", key, from.Hex())
		}
		approved := tok.approved != (common.Address{}) && caller == tok.approved
		if caller != tok.owner && !approved {
			op, err := isOperator(tx, tok.owner, caller)
			if err != nil {
				return err
			}
			if !op {
				return revert.Newf(revert.Unauthorized, "caller %s may not transfer carvId %s", caller.Hex(), key)
			}
		}
		if _, err := tx.Exec("UPDATE carvid_tokens SET owner = ?, approved = '' WHERE carv_id = ?", to.Hex(), key); err != nil {
			return revert.Wrap(err, revert.Internal, "transfer token")
		}
		return r.emit(tx, "Transfer", from, to, carvID)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("identity transferred", "carvId", key, "from", from.Hex(), "to", to.Hex())
	return rc, nil
}
