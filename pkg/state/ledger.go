package state

import (
	"context"
	"math/big"

	"agentforge/pkg/revert"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Allocation is a genesis balance.
type Allocation struct {
	Address common.Address
	Balance *big.Int
}

func (t *Tx) account(addr common.Address) (*uint256.Int, bool, error) {
	var bal string
	var rejects bool
	err := t.QueryRow("SELECT balance, rejects_payments FROM accounts WHERE address = ?", addr.Hex()).Scan(&bal, &rejects)
	if IsNoRows(err) {
		return new(uint256.Int), false, nil
	}
	if err != nil {
		return nil, false, revert.Wrap(err, revert.Internal, "load account")
	}
	z, err := ParseU256(bal)
	if err != nil {
		return nil, false, err
	}
	return z, rejects, nil
}

func (t *Tx) setBalance(addr common.Address, bal *uint256.Int) error {
	_, err := t.Exec(`
		INSERT INTO accounts (address, balance) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET balance = excluded.balance`,
		addr.Hex(), bal.Dec())
	if err != nil {
		return revert.Wrap(err, revert.Internal, "store balance")
	}
	return nil
}

func (t *Tx) Balance(addr common.Address) (*uint256.Int, error) {
	bal, _, err := t.account(addr)
	return bal, err
}

func (t *Tx) RejectsPayments(addr common.Address) (bool, error) {
	_, rejects, err := t.account(addr)
	return rejects, err
}

// Credit adds amount to addr. An account flagged as rejecting payments
// fails with TransferFailed, even for a zero amount.
func (t *Tx) Credit(addr common.Address, amount *uint256.Int) error {
	bal, rejects, err := t.account(addr)
	if err != nil {
		return err
	}
	if rejects {
		return revert.Newf(revert.TransferFailed, "receiver %s rejected the transfer", addr.Hex())
	}
	next, err := CheckedAdd(bal, amount)
	if err != nil {
		return err
	}
	return t.setBalance(addr, next)
}

func (t *Tx) Debit(addr common.Address, amount *uint256.Int) error {
	bal, _, err := t.account(addr)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return revert.Newf(revert.InsufficientFunds, "balance of %s is %s, need %s", addr.Hex(), bal.Dec(), amount.Dec())
	}
	return t.setBalance(addr, new(uint256.Int).Sub(bal, amount))
}

// Transfer moves amount from one account to another.
func (t *Tx) Transfer(from, to common.Address, amount *uint256.Int) error {
	if err := t.Debit(from, amount); err != nil {
		return err
	}
	return t.Credit(to, amount)
}

func (t *Tx) SetRejectsPayments(addr common.Address, rejects bool) error {
	_, err := t.Exec(`
		INSERT INTO accounts (address, rejects_payments) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET rejects_payments = excluded.rejects_payments`,
		addr.Hex(), rejects)
	if err != nil {
		return revert.Wrap(err, revert.Internal, "store account flag")
	}
	return nil
}

// Account is the public view of a ledger entry.
type Account struct {
	Address         common.Address `json:"address"`
	Balance         *big.Int       `json:"balance"`
	RejectsPayments bool           `json:"rejectsPayments"`
}

func (s *Store) Account(ctx context.Context, addr common.Address) (Account, error) {
	acct := Account{Address: addr}
	err := s.View(ctx, func(t *Tx) error {
		bal, rejects, err := t.account(addr)
		if err != nil {
			return err
		}
		acct.Balance = bal.ToBig()
		acct.RejectsPayments = rejects
		return nil
	})
	return acct, err
}

// Send is a plain value transfer between two accounts.
func (s *Store) Send(ctx context.Context, from, to common.Address, value *big.Int) (*Receipt, error) {
	amount, err := ToU256(value)
	if err != nil {
		return nil, err
	}
	return s.Transact(ctx, from, "send", func(t *Tx) error {
		return t.Transfer(from, to, amount)
	})
}

// Fund mints value to addr out of thin air. It backs the development faucet.
func (s *Store) Fund(ctx context.Context, to common.Address, value *big.Int) (*Receipt, error) {
	amount, err := ToU256(value)
	if err != nil {
		return nil, err
	}
	return s.Transact(ctx, common.Address{}, "fund", func(t *Tx) error {
		bal, _, err := t.account(to)
		if err != nil {
			return err
		}
		next, err := CheckedAdd(bal, amount)
		if err != nil {
			return err
		}
		return t.setBalance(to, next)
	})
}

// MarkRejecting flags addr as an account whose payment hook always reverts.
func (s *Store) MarkRejecting(ctx context.Context, addr common.Address, rejects bool) error {
	_, err := s.Transact(ctx, common.Address{}, "setRejectsPayments", func(t *Tx) error {
		return t.SetRejectsPayments(addr, rejects)
	})
	return err
}

// ApplyGenesis credits allocs once per database. Later calls are no-ops.
func (s *Store) ApplyGenesis(ctx context.Context, allocs []Allocation) (bool, error) {
	applied := false
	_, err := s.Transact(ctx, common.Address{}, "genesis", func(t *Tx) error {
		var marker string
		err := t.QueryRow("SELECT value FROM meta WHERE key = 'genesis'").Scan(&marker)
		if err == nil {
			return nil
		}
		if !IsNoRows(err) {
			return revert.Wrap(err, revert.Internal, "load genesis marker")
		}
		for _, a := range allocs {
			amount, err := ToU256(a.Balance)
			if err != nil {
				return err
			}
			bal, _, err := t.account(a.Address)
			if err != nil {
				return err
			}
			next, err := CheckedAdd(bal, amount)
			if err != nil {
				return err
			}
			if err := t.setBalance(a.Address, next); err != nil {
				return err
			}
		}
		if _, err := t.Exec("INSERT INTO meta (key, value) VALUES ('genesis', 'applied')"); err != nil {
			return revert.Wrap(err, revert.Internal, "store genesis marker")
		}
		applied = true
		return nil
	})
	return applied, err
}
