// Package marketplace implements the agent registry: listings owned by a
// creator, searchable by keyword and callable for an exact per-call price.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"agentforge/pkg/events"
	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	primary_goal TEXT NOT NULL,
	carv_id TEXT NOT NULL,
	keywords TEXT NOT NULL,
	price_per_call TEXT NOT NULL,
	receiver TEXT NOT NULL,
	creator TEXT NOT NULL,
	is_active INTEGER NOT NULL,
	total_calls INTEGER NOT NULL DEFAULT 0,
	total_earnings TEXT NOT NULL DEFAULT '0'
);
CREATE INDEX IF NOT EXISTS idx_agents_creator ON agents(creator, agent_id);
CREATE INDEX IF NOT EXISTS idx_agents_carv_id ON agents(carv_id, agent_id);
CREATE TABLE IF NOT EXISTS agent_keywords (
	pos INTEGER PRIMARY KEY AUTOINCREMENT,
	keyword TEXT NOT NULL,
	agent_id INTEGER NOT NULL,
	UNIQUE (keyword, agent_id)
);
`

// Agent is the full record of a listing.
type Agent struct {
	AgentID         uint64         `json:"agentId"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	PrimaryGoal     string         `json:"primaryGoal"`
	CarvID          *big.Int       `json:"carvId"`
	Keywords        []string       `json:"keywords"`
	PricePerCall    *big.Int       `json:"pricePerCall"`
	ReceiverAddress common.Address `json:"receiverAddress"`
	Creator         common.Address `json:"creator"`
	IsActive        bool           `json:"isActive"`
	TotalCalls      uint64         `json:"totalCalls"`
	TotalEarnings   *big.Int       `json:"totalEarnings"`
}

// Params are the caller supplied fields of a listing. CarvID is fixed at
// registration and ignored by UpdateAgent.
type Params struct {
	Name            string
	Description     string
	PrimaryGoal     string
	CarvID          *big.Int
	Keywords        []string
	PricePerCall    *big.Int
	ReceiverAddress common.Address
}

// Registry is the agent registry bound to a store.
type Registry struct {
	store    *state.Store
	contract events.Contract
	logger   *slog.Logger
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(ctx context.Context, store *state.Store, address common.Address, opts ...Option) (*Registry, error) {
	if err := store.EnsureSchema(ctx, schema); err != nil {
		return nil, fmt.Errorf("marketplace: %w", err)
	}
	r := &Registry{
		store:    store,
		contract: events.Agent(address),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) Address() common.Address { return r.contract.Address }

func (r *Registry) emit(tx *state.Tx, event string, args ...interface{}) error {
	lg, err := r.contract.Encode(event, args...)
	if err != nil {
		return revert.Wrap(err, revert.Internal, "encode "+event)
	}
	return tx.Emit(lg)
}

func idArg(id uint64) *big.Int { return new(big.Int).SetUint64(id) }

// RegisterAgent lists a new agent owned by caller and returns its id.
func (r *Registry) RegisterAgent(ctx context.Context, caller common.Address, p Params) (uint64, *state.Receipt, error) {
	carvKey, err := state.FormatU256(orZero(p.CarvID))
	if err != nil {
		return 0, nil, err
	}
	price, err := state.ToU256(p.PricePerCall)
	if err != nil {
		return 0, nil, err
	}
	keywords, err := json.Marshal(nonNil(p.Keywords))
	if err != nil {
		return 0, nil, revert.Wrap(err, revert.Internal, "encode keywords")
	}

	var id uint64
	rc, err := r.store.Transact(ctx, caller, "registerAgent", func(tx *state.Tx) error {
		var last uint64
		if err := tx.QueryRow("SELECT COALESCE(MAX(agent_id), 0) FROM agents").Scan(&last); err != nil {
			return revert.Wrap(err, revert.Internal, "allocate agent id")
		}
		id = last + 1
		if _, err := tx.Exec(`
			INSERT INTO agents (agent_id, name, description, primary_goal, carv_id, keywords,
				price_per_call, receiver, creator, is_active, total_calls, total_earnings)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, '0')`,
			id, p.Name, p.Description, p.PrimaryGoal, carvKey, string(keywords),
			price.Dec(), p.ReceiverAddress.Hex(), caller.Hex()); err != nil {
			return revert.Wrap(err, revert.Internal, "insert agent")
		}
		if err := indexKeywords(tx, id, nil, p.Keywords); err != nil {
			return err
		}
		return r.emit(tx, "AgentRegistered", idArg(id), p.Name, caller, orZero(p.CarvID))
	})
	if err != nil {
		return 0, nil, err
	}
	r.logger.Info("agent registered", "agentId", id, "creator", caller.Hex(), "price", price.Dec())
	return id, rc, nil
}

// UpdateAgent overwrites every mutable field and reconciles the keyword index.
func (r *Registry) UpdateAgent(ctx context.Context, caller common.Address, agentID uint64, p Params) (*state.Receipt, error) {
	price, err := state.ToU256(p.PricePerCall)
	if err != nil {
		return nil, err
	}
	keywords, err := json.Marshal(nonNil(p.Keywords))
	if err != nil {
		return nil, revert.Wrap(err, revert.Internal, "encode keywords")
	}
	return r.store.Transact(ctx, caller, "updateAgent", func(tx *state.Tx) error {
		current, err := loadAgent(tx, agentID)
		if err != nil {
			return err
		}
		if current.Creator != caller {
			return revert.Newf(revert.Unauthorized, "caller %s is not the creator of agent %d", caller.Hex(), agentID)
		}
		if _, err := tx.Exec(`
			UPDATE agents SET name = ?, description = ?, primary_goal = ?, keywords = ?,
				price_per_call = ?, receiver = ?
			WHERE agent_id = ?`,
			p.Name, p.Description, p.PrimaryGoal, string(keywords), price.Dec(), p.ReceiverAddress.Hex(), agentID); err != nil {
			return revert.Wrap(err, revert.Internal, "update agent")
		}
		if err := indexKeywords(tx, agentID, current.Keywords, p.Keywords); err != nil {
			return err
		}
		return r.emit(tx, "AgentUpdated", idArg(agentID), p.Name, price.ToBig(), p.ReceiverAddress)
	})
}

// DeactivateAgent stops an agent from accepting calls. Creator only.
func (r *Registry) DeactivateAgent(ctx context.Context, caller common.Address, agentID uint64) (*state.Receipt, error) {
	return r.setActive(ctx, caller, agentID, false)
}

// ReactivateAgent undoes DeactivateAgent. Creator only.
func (r *Registry) ReactivateAgent(ctx context.Context, caller common.Address, agentID uint64) (*state.Receipt, error) {
	return r.setActive(ctx, caller, agentID, true)
}

func (r *Registry) setActive(ctx context.Context, caller common.Address, agentID uint64, active bool) (*state.Receipt, error) {
	method := "deactivateAgent"
	if active {
		method = "reactivateAgent"
	}
	return r.store.Transact(ctx, caller, method, func(tx *state.Tx) error {
		current, err := loadAgent(tx, agentID)
		if err != nil {
			return err
		}
		if current.Creator != caller {
			return revert.Newf(revert.Unauthorized, "caller %s is not the creator of agent %d", caller.Hex(), agentID)
		}
		if _, err := tx.Exec("UPDATE agents SET is_active = ? WHERE agent_id = ?", active, agentID); err != nil {
			return revert.Wrap(err, revert.Internal, "update agent status")
		}
		return r.emit(tx, "AgentStatusChanged", idArg(agentID), active)
	})
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
