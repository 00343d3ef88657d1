package marketplace

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"

	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
)

const agentColumns = `agent_id, name, description, primary_goal, carv_id, keywords,
	price_per_call, receiver, creator, is_active, total_calls, total_earnings`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (Agent, error) {
	var (
		a                               Agent
		carvID, keywords, price, earned string
		receiver, creator               string
		totalCalls                      int64
	)
	if err := row.Scan(&a.AgentID, &a.Name, &a.Description, &a.PrimaryGoal, &carvID, &keywords,
		&price, &receiver, &creator, &a.IsActive, &totalCalls, &earned); err != nil {
		return Agent{}, err
	}
	if err := json.Unmarshal([]byte(keywords), &a.Keywords); err != nil {
		return Agent{}, revert.Wrap(err, revert.Internal, "decode keywords")
	}
	for _, v := range []struct {
		src string
		dst **big.Int
	}{{carvID, &a.CarvID}, {price, &a.PricePerCall}, {earned, &a.TotalEarnings}} {
		z, err := state.ParseU256(v.src)
		if err != nil {
			return Agent{}, err
		}
		*v.dst = z.ToBig()
	}
	a.ReceiverAddress = common.HexToAddress(receiver)
	a.Creator = common.HexToAddress(creator)
	a.TotalCalls = uint64(totalCalls)
	return a, nil
}

// loadAgent reads the current record inside tx, so creator checks and the
// price seen by CallAgent are never stale.
func loadAgent(tx *state.Tx, agentID uint64) (Agent, error) {
	a, err := scanAgent(tx.QueryRow("SELECT "+agentColumns+" FROM agents WHERE agent_id = ?", agentID))
	if err == sql.ErrNoRows {
		return Agent{}, revert.Newf(revert.NotFound, "agent %d does not exist", agentID)
	}
	if err != nil {
		return Agent{}, revert.Wrap(err, revert.Internal, "load agent")
	}
	return a, nil
}

func (r *Registry) GetAgent(ctx context.Context, agentID uint64) (Agent, error) {
	var a Agent
	err := r.store.View(ctx, func(tx *state.Tx) error {
		var err error
		a, err = loadAgent(tx, agentID)
		return err
	})
	return a, err
}

func (r *Registry) ids(ctx context.Context, query string, args ...interface{}) ([]uint64, error) {
	out := []uint64{}
	err := r.store.View(ctx, func(tx *state.Tx) error {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return revert.Wrap(err, revert.Internal, "query agent ids")
		}
		defer rows.Close()
		for rows.Next() {
			var id uint64
			if err := rows.Scan(&id); err != nil {
				return revert.Wrap(err, revert.Internal, "scan agent id")
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchAgentsByKeyword matches keyword case-insensitively and exactly, in
// the order agents were indexed under it.
func (r *Registry) SearchAgentsByKeyword(ctx context.Context, keyword string) ([]uint64, error) {
	term := NormalizeKeyword(keyword)
	if term == "" {
		return []uint64{}, nil
	}
	return r.ids(ctx, "SELECT agent_id FROM agent_keywords WHERE keyword = ? ORDER BY pos", term)
}

func (r *Registry) GetAgentsByCreator(ctx context.Context, creator common.Address) ([]uint64, error) {
	return r.ids(ctx, "SELECT agent_id FROM agents WHERE creator = ? ORDER BY agent_id", creator.Hex())
}

func (r *Registry) GetAgentsByCarvId(ctx context.Context, carvID *big.Int) ([]uint64, error) {
	key, err := state.FormatU256(orZero(carvID))
	if err != nil {
		return nil, err
	}
	return r.ids(ctx, "SELECT agent_id FROM agents WHERE carv_id = ? ORDER BY agent_id", key)
}

func (r *Registry) AgentCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := r.store.View(ctx, func(tx *state.Tx) error {
		return tx.QueryRow("SELECT COUNT(*) FROM agents").Scan(&n)
	})
	return n, err
}

// ListAgents pages through all agents by id.
func (r *Registry) ListAgents(ctx context.Context, offset, limit int) ([]Agent, error) {
	if offset < 0 || limit < 0 {
		return nil, revert.New(revert.InvalidArgument, "offset and limit must be non-negative")
	}
	if limit == 0 || limit > 200 {
		limit = 200
	}
	out := []Agent{}
	err := r.store.View(ctx, func(tx *state.Tx) error {
		rows, err := tx.Query("SELECT "+agentColumns+" FROM agents ORDER BY agent_id LIMIT ? OFFSET ?", limit, offset)
		if err != nil {
			return revert.Wrap(err, revert.Internal, "list agents")
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return revert.Wrap(err, revert.Internal, "scan agent")
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
