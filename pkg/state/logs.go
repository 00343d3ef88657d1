package state

import (
	"context"
	"encoding/json"
	"strings"

	"agentforge/pkg/events"
	"agentforge/pkg/revert"

	"github.com/ethereum/go-ethereum/common"
)

const defaultLogLimit = 500

// LogFilter selects committed logs. Zero values match everything.
// FromIndex skips the first logs of FromSeq so a reader can resume inside a
// transaction. Contract matches case-insensitively, Event exactly.
type LogFilter struct {
	FromSeq   uint64
	FromIndex uint
	Contract  string
	Event     string
	Limit     int
}

// MatchLog applies f's contract and event selection to one log.
func (f LogFilter) MatchLog(lg events.Log) bool {
	if f.Contract != "" && !strings.EqualFold(f.Contract, lg.Contract) {
		return false
	}
	return f.Event == "" || f.Event == lg.Event
}

// Logs returns committed logs in emission order.
func (s *Store) Logs(ctx context.Context, f LogFilter) ([]events.Log, error) {
	var where []string
	var args []interface{}
	switch {
	case f.FromIndex > 0:
		where = append(where, "(seq > ? OR (seq = ? AND log_index >= ?))")
		args = append(args, f.FromSeq, f.FromSeq, f.FromIndex)
	case f.FromSeq > 0:
		where = append(where, "seq >= ?")
		args = append(args, f.FromSeq)
	}
	if f.Contract != "" {
		where = append(where, "contract = ? COLLATE NOCASE")
		args = append(args, f.Contract)
	}
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, f.Event)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	query := "SELECT seq, log_index, tx_hash, contract, address, event, topics, data, args FROM logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq, log_index LIMIT ?"
	args = append(args, limit)

	var out []events.Log
	err := s.View(ctx, func(t *Tx) error {
		rows, err := t.Query(query, args...)
		if err != nil {
			return revert.Wrap(err, revert.Internal, "query logs")
		}
		defer rows.Close()
		for rows.Next() {
			var (
				lg             events.Log
				txHash, addr   string
				topics, argsJS string
				data           []byte
			)
			if err := rows.Scan(&lg.Seq, &lg.Index, &txHash, &lg.Contract, &addr, &lg.Event, &topics, &data, &argsJS); err != nil {
				return revert.Wrap(err, revert.Internal, "scan log")
			}
			lg.TxHash = common.HexToHash(txHash)
			lg.Address = common.HexToAddress(addr)
			lg.Data = data
			if err := json.Unmarshal([]byte(topics), &lg.Topics); err != nil {
				return revert.Wrap(err, revert.Internal, "decode topics")
			}
			if err := json.Unmarshal([]byte(argsJS), &lg.Args); err != nil {
				return revert.Wrap(err, revert.Internal, "decode args")
			}
			out = append(out, lg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []events.Log{}
	}
	return out, nil
}

// Head returns the sequence number of the last committed transaction.
func (s *Store) Head(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.View(ctx, func(t *Tx) error {
		return t.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM transactions").Scan(&seq)
	})
	return seq, err
}

// Cursor returns the last sequence delivered by the named consumer.
func (s *Store) Cursor(ctx context.Context, name string) (uint64, error) {
	var seq uint64
	err := s.View(ctx, func(t *Tx) error {
		err := t.QueryRow("SELECT seq FROM relay_cursor WHERE name = ?", name).Scan(&seq)
		if IsNoRows(err) {
			return nil
		}
		return err
	})
	return seq, err
}

// SetCursor advances the named consumer; it never moves backwards.
func (s *Store) SetCursor(ctx context.Context, name string, seq uint64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_cursor (name, seq) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = MAX(seq, excluded.seq)`, name, seq)
	return err
}
