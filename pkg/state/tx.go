package state

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentforge/pkg/events"
	"agentforge/pkg/revert"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("agentforge/state")

// Receipt describes one committed transaction.
type Receipt struct {
	TxHash common.Hash    `json:"txHash"`
	Seq    uint64         `json:"seq"`
	From   common.Address `json:"from"`
	Method string         `json:"method"`
	Time   int64          `json:"time"`
	Logs   []events.Log   `json:"logs"`
}

// Tx is the view of the store a single call executes against.
type Tx struct {
	ctx      context.Context
	tx       *sql.Tx
	seq      uint64
	hash     common.Hash
	from     common.Address
	readOnly bool
	logs     []events.Log
}

func (t *Tx) Context() context.Context { return t.ctx }

// From is the caller of the transaction.
func (t *Tx) From() common.Address { return t.from }

func (t *Tx) Seq() uint64 { return t.seq }

func (t *Tx) Exec(query string, args ...interface{}) (sql.Result, error) {
	if t.readOnly {
		return nil, revert.New(revert.Internal, "write in read-only view")
	}
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Tx) QueryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// Emit appends a log to the transaction. It is persisted only if the
// transaction commits.
func (t *Tx) Emit(lg events.Log) error {
	if t.readOnly {
		return revert.New(revert.Internal, "emit in read-only view")
	}
	lg.Seq = t.seq
	lg.TxHash = t.hash
	lg.Index = uint(len(t.logs))
	t.logs = append(t.logs, lg)
	return nil
}

// TxHash derives the hash of transaction seq sent by from calling method.
func TxHash(seq uint64, from common.Address, method string) common.Hash {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return crypto.Keccak256Hash(seqBytes[:], from.Bytes(), []byte(method))
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.txTimeout)
}

// Transact runs fn as one atomic call by from. Any error from fn rolls back
// every write and every emitted log.
func (s *Store) Transact(ctx context.Context, from common.Address, method string, fn func(*Tx) error) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, revert.Wrap(err, revert.Internal, "transaction aborted: context cancelled")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "state.Transact", trace.WithAttributes(
		attribute.String("method", method),
		attribute.String("from", from.Hex()),
	))
	defer span.End()

	start := time.Now()
	rc, err := s.transact(ctx, from, method, fn)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		kind := revert.KindOf(err)
		s.metrics.ObserveTransaction(method, "reverted", elapsed)
		s.metrics.IncrementRevert(string(kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		s.logger.Debug("transaction reverted", "method", method, "from", from.Hex(), "kind", kind, "error", err)
		return nil, err
	}
	s.metrics.ObserveTransaction(method, "ok", elapsed)
	for _, lg := range rc.Logs {
		s.metrics.IncrementLogs(lg.Contract, lg.Event)
	}
	span.SetAttributes(attribute.Int64("seq", int64(rc.Seq)), attribute.Int("logs", len(rc.Logs)))
	s.logger.Debug("transaction committed", "method", method, "seq", rc.Seq, "tx", rc.TxHash.Hex(), "logs", len(rc.Logs))

	s.notify(*rc)
	return rc, nil
}

func (s *Store) transact(ctx context.Context, from common.Address, method string, fn func(*Tx) error) (*Receipt, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, revert.Wrap(err, revert.Internal, "begin transaction")
	}
	defer func() {
		_ = sqlTx.Rollback() // no-op after commit
	}()

	var last uint64
	if err := sqlTx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM transactions").Scan(&last); err != nil {
		return nil, revert.Wrap(err, revert.Internal, "allocate sequence")
	}
	seq := last + 1
	t := &Tx{ctx: ctx, tx: sqlTx, seq: seq, hash: TxHash(seq, from, method), from: from}

	if err := fn(t); err != nil {
		return nil, err
	}

	now := s.now().Unix()
	if _, err := sqlTx.ExecContext(ctx,
		"INSERT INTO transactions (seq, tx_hash, sender, method, created_at) VALUES (?, ?, ?, ?, ?)",
		seq, t.hash.Hex(), from.Hex(), method, now); err != nil {
		return nil, revert.Wrap(err, revert.Internal, "record transaction")
	}
	for _, lg := range t.logs {
		if err := insertLog(ctx, sqlTx, lg); err != nil {
			return nil, err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, revert.Wrap(err, revert.Internal, "commit transaction")
	}
	return &Receipt{TxHash: t.hash, Seq: seq, From: from, Method: method, Time: now, Logs: t.logs}, nil
}

// View runs fn against a consistent snapshot without allowing writes.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return revert.Wrap(err, revert.Internal, "begin view")
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()
	return fn(&Tx{ctx: ctx, tx: sqlTx, readOnly: true})
}

func insertLog(ctx context.Context, tx *sql.Tx, lg events.Log) error {
	topics, err := json.Marshal(lg.Topics)
	if err != nil {
		return revert.Wrap(err, revert.Internal, "encode topics")
	}
	args, err := json.Marshal(lg.Args)
	if err != nil {
		return revert.Wrap(err, revert.Internal, "encode args")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO logs (seq, log_index, tx_hash, contract, address, event, topics, data, args)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lg.Seq, lg.Index, lg.TxHash.Hex(), lg.Contract, lg.Address.Hex(), lg.Event, string(topics), []byte(lg.Data), string(args))
	if err != nil {
		return revert.Wrap(err, revert.Internal, fmt.Sprintf("persist %s log", lg.Event))
	}
	return nil
}

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
