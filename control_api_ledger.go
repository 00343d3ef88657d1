package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"agentforge/pkg/events"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer       = 256
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

type accountView struct {
	Address         common.Address `json:"address"`
	Balance         string         `json:"balance"`
	BalanceEther    string         `json:"balanceEther"`
	RejectsPayments bool           `json:"rejectsPayments"`
}

func (c *controlAPIServer) registerLedgerRoutes(r chi.Router) {
	r.Get("/accounts/{address}", c.handleAccount)
	r.Post("/accounts/send", c.handleSend)
	r.Post("/accounts/fund", c.handleFund)
	r.Get("/logs", c.handleLogs)
	r.Get("/logs/stream", c.handleLogStream)
}

func (c *controlAPIServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	acct, err := c.node.store.Account(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{
		Address:         acct.Address,
		Balance:         acct.Balance.String(),
		BalanceEther:    state.FormatEther(acct.Balance),
		RejectsPayments: acct.RejectsPayments,
	})
}

type valueRequest struct {
	To    string `json:"to" validate:"required,eth_addr"`
	Value string `json:"value" validate:"notblank"`
}

func (c *controlAPIServer) handleSend(w http.ResponseWriter, r *http.Request) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	var req valueRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	value, err := state.ParseWei(req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	rc, err := c.node.store.Send(r.Context(), caller, common.HexToAddress(req.To), value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tx": rc})
}

func (c *controlAPIServer) handleFund(w http.ResponseWriter, r *http.Request) {
	if !c.node.cfg.FaucetEnabled {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "faucet is disabled"})
		return
	}
	var req valueRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	value, err := state.ParseWei(req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	if max := c.node.cfg.FaucetMax; max != nil && value.Cmp(max) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "faucet amount exceeds " + state.FormatEther(max) + " ether",
		})
		return
	}
	rc, err := c.node.store.Fund(r.Context(), common.HexToAddress(req.To), value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tx": rc})
}

func logFilterFromQuery(r *http.Request) (state.LogFilter, error) {
	q := r.URL.Query()
	f := state.LogFilter{
		Contract: strings.TrimSpace(q.Get("contract")),
		Event:    strings.TrimSpace(q.Get("event")),
		Limit:    parseLimit(q.Get("limit"), 100, 500),
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		from, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, err
		}
		f.FromSeq = from
	}
	return f, nil
}

func (c *controlAPIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	f, err := logFilterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "from must be a sequence number"})
		return
	}
	items, err := c.node.store.Logs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(items), "items": items})
}

// handleLogStream replays logs from ?from= and then follows new commits.
// A client that cannot keep up is disconnected.
func (c *controlAPIServer) handleLogStream(w http.ResponseWriter, r *http.Request) {
	f, err := logFilterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "from must be a sequence number"})
		return
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	live := make(chan events.Log, streamBuffer)
	var overflow atomic.Bool
	unsubscribe := c.node.store.Subscribe(func(rc state.Receipt) {
		for _, lg := range rc.Logs {
			if !f.MatchLog(lg) {
				continue
			}
			select {
			case live <- lg:
			default:
				overflow.Store(true)
			}
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var replayed uint64
	if f.FromSeq > 0 {
		if replayed, err = c.replayLogs(r.Context(), conn, f); err != nil {
			return
		}
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case lg := <-live:
			if overflow.Load() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			if lg.Seq <= replayed {
				continue
			}
			if err := writeStream(conn, lg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// replayLogs sends every committed log matching f, one page of f.Limit at a
// time, and returns the last sequence sent.
func (c *controlAPIServer) replayLogs(ctx context.Context, conn *websocket.Conn, f state.LogFilter) (uint64, error) {
	var last uint64
	for {
		page, err := c.node.store.Logs(ctx, f)
		if err != nil {
			return last, err
		}
		for _, lg := range page {
			if err := writeStream(conn, lg); err != nil {
				return last, err
			}
			last = lg.Seq
		}
		if len(page) < f.Limit || len(page) == 0 {
			return last, nil
		}
		tail := page[len(page)-1]
		f.FromSeq, f.FromIndex = tail.Seq, tail.Index+1
	}
}

func writeStream(conn *websocket.Conn, lg events.Log) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(lg)
}
