package onchain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"agentforge/pkg/events"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Many RPCs reject wider eth_getLogs ranges.
const maxBlockRange = uint64(2000)

// Watcher polls the chain for registry logs and hands them over decoded.
type Watcher struct {
	backend   Backend
	contracts map[common.Address]events.Contract
	lastBlock uint64
	interval  time.Duration
	onLog     func(events.Log)
	logger    *slog.Logger
}

// NewWatcher follows both contracts starting after fromBlock. A zero fromBlock
// starts at the current head.
func NewWatcher(ctx context.Context, backend Backend, carvIDAddr, agentAddr common.Address, fromBlock uint64, onLog func(events.Log)) (*Watcher, error) {
	if fromBlock == 0 {
		head, err := backend.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch head block: %w", err)
		}
		fromBlock = head
	}
	return &Watcher{
		backend: backend,
		contracts: map[common.Address]events.Contract{
			carvIDAddr: events.CarvID(carvIDAddr),
			agentAddr:  events.Agent(agentAddr),
		},
		lastBlock: fromBlock,
		interval:  2 * time.Second,
		onLog:     onLog,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (w *Watcher) SetLogger(l *slog.Logger) {
	if l != nil {
		w.logger = l
	}
}

func (w *Watcher) LastBlock() uint64 { return w.lastBlock }

// Start polls until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// Poll fetches at most maxBlockRange blocks past the last one seen.
func (w *Watcher) Poll(ctx context.Context) error {
	current, err := w.backend.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if current <= w.lastBlock {
		return nil
	}
	toBlock := current
	if toBlock-w.lastBlock > maxBlockRange {
		toBlock = w.lastBlock + maxBlockRange
	}

	addrs := make([]common.Address, 0, len(w.contracts))
	for a := range w.contracts {
		addrs = append(addrs, a)
	}
	logs, err := w.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addrs,
	})
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}
	for _, vLog := range logs {
		c, ok := w.contracts[vLog.Address]
		if !ok || vLog.Removed {
			continue
		}
		lg, err := c.Decode(vLog)
		if err != nil {
			w.logger.Debug("skipping undecodable log", "tx", vLog.TxHash.Hex(), "error", err)
			continue
		}
		if w.onLog != nil {
			w.onLog(lg)
		}
	}
	w.lastBlock = toBlock
	return nil
}
