package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"agentforge/pkg/carvid"
	"agentforge/pkg/marketplace"
	"agentforge/pkg/metrics"
	"agentforge/pkg/relay"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Default contract addresses are the ones a fresh deployer (the zero
// address) would get for its first two deployments.
var (
	defaultCarvIDAddress = crypto.CreateAddress(common.Address{}, 0)
	defaultAgentAddress  = crypto.CreateAddress(common.Address{}, 1)
)

type nodeConfig struct {
	DBPath        string
	Workspace     string
	CarvIDAddress common.Address
	AgentAddress  common.Address
	FaucetEnabled bool
	FaucetMax     *big.Int
	Logger        *slog.Logger
}

// forgeNode hosts both registries on one store.
type forgeNode struct {
	cfg     nodeConfig
	store   *state.Store
	ids     *carvid.Registry
	agents  *marketplace.Registry
	metrics *metrics.Metrics
	logger  *slog.Logger
	started time.Time

	relayURLs   []string
	relayPubKey string
	broadcaster *relay.Broadcaster
	cancel      context.CancelFunc
}

func openNode(ctx context.Context, cfg nodeConfig) (*forgeNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if cfg.CarvIDAddress == (common.Address{}) {
		cfg.CarvIDAddress = defaultCarvIDAddress
	}
	if cfg.AgentAddress == (common.Address{}) {
		cfg.AgentAddress = defaultAgentAddress
	}
	if cfg.Workspace != "" {
		if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	m := metrics.New()
	store, err := state.Open(cfg.DBPath, state.WithLogger(cfg.Logger.With("component", "state")), state.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	ids, err := carvid.New(ctx, store, cfg.CarvIDAddress, carvid.WithLogger(cfg.Logger.With("component", "carvid")))
	if err != nil {
		store.Close()
		return nil, err
	}
	agents, err := marketplace.New(ctx, store, cfg.AgentAddress, marketplace.WithLogger(cfg.Logger.With("component", "marketplace")))
	if err != nil {
		store.Close()
		return nil, err
	}
	return &forgeNode{
		cfg:     cfg,
		store:   store,
		ids:     ids,
		agents:  agents,
		metrics: m,
		logger:  cfg.Logger,
		started: time.Now(),
	}, nil
}

// StartRelays connects to urls and starts broadcasting committed logs.
// Relays that cannot be reached are reported and skipped.
func (n *forgeNode) StartRelays(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	sk, err := relay.LoadOrCreateKey(n.cfg.Workspace)
	if err != nil {
		return err
	}
	clients, errs := relay.Dial(ctx, urls)
	for _, err := range errs {
		fmt.Printf("[Relay] Connect failed: %v\n", err)
	}
	if len(clients) == 0 {
		return fmt.Errorf("no relay reachable")
	}
	b, err := relay.NewBroadcaster(n.store, clients, sk,
		relay.WithLogger(n.logger.With("component", "relay")),
		relay.WithMetrics(n.metrics))
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.broadcaster = b
	for _, c := range clients {
		n.relayURLs = append(n.relayURLs, c.URL())
	}
	n.relayPubKey = sk.Public().Hex()
	go func() {
		if err := b.Run(runCtx); err != nil {
			fmt.Printf("[Relay] Broadcaster stopped: %v\n", err)
		}
	}()
	return nil
}

func (n *forgeNode) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	return n.store.Close()
}

type nodeStatus struct {
	CarvIDAddress common.Address `json:"carvid_address"`
	AgentAddress  common.Address `json:"agent_address"`
	Head          uint64         `json:"head"`
	AgentCount    uint64         `json:"agent_count"`
	Relays        []string       `json:"relays"`
	RelayPubKey   string         `json:"relay_pubkey,omitempty"`
	RelayedLogs   uint64         `json:"relayed_logs"`
	Faucet        bool           `json:"faucet"`
	UptimeSec     int64          `json:"uptime_sec"`
}

func (n *forgeNode) Status(ctx context.Context) (nodeStatus, error) {
	head, err := n.store.Head(ctx)
	if err != nil {
		return nodeStatus{}, err
	}
	count, err := n.agents.AgentCount(ctx)
	if err != nil {
		return nodeStatus{}, err
	}
	st := nodeStatus{
		CarvIDAddress: n.ids.Address(),
		AgentAddress:  n.agents.Address(),
		Head:          head,
		AgentCount:    count,
		Relays:        append([]string{}, n.relayURLs...),
		RelayPubKey:   n.relayPubKey,
		Faucet:        n.cfg.FaucetEnabled,
		UptimeSec:     int64(time.Since(n.started).Seconds()),
	}
	if n.broadcaster != nil {
		st.RelayedLogs = n.broadcaster.Published()
	}
	return st, nil
}
