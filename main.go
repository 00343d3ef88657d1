package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"agentforge/pkg/events"
	"agentforge/pkg/onchain"
	"agentforge/pkg/relay"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"
)

type startupAllocation struct {
	Address string `toml:"address"`
	Balance string `toml:"balance"`
}

type startupRejectingAccount struct {
	Address string `toml:"address"`
}

type startupFaucetConfig struct {
	Enabled bool   `toml:"enabled"`
	Max     string `toml:"max"`
}

type startupChainConfig struct {
	RPC       string `toml:"rpc"`
	Follow    bool   `toml:"follow"`
	FromBlock uint64 `toml:"from_block"`
}

type startupProfile struct {
	Headless          bool                      `toml:"headless"`
	Relays            []string                  `toml:"relays"`
	ControlListen     string                    `toml:"control_listen"`
	ControlToken      string                    `toml:"control_token"`
	CORSOrigins       []string                  `toml:"cors_origins"`
	JWTSecret         string                    `toml:"jwt_secret"`
	JWTTTLSec         int64                     `toml:"jwt_ttl_sec"`
	CarvIDAddress     string                    `toml:"carvid_address"`
	AgentAddress      string                    `toml:"agent_address"`
	Faucet            startupFaucetConfig       `toml:"faucet"`
	Chain             startupChainConfig        `toml:"chain"`
	Genesis           []startupAllocation       `toml:"genesis"`
	RejectingAccounts []startupRejectingAccount `toml:"rejecting_accounts"`
}

const (
	operatorTxTimeout     = 10 * time.Second
	startupApplyTimeout   = 20 * time.Second
	startupConnectTimeout = 20 * time.Second
)

func main() {
	const defaultWorkspace = "./workspace"
	dbPath := flag.String("db", "agentforge.db", "Path to the registry database")
	workspace := flag.String("workspace", defaultWorkspace, "Workspace directory (stores the relay identity key)")
	configPath := flag.String("config", "", "Optional path to startup profile TOML")
	headless := flag.Bool("headless", false, "Run without interactive operator console")
	controlListen := flag.String("control-listen", "", "Optional control API listen address (for example 127.0.0.1:8787)")
	controlToken := flag.String("control-token", "", "Control API token (sent in X-AgentForge-Token)")
	jwtSecret := flag.String("jwt-secret", "", "Enables wallet sign-in; mutating calls then require a bearer token")
	relays := flag.String("relays", "", "Comma-separated Nostr relay URLs to broadcast registry logs to (wss://...)")
	rpcURL := flag.String("rpc", "", "Optional Ethereum RPC URL of a chain deployment to follow")
	carvIDAddr := flag.String("carvid-address", "", "CarvID contract address (defaults to the first deployer address)")
	agentAddr := flag.String("agent-address", "", "Agent registry contract address (defaults to the second deployer address)")
	flag.Parse()

	profile, err := loadStartupProfile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load startup profile: %v", err)
	}
	if profile == nil {
		profile = &startupProfile{}
	}
	overrideString(controlListen, profile.ControlListen)
	overrideString(controlToken, profile.ControlToken)
	overrideString(jwtSecret, profile.JWTSecret)
	overrideString(rpcURL, profile.Chain.RPC)
	overrideString(carvIDAddr, profile.CarvIDAddress)
	overrideString(agentAddr, profile.AgentAddress)
	relayURLs := relay.ParseURLs(*relays)
	if len(profile.Relays) > 0 {
		relayURLs = relay.ParseURLs(strings.Join(profile.Relays, ","))
	}
	runHeadless := *headless || profile.Headless

	cfg := nodeConfig{
		DBPath:        *dbPath,
		Workspace:     *workspace,
		FaucetEnabled: profile.Faucet.Enabled,
	}
	if cfg.CarvIDAddress, err = optionalAddress("carvid address", *carvIDAddr); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.AgentAddress, err = optionalAddress("agent address", *agentAddr); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if strings.TrimSpace(profile.Faucet.Max) != "" {
		if cfg.FaucetMax, err = state.ParseWei(profile.Faucet.Max); err != nil {
			log.Fatalf("Invalid faucet max: %v", err)
		}
	}

	fmt.Printf("Starting AgentForge Node...\n")
	fmt.Printf("Database: %s\n", *dbPath)
	fmt.Printf("Workspace: %s\n", *workspace)

	ctx, cancel := context.WithTimeout(context.Background(), startupApplyTimeout)
	node, err := openNode(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("Failed to initialize node: %v", err)
	}
	fmt.Printf("[Startup] CarvID registry at %s\n", node.ids.Address().Hex())
	fmt.Printf("[Startup] Agent registry at %s\n", node.agents.Address().Hex())

	if err := applyStartupProfile(node, profile); err != nil {
		fmt.Printf("[Startup] Profile actions completed with warnings: %v\n", err)
	}

	if len(relayURLs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), startupConnectTimeout)
		err := node.StartRelays(ctx, relayURLs)
		cancel()
		if err != nil {
			fmt.Printf("[Startup] Relay broadcast disabled: %v\n", err)
		} else {
			fmt.Printf("[Startup] Broadcasting logs to %v as %s\n", node.relayURLs, node.relayPubKey)
		}
	} else {
		fmt.Println("[Startup] No relays configured. Logs stay local.")
	}

	stopWatcher := func() {}
	if strings.TrimSpace(*rpcURL) != "" {
		stopWatcher, err = startChainWatcher(node, strings.TrimSpace(*rpcURL), profile.Chain)
		if err != nil {
			fmt.Printf("[Startup] Chain watcher disabled: %v\n", err)
		}
	}

	var controlServer *controlAPIServer
	if strings.TrimSpace(*controlListen) != "" {
		if strings.TrimSpace(*controlToken) == "" {
			log.Fatalf("Refusing to start control API without token. Set --control-token when using --control-listen.")
		}
		if !isLikelyLoopbackAddr(strings.TrimSpace(*controlListen)) {
			fmt.Printf("[Startup] Warning: control API is not bound to loopback (%s). Prefer 127.0.0.1 or localhost.\n", strings.TrimSpace(*controlListen))
		}
		srv, err := startControlAPI(strings.TrimSpace(*controlListen), node, controlAPIConfig{
			Token:       strings.TrimSpace(*controlToken),
			JWTSecret:   strings.TrimSpace(*jwtSecret),
			JWTTTL:      time.Duration(profile.JWTTTLSec) * time.Second,
			CORSOrigins: profile.CORSOrigins,
		})
		if err != nil {
			log.Fatalf("Failed to start control API: %v", err)
		}
		controlServer = srv
		fmt.Printf("[Startup] Control API listening on http://%s\n", strings.TrimSpace(*controlListen))
		if srv.auth == nil {
			fmt.Printf("[Startup] Wallet auth disabled: callers are named in %s\n", callerHeader)
		}
	}

	if runHeadless {
		fmt.Println("[Startup] Headless mode enabled: operator console disabled")
	} else {
		fmt.Println("Operator console: status | balance <addr> | identity <carvId> | agent <id> | agents [limit] | search <keyword> | register <creator> <json> | call <payer> <id> <value> | fund <addr> <value> | logs [from] [limit] | help")
		go operatorConsole(node)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if controlServer != nil {
		_ = controlServer.Stop()
	}
	stopWatcher()
	_ = node.Stop()
	fmt.Println("Node stopped.")
}

func overrideString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func optionalAddress(name, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func loadStartupProfile(path string) (*startupProfile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile startupProfile
	if err := toml.Unmarshal(b, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func applyStartupProfile(node *forgeNode, profile *startupProfile) error {
	if profile == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupApplyTimeout)
	defer cancel()

	var errs []string
	allocs := make([]state.Allocation, 0, len(profile.Genesis))
	for _, g := range profile.Genesis {
		addr := strings.TrimSpace(g.Address)
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("genesis address %q is invalid", addr))
			continue
		}
		bal, err := state.ParseWei(g.Balance)
		if err != nil {
			errs = append(errs, fmt.Sprintf("genesis %s: %v", addr, err))
			continue
		}
		allocs = append(allocs, state.Allocation{Address: common.HexToAddress(addr), Balance: bal})
	}
	if len(allocs) > 0 {
		applied, err := node.store.ApplyGenesis(ctx, allocs)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("genesis: %v", err))
		case applied:
			fmt.Printf("[Startup] Genesis applied: %d accounts funded\n", len(allocs))
		default:
			fmt.Println("[Startup] Genesis already applied, skipping")
		}
	}

	for _, acct := range profile.RejectingAccounts {
		addr := strings.TrimSpace(acct.Address)
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("rejecting account %q is invalid", addr))
			continue
		}
		if err := node.store.MarkRejecting(ctx, common.HexToAddress(addr), true); err != nil {
			errs = append(errs, fmt.Sprintf("reject %s: %v", addr, err))
			continue
		}
		fmt.Printf("[Startup] Account rejects payments: %s\n", common.HexToAddress(addr).Hex())
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// startChainWatcher follows a chain deployment of the registries and prints
// the logs it sees. Local state is not touched.
func startChainWatcher(node *forgeNode, rpcURL string, chain startupChainConfig) (func(), error) {
	_, ec, err := onchain.Dial(rpcURL, node.ids.Address(), node.agents.Address())
	if err != nil {
		return func() {}, err
	}
	if !chain.Follow {
		fmt.Printf("[Startup] RPC %s connected (follow disabled)\n", rpcURL)
		ec.Close()
		return func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupConnectTimeout)
	w, err := onchain.NewWatcher(ctx, ec, node.ids.Address(), node.agents.Address(), chain.FromBlock, func(lg events.Log) {
		fmt.Printf("[Watcher] block=%d %s.%s tx=%s\n", lg.Seq, lg.Contract, lg.Event, lg.TxHash.Hex())
	})
	cancel()
	if err != nil {
		ec.Close()
		return func() {}, err
	}
	w.SetLogger(node.logger.With("component", "watcher"))
	runCtx, stop := context.WithCancel(context.Background())
	go w.Start(runCtx)
	fmt.Printf("[Startup] Following chain logs from block %d via %s\n", w.LastBlock(), rpcURL)
	return func() {
		stop()
		ec.Close()
	}, nil
}

func operatorConsole(node *forgeNode) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		ctx, cancel := context.WithTimeout(context.Background(), operatorTxTimeout)
		runOperatorCommand(ctx, node, parts, line)
		cancel()
	}
}

func runOperatorCommand(ctx context.Context, node *forgeNode, parts []string, line string) {
	switch strings.ToLower(parts[0]) {
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  status")
		fmt.Println("  balance <address>")
		fmt.Println("  identity <carvId>")
		fmt.Println("  agent <agentId>")
		fmt.Println("  agents [limit]")
		fmt.Println("  search <keyword>")
		fmt.Println("  register <creator> <json>")
		fmt.Println("  call <payer> <agentId> <value>")
		fmt.Println("  fund <address> <value>")
		fmt.Println("  logs [from] [limit]")
		fmt.Println("  help")
	case "status":
		st, err := node.Status(ctx)
		if err != nil {
			fmt.Printf("[Operator] Status failed: %v\n", err)
			return
		}
		fmt.Printf("[Operator] head=%d agents=%d relays=%v relayed=%d faucet=%t uptime=%ds\n",
			st.Head, st.AgentCount, st.Relays, st.RelayedLogs, st.Faucet, st.UptimeSec)
	case "balance":
		if len(parts) < 2 || !common.IsHexAddress(parts[1]) {
			fmt.Println("[Operator] Usage: balance <address>")
			return
		}
		acct, err := node.store.Account(ctx, common.HexToAddress(parts[1]))
		if err != nil {
			fmt.Printf("[Operator] Balance failed: %v\n", err)
			return
		}
		fmt.Printf("[Operator] %s balance=%s ether (%s wei) rejects=%t\n", acct.Address.Hex(), state.FormatEther(acct.Balance), acct.Balance, acct.RejectsPayments)
	case "identity":
		if len(parts) < 2 {
			fmt.Println("[Operator] Usage: identity <carvId>")
			return
		}
		id, err := state.ParseBig(parts[1])
		if err != nil {
			fmt.Printf("[Operator] Invalid carvId: %v\n", err)
			return
		}
		ident, err := node.ids.Identity(ctx, id)
		if err != nil {
			fmt.Printf("[Operator] Identity lookup failed: %v\n", err)
			return
		}
		fmt.Printf("[Operator] carvId=%s owner=%s name=%q reputation=%d uri=%s\n", ident.CarvID, ident.Owner.Hex(), ident.Profile.Name, ident.Profile.ReputationScore, ident.MetadataURI)
	case "agent":
		if len(parts) < 2 {
			fmt.Println("[Operator] Usage: agent <agentId>")
			return
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			fmt.Printf("[Operator] Invalid agentId: %s\n", parts[1])
			return
		}
		a, err := node.agents.GetAgent(ctx, id)
		if err != nil {
			fmt.Printf("[Operator] Agent lookup failed: %v\n", err)
			return
		}
		printAgent(newAgentView(a))
	case "agents":
		limit := 20
		if len(parts) > 1 {
			if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && n > 0 {
				limit = n
			}
		}
		items, err := node.agents.ListAgents(ctx, 0, limit)
		if err != nil {
			fmt.Printf("[Operator] Agent listing failed: %v\n", err)
			return
		}
		if len(items) == 0 {
			fmt.Println("[Operator] No agents registered")
			return
		}
		fmt.Printf("[Operator] Agents (%d):\n", len(items))
		for _, a := range items {
			printAgent(newAgentView(a))
		}
	case "search":
		if len(parts) < 2 {
			fmt.Println("[Operator] Usage: search <keyword>")
			return
		}
		ids, err := node.agents.SearchAgentsByKeyword(ctx, strings.Join(parts[1:], " "))
		if err != nil {
			fmt.Printf("[Operator] Search failed: %v\n", err)
			return
		}
		fmt.Printf("[Operator] Matches: %v\n", ids)
	case "register":
		if len(parts) < 3 || !common.IsHexAddress(parts[1]) {
			fmt.Println("[Operator] Usage: register <creator> <json>")
			return
		}
		raw := ""
		if i := strings.Index(line, "{"); i >= 0 {
			raw = line[i:]
		}
		var req agentRequest
		if err := parseJSONPayload(raw, &req); err != nil {
			fmt.Printf("[Operator] Invalid JSON payload: %v\n", err)
			return
		}
		p, err := req.params()
		if err != nil {
			fmt.Printf("[Operator] Invalid agent: %v\n", err)
			return
		}
		id, rc, err := node.agents.RegisterAgent(ctx, common.HexToAddress(parts[1]), p)
		if err != nil {
			fmt.Printf("[Operator] Register failed: %v\n", err)
			return
		}
		fmt.Printf("[Operator] Registered agent %d (tx %s)\n", id, rc.TxHash.Hex())
	case "call":
		if len(parts) < 4 || !common.IsHexAddress(parts[1]) {
			fmt.Println("[Operator] Usage: call <payer> <agentId> <value>")
			return
		}
		id, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			fmt.Printf("[Operator] Invalid agentId: %s\n", parts[2])
			return
		}
		value, err := state.ParseWei(strings.Join(parts[3:], " "))
		if err != nil {
			fmt.Printf("[Operator] Invalid value: %v\n", err)
			return
		}
		rc, err := node.agents.CallAgent(ctx, common.HexToAddress(parts[1]), id, value)
		if err != nil {
			fmt.Printf("[Operator] Call reverted: %v\n", err)
			return
		}
		fmt.Printf("[Operator] Agent %d called (tx %s, seq %d)\n", id, rc.TxHash.Hex(), rc.Seq)
	case "fund":
		if !node.cfg.FaucetEnabled {
			fmt.Println("[Operator] Faucet is disabled")
			return
		}
		if len(parts) < 3 || !common.IsHexAddress(parts[1]) {
			fmt.Println("[Operator] Usage: fund <address> <value>")
			return
		}
		value, err := state.ParseWei(strings.Join(parts[2:], " "))
		if err != nil {
			fmt.Printf("[Operator] Invalid value: %v\n", err)
			return
		}
		if node.cfg.FaucetMax != nil && value.Cmp(node.cfg.FaucetMax) > 0 {
			fmt.Printf("[Operator] Faucet limit is %s ether\n", state.FormatEther(node.cfg.FaucetMax))
			return
		}
		if _, err := node.store.Fund(ctx, common.HexToAddress(parts[1]), value); err != nil {
			fmt.Printf("[Operator] Fund failed: %v\n", err)
			return
		}
		fmt.Printf("[Operator] Funded %s with %s ether\n", common.HexToAddress(parts[1]).Hex(), state.FormatEther(value))
	case "logs":
		f := state.LogFilter{Limit: 20}
		if len(parts) > 1 {
			if n, err := strconv.ParseUint(parts[1], 10, 64); err == nil {
				f.FromSeq = n
			}
		}
		if len(parts) > 2 {
			if n, err := strconv.Atoi(parts[2]); err == nil && n > 0 {
				f.Limit = n
			}
		}
		items, err := node.store.Logs(ctx, f)
		if err != nil {
			fmt.Printf("[Operator] Log read failed: %v\n", err)
			return
		}
		if len(items) == 0 {
			fmt.Println("[Operator] No logs")
			return
		}
		for _, lg := range items {
			fmt.Printf("- seq=%d %s.%s args=%v\n", lg.Seq, lg.Contract, lg.Event, lg.Args)
		}
	default:
		fmt.Printf("[Operator] Unknown command: %s (try: help)\n", parts[0])
	}
}

func printAgent(a agentView) {
	status := "active"
	if !a.IsActive {
		status = "inactive"
	}
	fmt.Printf("- #%d %q creator=%s price=%s ether calls=%d earned=%s wei %s keywords=%v\n",
		a.AgentID, a.Name, a.Creator.Hex(), a.PriceEther, a.TotalCalls, a.TotalEarnings, status, a.Keywords)
}

// parseJSONPayload decodes a single JSON object into out.
func parseJSONPayload(raw string, out interface{}) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("payload cannot be empty")
	}
	if !strings.HasPrefix(raw, "{") {
		return fmt.Errorf("payload must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func isLikelyLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(strings.ToLower(addr))
	return strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]:")
}
