package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"agentforge/pkg/events"
	"agentforge/pkg/onchain"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
)

const cursorName = "chain-follower"

func main() {
	dbPath := flag.String("db", "agent_follower.db", "Path to the cursor database")
	rpcURL := flag.String("rpc", "", "Ethereum RPC URL (e.g., Alchemy/Infura)")
	carvIDAddr := flag.String("carvid-address", "", "Deployed CarvID contract address")
	agentAddr := flag.String("agent-address", "", "Deployed Agent registry address")
	fromBlock := flag.Uint64("from-block", 0, "Start after this block when no cursor is stored (0 = head)")
	interval := flag.Duration("interval", 2*time.Second, "Poll interval")

	flag.Parse()

	if *rpcURL == "" || !common.IsHexAddress(*carvIDAddr) || !common.IsHexAddress(*agentAddr) {
		fmt.Println("Error: Missing required flags (-rpc, -carvid-address, -agent-address)")
		flag.Usage()
		os.Exit(1)
	}

	fmt.Printf("Starting AgentForge chain follower...\n")
	fmt.Printf("Database: %s\n", *dbPath)

	store, err := state.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open cursor database: %v", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := *fromBlock
	if saved, err := store.Cursor(ctx, cursorName); err != nil {
		log.Fatalf("Failed to read cursor: %v", err)
	} else if saved > 0 {
		start = saved
	}

	client, eth, err := onchain.Dial(*rpcURL, common.HexToAddress(*carvIDAddr), common.HexToAddress(*agentAddr))
	if err != nil {
		log.Fatalf("Failed to dial RPC: %v", err)
	}
	defer eth.Close()

	f := &follower{client: client}
	watcher, err := onchain.NewWatcher(ctx, eth, common.HexToAddress(*carvIDAddr), common.HexToAddress(*agentAddr), start, func(lg events.Log) {
		f.handle(ctx, lg)
	})
	if err != nil {
		log.Fatalf("Failed to start watcher: %v", err)
	}
	fmt.Printf("Following from block %d\n", watcher.LastBlock())

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		if err := watcher.Poll(ctx); err != nil {
			fmt.Printf("[Watcher] Poll failed: %v\n", err)
		} else if err := store.SetCursor(ctx, cursorName, watcher.LastBlock()); err != nil {
			fmt.Printf("[Watcher] Saving cursor failed: %v\n", err)
		}
		select {
		case <-ctx.Done():
			fmt.Println("Follower stopped.")
			return
		case <-ticker.C:
		}
	}
}

// follower resolves the listing and identity behind paid calls.
type follower struct {
	client *onchain.Client
}

func (f *follower) handle(ctx context.Context, lg events.Log) {
	fmt.Printf("[Watcher] block=%d %s.%s %v\n", lg.Seq, lg.Contract, lg.Event, lg.Args)
	if lg.Contract != events.ContractAgent || lg.Event != "AgentCalled" {
		return
	}
	raw, _ := lg.Args["agentId"].(string)
	agentID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		fmt.Printf("[Discovery] Bad agentId %q in call log\n", raw)
		return
	}
	agent, err := f.client.GetAgent(ctx, agentID)
	if err != nil {
		fmt.Printf("[Discovery] Could not load agent %d: %v\n", agentID, err)
		return
	}
	amount, _ := new(big.Int).SetString(fmt.Sprint(lg.Args["amount"]), 10)
	fmt.Printf("[Discovery] Agent %d (%s) paid %s ETH by %v, %d calls total\n",
		agentID, agent.Name, state.FormatEther(amount), lg.Args["payer"], agent.TotalCalls)
	if agent.CarvID == nil || agent.CarvID.Sign() == 0 {
		return
	}
	owner, err := f.client.OwnerOf(ctx, agent.CarvID)
	if err != nil {
		fmt.Printf("[Discovery] CarvID %s has no owner: %v\n", agent.CarvID, err)
		return
	}
	fmt.Printf("[Discovery] Resolved CarvID %s owner: %s\n", agent.CarvID, owner.Hex())
}
