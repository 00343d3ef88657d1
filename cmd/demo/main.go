package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"

	"agentforge/pkg/carvid"
	"agentforge/pkg/events"
	"agentforge/pkg/marketplace"
	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func main() {
	fmt.Println("Starting AgentForge demo...")
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "agentforge-demo")
	if err != nil {
		log.Fatalf("Failed to create demo directory: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := state.Open(filepath.Join(dir, "demo.db"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ids, err := carvid.New(ctx, store, crypto.CreateAddress(common.Address{}, 0))
	if err != nil {
		log.Fatalf("Failed to init CarvID: %v", err)
	}
	agents, err := marketplace.New(ctx, store, crypto.CreateAddress(common.Address{}, 1))
	if err != nil {
		log.Fatalf("Failed to init agent registry: %v", err)
	}

	unsubscribe := store.Subscribe(func(rc state.Receipt) {
		for _, lg := range rc.Logs {
			fmt.Printf("[Log] #%d %s.%s %v\n", lg.Seq, lg.Contract, lg.Event, lg.Args)
		}
	})
	defer unsubscribe()

	creator := common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	receiver := common.HexToAddress("0x00000000000000000000000000000000000bee5")
	user := common.HexToAddress("0x0000000000000000000000000000000000001234")
	analyst := common.HexToAddress("0x0000000000000000000000000000000000005678")

	oneEther, _ := state.ParseWei("1 ether")
	price, _ := state.ParseWei("0.1 ether")
	must(store.Fund(ctx, user, oneEther))

	fmt.Println("[Demo] Creator mints CarvID 123...")
	carvID := big.NewInt(123)
	must(ids.Mint(ctx, creator, creator, carvID, "ipfs://carv/123", "Creator", "Builds translation agents"))
	must(ids.GrantAccess(ctx, creator, carvID, analyst, events.DataTypeHash("usage")))
	granted, err := ids.HasAccess(ctx, carvID, analyst, events.DataTypeHash("usage"))
	check(err)
	fmt.Printf("[Demo] Analyst may read usage data: %t\n", granted)

	fmt.Println("[Demo] Registering a pay-per-call agent...")
	agentID, _, err := agents.RegisterAgent(ctx, creator, marketplace.Params{
		Name:            "Translator",
		Description:     "Translates documents",
		PrimaryGoal:     "Accurate translation",
		CarvID:          carvID,
		Keywords:        []string{"Translate", "NLP"},
		PricePerCall:    price,
		ReceiverAddress: receiver,
	})
	check(err)

	found, err := agents.SearchAgentsByKeyword(ctx, "translate")
	check(err)
	fmt.Printf("[Demo] Keyword 'translate' finds agents %v\n", found)

	fmt.Println("[Demo] User pays the wrong amount...")
	if _, err := agents.CallAgent(ctx, user, agentID, big.NewInt(1)); err != nil {
		fmt.Printf("[Demo] Call reverted (%s): %v\n", revert.KindOf(err), err)
	}

	fmt.Println("[Demo] User pays 0.1 ether...")
	must(agents.CallAgent(ctx, user, agentID, price))

	agent, err := agents.GetAgent(ctx, agentID)
	check(err)
	fmt.Printf("[Demo] Agent %d: %d call(s), earned %s ETH\n", agent.AgentID, agent.TotalCalls, state.FormatEther(agent.TotalEarnings))
	for _, addr := range []common.Address{user, receiver} {
		acct, err := store.Account(ctx, addr)
		check(err)
		fmt.Printf("[Demo] Balance %s: %s ETH\n", addr.Hex(), state.FormatEther(acct.Balance))
	}
	fmt.Println("Demo complete.")
}

func must(_ *state.Receipt, err error) {
	check(err)
}

func check(err error) {
	if err != nil {
		log.Fatalf("Demo step failed: %v", err)
	}
}
