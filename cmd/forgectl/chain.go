package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentforge/pkg/events"
	"agentforge/pkg/onchain"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

// newChainCmd reads deployed registry contracts over JSON-RPC instead of the
// local database.
func newChainCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Read deployed contracts over JSON-RPC",
	}
	cmd.AddCommand(
		newChainIdentityCmd(a),
		newChainAgentCmd(a),
		newChainSearchCmd(a),
		newChainAccessCmd(a),
		newChainLogsCmd(a),
	)
	return cmd
}

func (a *app) dial() (*onchain.Client, func(), error) {
	rpc := strings.TrimSpace(a.v.GetString("rpc"))
	if rpc == "" {
		return nil, nil, errors.New("--rpc is required for chain commands")
	}
	carvAddr, err := a.address("carvid-address", 0)
	if err != nil {
		return nil, nil, err
	}
	agentAddr, err := a.address("agent-address", 1)
	if err != nil {
		return nil, nil, err
	}
	client, eth, err := onchain.Dial(rpc, carvAddr, agentAddr)
	if err != nil {
		return nil, nil, err
	}
	return client, eth.Close, nil
}

func newChainIdentityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "identity <carvId>",
		Short: "Owner, metadata and profile of a deployed CarvID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := state.ParseBig(args[0])
			if err != nil {
				return err
			}
			client, closeFn, err := a.dial()
			if err != nil {
				return err
			}
			defer closeFn()
			ctx := cmd.Context()
			owner, err := client.OwnerOf(ctx, id)
			if err != nil {
				return err
			}
			uri, err := client.TokenURI(ctx, id)
			if err != nil {
				return err
			}
			profile, err := client.GetUserProfile(ctx, id)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"carvId":      id.String(),
					"owner":       owner,
					"metadataURI": uri,
					"profile":     profile,
				})
			}
			printTable(cmd.OutOrStdout(), []string{"Field", "Value"}, [][]string{
				{"CarvID", id.String()},
				{"Owner", owner.Hex()},
				{"Metadata URI", uri},
				{"Name", profile.Name},
				{"Description", profile.Description},
				{"Reputation", fmt.Sprint(profile.ReputationScore)},
			})
			return nil
		},
	}
}

func newChainAgentCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agent <agentId>",
		Short: "Read one deployed agent listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAgentID(args[0])
			if err != nil {
				return err
			}
			client, closeFn, err := a.dial()
			if err != nil {
				return err
			}
			defer closeFn()
			ag, err := client.GetAgent(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), agentJSON(ag))
			}
			printTable(cmd.OutOrStdout(), agentHeader, [][]string{agentRow(ag)})
			return nil
		},
	}
}

func newChainSearchCmd(a *app) *cobra.Command {
	var creator, carvID string
	cmd := &cobra.Command{
		Use:   "search [keyword]",
		Short: "Query the deployed agent indexes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := a.dial()
			if err != nil {
				return err
			}
			defer closeFn()
			ids, err := chainQuery(cmd.Context(), client, args, creator, carvID)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"count": len(ids), "agentIds": ids})
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "Agents registered by this address")
	cmd.Flags().StringVar(&carvID, "carvid", "", "Agents linked to this CarvID")
	return cmd
}

func chainQuery(ctx context.Context, client *onchain.Client, args []string, creator, carvID string) ([]uint64, error) {
	switch {
	case len(args) == 1:
		return client.SearchAgentsByKeyword(ctx, args[0])
	case creator != "":
		addr, err := parseAddress("--creator", creator)
		if err != nil {
			return nil, err
		}
		return client.GetAgentsByCreator(ctx, addr)
	case carvID != "":
		id, err := state.ParseBig(carvID)
		if err != nil {
			return nil, err
		}
		return client.GetAgentsByCarvId(ctx, id)
	default:
		return nil, errors.New("give a keyword, --creator or --carvid")
	}
}

func newChainAccessCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "access <carvId> <grantee> <dataType>",
		Short: "Check a deployed access grant",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := state.ParseBig(args[0])
			if err != nil {
				return err
			}
			grantee, err := parseAddress("grantee", args[1])
			if err != nil {
				return err
			}
			dataType := events.DataTypeHash(args[2])
			if strings.HasPrefix(args[2], "0x") && len(args[2]) == 2+2*common.HashLength {
				dataType = common.HexToHash(args[2])
			}
			client, closeFn, err := a.dial()
			if err != nil {
				return err
			}
			defer closeFn()
			ok, err := client.HasAccess(cmd.Context(), id, grantee, dataType)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}
}

func newChainLogsCmd(a *app) *cobra.Command {
	var (
		fromBlock uint64
		follow    bool
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Decode registry events from the chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rpc := strings.TrimSpace(a.v.GetString("rpc"))
			if rpc == "" {
				return errors.New("--rpc is required for chain commands")
			}
			carvAddr, err := a.address("carvid-address", 0)
			if err != nil {
				return err
			}
			agentAddr, err := a.address("agent-address", 1)
			if err != nil {
				return err
			}
			_, eth, err := onchain.Dial(rpc, carvAddr, agentAddr)
			if err != nil {
				return err
			}
			defer eth.Close()

			ctx := cmd.Context()
			var batch []events.Log
			w, err := onchain.NewWatcher(ctx, eth, carvAddr, agentAddr, fromBlock, func(lg events.Log) {
				batch = append(batch, lg)
			})
			if err != nil {
				return err
			}
			for {
				before := w.LastBlock()
				if err := w.Poll(ctx); err != nil {
					return err
				}
				if len(batch) > 0 {
					if a.jsonOutput() {
						if err := printJSON(cmd.OutOrStdout(), batch); err != nil {
							return err
						}
					} else {
						printLogs(cmd, batch)
					}
					batch = batch[:0]
				}
				if w.LastBlock() != before {
					continue
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "Start after this block (0 = head)")
	cmd.Flags().BoolVar(&follow, "follow", false, "Keep polling for new blocks")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval with --follow")
	return cmd
}
