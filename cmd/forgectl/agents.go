package main

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"agentforge/pkg/marketplace"
	"agentforge/pkg/state"

	"github.com/spf13/cobra"
)

func newAgentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Agent registry",
	}
	cmd.AddCommand(
		newAgentsListCmd(a),
		newAgentsShowCmd(a),
		newAgentsSearchCmd(a),
		newAgentsByCreatorCmd(a),
		newAgentsByCarvIDCmd(a),
		newAgentsRegisterCmd(a),
		newAgentsCallCmd(a),
		newAgentsStatusCmd(a, "deactivate", false),
		newAgentsStatusCmd(a, "reactivate", true),
	)
	return cmd
}

func parseAgentID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid agent id %q", raw)
	}
	return id, nil
}

// printAgents loads each id and renders them in order.
func (a *app) printAgents(cmd *cobra.Command, r *registries, ids []uint64) error {
	items := make([]marketplace.Agent, 0, len(ids))
	for _, id := range ids {
		ag, err := r.agents.GetAgent(cmd.Context(), id)
		if err != nil {
			return err
		}
		items = append(items, ag)
	}
	return a.renderAgents(cmd, items)
}

func (a *app) renderAgents(cmd *cobra.Command, items []marketplace.Agent) error {
	if a.jsonOutput() {
		out := make([]map[string]interface{}, 0, len(items))
		for _, ag := range items {
			out = append(out, agentJSON(ag))
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
		return nil
	}
	rows := make([][]string, 0, len(items))
	for _, ag := range items {
		rows = append(rows, agentRow(ag))
	}
	printTable(cmd.OutOrStdout(), agentHeader, rows)
	return nil
}

func newAgentsListCmd(a *app) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			items, err := r.agents.ListAgents(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			return a.renderAgents(cmd, items)
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many agents")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum agents to list")
	return cmd
}

func newAgentsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <agentId>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAgentID(args[0])
			if err != nil {
				return err
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			ag, err := r.agents.GetAgent(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), agentJSON(ag))
			}
			printTable(cmd.OutOrStdout(), []string{"Field", "Value"}, [][]string{
				{"ID", args[0]},
				{"Name", ag.Name},
				{"Description", ag.Description},
				{"Primary goal", ag.PrimaryGoal},
				{"CarvID", ag.CarvID.String()},
				{"Keywords", strings.Join(ag.Keywords, ", ")},
				{"Price", ether(ag.PricePerCall)},
				{"Receiver", ag.ReceiverAddress.Hex()},
				{"Creator", ag.Creator.Hex()},
				{"Calls", strconv.FormatUint(ag.TotalCalls, 10)},
				{"Earned", ether(ag.TotalEarnings)},
				{"Status", activeLabel(ag.IsActive)},
			})
			return nil
		},
	}
}

func idQueryCmd(a *app, use, short string, query func(ctx context.Context, r *registries, arg string) ([]uint64, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			ids, err := query(cmd.Context(), r, args[0])
			if err != nil {
				return err
			}
			return a.printAgents(cmd, r, ids)
		},
	}
}

func newAgentsSearchCmd(a *app) *cobra.Command {
	return idQueryCmd(a, "search <keyword>", "Find agents by keyword",
		func(ctx context.Context, r *registries, kw string) ([]uint64, error) {
			return r.agents.SearchAgentsByKeyword(ctx, kw)
		})
}

func newAgentsByCreatorCmd(a *app) *cobra.Command {
	return idQueryCmd(a, "by-creator <address>", "List agents registered by an address",
		func(ctx context.Context, r *registries, raw string) ([]uint64, error) {
			creator, err := parseAddress("creator", raw)
			if err != nil {
				return nil, err
			}
			return r.agents.GetAgentsByCreator(ctx, creator)
		})
}

func newAgentsByCarvIDCmd(a *app) *cobra.Command {
	return idQueryCmd(a, "by-carvid <carvId>", "List agents linked to a CarvID",
		func(ctx context.Context, r *registries, raw string) ([]uint64, error) {
			id, err := state.ParseBig(raw)
			if err != nil {
				return nil, err
			}
			return r.agents.GetAgentsByCarvId(ctx, id)
		})
}

func newAgentsRegisterCmd(a *app) *cobra.Command {
	var (
		from, receiver, price, carvID string
		p                             marketplace.Params
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent on the local database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creator, err := parseAddress("--from", from)
			if err != nil {
				return err
			}
			p.ReceiverAddress = creator
			if receiver != "" {
				if p.ReceiverAddress, err = parseAddress("--receiver", receiver); err != nil {
					return err
				}
			}
			if p.PricePerCall, err = state.ParseWei(price); err != nil {
				return err
			}
			p.CarvID = new(big.Int)
			if carvID != "" {
				if p.CarvID, err = state.ParseBig(carvID); err != nil {
					return err
				}
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			id, rc, err := r.agents.RegisterAgent(cmd.Context(), creator, p)
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "registered agent %d (tx %s)", id, rc.TxHash.Hex())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&from, "from", "", "Creator address")
	f.StringVar(&p.Name, "name", "", "Agent name")
	f.StringVar(&p.Description, "description", "", "Agent description")
	f.StringVar(&p.PrimaryGoal, "goal", "", "Primary goal")
	f.StringSliceVar(&p.Keywords, "keyword", nil, "Search keyword (repeatable)")
	f.StringVar(&price, "price", "0", "Price per call (wei, or with gwei/ether suffix)")
	f.StringVar(&receiver, "receiver", "", "Payment receiver (defaults to --from)")
	f.StringVar(&carvID, "carvid", "", "Linked CarvID")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newAgentsCallCmd(a *app) *cobra.Command {
	var from, value string
	cmd := &cobra.Command{
		Use:   "call <agentId>",
		Short: "Pay for one call of an agent on the local database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAgentID(args[0])
			if err != nil {
				return err
			}
			payer, err := parseAddress("--from", from)
			if err != nil {
				return err
			}
			amount, err := state.ParseWei(value)
			if err != nil {
				return err
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			rc, err := r.agents.CallAgent(cmd.Context(), payer, id, amount)
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "called agent %d for %s (tx %s)", id, ether(amount), rc.TxHash.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Paying address")
	cmd.Flags().StringVar(&value, "value", "0", "Attached value (wei, or with gwei/ether suffix)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newAgentsStatusCmd(a *app, use string, active bool) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   use + " <agentId>",
		Short: "Toggle whether an agent accepts calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAgentID(args[0])
			if err != nil {
				return err
			}
			caller, err := parseAddress("--from", from)
			if err != nil {
				return err
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			var rc *state.Receipt
			if active {
				rc, err = r.agents.ReactivateAgent(cmd.Context(), caller, id)
			} else {
				rc, err = r.agents.DeactivateAgent(cmd.Context(), caller, id)
			}
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "agent %d is %s (tx %s)", id, activeLabel(active), rc.TxHash.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Creator address")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
