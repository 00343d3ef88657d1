package main

import (
	"encoding/json"
	"io"
	"math/big"

	"agentforge/pkg/marketplace"
	"agentforge/pkg/state"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}

func activeLabel(active bool) string {
	if active {
		return color.GreenString("active")
	}
	return color.RedString("inactive")
}

func ether(wei *big.Int) string {
	return state.FormatEther(wei) + " ETH"
}

func agentRow(a marketplace.Agent) []string {
	return []string{
		new(big.Int).SetUint64(a.AgentID).String(),
		a.Name,
		a.Creator.Hex(),
		a.CarvID.String(),
		ether(a.PricePerCall),
		new(big.Int).SetUint64(a.TotalCalls).String(),
		ether(a.TotalEarnings),
		activeLabel(a.IsActive),
	}
}

var agentHeader = []string{"ID", "Name", "Creator", "CarvID", "Price", "Calls", "Earned", "Status"}

// agentJSON keeps uint256 amounts as decimal strings.
func agentJSON(a marketplace.Agent) map[string]interface{} {
	return map[string]interface{}{
		"agentId":         a.AgentID,
		"name":            a.Name,
		"description":     a.Description,
		"primaryGoal":     a.PrimaryGoal,
		"carvId":          a.CarvID.String(),
		"keywords":        a.Keywords,
		"pricePerCall":    a.PricePerCall.String(),
		"receiverAddress": a.ReceiverAddress,
		"creator":         a.Creator,
		"isActive":        a.IsActive,
		"totalCalls":      a.TotalCalls,
		"totalEarnings":   a.TotalEarnings.String(),
	}
}

func success(w io.Writer, format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(w, format+"\n", args...)
}
