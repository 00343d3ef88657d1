package main

import (
	"fmt"
	"sort"
	"strings"

	"agentforge/pkg/events"
	"agentforge/pkg/state"

	"github.com/spf13/cobra"
)

func newLogsCmd(a *app) *cobra.Command {
	var f state.LogFilter
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List committed registry logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			items, err := r.store.Logs(cmd.Context(), f)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), items)
			}
			printLogs(cmd, items)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&f.FromSeq, "from", 0, "First sequence number")
	cmd.Flags().StringVar(&f.Contract, "contract", "", "CarvID or Agent")
	cmd.Flags().StringVar(&f.Event, "event", "", "Event name")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "Maximum logs")
	return cmd
}

func printLogs(cmd *cobra.Command, items []events.Log) {
	rows := make([][]string, 0, len(items))
	for _, lg := range items {
		rows = append(rows, []string{
			fmt.Sprint(lg.Seq),
			lg.Contract,
			lg.Event,
			formatArgs(lg.Args),
			lg.TxHash.Hex()[:10],
		})
	}
	printTable(cmd.OutOrStdout(), []string{"Seq", "Contract", "Event", "Args", "Tx"}, rows)
}

func formatArgs(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, " ")
}
