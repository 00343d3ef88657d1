package main

import (
	"agentforge/pkg/state"

	"github.com/spf13/cobra"
)

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Native balances",
	}
	cmd.AddCommand(newAccountShowCmd(a), newAccountFundCmd(a), newAccountRejectCmd(a))
	return cmd
}

func newAccountShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show a balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("address", args[0])
			if err != nil {
				return err
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			acct, err := r.store.Account(cmd.Context(), addr)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"address":         acct.Address,
					"balance":         acct.Balance.String(),
					"rejectsPayments": acct.RejectsPayments,
				})
			}
			rejects := "no"
			if acct.RejectsPayments {
				rejects = "yes"
			}
			printTable(cmd.OutOrStdout(), []string{"Address", "Balance", "Wei", "Rejects payments"}, [][]string{
				{acct.Address.Hex(), ether(acct.Balance), acct.Balance.String(), rejects},
			})
			return nil
		},
	}
}

func newAccountFundCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fund <address> <value>",
		Short: "Credit an account on the local database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("address", args[0])
			if err != nil {
				return err
			}
			value, err := state.ParseWei(args[1])
			if err != nil {
				return err
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			if _, err := r.store.Fund(cmd.Context(), addr, value); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "funded %s with %s", addr.Hex(), ether(value))
			return nil
		},
	}
}

func newAccountRejectCmd(a *app) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "reject <address>",
		Short: "Make an account refuse incoming payments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("address", args[0])
			if err != nil {
				return err
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			if err := r.store.MarkRejecting(cmd.Context(), addr, !off); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "%s rejects payments: %t", addr.Hex(), !off)
			return nil
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "Accept payments again")
	return cmd
}
