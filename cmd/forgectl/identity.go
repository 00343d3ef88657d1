package main

import (
	"fmt"
	"strings"

	"agentforge/pkg/events"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func newIdentityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "identity",
		Aliases: []string{"carvid"},
		Short:   "CarvID identities",
	}
	cmd.AddCommand(
		newIdentityShowCmd(a),
		newIdentityMintCmd(a),
		newIdentityAccessCmd(a),
		newIdentityOwnedCmd(a),
	)
	return cmd
}

func newIdentityShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <carvId>",
		Short: "Show an identity and its profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := state.ParseBig(args[0])
			if err != nil {
				return err
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			ident, err := r.ids.Identity(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"carvId":      ident.CarvID.String(),
					"owner":       ident.Owner,
					"metadataURI": ident.MetadataURI,
					"approved":    ident.Approved,
					"profile":     ident.Profile,
				})
			}
			printTable(cmd.OutOrStdout(), []string{"Field", "Value"}, [][]string{
				{"CarvID", ident.CarvID.String()},
				{"Owner", ident.Owner.Hex()},
				{"Metadata URI", ident.MetadataURI},
				{"Name", ident.Profile.Name},
				{"Description", ident.Profile.Description},
				{"Reputation", fmt.Sprint(ident.Profile.ReputationScore)},
			})
			return nil
		},
	}
}

func newIdentityMintCmd(a *app) *cobra.Command {
	var from, to, uri, name, description string
	cmd := &cobra.Command{
		Use:   "mint <carvId>",
		Short: "Mint an identity on the local database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := state.ParseBig(args[0])
			if err != nil {
				return err
			}
			caller, err := parseAddress("--from", from)
			if err != nil {
				return err
			}
			owner := caller
			if to != "" {
				if owner, err = parseAddress("--to", to); err != nil {
					return err
				}
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			rc, err := r.ids.Mint(cmd.Context(), caller, owner, id, uri, name, description)
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "minted carvId %s to %s (tx %s)", id, owner.Hex(), rc.TxHash.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Minting address")
	cmd.Flags().StringVar(&to, "to", "", "Owner (defaults to --from)")
	cmd.Flags().StringVar(&uri, "uri", "", "Metadata URI")
	cmd.Flags().StringVar(&name, "name", "", "Profile name")
	cmd.Flags().StringVar(&description, "description", "", "Profile description")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newIdentityAccessCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "access <carvId> <grantee> <dataType>",
		Short: "Check whether grantee may read a data type",
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
			if strings.HasPrefix(args[2], "0x") && len(args[2]) == 66 {
				dataType = common.HexToHash(args[2])
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			ok, err := r.ids.HasAccess(cmd.Context(), id, grantee, dataType)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}
}

func newIdentityOwnedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "owned <address>",
		Short: "List identities held by an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseAddress("owner", args[0])
			if err != nil {
				return err
			}
			r, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer r.store.Close()
			ids, err := r.ids.TokensOf(cmd.Context(), owner)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				rows = append(rows, []string{id.String()})
			}
			printTable(cmd.OutOrStdout(), []string{"CarvID"}, rows)
			return nil
		},
	}
}
