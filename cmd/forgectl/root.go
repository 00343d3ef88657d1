package main

import (
	"context"
	"fmt"
	"strings"

	"agentforge/pkg/carvid"
	"agentforge/pkg/marketplace"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "AGENTFORGE"

// app carries resolved settings to the subcommands.
type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	var configFile string

	root := &cobra.Command{
		Use:           "forgectl",
		Short:         "Inspect and administer agentforge registries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd, configFile)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (toml, yaml or json)")
	pf.String("db", "agentforge.db", "Registry database ($AGENTFORGE_DB)")
	pf.String("carvid-address", "", "CarvID contract address")
	pf.String("agent-address", "", "Agent registry contract address")
	pf.String("rpc", "", "Ethereum RPC URL for chain subcommands")
	pf.Bool("json", false, "Print JSON instead of tables")

	root.AddCommand(
		newIdentityCmd(a),
		newAgentsCmd(a),
		newAccountsCmd(a),
		newLogsCmd(a),
		newChainCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command, configFile string) error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if configFile != "" {
		a.v.SetConfigFile(configFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", configFile, err)
		}
	}
	return nil
}

func (a *app) jsonOutput() bool { return a.v.GetBool("json") }

func (a *app) address(key string, deployNonce uint64) (common.Address, error) {
	raw := strings.TrimSpace(a.v.GetString(key))
	if raw == "" {
		return crypto.CreateAddress(common.Address{}, deployNonce), nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", key, raw)
	}
	return common.HexToAddress(raw), nil
}

// registries opens the local database. The caller closes the store.
type registries struct {
	store  *state.Store
	ids    *carvid.Registry
	agents *marketplace.Registry
}

func (a *app) open(ctx context.Context) (*registries, error) {
	carvAddr, err := a.address("carvid-address", 0)
	if err != nil {
		return nil, err
	}
	agentAddr, err := a.address("agent-address", 1)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(a.v.GetString("db"))
	if err != nil {
		return nil, err
	}
	ids, err := carvid.New(ctx, store, carvAddr)
	if err != nil {
		store.Close()
		return nil, err
	}
	agents, err := marketplace.New(ctx, store, agentAddr)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &registries{store: store, ids: ids, agents: agents}, nil
}

func parseAddress(name, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", name, raw)
	}
	return common.HexToAddress(raw), nil
}
