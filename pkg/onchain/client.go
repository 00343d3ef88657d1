// Package onchain reads a real EVM deployment of the CarvID and Agent
// contracts through the same ABIs the node uses for its own logs.
package onchain

import (
	"context"
	"fmt"
	"math/big"

	"agentforge/pkg/carvid"
	"agentforge/pkg/events"
	"agentforge/pkg/marketplace"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of ethclient.Client the package needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client queries both registries on chain.
type Client struct {
	backend Backend
	carvID  events.Contract
	agent   events.Contract
}

// Dial connects to rpcURL.
func Dial(rpcURL string, carvIDAddr, agentAddr common.Address) (*Client, *ethclient.Client, error) {
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return NewClient(ec, carvIDAddr, agentAddr), ec, nil
}

func NewClient(backend Backend, carvIDAddr, agentAddr common.Address) *Client {
	return &Client{
		backend: backend,
		carvID:  events.CarvID(carvIDAddr),
		agent:   events.Agent(agentAddr),
	}
}

func (c *Client) call(ctx context.Context, contract events.Contract, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := contract.Address
	res, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", contract.Name, method, err)
	}
	out, err := contract.ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned nothing", method)
	}
	return out, nil
}

func (c *Client) HasAccess(ctx context.Context, carvID *big.Int, grantee common.Address, dataType common.Hash) (bool, error) {
	out, err := c.call(ctx, c.carvID, "hasAccess", carvID, grantee, [32]byte(dataType))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *Client) OwnerOf(ctx context.Context, carvID *big.Int) (common.Address, error) {
	out, err := c.call(ctx, c.carvID, "ownerOf", carvID)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (c *Client) TokenURI(ctx context.Context, carvID *big.Int) (string, error) {
	out, err := c.call(ctx, c.carvID, "tokenURI", carvID)
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

type profileTuple struct {
	Name            string
	Description     string
	ReputationScore *big.Int
}

func (c *Client) GetUserProfile(ctx context.Context, carvID *big.Int) (carvid.Profile, error) {
	out, err := c.call(ctx, c.carvID, "getUserProfile", carvID)
	if err != nil {
		return carvid.Profile{}, err
	}
	p := abi.ConvertType(out[0], new(profileTuple)).(*profileTuple)
	return carvid.Profile{Name: p.Name, Description: p.Description, ReputationScore: p.ReputationScore.Uint64()}, nil
}

type agentTuple struct {
	AgentId         *big.Int
	Name            string
	Description     string
	PrimaryGoal     string
	CarvId          *big.Int
	Keywords        []string
	PricePerCall    *big.Int
	ReceiverAddress common.Address
	Creator         common.Address
	IsActive        bool
	TotalCalls      *big.Int
	TotalEarnings   *big.Int
}

func (c *Client) GetAgent(ctx context.Context, agentID uint64) (marketplace.Agent, error) {
	out, err := c.call(ctx, c.agent, "getAgent", new(big.Int).SetUint64(agentID))
	if err != nil {
		return marketplace.Agent{}, err
	}
	t := abi.ConvertType(out[0], new(agentTuple)).(*agentTuple)
	return marketplace.Agent{
		AgentID:         t.AgentId.Uint64(),
		Name:            t.Name,
		Description:     t.Description,
		PrimaryGoal:     t.PrimaryGoal,
		CarvID:          t.CarvId,
		Keywords:        t.Keywords,
		PricePerCall:    t.PricePerCall,
		ReceiverAddress: t.ReceiverAddress,
		Creator:         t.Creator,
		IsActive:        t.IsActive,
		TotalCalls:      t.TotalCalls.Uint64(),
		TotalEarnings:   t.TotalEarnings,
	}, nil
}

func (c *Client) ids(ctx context.Context, method string, arg interface{}) ([]uint64, error) {
	out, err := c.call(ctx, c.agent, method, arg)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}

func (c *Client) SearchAgentsByKeyword(ctx context.Context, keyword string) ([]uint64, error) {
	return c.ids(ctx, "searchAgentsByKeyword", keyword)
}

func (c *Client) GetAgentsByCreator(ctx context.Context, creator common.Address) ([]uint64, error) {
	return c.ids(ctx, "getAgentsByCreator", creator)
}

func (c *Client) GetAgentsByCarvId(ctx context.Context, carvID *big.Int) ([]uint64, error) {
	return c.ids(ctx, "getAgentsByCarvId", carvID)
}
