// Package events encodes registry events as EVM-style logs.
package events

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	ContractCarvID = "CarvID"
	ContractAgent  = "Agent"
)

// Log is one emitted event. Seq, TxHash and Index are filled in by the store
// when the transaction that emitted it commits.
type Log struct {
	Seq      uint64                 `json:"seq"`
	TxHash   common.Hash            `json:"txHash"`
	Index    uint                   `json:"logIndex"`
	Contract string                 `json:"contract"`
	Address  common.Address         `json:"address"`
	Event    string                 `json:"event"`
	Topics   []common.Hash          `json:"topics"`
	Data     hexutil.Bytes          `json:"data"`
	Args     map[string]interface{} `json:"args"`
}

// Contract binds a contract name and address to its ABI.
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

func CarvID(addr common.Address) Contract {
	return Contract{Name: ContractCarvID, Address: addr, ABI: CarvIDABI}
}

func Agent(addr common.Address) Contract {
	return Contract{Name: ContractAgent, Address: addr, ABI: AgentABI}
}

// DataTypeHash derives the opaque capability id the UI uses for a named data type.
func DataTypeHash(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(name))
}

// Encode builds the log for event with args given in ABI input order.
// uint256 values must be *big.Int, bytes32 values common.Hash.
func (c Contract) Encode(event string, args ...interface{}) (Log, error) {
	ev, ok := c.ABI.Events[event]
	if !ok {
		return Log{}, fmt.Errorf("unknown event %s on %s", event, c.Name)
	}
	if len(args) != len(ev.Inputs) {
		return Log{}, fmt.Errorf("event %s takes %d args, got %d", event, len(ev.Inputs), len(args))
	}

	topics := []common.Hash{ev.ID}
	nonIndexed := make([]interface{}, 0, len(args))
	display := make(map[string]interface{}, len(args))
	for i, input := range ev.Inputs {
		arg := args[i]
		display[input.Name] = displayValue(arg)
		if input.Indexed {
			topic, err := topicFor(arg)
			if err != nil {
				return Log{}, fmt.Errorf("event %s arg %s: %w", event, input.Name, err)
			}
			topics = append(topics, topic)
			continue
		}
		if h, ok := arg.(common.Hash); ok {
			arg = [32]byte(h)
		}
		nonIndexed = append(nonIndexed, arg)
	}
	data, err := ev.Inputs.NonIndexed().Pack(nonIndexed...)
	if err != nil {
		return Log{}, fmt.Errorf("pack event %s: %w", event, err)
	}
	return Log{
		Contract: c.Name,
		Address:  c.Address,
		Event:    ev.Name,
		Topics:   topics,
		Data:     data,
		Args:     display,
	}, nil
}

// Decode turns a chain log emitted by this contract back into a Log.
func (c Contract) Decode(lg types.Log) (Log, error) {
	if len(lg.Topics) == 0 {
		return Log{}, fmt.Errorf("anonymous log not supported")
	}
	ev, err := c.ABI.EventByID(lg.Topics[0])
	if err != nil {
		return Log{}, err
	}
	values := make(map[string]interface{}, len(ev.Inputs))
	if len(lg.Data) > 0 {
		if err := c.ABI.UnpackIntoMap(values, ev.Name, lg.Data); err != nil {
			return Log{}, fmt.Errorf("unpack %s data: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, input := range ev.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
		return Log{}, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}
	display := make(map[string]interface{}, len(values))
	for k, v := range values {
		display[k] = displayValue(v)
	}
	return Log{
		Seq:      lg.BlockNumber,
		TxHash:   lg.TxHash,
		Index:    lg.Index,
		Contract: c.Name,
		Address:  lg.Address,
		Event:    ev.Name,
		Topics:   append([]common.Hash(nil), lg.Topics...),
		Data:     append([]byte(nil), lg.Data...),
		Args:     display,
	}, nil
}

func topicFor(v interface{}) (common.Hash, error) {
	switch x := v.(type) {
	case *big.Int:
		if x == nil || x.Sign() < 0 {
			return common.Hash{}, fmt.Errorf("negative or nil uint256")
		}
		return common.BigToHash(x), nil
	case common.Address:
		return common.BytesToHash(x.Bytes()), nil
	case common.Hash:
		return x, nil
	case bool:
		if x {
			return common.BigToHash(big.NewInt(1)), nil
		}
		return common.Hash{}, nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type %T", v)
	}
}

func displayValue(v interface{}) interface{} {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return "0"
		}
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case [32]byte:
		return common.Hash(x).Hex()
	default:
		return v
	}
}
