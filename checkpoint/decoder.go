package checkpoint

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/contracts/posbridge"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decoder turns a checkpoint log of the root chain into a Record. The
// oracle filters logs by Topic().
type Decoder interface {
	Topic() ethcommon.Hash
	Decode(l types.Log) (Record, error)
}

type eventDecoder struct {
	event      abi.Event
	indexed    abi.Arguments
	startField string
	endField   string
	rootField  string
}

// NewEventDecoder builds a Decoder for any ABI event carrying the child block
// range of a checkpoint. rootField may be empty. Fields named proposer and
// headerBlockId are picked up when the event has them.
func NewEventDecoder(abiJSON, event, startField, endField, rootField string) (Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, err
	}
	ev, ok := parsed.Events[event]
	if !ok {
		return nil, fmt.Errorf("event %s not in abi", event)
	}

	d := &eventDecoder{event: ev, startField: startField, endField: endField, rootField: rootField}
	names := map[string]bool{}
	for _, arg := range ev.Inputs {
		names[arg.Name] = true
		if arg.Indexed {
			d.indexed = append(d.indexed, arg)
		}
	}
	for _, f := range []string{startField, endField, rootField} {
		if f != "" && !names[f] {
			return nil, fmt.Errorf("event %s has no field %s", event, f)
		}
	}
	return d, nil
}

// DefaultDecoder decodes RootChainProxy NewHeaderBlock logs.
func DefaultDecoder() Decoder {
	d, err := NewEventDecoder(posbridge.RootChainMetaData.ABI, "NewHeaderBlock", "start", "end", "root")
	if err != nil {
		panic(err)
	}
	return d
}

func (d *eventDecoder) Topic() ethcommon.Hash {
	return d.event.ID
}

func (d *eventDecoder) Decode(l types.Log) (Record, error) {
	if len(l.Topics) == 0 || l.Topics[0] != d.event.ID {
		return Record{}, ErrUnexpectedLog(l, "topic")
	}
	if len(l.Topics)-1 != len(d.indexed) {
		return Record{}, ErrUnexpectedLog(l, "topic count")
	}

	values := map[string]interface{}{}
	if err := d.event.Inputs.UnpackIntoMap(values, l.Data); err != nil {
		return Record{}, ErrUnexpectedLog(l, err.Error())
	}
	if err := abi.ParseTopicsIntoMap(values, d.indexed, l.Topics[1:]); err != nil {
		return Record{}, ErrUnexpectedLog(l, err.Error())
	}

	start, err := uint64Field(values, d.startField)
	if err != nil {
		return Record{}, ErrUnexpectedLog(l, err.Error())
	}
	end, err := uint64Field(values, d.endField)
	if err != nil {
		return Record{}, ErrUnexpectedLog(l, err.Error())
	}
	if end < start {
		return Record{}, ErrUnexpectedLog(l, fmt.Sprintf("end %d before start %d", end, start))
	}

	rec := Record{
		ChildStart: start,
		ChildEnd:   end,
		RootBlock:  l.BlockNumber,
		RootTxHash: l.TxHash,
	}
	if d.rootField != "" {
		if root, ok := values[d.rootField].([32]byte); ok {
			rec.Root = root
		}
	}
	if p, ok := values["proposer"].(ethcommon.Address); ok {
		rec.Proposer = p
	}
	if id, ok := values["headerBlockId"].(*big.Int); ok {
		rec.HeaderBlockID = new(big.Int).Set(id)
	}
	return rec, nil
}

func uint64Field(values map[string]interface{}, name string) (uint64, error) {
	v, ok := values[name].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("field %s is not an integer", name)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("field %s out of range: %v", name, v)
	}
	return v.Uint64(), nil
}
