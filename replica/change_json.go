package replica

import (
	"encoding/json"
	"fmt"
)

// json form of a change. Values are embedded as json, so the collection
// must use a codec that produces json (see `JsonValueCodec`).
//   add    {"id", "type", "address", "value"}
//   remove {"id", "type", "address", "value"}
//   set    {"id", "type", "address", "old", "new"}
//   update {"id", "type", "address", "value"?}
type jsonChange struct {
	Id             int64           `json:"id"`
	Type           string          `json:"type"`
	Address        Address         `json:"address"`
	Value          json.RawMessage `json:"value,omitempty"`
	Old            json.RawMessage `json:"old,omitempty"`
	New            json.RawMessage `json:"new,omitempty"`
	TransactionEnd bool            `json:"transactionEnd,omitempty"`
	Move           bool            `json:"move,omitempty"`
}

func toJsonChange(change *Change) (*jsonChange, error) {
	jc := &jsonChange{
		Id:             change.EventId,
		Type:           change.Type.String(),
		Address:        change.Address,
		TransactionEnd: change.TransactionEnd,
		Move:           change.Move,
	}
	checkJson := func(value []byte) (json.RawMessage, error) {
		if !json.Valid(value) {
			return nil, fmt.Errorf("%w: value of change %d is not json", ErrChangeFormat, change.EventId)
		}
		return json.RawMessage(value), nil
	}
	var err error
	switch change.Type {
	case ChangeAdd:
		jc.Value, err = checkJson(change.NewValue)
	case ChangeRemove:
		jc.Value, err = checkJson(change.OldValue)
	case ChangeSet:
		if jc.Old, err = checkJson(change.OldValue); err == nil {
			jc.New, err = checkJson(change.NewValue)
		}
	case ChangeUpdate:
		// records read back from the binary form have no value
		if change.NewValue != nil {
			jc.Value, err = checkJson(change.NewValue)
		}
	default:
		err = fmt.Errorf("%w: type %s", ErrChangeFormat, change.Type)
	}
	if err != nil {
		return nil, err
	}
	return jc, nil
}

func fromJsonChange(jc *jsonChange) (*Change, error) {
	changeType, err := ParseChangeType(jc.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChangeFormat, err)
	}
	change := &Change{
		EventId:        jc.Id,
		Address:        jc.Address,
		Type:           changeType,
		TransactionEnd: jc.TransactionEnd,
		Move:           jc.Move,
	}
	switch changeType {
	case ChangeAdd:
		if jc.Value == nil {
			return nil, fmt.Errorf("%w: add without value", ErrChangeFormat)
		}
		change.NewValue = []byte(jc.Value)
	case ChangeRemove:
		if jc.Value == nil {
			return nil, fmt.Errorf("%w: remove without value", ErrChangeFormat)
		}
		change.OldValue = []byte(jc.Value)
	case ChangeSet:
		if jc.Old == nil || jc.New == nil {
			return nil, fmt.Errorf("%w: set without old and new", ErrChangeFormat)
		}
		change.OldValue = []byte(jc.Old)
		change.NewValue = []byte(jc.New)
	case ChangeUpdate:
		if jc.Value != nil {
			change.OldValue = []byte(jc.Value)
			change.NewValue = []byte(jc.Value)
		}
	}
	return change, nil
}

func MarshalChangeJson(change *Change) ([]byte, error) {
	jc, err := toJsonChange(change)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jc)
}

func UnmarshalChangeJson(changeJson []byte) (*Change, error) {
	var jc jsonChange
	if err := json.Unmarshal(changeJson, &jc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChangeFormat, err)
	}
	return fromJsonChange(&jc)
}
