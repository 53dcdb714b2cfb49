package replica

import (
	"encoding/json"
	"fmt"
)

// json wire format. Element values are embedded as json, which requires a json value codec.
//
//	request  {"command", "clientId"?, "lastChange", "write"?, "lockId"?, "ops"?}
//	response {"responseType", "changes", "clientId"?, "lockId"?, "result"?, "address"?, "message"?, "errorType"?, "snapshot"?}

type jsonOperation struct {
	Type    string          `json:"type"`
	After   Address         `json:"after,omitempty"`
	Before  Address         `json:"before,omitempty"`
	First   bool            `json:"first,omitempty"`
	Address Address         `json:"address,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

type jsonRequest struct {
	Command    string           `json:"command"`
	ClientId   *Id              `json:"clientId,omitempty"`
	LastChange int64            `json:"lastChange"`
	Write      bool             `json:"write,omitempty"`
	LockId     *Id              `json:"lockId,omitempty"`
	Ops        []*jsonOperation `json:"ops,omitempty"`
}

type jsonSnapshotElement struct {
	Address Address         `json:"address"`
	Value   json.RawMessage `json:"value"`
}

type jsonSnapshot struct {
	Cursor            int64                  `json:"cursor"`
	ContentControlled bool                   `json:"contentControlled,omitempty"`
	Elements          []*jsonSnapshotElement `json:"elements"`
}

type jsonResponse struct {
	Type      string        `json:"responseType"`
	Changes   []*jsonChange `json:"changes"`
	ClientId  *Id           `json:"clientId,omitempty"`
	LockId    *Id           `json:"lockId,omitempty"`
	Result    *string       `json:"result,omitempty"`
	Address   Address       `json:"address,omitempty"`
	Message   string        `json:"message,omitempty"`
	ErrorType string        `json:"errorType,omitempty"`
	Snapshot  *jsonSnapshot `json:"snapshot,omitempty"`
}

func optionalId(id Id) *Id {
	if id.IsZero() {
		return nil
	}
	return &id
}

func requiredId(id *Id) Id {
	if id == nil {
		return Id{}
	}
	return *id
}

func jsonValue(value []byte) (json.RawMessage, error) {
	if !json.Valid(value) {
		return nil, fmt.Errorf("%w: value is not json", ErrChangeFormat)
	}
	return json.RawMessage(value), nil
}

type jsonProtocol struct{}

func (self jsonProtocol) EncodeRequest(request *commandRequest) ([]byte, error) {
	jr := &jsonRequest{
		Command:    request.Command,
		ClientId:   optionalId(request.ClientId),
		LastChange: request.LastChange,
		Write:      request.Write,
		LockId:     optionalId(request.LockId),
	}
	for _, op := range request.Ops {
		jop := &jsonOperation{
			Type:    op.Type.String(),
			After:   op.After,
			Before:  op.Before,
			First:   op.First,
			Address: op.Address,
		}
		if op.Value != nil {
			value, err := jsonValue(op.Value)
			if err != nil {
				return nil, err
			}
			jop.Value = value
		}
		jr.Ops = append(jr.Ops, jop)
	}
	return json.Marshal(jr)
}

func (self jsonProtocol) DecodeRequest(requestBytes []byte) (*commandRequest, error) {
	var jr jsonRequest
	if err := json.Unmarshal(requestBytes, &jr); err != nil {
		return nil, err
	}
	request := &commandRequest{
		Command:    jr.Command,
		ClientId:   requiredId(jr.ClientId),
		LastChange: jr.LastChange,
		Write:      jr.Write,
		LockId:     requiredId(jr.LockId),
	}
	for _, jop := range jr.Ops {
		opType, err := ParseOperationType(jop.Type)
		if err != nil {
			return nil, err
		}
		op := &Operation{
			Type:    opType,
			After:   jop.After,
			Before:  jop.Before,
			First:   jop.First,
			Address: jop.Address,
		}
		if jop.Value != nil {
			op.Value = []byte(jop.Value)
		}
		request.Ops = append(request.Ops, op)
	}
	return request, nil
}

func (self jsonProtocol) EncodeResponse(response *commandResponse) ([]byte, error) {
	jr := &jsonResponse{
		Type:      string(response.ResponseType),
		ClientId:  optionalId(response.ClientId),
		LockId:    optionalId(response.LockId),
		Result:    response.Result,
		Address:   response.Address,
		Message:   response.Message,
		ErrorType: response.ErrorType,
		Changes:   []*jsonChange{},
	}
	for _, change := range response.Changes {
		jc, err := toJsonChange(change)
		if err != nil {
			return nil, err
		}
		jr.Changes = append(jr.Changes, jc)
	}
	if snapshot := response.Snapshot; snapshot != nil {
		js := &jsonSnapshot{
			Cursor:            snapshot.Cursor,
			ContentControlled: snapshot.ContentControlled,
			Elements:          make([]*jsonSnapshotElement, len(snapshot.Elements)),
		}
		for i, element := range snapshot.Elements {
			value, err := jsonValue(element.Value)
			if err != nil {
				return nil, err
			}
			js.Elements[i] = &jsonSnapshotElement{
				Address: element.Address,
				Value:   value,
			}
		}
		jr.Snapshot = js
	}
	return json.Marshal(jr)
}

func (self jsonProtocol) DecodeResponse(responseBytes []byte) (*commandResponse, error) {
	var jr jsonResponse
	if err := json.Unmarshal(responseBytes, &jr); err != nil {
		return nil, err
	}
	response := &commandResponse{
		ResponseType: ResponseType(jr.Type),
		ClientId:     requiredId(jr.ClientId),
		LockId:       requiredId(jr.LockId),
		Result:       jr.Result,
		Address:      jr.Address,
		Message:      jr.Message,
		ErrorType:    jr.ErrorType,
	}
	for _, jc := range jr.Changes {
		change, err := fromJsonChange(jc)
		if err != nil {
			return nil, err
		}
		response.Changes = append(response.Changes, change)
	}
	if js := jr.Snapshot; js != nil {
		snapshot := &Snapshot{
			Cursor:            js.Cursor,
			ContentControlled: js.ContentControlled,
			Elements:          make([]*SnapshotElement, len(js.Elements)),
		}
		for i, element := range js.Elements {
			snapshot.Elements[i] = &SnapshotElement{
				Address: element.Address,
				Value:   []byte(element.Value),
			}
		}
		response.Snapshot = snapshot
	}
	return response, nil
}
