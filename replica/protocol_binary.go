package replica

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// binary wire format, in protobuf wire encoding. Changes are embedded as binary change records.
//
//	request   1 command, 2 client_id, 3 last_change (zigzag), 4 write, 5 lock_id, 6 ops (repeated)
//	operation 1 type, 2 after, 3 before, 4 first, 5 address, 6 value
//	response  1 type, 2 changes (repeated), 3 client_id, 4 lock_id, 5 result, 6 address,
//	          7 message, 8 error_type, 9 snapshot
//	snapshot  1 cursor (zigzag), 2 content_controlled, 3 elements (repeated)
//	element   1 address, 2 value

var commandCodes = map[string]uint64{
	CommandAttach:          1,
	CommandDetach:          2,
	CommandPoll:            3,
	CommandLock:            4,
	CommandTryLock:         5,
	CommandUnlock:          6,
	CommandQueryCapability: 7,
	CommandApply:           8,
}

var responseTypeCodes = map[ResponseType]uint64{
	ResponseSuccess:       1,
	ResponseError:         2,
	ResponseFail:          3,
	ResponseConcurrentMod: 4,
}

func reverseCodes[K comparable](codes map[K]uint64) map[uint64]K {
	reversed := map[uint64]K{}
	for k, code := range codes {
		reversed[code] = k
	}
	return reversed
}

var commandsByCode = reverseCodes(commandCodes)
var responseTypesByCode = reverseCodes(responseTypeCodes)

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendOptionalBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendId(b []byte, num protowire.Number, id Id) []byte {
	if id.IsZero() {
		return b
	}
	return appendOptionalBytes(b, num, id.Bytes())
}

func appendSigned(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

// walkFields calls `visit` for each field. `visit` returns the bytes it consumed,
// or 0 to skip the field.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrChangeFormat, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: %w", ErrChangeFormat, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint, found wire type %d", ErrChangeFormat, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %w", ErrChangeFormat, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected bytes, found wire type %d", ErrChangeFormat, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %w", ErrChangeFormat, protowire.ParseError(n))
	}
	// the result aliases the message buffer
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeId(typ protowire.Type, b []byte) (Id, int, error) {
	idBytes, n, err := consumeBytes(typ, b)
	if err != nil {
		return Id{}, 0, err
	}
	id, err := IdFromBytes(idBytes)
	if err != nil {
		return Id{}, 0, fmt.Errorf("%w: %w", ErrChangeFormat, err)
	}
	return id, n, nil
}

type binaryProtocol struct{}

func (self binaryProtocol) EncodeRequest(request *commandRequest) ([]byte, error) {
	code, ok := commandCodes[request.Command]
	if !ok {
		return nil, fmt.Errorf("unknown command %s", request.Command)
	}
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, code)
	b = appendId(b, 2, request.ClientId)
	b = appendSigned(b, 3, request.LastChange)
	b = appendBool(b, 4, request.Write)
	b = appendId(b, 5, request.LockId)
	for _, op := range request.Ops {
		opBytes := protowire.AppendTag(nil, 1, protowire.VarintType)
		opBytes = protowire.AppendVarint(opBytes, uint64(op.Type))
		opBytes = appendOptionalBytes(opBytes, 2, op.After)
		opBytes = appendOptionalBytes(opBytes, 3, op.Before)
		opBytes = appendBool(opBytes, 4, op.First)
		opBytes = appendOptionalBytes(opBytes, 5, op.Address)
		opBytes = appendOptionalBytes(opBytes, 6, op.Value)

		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, opBytes)
	}
	return b, nil
}

func decodeOperation(b []byte) (*Operation, error) {
	op := &Operation{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			if uint64(OperationUpdate) < v {
				return 0, fmt.Errorf("%w: operation type %d", ErrChangeFormat, v)
			}
			op.Type = OperationType(v)
			return n, nil
		case 2:
			v, n, err := consumeBytes(typ, b)
			op.After = v
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			op.Before = v
			return n, err
		case 4:
			v, n, err := consumeVarint(typ, b)
			op.First = v != 0
			return n, err
		case 5:
			v, n, err := consumeBytes(typ, b)
			op.Address = v
			return n, err
		case 6:
			v, n, err := consumeBytes(typ, b)
			op.Value = v
			return n, err
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (self binaryProtocol) DecodeRequest(requestBytes []byte) (*commandRequest, error) {
	request := &commandRequest{}
	err := walkFields(requestBytes, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			command, ok := commandsByCode[v]
			if !ok {
				return 0, fmt.Errorf("%w: command %d", ErrChangeFormat, v)
			}
			request.Command = command
			return n, nil
		case 2:
			v, n, err := consumeId(typ, b)
			request.ClientId = v
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			request.LastChange = protowire.DecodeZigZag(v)
			return n, err
		case 4:
			v, n, err := consumeVarint(typ, b)
			request.Write = v != 0
			return n, err
		case 5:
			v, n, err := consumeId(typ, b)
			request.LockId = v
			return n, err
		case 6:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			op, err := decodeOperation(v)
			if err != nil {
				return 0, err
			}
			request.Ops = append(request.Ops, op)
			return n, nil
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if request.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrChangeFormat)
	}
	return request, nil
}

func (self binaryProtocol) EncodeResponse(response *commandResponse) ([]byte, error) {
	code, ok := responseTypeCodes[response.ResponseType]
	if !ok {
		return nil, fmt.Errorf("unknown response type %s", response.ResponseType)
	}
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, code)
	for _, change := range response.Changes {
		changeBytes, err := EncodeChange(change)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, changeBytes)
	}
	b = appendId(b, 3, response.ClientId)
	b = appendId(b, 4, response.LockId)
	if response.Result != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, *response.Result)
	}
	b = appendOptionalBytes(b, 6, response.Address)
	if response.Message != "" {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, response.Message)
	}
	if response.ErrorType != "" {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendString(b, response.ErrorType)
	}
	if snapshot := response.Snapshot; snapshot != nil {
		snapshotBytes := appendSigned(nil, 1, snapshot.Cursor)
		snapshotBytes = appendBool(snapshotBytes, 2, snapshot.ContentControlled)
		for _, element := range snapshot.Elements {
			elementBytes := appendOptionalBytes(nil, 1, element.Address)
			elementBytes = protowire.AppendTag(elementBytes, 2, protowire.BytesType)
			elementBytes = protowire.AppendBytes(elementBytes, element.Value)

			snapshotBytes = protowire.AppendTag(snapshotBytes, 3, protowire.BytesType)
			snapshotBytes = protowire.AppendBytes(snapshotBytes, elementBytes)
		}
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, snapshotBytes)
	}
	return b, nil
}

func decodeSnapshot(b []byte) (*Snapshot, error) {
	snapshot := &Snapshot{
		Elements: []*SnapshotElement{},
	}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			snapshot.Cursor = protowire.DecodeZigZag(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			snapshot.ContentControlled = v != 0
			return n, err
		case 3:
			elementBytes, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			element := &SnapshotElement{
				Value: []byte{},
			}
			err = walkFields(elementBytes, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					v, n, err := consumeBytes(typ, b)
					element.Address = v
					return n, err
				case 2:
					v, n, err := consumeBytes(typ, b)
					element.Value = v
					return n, err
				default:
					return 0, nil
				}
			})
			if err != nil {
				return 0, err
			}
			snapshot.Elements = append(snapshot.Elements, element)
			return n, nil
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (self binaryProtocol) DecodeResponse(responseBytes []byte) (*commandResponse, error) {
	response := &commandResponse{}
	err := walkFields(responseBytes, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			responseType, ok := responseTypesByCode[v]
			if !ok {
				return 0, fmt.Errorf("%w: response type %d", ErrChangeFormat, v)
			}
			response.ResponseType = responseType
			return n, nil
		case 2:
			changeBytes, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			change, m, err := DecodeChange(changeBytes)
			if err != nil {
				return 0, err
			}
			if m != len(changeBytes) {
				return 0, fmt.Errorf("%w: %d trailing bytes after change", ErrChangeFormat, len(changeBytes)-m)
			}
			response.Changes = append(response.Changes, change)
			return n, nil
		case 3:
			v, n, err := consumeId(typ, b)
			response.ClientId = v
			return n, err
		case 4:
			v, n, err := consumeId(typ, b)
			response.LockId = v
			return n, err
		case 5:
			v, n, err := consumeBytes(typ, b)
			result := string(v)
			response.Result = &result
			return n, err
		case 6:
			v, n, err := consumeBytes(typ, b)
			response.Address = v
			return n, err
		case 7:
			v, n, err := consumeBytes(typ, b)
			response.Message = string(v)
			return n, err
		case 8:
			v, n, err := consumeBytes(typ, b)
			response.ErrorType = string(v)
			return n, err
		case 9:
			snapshotBytes, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			snapshot, err := decodeSnapshot(snapshotBytes)
			if err != nil {
				return 0, err
			}
			response.Snapshot = snapshot
			return n, nil
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if response.ResponseType == "" {
		return nil, fmt.Errorf("%w: missing response type", ErrChangeFormat)
	}
	return response, nil
}
