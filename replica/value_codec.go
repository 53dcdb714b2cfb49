package replica

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ValueCodec converts collection values to and from their wire bytes.
// Equal values must encode to equal bytes, since an unchanged encoding is
// sent as an update rather than a set.
type ValueCodec[E any] interface {
	Encode(value E) ([]byte, error)
	Decode(valueBytes []byte) (E, error)
}

// raw utf-8. Not usable with the json protocol.
type StringCodec struct{}

func (self StringCodec) Encode(value string) ([]byte, error) {
	return []byte(value), nil
}

func (self StringCodec) Decode(valueBytes []byte) (string, error) {
	return string(valueBytes), nil
}

type JsonValueCodec[E any] struct{}

func (self JsonValueCodec[E]) Encode(value E) ([]byte, error) {
	return json.Marshal(value)
}

func (self JsonValueCodec[E]) Decode(valueBytes []byte) (E, error) {
	var value E
	err := json.Unmarshal(valueBytes, &value)
	return value, err
}

func newMessage[E proto.Message]() E {
	var zero E
	return zero.ProtoReflect().New().Interface().(E)
}

// protobuf wire format. Marshaling is deterministic so that equal messages encode equally.
type ProtoValueCodec[E proto.Message] struct{}

func (self ProtoValueCodec[E]) Encode(value E) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(value)
}

func (self ProtoValueCodec[E]) Decode(valueBytes []byte) (E, error) {
	value := newMessage[E]()
	err := proto.Unmarshal(valueBytes, value)
	return value, err
}

// protobuf json format, for protobuf values carried by the json protocol.
type ProtoJsonValueCodec[E proto.Message] struct{}

func (self ProtoJsonValueCodec[E]) Encode(value E) ([]byte, error) {
	b, err := protojson.Marshal(value)
	if err != nil {
		return nil, err
	}
	// protojson output is deliberately unstable in whitespace
	var compact json.RawMessage
	if err := json.Unmarshal(b, &compact); err != nil {
		return nil, err
	}
	return json.Marshal(compact)
}

func (self ProtoJsonValueCodec[E]) Decode(valueBytes []byte) (E, error) {
	value := newMessage[E]()
	err := protojson.Unmarshal(valueBytes, value)
	return value, err
}
