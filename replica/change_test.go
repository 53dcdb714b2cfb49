package replica

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestChangeBinaryLayout(t *testing.T) {
	change := &Change{
		EventId:        0x0102,
		Address:        Address{0xAB, 0xCD},
		Type:           ChangeSet,
		OldValue:       []byte("a"),
		NewValue:       []byte("bc"),
		TransactionEnd: true,
	}
	b, err := EncodeChange(change)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte{
		0, 0, 0, 0, 0, 0, 0x01, 0x02,
		0x80 | 0x20, 0x00, 0x02,
		0xAB, 0xCD,
		0, 0, 0, 1,
		0, 0, 0, 2,
		'a',
		'b', 'c',
	}, b)
}

func TestChangeBinaryRoundTrip(t *testing.T) {
	changes := []*Change{
		{EventId: 0, Address: Address{0x80}, Type: ChangeAdd, NewValue: []byte(`"x"`)},
		{EventId: 1, Address: Address{0x80}, Type: ChangeRemove, OldValue: []byte(`"x"`), Move: true},
		{EventId: 2, Address: Address{0x40, 0x01}, Type: ChangeSet, OldValue: []byte("old"), NewValue: []byte("new")},
		{EventId: 3, Address: Address{0x40, 0x01}, Type: ChangeUpdate, TransactionEnd: true},
		{EventId: -1, Address: Address{0xFF, 0xFF, 0x80}, Type: ChangeAdd, NewValue: []byte{0, 1, 2}},
	}

	b := []byte{}
	for _, change := range changes {
		var err error
		b, err = AppendChange(b, change)
		assert.Equal(t, nil, err)
	}

	for _, change := range changes {
		decoded, n, err := DecodeChange(b)
		assert.Equal(t, nil, err)
		assert.Equal(t, change, decoded)
		b = b[n:]
	}
	assert.Equal(t, 0, len(b))
}

func TestChangeBinaryUpdate(t *testing.T) {
	// a set that keeps its value is written as an update, with both lengths zero
	b, err := EncodeChange(&Change{
		EventId:  7,
		Address:  Address{0x10},
		Type:     ChangeSet,
		OldValue: []byte("same"),
		NewValue: []byte("same"),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, changeHeaderLen+1+changeLengthsLen, len(b))

	decoded, _, err := DecodeChange(b)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeUpdate, decoded.Type)
	assert.Equal(t, 0, len(decoded.OldValue))
	assert.Equal(t, 0, len(decoded.NewValue))
}

func TestChangeBinaryErrors(t *testing.T) {
	_, err := EncodeChange(&Change{
		Address: make(Address, 70000),
		Type:    ChangeUpdate,
	})
	assert.Equal(t, true, errors.Is(err, ErrChangeFormat))

	b, err := EncodeChange(&Change{
		EventId:  1,
		Address:  Address{0x10},
		Type:     ChangeAdd,
		NewValue: []byte("value"),
	})
	assert.Equal(t, nil, err)
	for i := 0; i < len(b); i += 1 {
		_, _, err := DecodeChange(b[:i])
		assert.Equal(t, true, errors.Is(err, ErrChangeFormat))
	}

	// reserved bits
	b[8] |= 0x01
	_, _, err = DecodeChange(b)
	assert.Equal(t, true, errors.Is(err, ErrChangeFormat))
}

func TestChangeJson(t *testing.T) {
	b, err := MarshalChangeJson(&Change{
		EventId:  4,
		Address:  Address{0x0A},
		Type:     ChangeSet,
		OldValue: []byte(`"a"`),
		NewValue: []byte(`{"b":1}`),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"id":4,"type":"set","address":"0a","old":"a","new":{"b":1}}`, string(b))

	changes := []*Change{
		{EventId: 0, Address: Address{0x80}, Type: ChangeAdd, NewValue: []byte(`"x"`)},
		{EventId: 1, Address: Address{0x80}, Type: ChangeRemove, OldValue: []byte(`"x"`), TransactionEnd: true},
		{EventId: 2, Address: Address{0x20}, Type: ChangeSet, OldValue: []byte(`1`), NewValue: []byte(`2`)},
		{EventId: 3, Address: Address{0x20}, Type: ChangeUpdate},
	}
	for _, change := range changes {
		b, err := MarshalChangeJson(change)
		assert.Equal(t, nil, err)
		decoded, err := UnmarshalChangeJson(b)
		assert.Equal(t, nil, err)
		assert.Equal(t, change, decoded)
	}

	// values must be json
	_, err = MarshalChangeJson(&Change{
		Address:  Address{0x80},
		Type:     ChangeAdd,
		NewValue: []byte("not json"),
	})
	assert.Equal(t, true, errors.Is(err, ErrChangeFormat))

	_, err = UnmarshalChangeJson([]byte(`{"id":1,"type":"add","address":"80"}`))
	assert.Equal(t, true, errors.Is(err, ErrChangeFormat))
}

func TestChangeUpdateValue(t *testing.T) {
	update := &Change{
		EventId:  3,
		Address:  Address{0x80},
		Type:     ChangeUpdate,
		OldValue: []byte(`"a"`),
		NewValue: []byte(`"a"`),
	}

	b, err := MarshalChangeJson(update)
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"id":3,"type":"update","address":"80","value":"a"}`, string(b))
	decoded, err := UnmarshalChangeJson(b)
	assert.Equal(t, nil, err)
	assert.Equal(t, update, decoded)

	// the binary form keeps both lengths zero
	b, err = EncodeChange(update)
	assert.Equal(t, nil, err)
	assert.Equal(t, changeHeaderLen+1+changeLengthsLen, len(b))
	decoded, _, err = DecodeChange(b)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeUpdate, decoded.Type)
	assert.Equal(t, 0, len(decoded.NewValue))

	// the persistent record keeps the value
	record, err := encodeEventRecord(update)
	assert.Equal(t, nil, err)
	decoded, err = decodeEventRecord(3, record)
	assert.Equal(t, nil, err)
	assert.Equal(t, update, decoded)

	bare := &Change{EventId: 4, Address: Address{0x80}, Type: ChangeUpdate}
	record, err = encodeEventRecord(bare)
	assert.Equal(t, nil, err)
	decoded, err = decodeEventRecord(4, record)
	assert.Equal(t, nil, err)
	assert.Equal(t, bare, decoded)
}
