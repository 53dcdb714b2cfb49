package replica

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// binary layout, big endian:
//   event_id       int64
//   flags          3 bytes
//                    byte 0: bit 7 transaction end, bit 6 move, bits 5-4 op code, bits 3-0 zero
//                    bytes 1-2: address length
//   address        address length bytes
//   old_length     int32
//   new_length     int32
//   old            old_length bytes
//   new            new_length bytes
//
// Update has no op code of its own. It is a set with both lengths zero.

const changeHeaderLen = 8 + 3
const changeLengthsLen = 4 + 4

const (
	opCodeAdd    = 0
	opCodeRemove = 1
	opCodeSet    = 2
)

const (
	flagTransactionEnd = 0x80
	flagMove           = 0x40
	opCodeShift        = 4
	opCodeMask         = 0x30
)

var ErrChangeFormat = errors.New("bad change format")

func EncodeChange(change *Change) ([]byte, error) {
	return AppendChange(nil, change)
}

func AppendChange(b []byte, change *Change) ([]byte, error) {
	if math.MaxUint16 < len(change.Address) {
		return nil, fmt.Errorf("%w: address length %d", ErrChangeFormat, len(change.Address))
	}

	var opCode byte
	var oldValue []byte
	var newValue []byte
	switch change.Type {
	case ChangeAdd:
		opCode = opCodeAdd
		newValue = change.NewValue
	case ChangeRemove:
		opCode = opCodeRemove
		oldValue = change.OldValue
	case ChangeSet:
		opCode = opCodeSet
		if !bytes.Equal(change.OldValue, change.NewValue) {
			oldValue = change.OldValue
			newValue = change.NewValue
		}
	case ChangeUpdate:
		opCode = opCodeSet
	default:
		return nil, fmt.Errorf("%w: type %s", ErrChangeFormat, change.Type)
	}
	if math.MaxInt32 < len(oldValue) || math.MaxInt32 < len(newValue) {
		return nil, fmt.Errorf("%w: value too large", ErrChangeFormat)
	}

	flags := opCode << opCodeShift
	if change.TransactionEnd {
		flags |= flagTransactionEnd
	}
	if change.Move {
		flags |= flagMove
	}

	b = binary.BigEndian.AppendUint64(b, uint64(change.EventId))
	b = append(b, flags)
	b = binary.BigEndian.AppendUint16(b, uint16(len(change.Address)))
	b = append(b, change.Address...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(oldValue)))
	b = binary.BigEndian.AppendUint32(b, uint32(len(newValue)))
	b = append(b, oldValue...)
	b = append(b, newValue...)
	return b, nil
}

// DecodeChange decodes one change from the start of `b`
// and returns the number of bytes consumed.
func DecodeChange(b []byte) (*Change, int, error) {
	if len(b) < changeHeaderLen {
		return nil, 0, fmt.Errorf("%w: short header", ErrChangeFormat)
	}
	eventId := int64(binary.BigEndian.Uint64(b[0:8]))
	flags := b[8]
	addressLen := int(binary.BigEndian.Uint16(b[9:11]))
	if flags&0x0F != 0 {
		return nil, 0, fmt.Errorf("%w: reserved flag bits set", ErrChangeFormat)
	}

	i := changeHeaderLen
	if len(b) < i+addressLen+changeLengthsLen {
		return nil, 0, fmt.Errorf("%w: short address", ErrChangeFormat)
	}
	address := Address(bytes.Clone(b[i : i+addressLen]))
	i += addressLen
	oldLen := int32(binary.BigEndian.Uint32(b[i : i+4]))
	newLen := int32(binary.BigEndian.Uint32(b[i+4 : i+8]))
	i += changeLengthsLen
	if oldLen < 0 || newLen < 0 || len(b) < i+int(oldLen)+int(newLen) {
		return nil, 0, fmt.Errorf("%w: bad value lengths %d %d", ErrChangeFormat, oldLen, newLen)
	}
	oldValue := bytes.Clone(b[i : i+int(oldLen)])
	i += int(oldLen)
	newValue := bytes.Clone(b[i : i+int(newLen)])
	i += int(newLen)

	change := &Change{
		EventId:        eventId,
		Address:        address,
		TransactionEnd: flags&flagTransactionEnd != 0,
		Move:           flags&flagMove != 0,
	}
	switch (flags & opCodeMask) >> opCodeShift {
	case opCodeAdd:
		if oldLen != 0 {
			return nil, 0, fmt.Errorf("%w: add with old value", ErrChangeFormat)
		}
		change.Type = ChangeAdd
		change.NewValue = newValue
	case opCodeRemove:
		if newLen != 0 {
			return nil, 0, fmt.Errorf("%w: remove with new value", ErrChangeFormat)
		}
		change.Type = ChangeRemove
		change.OldValue = oldValue
	case opCodeSet:
		if oldLen == 0 && newLen == 0 {
			change.Type = ChangeUpdate
		} else {
			change.Type = ChangeSet
			change.OldValue = oldValue
			change.NewValue = newValue
		}
	default:
		return nil, 0, fmt.Errorf("%w: unknown op code", ErrChangeFormat)
	}
	return change, i, nil
}
