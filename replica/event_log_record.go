package replica

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

var ErrCorruptRecord = errors.New("corrupt event record")

// persistent logs store a record as the binary change, then for an update the
// value it kept (uint32 length and bytes, since the binary form drops it),
// then an xxhash64 of those bytes, so that a torn or foreign value is detected on read.

func encodeEventRecord(change *Change) ([]byte, error) {
	b, err := EncodeChange(change)
	if err != nil {
		return nil, err
	}
	if change.Type == ChangeUpdate {
		if math.MaxInt32 < len(change.NewValue) {
			return nil, fmt.Errorf("%w: value too large", ErrChangeFormat)
		}
		b = binary.BigEndian.AppendUint32(b, uint32(len(change.NewValue)))
		b = append(b, change.NewValue...)
	}
	return binary.BigEndian.AppendUint64(b, xxhash.Sum64(b)), nil
}

func decodeEventRecord(eventId int64, record []byte) (*Change, error) {
	if len(record) < 8 {
		return nil, fmt.Errorf("%w: %d short", ErrCorruptRecord, eventId)
	}
	body := record[:len(record)-8]
	sum := binary.BigEndian.Uint64(record[len(record)-8:])
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: %d checksum", ErrCorruptRecord, eventId)
	}
	change, n, err := DecodeChange(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %w", ErrCorruptRecord, eventId, err)
	}
	if change.EventId != eventId {
		return nil, fmt.Errorf("%w: %d mismatch", ErrCorruptRecord, eventId)
	}
	if change.Type == ChangeUpdate {
		if len(body) < n+4 {
			return nil, fmt.Errorf("%w: %d short update", ErrCorruptRecord, eventId)
		}
		valueLen := int(binary.BigEndian.Uint32(body[n:]))
		n += 4
		if len(body)-n != valueLen {
			return nil, fmt.Errorf("%w: %d mismatch", ErrCorruptRecord, eventId)
		}
		if 0 < valueLen {
			value := body[n:]
			change.OldValue = value
			change.NewValue = value
		}
		n += valueLen
	}
	if n != len(body) {
		return nil, fmt.Errorf("%w: %d mismatch", ErrCorruptRecord, eventId)
	}
	return change, nil
}

// uint64 keys sort the same as the non-negative event ids they hold
func eventKey(eventId int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(eventId))
}

func notifyRelease(callbacks *CallbackList[ReleaseFunction], floor int64) {
	for _, callback := range callbacks.Get() {
		HandleError(func() {
			callback(floor)
		})
	}
}
