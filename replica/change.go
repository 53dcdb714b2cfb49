package replica

import (
	"fmt"
)

type ChangeType int

const (
	ChangeAdd ChangeType = iota
	ChangeRemove
	ChangeSet
	// a set that keeps the current value.
	// Receivers substitute the value they already hold.
	ChangeUpdate
)

func (self ChangeType) String() string {
	switch self {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeSet:
		return "set"
	case ChangeUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func ParseChangeType(changeTypeStr string) (ChangeType, error) {
	switch changeTypeStr {
	case "add":
		return ChangeAdd, nil
	case "remove":
		return ChangeRemove, nil
	case "set":
		return ChangeSet, nil
	case "update":
		return ChangeUpdate, nil
	default:
		return 0, fmt.Errorf("unknown change type: %s", changeTypeStr)
	}
}

// Change is one mutation of the canonical collection, in wire form.
// Values are encoded by the collection's `ValueCodec`.
//   add:    NewValue
//   remove: OldValue
//   set:    OldValue and NewValue
//   update: the current value in both, dropped by the binary form
type Change struct {
	EventId        int64
	Address        Address
	Type           ChangeType
	OldValue       []byte
	NewValue       []byte
	TransactionEnd bool
	Move           bool
}

func (self *Change) String() string {
	return fmt.Sprintf("%d %s %s", self.EventId, self.Type, self.Address)
}
