package replica

import (
	"errors"
	"fmt"
	"sync"
)

// connectivity failure. Mutating calls are not retried.
var ErrConnection = errors.New("connection error")

// the caller's cursor is below the event log floor, or its session is gone.
// The only recovery is a full resync from a snapshot.
var ErrStale = errors.New("stale")

var ErrRetriesExhausted = errors.New("retries exhausted")

var ErrUnsupported = errors.New("unsupported operation")
var ErrIllegalArgument = errors.New("illegal argument")
var ErrNotFound = errors.New("not found")

type RejectKind string

const (
	RejectUnsupported     RejectKind = "unsupported"
	RejectIllegalArgument RejectKind = "illegalArgument"
	RejectNotFound        RejectKind = "notFound"
)

// RejectedError is a terminal semantic rejection. It is never retried.
type RejectedError struct {
	Kind    RejectKind
	Message string
}

func Rejected(kind RejectKind, format string, a ...any) *RejectedError {
	return &RejectedError{
		Kind:    kind,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", self.Kind, self.Message)
}

func (self *RejectedError) Is(target error) bool {
	switch self.Kind {
	case RejectUnsupported:
		return target == ErrUnsupported
	case RejectIllegalArgument:
		return target == ErrIllegalArgument
	case RejectNotFound:
		return target == ErrNotFound
	default:
		return false
	}
}

// ConcurrentModError carries every change the server applied after the caller's last change.
// The caller applies them and tries again.
type ConcurrentModError struct {
	Changes []*Change
}

func (self *ConcurrentModError) Error() string {
	return fmt.Sprintf("concurrent modification (%d changes)", len(self.Changes))
}

type OperationType int

const (
	OperationAdd OperationType = iota
	OperationRemove
	OperationSet
	OperationUpdate
)

func (self OperationType) String() string {
	switch self {
	case OperationAdd:
		return "add"
	case OperationRemove:
		return "remove"
	case OperationSet:
		return "set"
	case OperationUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func ParseOperationType(operationTypeStr string) (OperationType, error) {
	switch operationTypeStr {
	case "add":
		return OperationAdd, nil
	case "remove":
		return OperationRemove, nil
	case "set":
		return OperationSet, nil
	case "update":
		return OperationUpdate, nil
	default:
		return 0, fmt.Errorf("unknown operation type: %s", operationTypeStr)
	}
}

// Operation is a client request to change the collection, against the addresses the client knows.
//   add:    Value, After, Before, First
//   remove: Address
//   set:    Address, Value
//   update: Address
type Operation struct {
	Type    OperationType
	After   Address
	Before  Address
	First   bool
	Address Address
	Value   []byte
}

// Add between `after` and `before`, where nil is an open end.
// `first` places the value next to `after`, otherwise next to `before`.
func AddOperation(value []byte, after Address, before Address, first bool) *Operation {
	return &Operation{
		Type:   OperationAdd,
		Value:  value,
		After:  after,
		Before: before,
		First:  first,
	}
}

func RemoveOperation(address Address) *Operation {
	return &Operation{
		Type:    OperationRemove,
		Address: address,
	}
}

func SetOperation(address Address, value []byte) *Operation {
	return &Operation{
		Type:    OperationSet,
		Address: address,
		Value:   value,
	}
}

// a value preserving touch. It validates that nothing changed the element concurrently.
func UpdateOperation(address Address) *Operation {
	return &Operation{
		Type:    OperationUpdate,
		Address: address,
	}
}

func (self *Operation) String() string {
	switch self.Type {
	case OperationAdd:
		return fmt.Sprintf("add(%s, %s, %t)", self.After, self.Before, self.First)
	default:
		return fmt.Sprintf("%s(%s)", self.Type, self.Address)
	}
}

type OperationResult struct {
	// the address of the element of the last operation
	Address Address
	// every change after the caller's last change, including those of this apply
	Changes []*Change
}

// LockResult holds a remote lock until released.
type LockResult struct {
	LockId Id
	// changes the caller had not applied when the lock was taken
	Changes []*Change

	release     func() error
	releaseOnce sync.Once
	releaseErr  error
}

func newLockResult(lockId Id, changes []*Change, release func() error) *LockResult {
	return &LockResult{
		LockId:  lockId,
		Changes: changes,
		release: release,
	}
}

// idempotent
func (self *LockResult) Release() error {
	self.releaseOnce.Do(func() {
		if self.release != nil {
			self.releaseErr = self.release()
		}
	})
	return self.releaseErr
}
