package replica

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
)

// an operation bound to canonical element ids
type boundOperation[E any] struct {
	op        *Operation
	value     E
	elementId Id
	afterId   *Id
	beforeId  *Id
}

// ApplyOperations validates `ops` against the changes after `lastChange` and applies them
// in one canonical transaction. With `dryRun` the ops are only validated.
//
// An op conflicts when a change after `lastChange`
//   - removed, set or updated an address the op names, or
//   - added an element inside the gap an add op targets.
// A conflict returns `*ConcurrentModError` with every change after `lastChange`.
// Changes that do not touch the ops are returned with the success as catch-up.
func (self *CollectionServer[E]) ApplyOperations(lastChange int64, ops []*Operation, dryRun bool) (*OperationResult, error) {
	values := make([]E, len(ops))
	for i, op := range ops {
		switch op.Type {
		case OperationAdd, OperationSet:
			value, err := self.codec.Decode(op.Value)
			if err != nil {
				return nil, Rejected(RejectIllegalArgument, "bad value: %s", err)
			}
			values[i] = value
		}
	}

	var address Address
	err := self.collection.Update(func(tx CollectionTx[E]) error {
		bound, err := self.bindOperations(lastChange, ops, values)
		if err != nil {
			return err
		}

		// validate the whole batch before the first mutation
		for _, b := range bound {
			if err := self.applyOperation(tx, b, true); err != nil {
				return err
			}
		}
		if dryRun {
			return nil
		}
		for _, b := range bound {
			if err := self.applyOperation(tx, b, false); err != nil {
				return err
			}
		}

		if 0 < len(bound) {
			last := bound[len(bound)-1]
			switch last.op.Type {
			case OperationAdd:
				tx.OnCommit(func() {
					self.stateLock.Lock()
					defer self.stateLock.Unlock()
					if ref, ok := self.elementRefs[last.elementId]; ok {
						address = ref.address
					}
				})
			default:
				address = last.op.Address
			}
		}
		return nil
	})
	if err != nil {
		glog.V(2).Infof("[cs]apply %d ops at %d = %s\n", len(ops), lastChange, err)
		return nil, err
	}
	if dryRun {
		return &OperationResult{}, nil
	}

	changes, err := self.ChangesSince(lastChange)
	if err != nil {
		return nil, err
	}
	return &OperationResult{
		Address: address,
		Changes: changes,
	}, nil
}

// called with the collection lock held, so no change can happen between the check and the apply
func (self *CollectionServer[E]) bindOperations(lastChange int64, ops []*Operation, values []E) ([]*boundOperation[E], error) {
	changes, err := self.ChangesSince(lastChange)
	if err != nil {
		return nil, err
	}

	touched := mapset.NewThreadUnsafeSet[string]()
	added := []Address{}
	for _, change := range changes {
		switch change.Type {
		case ChangeAdd:
			added = append(added, change.Address)
		default:
			touched.Add(string(change.Address))
		}
	}
	isTouched := func(address Address) bool {
		return address != nil && touched.Contains(string(address))
	}
	conflict := func() error {
		return &ConcurrentModError{
			Changes: changes,
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.listening {
		return nil, Rejected(RejectUnsupported, "no attached clients")
	}

	lookup := func(address Address) (*Id, error) {
		ref, ok := self.refByAddress(address)
		if !ok {
			return nil, Rejected(RejectNotFound, "no element at %s", address)
		}
		return &ref.elementId, nil
	}

	removed := mapset.NewThreadUnsafeSet[Id]()
	bound := make([]*boundOperation[E], len(ops))
	for i, op := range ops {
		b := &boundOperation[E]{
			op:    op,
			value: values[i],
		}
		switch op.Type {
		case OperationAdd:
			if isTouched(op.After) || isTouched(op.Before) {
				return nil, conflict()
			}
			for _, address := range added {
				if (op.After == nil || Compare(op.After, address) < 0) && (op.Before == nil || Compare(address, op.Before) < 0) {
					return nil, conflict()
				}
			}
			if op.After != nil && op.Before != nil && 0 <= Compare(op.After, op.Before) {
				return nil, Rejected(RejectIllegalArgument, "%s is not before %s", op.After, op.Before)
			}
			if op.After != nil {
				if b.afterId, err = lookup(op.After); err != nil {
					return nil, err
				}
			}
			if op.Before != nil {
				if b.beforeId, err = lookup(op.Before); err != nil {
					return nil, err
				}
			}
			if (b.afterId != nil && removed.Contains(*b.afterId)) || (b.beforeId != nil && removed.Contains(*b.beforeId)) {
				return nil, Rejected(RejectIllegalArgument, "add next to an element removed earlier in the batch")
			}
		case OperationRemove, OperationSet, OperationUpdate:
			if op.Address == nil {
				return nil, Rejected(RejectIllegalArgument, "%s without address", op.Type)
			}
			if isTouched(op.Address) {
				return nil, conflict()
			}
			elementId, err := lookup(op.Address)
			if err != nil {
				return nil, err
			}
			b.elementId = *elementId
			if removed.Contains(b.elementId) {
				return nil, Rejected(RejectIllegalArgument, "%s removed earlier in the batch", op.Address)
			}
			if op.Type == OperationRemove {
				removed.Add(b.elementId)
			}
		default:
			return nil, Rejected(RejectUnsupported, "operation %s", op.Type)
		}
		bound[i] = b
	}
	return bound, nil
}

func (self *CollectionServer[E]) applyOperation(tx CollectionTx[E], b *boundOperation[E], dryRun bool) error {
	indexOf := func(elementId Id) (int, error) {
		index := tx.IndexOf(elementId)
		if index < 0 {
			// removed earlier in the same batch
			return -1, Rejected(RejectNotFound, "element %s was removed", elementId)
		}
		return index, nil
	}

	switch b.op.Type {
	case OperationAdd:
		var index int
		if b.op.First {
			index = 0
			if b.afterId != nil {
				i, err := indexOf(*b.afterId)
				if err != nil {
					return err
				}
				index = i + 1
			}
		} else {
			index = tx.Len()
			if b.beforeId != nil {
				i, err := indexOf(*b.beforeId)
				if err != nil {
					return err
				}
				index = i
			}
		}
		if dryRun {
			return tx.CanAdd(b.value, index)
		}
		elementId, err := tx.Add(b.value, index)
		if err != nil {
			return err
		}
		b.elementId = elementId
		return nil
	case OperationRemove:
		index, err := indexOf(b.elementId)
		if err != nil {
			return err
		}
		if dryRun {
			return tx.CanRemove(index)
		}
		return tx.Remove(index)
	case OperationSet:
		index, err := indexOf(b.elementId)
		if err != nil {
			return err
		}
		if dryRun {
			return tx.CanSet(index, b.value)
		}
		return tx.Set(index, b.value)
	case OperationUpdate:
		index, err := indexOf(b.elementId)
		if err != nil {
			return err
		}
		if dryRun {
			return tx.CanRemove(index)
		}
		return tx.Touch(index)
	default:
		return fmt.Errorf("unknown operation %s", b.op.Type)
	}
}
