package crdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

// ErrInvalidOp indicates that an operation is malformed.
var ErrInvalidOp = errors.New("crdt: invalid op")

// OpKind enumerates replicated operations.
type OpKind string

const (
	// OpInsert places a row after an anchor element and sets its initial fields.
	OpInsert OpKind = "insert"
	// OpDelete tombstones a row.
	OpDelete OpKind = "delete"
	// OpUpdate sets a single field.
	OpUpdate OpKind = "update"
)

// Op is one entry of the replicated log.
type Op struct {
	ID     OpID                                  `json:"id"`
	Kind   OpKind                                `json:"kind"`
	RowID  library.RowID                         `json:"row_id"`
	After  OpID                                  `json:"after,omitempty"`
	Fields map[library.PropertyKey]library.Value `json:"fields,omitempty"`
	Key    library.PropertyKey                   `json:"key,omitempty"`
	Value  library.Value                         `json:"value,omitempty"`
}

// Validate checks the op shape.
func (op Op) Validate() error {
	if op.ID.Counter == 0 || op.ID.ClientID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOp)
	}
	if op.RowID == "" {
		return fmt.Errorf("%w: missing row id", ErrInvalidOp)
	}
	switch op.Kind {
	case OpInsert:
		for key, value := range op.Fields {
			if key == "" {
				return fmt.Errorf("%w: empty property key", ErrInvalidOp)
			}
			if err := value.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidOp, err)
			}
		}
	case OpDelete:
	case OpUpdate:
		if op.Key == "" {
			return fmt.Errorf("%w: update without key", ErrInvalidOp)
		}
		if err := op.Value.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOp, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	return nil
}

func (op Op) clone() Op {
	if op.Fields != nil {
		fields := make(map[library.PropertyKey]library.Value, len(op.Fields))
		for key, value := range op.Fields {
			fields[key] = value.Clone()
		}
		op.Fields = fields
	}
	op.Value = op.Value.Clone()
	return op
}

// SortOps orders ops by id.
func SortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID.Compare(ops[j].ID) < 0 })
}

// Origin tells observers where a change came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginReplay Origin = "replay"
)

// Change describes one committed mutation or batch.
type Change struct {
	Origin   Origin
	Inserted []library.RowID
	Removed  []library.RowID
	Updated  []library.RowID
	Ops      []Op
}

// Empty reports whether the change altered nothing visible and carried no ops.
func (c Change) Empty() bool {
	return len(c.Ops) == 0
}

// RowIDs returns every affected row id once, in first-seen order.
func (c Change) RowIDs() []library.RowID {
	seen := make(map[library.RowID]struct{})
	var ids []library.RowID
	for _, group := range [][]library.RowID{c.Inserted, c.Removed, c.Updated} {
		for _, id := range group {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

type changeBuilder struct {
	order   []library.RowID
	initial map[library.RowID]bool
	touched map[library.RowID]bool
	ops     []Op
}

func newChangeBuilder() *changeBuilder {
	return &changeBuilder{
		initial: make(map[library.RowID]bool),
		touched: make(map[library.RowID]bool),
	}
}

// touch records the aliveness a row had before the first op of the change reached it.
func (b *changeBuilder) touch(id library.RowID, wasAlive bool, contentChanged bool) {
	if _, ok := b.initial[id]; !ok {
		b.initial[id] = wasAlive
		b.order = append(b.order, id)
	}
	if contentChanged {
		b.touched[id] = true
	}
}

func (b *changeBuilder) build(origin Origin, alive func(library.RowID) bool) Change {
	change := Change{Origin: origin, Ops: b.ops}
	for _, id := range b.order {
		was := b.initial[id]
		now := alive(id)
		switch {
		case !was && now:
			change.Inserted = append(change.Inserted, id)
		case was && !now:
			change.Removed = append(change.Removed, id)
		case was && now && b.touched[id]:
			change.Updated = append(change.Updated, id)
		}
	}
	return change
}
