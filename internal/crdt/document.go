// Package crdt holds the replicated row document: an append-only operation log folded into an ordered set of rows
// with last-writer-wins fields and tombstoned deletions.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

var (
	// ErrRowNotFound indicates that the row does not exist or is deleted.
	ErrRowNotFound = errors.New("crdt: row not found")
	// ErrRowExists indicates that a live row already uses the id.
	ErrRowExists = errors.New("crdt: row already exists")
	// ErrIndexOutOfRange indicates an insert position outside [0, len].
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	// ErrDetached indicates that the document was detached from its view.
	ErrDetached = errors.New("crdt: document detached")
)

type element struct {
	id     OpID
	parent OpID
	rowID  library.RowID
}

type fieldState struct {
	id    OpID
	value library.Value
}

type rowState struct {
	born   OpID
	died   OpID
	fields map[library.PropertyKey]fieldState
}

func (r *rowState) alive() bool {
	return r != nil && !r.born.IsZero() && r.born.After(r.died)
}

// visible reports whether a field write belongs to the current incarnation of the row.
func (r *rowState) visible(state fieldState) bool {
	return state.id.Compare(r.born) >= 0 && !state.value.IsNull()
}

func (r *rowState) clone() *rowState {
	fields := make(map[library.PropertyKey]fieldState, len(r.fields))
	for key, state := range r.fields {
		fields[key] = state
	}
	return &rowState{born: r.born, died: r.died, fields: fields}
}

// Document is one library's replicated sequence of rows.
type Document struct {
	mu           sync.Mutex
	clock        *LamportClock
	rows         map[library.RowID]*rowState
	elements     map[OpID]*element
	applied      map[OpID]Op
	order        []library.RowID
	orderDirty   bool
	observers    map[int]func(Change)
	nextObserver int
	detached     bool
	journal      *journal
}

// NewDocument creates an empty document whose local ops carry clientID.
func NewDocument(clientID string) *Document {
	return &Document{
		clock:     NewLamportClock(clientID),
		rows:      make(map[library.RowID]*rowState),
		elements:  make(map[OpID]*element),
		applied:   make(map[OpID]Op),
		observers: make(map[int]func(Change)),
	}
}

// ClientID returns the id stamped on local ops.
func (d *Document) ClientID() string {
	return d.clock.ClientID()
}

// Observe registers callback for every local, remote or replayed change and returns the unsubscribe function.
func (d *Document) Observe(callback func(Change)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextObserver++
	observerID := d.nextObserver
	d.observers[observerID] = callback
	return func() {
		d.mu.Lock()
		delete(d.observers, observerID)
		d.mu.Unlock()
	}
}

// Detach stops observers and rejects further mutations. State is kept.
func (d *Document) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detached = true
	d.observers = make(map[int]func(Change))
}

// InsertRow inserts record so that it ends up at index of the visible order.
func (d *Document) InsertRow(index int, record library.Row) (Op, error) {
	ops, err := d.Batch(func(txn *Txn) error {
		_, err := txn.InsertRow(index, record)
		return err
	})
	if err != nil {
		return Op{}, err
	}
	return ops[0], nil
}

// DeleteRow tombstones the row.
func (d *Document) DeleteRow(rowID library.RowID) (Op, error) {
	ops, err := d.Batch(func(txn *Txn) error {
		_, err := txn.DeleteRow(rowID)
		return err
	})
	if err != nil {
		return Op{}, err
	}
	return ops[0], nil
}

// UpdateField sets one field of a live row. A null value clears it.
func (d *Document) UpdateField(rowID library.RowID, key library.PropertyKey, value library.Value) (Op, error) {
	ops, err := d.Batch(func(txn *Txn) error {
		_, err := txn.UpdateField(rowID, key, value)
		return err
	})
	if err != nil {
		return Op{}, err
	}
	return ops[0], nil
}

// Batch runs fn against the document and notifies observers once with the combined change. When fn fails nothing
// is applied.
func (d *Document) Batch(fn func(txn *Txn) error) ([]Op, error) {
	d.mu.Lock()
	if d.detached {
		d.mu.Unlock()
		return nil, ErrDetached
	}
	undo := newJournal()
	d.journal = undo
	txn := &Txn{doc: d, builder: newChangeBuilder()}
	err := fn(txn)
	d.journal = nil
	if err != nil {
		d.rollbackLocked(undo)
		d.mu.Unlock()
		return nil, err
	}
	change := txn.builder.build(OriginLocal, d.aliveLocked)
	observers := d.observerListLocked()
	d.mu.Unlock()

	if !change.Empty() {
		notify(observers, change)
	}
	return append([]Op(nil), change.Ops...), nil
}

// Apply merges ops produced elsewhere. Already known ops are ignored, so replaying a log twice is harmless.
func (d *Document) Apply(origin Origin, ops ...Op) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if d.detached {
		d.mu.Unlock()
		return ErrDetached
	}
	builder := newChangeBuilder()
	for _, op := range ops {
		d.applyLocked(builder, op)
	}
	change := builder.build(origin, d.aliveLocked)
	observers := d.observerListLocked()
	d.mu.Unlock()

	if !change.Empty() {
		notify(observers, change)
	}
	return nil
}

// Snapshot returns the visible rows in order.
func (d *Document) Snapshot() []library.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	order := d.visibleOrderLocked()
	rows := make([]library.Row, 0, len(order))
	for _, rowID := range order {
		rows = append(rows, d.rowLocked(rowID))
	}
	return rows
}

// Row returns one visible row.
func (d *Document) Row(rowID library.RowID) (library.Row, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.aliveLocked(rowID) {
		return library.Row{}, false
	}
	return d.rowLocked(rowID), true
}

// Has reports whether an insert of rowID was applied, even if the row was deleted since.
func (d *Document) Has(rowID library.RowID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[rowID]
	return ok && !row.born.IsZero()
}

// Value returns the visible value of one cell.
func (d *Document) Value(rowID library.RowID, key library.PropertyKey) (library.Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.valueLocked(rowID, key)
}

// RowIDs returns the visible row ids in order.
func (d *Document) RowIDs() []library.RowID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]library.RowID(nil), d.visibleOrderLocked()...)
}

// Len returns the number of visible rows.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visibleOrderLocked())
}

// Operations returns the full log ordered by op id.
func (d *Document) Operations() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]Op, 0, len(d.applied))
	for _, op := range d.applied {
		ops = append(ops, op.clone())
	}
	SortOps(ops)
	return ops
}

// Compact returns the smallest op set that rebuilds the current state: every insert (anchors must survive), the
// latest delete per row and the winning write per field of the current incarnation.
func (d *Document) Compact() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	for elementID := range d.elements {
		insert := d.applied[elementID].clone()
		row := d.rows[insert.RowID]
		kept := make(map[library.PropertyKey]library.Value)
		for key, value := range insert.Fields {
			if state, ok := row.fields[key]; ok && state.id == insert.ID {
				kept[key] = value
			}
		}
		insert.Fields = kept
		if len(kept) == 0 {
			insert.Fields = nil
		}
		ops = append(ops, insert)
	}
	for _, row := range d.rows {
		if !row.died.IsZero() {
			ops = append(ops, d.applied[row.died].clone())
		}
		for _, state := range row.fields {
			source := d.applied[state.id]
			if source.Kind != OpUpdate {
				continue
			}
			if state.id.Compare(row.born) < 0 {
				continue
			}
			ops = append(ops, source.clone())
		}
	}
	SortOps(ops)
	return ops
}

// Txn is the mutation surface inside Batch. Reads observe the writes made earlier in the same batch.
type Txn struct {
	doc     *Document
	builder *changeBuilder
}

// InsertRow inserts record at index.
func (t *Txn) InsertRow(index int, record library.Row) (Op, error) {
	d := t.doc
	if _, err := library.NewRowID(record.ID.String()); err != nil {
		return Op{}, err
	}
	order := d.visibleOrderLocked()
	if index < 0 || index > len(order) {
		return Op{}, fmt.Errorf("%w: %d not in [0, %d]", ErrIndexOutOfRange, index, len(order))
	}
	if d.aliveLocked(record.ID) {
		return Op{}, fmt.Errorf("%w: %s", ErrRowExists, record.ID)
	}
	var after OpID
	if index > 0 {
		after = d.rows[order[index-1]].born
	}
	fields := make(map[library.PropertyKey]library.Value, len(record.Fields))
	for key, value := range record.Fields {
		if err := value.Validate(); err != nil {
			return Op{}, err
		}
		if value.IsNull() {
			continue
		}
		fields[key] = value.Clone()
	}
	op := Op{ID: d.clock.Tick(), Kind: OpInsert, RowID: record.ID, After: after, Fields: fields}
	d.applyLocked(t.builder, op)
	return op, nil
}

// DeleteRow tombstones a live row.
func (t *Txn) DeleteRow(rowID library.RowID) (Op, error) {
	d := t.doc
	if !d.aliveLocked(rowID) {
		return Op{}, fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	op := Op{ID: d.clock.Tick(), Kind: OpDelete, RowID: rowID}
	d.applyLocked(t.builder, op)
	return op, nil
}

// UpdateField writes one field of a live row.
func (t *Txn) UpdateField(rowID library.RowID, key library.PropertyKey, value library.Value) (Op, error) {
	d := t.doc
	if !d.aliveLocked(rowID) {
		return Op{}, fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	if _, err := library.NewPropertyKey(key.String()); err != nil {
		return Op{}, err
	}
	if err := value.Validate(); err != nil {
		return Op{}, err
	}
	op := Op{ID: d.clock.Tick(), Kind: OpUpdate, RowID: rowID, Key: key, Value: value.Clone()}
	d.applyLocked(t.builder, op)
	return op, nil
}

// Value reads a cell as of this point of the batch.
func (t *Txn) Value(rowID library.RowID, key library.PropertyKey) (library.Value, bool) {
	return t.doc.valueLocked(rowID, key)
}

// RowIDs reads the visible order as of this point of the batch.
func (t *Txn) RowIDs() []library.RowID {
	return append([]library.RowID(nil), t.doc.visibleOrderLocked()...)
}

func (d *Document) applyLocked(builder *changeBuilder, op Op) {
	if _, known := d.applied[op.ID]; known {
		return
	}
	if d.journal != nil {
		d.journal.record(op.ID, op.RowID, d.rows[op.RowID])
	}
	op = op.clone()
	d.applied[op.ID] = op
	d.clock.Observe(op.ID.Counter)
	builder.ops = append(builder.ops, op)

	row, ok := d.rows[op.RowID]
	if !ok {
		row = &rowState{fields: make(map[library.PropertyKey]fieldState)}
		d.rows[op.RowID] = row
	}
	wasAlive := row.alive()

	switch op.Kind {
	case OpInsert:
		d.elements[op.ID] = &element{id: op.ID, parent: op.After, rowID: op.RowID}
		d.orderDirty = true
		reborn := op.ID.After(row.born)
		if reborn {
			row.born = op.ID
		}
		for key, value := range op.Fields {
			setField(row, key, fieldState{id: op.ID, value: value})
		}
		builder.touch(op.RowID, wasAlive, reborn)
	case OpDelete:
		if op.ID.After(row.died) {
			row.died = op.ID
			d.orderDirty = true
		}
		builder.touch(op.RowID, wasAlive, false)
	case OpUpdate:
		changed := setField(row, op.Key, fieldState{id: op.ID, value: op.Value}) && op.ID.Compare(row.born) >= 0
		builder.touch(op.RowID, wasAlive, changed)
	}
	if row.alive() != wasAlive {
		d.orderDirty = true
	}
}

func setField(row *rowState, key library.PropertyKey, incoming fieldState) bool {
	if existing, ok := row.fields[key]; ok && !incoming.id.After(existing.id) {
		return false
	}
	row.fields[key] = incoming
	return true
}

func (d *Document) aliveLocked(rowID library.RowID) bool {
	return d.rows[rowID].alive()
}

func (d *Document) rowLocked(rowID library.RowID) library.Row {
	row := d.rows[rowID]
	fields := make(map[library.PropertyKey]library.Value, len(row.fields))
	for key, state := range row.fields {
		if row.visible(state) {
			fields[key] = state.value.Clone()
		}
	}
	return library.Row{ID: rowID, Fields: fields}
}

func (d *Document) valueLocked(rowID library.RowID, key library.PropertyKey) (library.Value, bool) {
	row := d.rows[rowID]
	if !row.alive() {
		return library.Value{}, false
	}
	state, ok := row.fields[key]
	if !ok || !row.visible(state) {
		return library.Value{}, false
	}
	return state.value.Clone(), true
}

// visibleOrderLocked walks the insert tree depth first. Siblings under one anchor are ordered newest first, and an
// element whose anchor is unknown (or not older than itself) hangs off the head.
func (d *Document) visibleOrderLocked() []library.RowID {
	if !d.orderDirty && d.order != nil {
		return d.order
	}
	children := make(map[OpID][]*element, len(d.elements))
	for _, el := range d.elements {
		parent := el.parent
		if anchor, ok := d.elements[parent]; !ok || !el.id.After(anchor.id) {
			parent = OpID{}
		}
		children[parent] = append(children[parent], el)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool { return siblings[i].id.After(siblings[j].id) })
	}

	order := make([]library.RowID, 0, len(d.rows))
	stack := make([]*element, 0, len(d.elements))
	pushChildren := func(parent OpID) {
		siblings := children[parent]
		for i := len(siblings) - 1; i >= 0; i-- {
			stack = append(stack, siblings[i])
		}
	}
	pushChildren(OpID{})
	for len(stack) > 0 {
		el := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		row := d.rows[el.rowID]
		if row.alive() && row.born == el.id {
			order = append(order, el.rowID)
		}
		pushChildren(el.id)
	}
	d.order = order
	d.orderDirty = false
	return d.order
}

func (d *Document) observerListLocked() []func(Change) {
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, d.observers[id])
	}
	return observers
}

func notify(observers []func(Change), change Change) {
	for _, observer := range observers {
		observer(change)
	}
}

// journal remembers what a batch touched so a failed batch can be undone without copying the document.
type journal struct {
	rows    map[library.RowID]*rowState
	applied []OpID
}

func newJournal() *journal {
	return &journal{rows: make(map[library.RowID]*rowState)}
}

// record saves the state of rowID before its first change in the batch; nil marks a row that did not exist.
func (j *journal) record(id OpID, rowID library.RowID, prior *rowState) {
	j.applied = append(j.applied, id)
	if _, saved := j.rows[rowID]; saved {
		return
	}
	if prior == nil {
		j.rows[rowID] = nil
		return
	}
	j.rows[rowID] = prior.clone()
}

func (d *Document) rollbackLocked(j *journal) {
	for _, id := range j.applied {
		delete(d.applied, id)
		delete(d.elements, id)
	}
	for rowID, prior := range j.rows {
		if prior == nil {
			delete(d.rows, rowID)
			continue
		}
		d.rows[rowID] = prior
	}
	d.orderDirty = true
}
