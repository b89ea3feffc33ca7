// Package selection implements the per-client cell selection, clipboard and drag-to-fill state machine of the
// asset table.
package selection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

var (
	// ErrInvalidTransition indicates a gesture that is not allowed in the current state.
	ErrInvalidTransition = errors.New("selection: invalid transition")
	// ErrCellNotInGrid indicates a cell whose row or property is not displayed.
	ErrCellNotInGrid = errors.New("selection: cell not in grid")
	// ErrEmptyClipboard indicates a paste without a prior cut or copy.
	ErrEmptyClipboard = errors.New("selection: clipboard empty")
	// ErrOutsideFillHandle indicates a fill gesture that did not start on the fill handle.
	ErrOutsideFillHandle = errors.New("selection: pointer outside fill handle")
)

// FillHandleSize is the edge length of the bottom-right hot zone that starts a fill.
const FillHandleSize = 20.0

// State is the gesture state of the engine.
type State string

const (
	StateIdle      State = "idle"
	StateSelecting State = "selecting"
	StateSelected  State = "selected"
	StateCut       State = "cut"
	StateCopy      State = "copy"
	StateFilling   State = "filling"
)

// Kind names one of the three cell sets.
type Kind int

const (
	KindSelected Kind = iota
	KindCut
	KindCopy
)

type clipboardMode int

const (
	clipboardNone clipboardMode = iota
	clipboardCut
	clipboardCopy
)

// Writer applies a group of document mutations as one change.
type Writer interface {
	Batch(fn func(txn *crdt.Txn) error) ([]crdt.Op, error)
}

// CellFlags is everything the grid needs to render one cell.
type CellFlags struct {
	Selected      bool        `json:"selected"`
	Cut           bool        `json:"cut"`
	Copied        bool        `json:"copied"`
	Filling       bool        `json:"filling"`
	SelectBorders BorderFlags `json:"select_borders"`
	CutBorders    BorderFlags `json:"cut_borders"`
	CopyBorders   BorderFlags `json:"copy_borders"`
}

// Engine is the selection state of one client. It is never replicated.
type Engine struct {
	mu         sync.Mutex
	grid       Grid
	index      gridIndex
	indexDirty bool
	state      State
	clipboard  clipboardMode
	anchor     Position
	sets       [3]*cellSet
	fillOrigin Cell
	fillTarget Position
}

// NewEngine returns an idle engine over grid.
func NewEngine(grid Grid) *Engine {
	return &Engine{
		grid:       grid,
		indexDirty: true,
		state:      StateIdle,
		sets:       [3]*cellSet{newCellSet(), newCellSet(), newCellSet()},
	}
}

// GridChanged drops every position derived from the previous row or column order.
func (e *Engine) GridChanged() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexDirty = true
	for _, set := range e.sets {
		set.dirty = true
	}
}

func (e *Engine) gridLocked() gridIndex {
	if e.indexDirty {
		e.index = indexGrid(e.grid)
		e.indexDirty = false
	}
	return e.index
}

func (e *Engine) positionLocked(cell Cell) (Position, error) {
	position, ok := e.gridLocked().position(cell)
	if !ok {
		return Position{}, fmt.Errorf("%w: %s/%s", ErrCellNotInGrid, cell.RowID, cell.Key)
	}
	return position, nil
}

// State returns the current gesture state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PointerDown anchors a new selection. A pending cut or copy survives so that the new selection can be its paste
// target.
func (e *Engine) PointerDown(cell Cell) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSelecting || e.state == StateFilling {
		return fmt.Errorf("%w: pointer down while %s", ErrInvalidTransition, e.state)
	}
	position, err := e.positionLocked(cell)
	if err != nil {
		return err
	}
	e.anchor = position
	e.state = StateSelecting
	e.sets[KindSelected].replace([]Cell{cell})
	return nil
}

// PointerEnter extends the live selection or the fill range. Outside those gestures it is ignored.
func (e *Engine) PointerEnter(cell Cell) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateSelecting:
		position, err := e.positionLocked(cell)
		if err != nil {
			return err
		}
		e.sets[KindSelected].replace(e.gridLocked().rectangle(e.anchor, position))
	case StateFilling:
		position, err := e.positionLocked(cell)
		if err != nil {
			return err
		}
		e.fillTarget = position
	}
	return nil
}

// PointerUp closes the selection over the rectangle between the anchor and cell.
func (e *Engine) PointerUp(cell Cell) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateSelecting:
		position, err := e.positionLocked(cell)
		if err != nil {
			return err
		}
		e.sets[KindSelected].replace(e.gridLocked().rectangle(e.anchor, position))
		e.state = StateSelected
		return nil
	case StateFilling:
		position, err := e.positionLocked(cell)
		if err != nil {
			return err
		}
		e.fillTarget = position
		return nil
	default:
		return fmt.Errorf("%w: pointer up while %s", ErrInvalidTransition, e.state)
	}
}

// AddCell adds one cell to the current selection.
func (e *Engine) AddCell(cell Cell) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSelecting || e.state == StateFilling {
		return fmt.Errorf("%w: add cell while %s", ErrInvalidTransition, e.state)
	}
	if _, err := e.positionLocked(cell); err != nil {
		return err
	}
	e.sets[KindSelected].add(cell)
	e.state = StateSelected
	return nil
}

// Cut moves the selection into the cut set.
func (e *Engine) Cut() error {
	return e.capture(clipboardCut, KindCut, StateCut)
}

// Copy moves the selection into the copy set.
func (e *Engine) Copy() error {
	return e.capture(clipboardCopy, KindCopy, StateCopy)
}

func (e *Engine) capture(mode clipboardMode, kind Kind, next State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateSelected || e.sets[KindSelected].size() == 0 {
		return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, next, e.state)
	}
	cells := e.sets[KindSelected].sorted(e.gridLocked())
	e.sets[KindCut].clear()
	e.sets[KindCopy].clear()
	e.sets[kind].replace(cells)
	e.sets[kind].boundsIn(e.gridLocked())
	e.sets[KindSelected].clear()
	e.clipboard = mode
	e.state = next
	return nil
}

type transfer struct {
	source Cell
	target Cell
}

// Paste writes the clipboard with its top-left corner at target as one batch. A cut clears its sources in the same
// batch, so observers never see the values missing from both places. Cells that would land outside the grid are
// dropped.
func (e *Engine) Paste(target Cell, writer Writer) ([]crdt.Op, error) {
	e.mu.Lock()
	if e.state == StateSelecting || e.state == StateFilling {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: paste while %s", ErrInvalidTransition, e.state)
	}
	mode := e.clipboard
	if mode == clipboardNone {
		e.mu.Unlock()
		return nil, ErrEmptyClipboard
	}
	kind := KindCopy
	if mode == clipboardCut {
		kind = KindCut
	}
	grid := e.gridLocked()
	targetPosition, err := e.positionLocked(target)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	bounds := e.sets[kind].boundsIn(grid)
	var transfers []transfer
	for _, source := range e.sets[kind].sorted(grid) {
		sourcePosition, _ := grid.position(source)
		destination, ok := grid.cell(Position{
			RowIndex:      targetPosition.RowIndex + sourcePosition.RowIndex - bounds.MinRowIndex,
			PropertyIndex: targetPosition.PropertyIndex + sourcePosition.PropertyIndex - bounds.MinPropertyIndex,
		})
		if ok {
			transfers = append(transfers, transfer{source: source, target: destination})
		}
	}
	e.mu.Unlock()

	ops, err := writer.Batch(func(txn *crdt.Txn) error {
		values := make([]library.Value, len(transfers))
		for i, move := range transfers {
			if value, ok := txn.Value(move.source.RowID, move.source.Key); ok {
				values[i] = value
			} else {
				values[i] = library.NullValue()
			}
		}
		if mode == clipboardCut {
			for i, move := range transfers {
				if values[i].IsNull() {
					continue
				}
				if _, err := txn.UpdateField(move.source.RowID, move.source.Key, library.NullValue()); err != nil {
					return err
				}
			}
		}
		for i, move := range transfers {
			if _, err := txn.UpdateField(move.target.RowID, move.target.Key, values[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.sets[KindCut].clear()
	e.sets[KindCopy].clear()
	e.clipboard = clipboardNone
	e.state = StateIdle
	e.mu.Unlock()
	return ops, nil
}

// BeginFill starts a drag-to-fill from the single selected cell. offsetX and offsetY locate the pointer inside a
// cell of the given size; only the bottom-right FillHandleSize square counts.
func (e *Engine) BeginFill(cell Cell, offsetX, offsetY, width, height float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateSelected || e.sets[KindSelected].size() != 1 || !e.sets[KindSelected].has(cell) {
		return fmt.Errorf("%w: fill requires a single selected cell", ErrInvalidTransition)
	}
	if offsetX < width-FillHandleSize || offsetX > width || offsetY < height-FillHandleSize || offsetY > height {
		return ErrOutsideFillHandle
	}
	position, err := e.positionLocked(cell)
	if err != nil {
		return err
	}
	e.fillOrigin = cell
	e.fillTarget = position
	e.state = StateFilling
	return nil
}

// FillRange returns the cells the current fill would cover.
func (e *Engine) FillRange() []Cell {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateFilling {
		return nil
	}
	return e.fillRangeLocked()
}

func (e *Engine) fillRangeLocked() []Cell {
	grid := e.gridLocked()
	origin, ok := grid.position(e.fillOrigin)
	if !ok || e.fillTarget.RowIndex >= len(grid.rows) || e.fillTarget.PropertyIndex >= len(grid.keys) {
		return nil
	}
	return grid.rectangle(origin, e.fillTarget)
}

// EndFill copies the origin value into every covered cell as one batch and returns to idle.
func (e *Engine) EndFill(writer Writer) ([]crdt.Op, error) {
	e.mu.Lock()
	if e.state != StateFilling {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: end fill while %s", ErrInvalidTransition, e.state)
	}
	origin := e.fillOrigin
	covered := e.fillRangeLocked()
	e.mu.Unlock()

	ops, err := writer.Batch(func(txn *crdt.Txn) error {
		value, ok := txn.Value(origin.RowID, origin.Key)
		if !ok {
			value = library.NullValue()
		}
		for _, cell := range covered {
			if cell == origin {
				continue
			}
			if _, err := txn.UpdateField(cell.RowID, cell.Key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.sets[KindSelected].clear()
	e.state = StateIdle
	e.mu.Unlock()
	return ops, nil
}

// Clear drops every set and the clipboard.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, set := range e.sets {
		set.clear()
	}
	e.clipboard = clipboardNone
	e.state = StateIdle
}

// Cells returns one set in row-major order.
func (e *Engine) Cells(kind Kind) []Cell {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sets[kind].sorted(e.gridLocked())
}

// Selected returns the selected cells.
func (e *Engine) Selected() []Cell {
	return e.Cells(KindSelected)
}

// CutCells returns the cut cells.
func (e *Engine) CutCells() []Cell {
	return e.Cells(KindCut)
}

// CopyCells returns the copied cells.
func (e *Engine) CopyCells() []Cell {
	return e.Cells(KindCopy)
}

// Bounds returns the memoized rectangle of one set.
func (e *Engine) Bounds(kind Kind) Bounds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sets[kind].boundsIn(e.gridLocked())
}

// CellFlags combines membership and outline edges of cell across the three sets.
func (e *Engine) CellFlags(cell Cell) CellFlags {
	e.mu.Lock()
	defer e.mu.Unlock()
	grid := e.gridLocked()
	position, ok := grid.position(cell)
	if !ok {
		return CellFlags{}
	}
	flags := CellFlags{
		Selected: e.sets[KindSelected].has(cell),
		Cut:      e.sets[KindCut].has(cell),
		Copied:   e.sets[KindCopy].has(cell),
	}
	if flags.Selected {
		flags.SelectBorders = Borders(position, e.sets[KindSelected].boundsIn(grid))
	}
	if flags.Cut {
		flags.CutBorders = Borders(position, e.sets[KindCut].boundsIn(grid))
	}
	if flags.Copied {
		flags.CopyBorders = Borders(position, e.sets[KindCopy].boundsIn(grid))
	}
	if e.state == StateFilling {
		for _, covered := range e.fillRangeLocked() {
			if covered == cell {
				flags.Filling = true
				break
			}
		}
	}
	return flags
}
