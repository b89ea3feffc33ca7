package selection

import (
	"sort"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

// Cell addresses one cell by identity, never by position.
type Cell struct {
	RowID library.RowID       `json:"row_id"`
	Key   library.PropertyKey `json:"property_key"`
}

// Position is a cell's current place in the grid.
type Position struct {
	RowIndex      int
	PropertyIndex int
}

// Bounds is the rectangle spanned by a cell set.
type Bounds struct {
	Empty            bool
	MinRowIndex      int
	MaxRowIndex      int
	MinPropertyIndex int
	MaxPropertyIndex int
	RowIDs           []library.RowID
	PropertyKeys     []library.PropertyKey
}

// Contains reports whether position lies inside the rectangle.
func (b Bounds) Contains(position Position) bool {
	return !b.Empty &&
		position.RowIndex >= b.MinRowIndex && position.RowIndex <= b.MaxRowIndex &&
		position.PropertyIndex >= b.MinPropertyIndex && position.PropertyIndex <= b.MaxPropertyIndex
}

// BorderFlags says which edges of a cell sit on the rectangle's outline.
type BorderFlags struct {
	Top    bool `json:"top"`
	Bottom bool `json:"bottom"`
	Left   bool `json:"left"`
	Right  bool `json:"right"`
}

// Any reports whether any edge is set.
func (f BorderFlags) Any() bool {
	return f.Top || f.Bottom || f.Left || f.Right
}

// Borders computes the outline edges of position within bounds. Positions outside the bounds get none.
func Borders(position Position, bounds Bounds) BorderFlags {
	if !bounds.Contains(position) {
		return BorderFlags{}
	}
	return BorderFlags{
		Top:    position.RowIndex == bounds.MinRowIndex,
		Bottom: position.RowIndex == bounds.MaxRowIndex,
		Left:   position.PropertyIndex == bounds.MinPropertyIndex,
		Right:  position.PropertyIndex == bounds.MaxPropertyIndex,
	}
}

// Grid supplies the current row order and column order.
type Grid interface {
	RowIDs() []library.RowID
	PropertyKeys() []library.PropertyKey
}

type gridIndex struct {
	rows     []library.RowID
	keys     []library.PropertyKey
	rowIndex map[library.RowID]int
	keyIndex map[library.PropertyKey]int
}

func indexGrid(grid Grid) gridIndex {
	index := gridIndex{
		rows:     grid.RowIDs(),
		keys:     grid.PropertyKeys(),
		rowIndex: make(map[library.RowID]int),
		keyIndex: make(map[library.PropertyKey]int),
	}
	for i, id := range index.rows {
		index.rowIndex[id] = i
	}
	for i, key := range index.keys {
		index.keyIndex[key] = i
	}
	return index
}

func (g gridIndex) position(cell Cell) (Position, bool) {
	row, rowOK := g.rowIndex[cell.RowID]
	key, keyOK := g.keyIndex[cell.Key]
	return Position{RowIndex: row, PropertyIndex: key}, rowOK && keyOK
}

func (g gridIndex) cell(position Position) (Cell, bool) {
	if position.RowIndex < 0 || position.RowIndex >= len(g.rows) ||
		position.PropertyIndex < 0 || position.PropertyIndex >= len(g.keys) {
		return Cell{}, false
	}
	return Cell{RowID: g.rows[position.RowIndex], Key: g.keys[position.PropertyIndex]}, true
}

// rectangle returns every cell between two corners, inclusive, row-major.
func (g gridIndex) rectangle(from, to Position) []Cell {
	minRow, maxRow := order(from.RowIndex, to.RowIndex)
	minKey, maxKey := order(from.PropertyIndex, to.PropertyIndex)
	cells := make([]Cell, 0, (maxRow-minRow+1)*(maxKey-minKey+1))
	for row := minRow; row <= maxRow; row++ {
		for key := minKey; key <= maxKey; key++ {
			cells = append(cells, Cell{RowID: g.rows[row], Key: g.keys[key]})
		}
	}
	return cells
}

func order(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

// cellSet is the source of truth for one of the selection sets; bounds is a memoized projection of it.
type cellSet struct {
	cells  map[Cell]struct{}
	bounds Bounds
	dirty  bool
}

func newCellSet() *cellSet {
	return &cellSet{cells: make(map[Cell]struct{}), dirty: true}
}

func (s *cellSet) replace(cells []Cell) {
	s.cells = make(map[Cell]struct{}, len(cells))
	for _, cell := range cells {
		s.cells[cell] = struct{}{}
	}
	s.dirty = true
}

func (s *cellSet) add(cell Cell) {
	s.cells[cell] = struct{}{}
	s.dirty = true
}

func (s *cellSet) clear() {
	s.replace(nil)
}

func (s *cellSet) has(cell Cell) bool {
	_, ok := s.cells[cell]
	return ok
}

func (s *cellSet) size() int {
	return len(s.cells)
}

func (s *cellSet) boundsIn(grid gridIndex) Bounds {
	if !s.dirty {
		return s.bounds
	}
	bounds := Bounds{Empty: true}
	for cell := range s.cells {
		position, ok := grid.position(cell)
		if !ok {
			continue
		}
		if bounds.Empty {
			bounds = Bounds{
				MinRowIndex: position.RowIndex, MaxRowIndex: position.RowIndex,
				MinPropertyIndex: position.PropertyIndex, MaxPropertyIndex: position.PropertyIndex,
			}
			continue
		}
		bounds.MinRowIndex = min(bounds.MinRowIndex, position.RowIndex)
		bounds.MaxRowIndex = max(bounds.MaxRowIndex, position.RowIndex)
		bounds.MinPropertyIndex = min(bounds.MinPropertyIndex, position.PropertyIndex)
		bounds.MaxPropertyIndex = max(bounds.MaxPropertyIndex, position.PropertyIndex)
	}
	if !bounds.Empty {
		bounds.RowIDs = append([]library.RowID(nil), grid.rows[bounds.MinRowIndex:bounds.MaxRowIndex+1]...)
		bounds.PropertyKeys = append([]library.PropertyKey(nil), grid.keys[bounds.MinPropertyIndex:bounds.MaxPropertyIndex+1]...)
	}
	s.bounds = bounds
	s.dirty = false
	return bounds
}

// sorted returns the cells that are still on the grid in row-major order.
func (s *cellSet) sorted(grid gridIndex) []Cell {
	type placed struct {
		cell     Cell
		position Position
	}
	list := make([]placed, 0, len(s.cells))
	for cell := range s.cells {
		if position, ok := grid.position(cell); ok {
			list = append(list, placed{cell: cell, position: position})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].position.RowIndex != list[j].position.RowIndex {
			return list[i].position.RowIndex < list[j].position.RowIndex
		}
		return list[i].position.PropertyIndex < list[j].position.PropertyIndex
	})
	cells := make([]Cell, 0, len(list))
	for _, entry := range list {
		cells = append(cells, entry.cell)
	}
	return cells
}
