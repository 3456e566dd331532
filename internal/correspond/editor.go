package correspond

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r2"
)

// ErrFrozen is returned for edits after the homography has been fixed.
var ErrFrozen = errors.New("correspondences are frozen")

// HitRadius is how close, in pixels, a query must be to grab a point.
const HitRadius = 20.0

// Handle identifies one point by pair index and side. It is resolved
// against the set only when an edit is applied.
type Handle struct {
	Index int  `json:"index"`
	Side  Side `json:"side"`
}

// Editor applies manual edits to a Set. Positions are in the shared frame.
type Editor struct {
	set    *Set
	moving *Handle
	frozen bool
}

// NewEditor edits set in place.
func NewEditor(set *Set) *Editor {
	return &Editor{set: set}
}

// Set returns the edited set.
func (e *Editor) Set() *Set {
	return e.set
}

// Frozen reports whether edits are rejected.
func (e *Editor) Frozen() bool {
	return e.frozen
}

// Freeze rejects every later edit.
func (e *Editor) Freeze() {
	e.frozen = true
	e.moving = nil
}

// Moving returns the handle being dragged, if any.
func (e *Editor) Moving() (Handle, bool) {
	if e.moving == nil {
		return Handle{}, false
	}
	return *e.moving, true
}

// Query grabs the first point within HitRadius of p, searching the left
// points before the right ones. When nothing is hit a new pair is added:
// p on the side it falls in and its mirror at the same spot in the other
// view. created reports which case happened.
func (e *Editor) Query(p r2.Point) (h Handle, created bool, err error) {
	if e.frozen {
		return Handle{}, false, ErrFrozen
	}
	if h, ok := e.find(p); ok {
		e.moving = &h
		return h, false, nil
	}

	shift := r2.Point{X: e.set.Offset}
	left := p
	side := Left
	if p.X > e.set.Offset {
		left = p.Sub(shift)
		side = Right
	}
	e.set.Append(left, left.Add(shift))
	return Handle{Index: e.set.Len() - 1, Side: side}, true, nil
}

func (e *Editor) find(p r2.Point) (Handle, bool) {
	for i, q := range e.set.Left {
		if q.Sub(p).Norm() < HitRadius {
			return Handle{Index: i, Side: Left}, true
		}
	}
	for i, q := range e.set.Right {
		if q.Sub(p).Norm() < HitRadius {
			return Handle{Index: i, Side: Right}, true
		}
	}
	return Handle{}, false
}

// Move places the point behind h at p.
func (e *Editor) Move(h Handle, p r2.Point) error {
	if e.frozen {
		return ErrFrozen
	}
	if h.Index < 0 || h.Index >= e.set.Len() {
		return fmt.Errorf("point %d out of range [0,%d)", h.Index, e.set.Len())
	}
	if h.Side == Right {
		e.set.Right[h.Index] = p
	} else {
		e.set.Left[h.Index] = p
	}
	return nil
}

// Drag moves the grabbed point, if any, to p.
func (e *Editor) Drag(p r2.Point) error {
	if e.moving == nil {
		if e.frozen {
			return ErrFrozen
		}
		return nil
	}
	return e.Move(*e.moving, p)
}

// Release lets go of the grabbed point.
func (e *Editor) Release() {
	e.moving = nil
}

// Remove deletes pair i. A grabbed handle past the removed pair is shifted
// so it keeps pointing at the same point.
func (e *Editor) Remove(i int) error {
	if e.frozen {
		return ErrFrozen
	}
	if err := e.set.Remove(i); err != nil {
		return err
	}
	if e.moving != nil {
		switch {
		case e.moving.Index == i:
			e.moving = nil
		case e.moving.Index > i:
			e.moving.Index--
		}
	}
	return nil
}
