// Package correspond collects matched points between the left and right
// views, either from board detection over calibration pairs or from manual
// edits.
package correspond

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/geo/r2"

	"stereostitch/internal/geometry"
)

// Side names one of the two views.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// MarshalText encodes the side by name.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts "left" or "right".
func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "left", "L", "l":
		*s = Left
	case "right", "R", "r":
		*s = Right
	default:
		return fmt.Errorf("unknown side %q", b)
	}
	return nil
}

// Set holds index-aligned left and right points. Right points live in the
// shared frame where the right image sits Offset pixels to the right of the
// left one.
type Set struct {
	Left   []r2.Point
	Right  []r2.Point
	Offset float64
}

// NewSet returns an empty set for a left image of the given width.
func NewSet(offset float64) *Set {
	return &Set{Offset: offset}
}

// Len returns the number of pairs.
func (s *Set) Len() int {
	return len(s.Left)
}

// Append adds one pair. right is in shared-frame coordinates.
func (s *Set) Append(left, right r2.Point) {
	s.Left = append(s.Left, left)
	s.Right = append(s.Right, right)
}

// Remove deletes pair i from both sides.
func (s *Set) Remove(i int) error {
	if i < 0 || i >= s.Len() {
		return fmt.Errorf("point %d out of range [0,%d)", i, s.Len())
	}
	s.Left = append(s.Left[:i], s.Left[i+1:]...)
	s.Right = append(s.Right[:i], s.Right[i+1:]...)
	return nil
}

// Clear drops every pair.
func (s *Set) Clear() {
	s.Left = s.Left[:0]
	s.Right = s.Right[:0]
}

// Corrected returns the solver inputs: right points moved back into right
// image coordinates as the source, left points as the destination.
func (s *Set) Corrected() (src, dst []r2.Point) {
	return geometry.ShiftX(s.Right, -s.Offset), append([]r2.Point(nil), s.Left...)
}

// Estimate solves the right-to-left homography for the set.
func (s *Set) Estimate(solver geometry.Solver) (geometry.Homography, error) {
	src, dst := s.Corrected()
	if err := geometry.CheckCorrespondences(src, dst); err != nil {
		return geometry.Homography{}, err
	}
	return solver.Solve(src, dst)
}

// Pair is the file form of one correspondence. Right is in right image
// coordinates.
type Pair struct {
	Left  [2]float64 `json:"left"`
	Right [2]float64 `json:"right"`
}

type pointsFile struct {
	Offset float64 `json:"offset"`
	Pairs  []Pair  `json:"pairs"`
}

// Pairs lists the set in file form.
func (s *Set) Pairs() []Pair {
	src, _ := s.Corrected()
	out := make([]Pair, s.Len())
	for i := range out {
		out[i] = Pair{
			Left:  [2]float64{s.Left[i].X, s.Left[i].Y},
			Right: [2]float64{src[i].X, src[i].Y},
		}
	}
	return out
}

// Save writes the set as JSON.
func (s *Set) Save(path string) error {
	data, err := json.MarshalIndent(pointsFile{Offset: s.Offset, Pairs: s.Pairs()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create points directory: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// LoadSet reads a set written by Save.
func LoadSet(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f pointsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if f.Offset < 0 {
		return nil, errors.New("offset must not be negative")
	}
	s := NewSet(f.Offset)
	for _, p := range f.Pairs {
		s.Append(r2.Point{X: p.Left[0], Y: p.Left[1]}, r2.Point{X: p.Right[0] + f.Offset, Y: p.Right[1]})
	}
	return s, nil
}
