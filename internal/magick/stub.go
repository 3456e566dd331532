//go:build !cgo || nomagick

package magick

import (
	"image"

	"stereostitch/internal/geometry"
)

// Available reports whether ImageMagick is linked in.
func Available() bool { return false }

// Version returns the linked ImageMagick version string.
func Version() string { return "" }

type Warper struct{}

func NewWarper() *Warper { return &Warper{} }

func (w *Warper) Name() string { return EngineName }

func (w *Warper) Warp(image.Image, geometry.Homography, image.Point, geometry.Interpolation) (image.Image, error) {
	return nil, ErrUnavailable
}

type Codec struct{}

func NewCodec() *Codec { return &Codec{} }

func (c *Codec) Name() string { return EngineName }

func (c *Codec) Decode(string) (image.Image, error) { return nil, ErrUnavailable }

func (c *Codec) Encode(string, image.Image) error { return ErrUnavailable }
