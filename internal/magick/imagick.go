//go:build cgo && !nomagick

package magick

import (
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"

	"stereostitch/internal/geometry"
	"stereostitch/internal/imageio"
)

// Available reports whether ImageMagick is linked in.
func Available() bool { return true }

// Version returns the linked ImageMagick version string.
func Version() string {
	imagick.Initialize()
	defer imagick.Terminate()
	v, _ := imagick.GetVersion()
	return v
}

// Warper applies the homography with DistortImage.
type Warper struct{}

// NewWarper returns the ImageMagick warper.
func NewWarper() *Warper { return &Warper{} }

func (w *Warper) Name() string { return EngineName }

// Warp implements geometry.Warper. Pixels mapped from outside the source are
// transparent.
func (w *Warper) Warp(src image.Image, h geometry.Homography, size image.Point, interp geometry.Interpolation) (image.Image, error) {
	args, err := PerspectiveArgs(h)
	if err != nil {
		return nil, err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw, err := wandFromImage(src)
	if err != nil {
		return nil, err
	}
	defer mw.Destroy()

	method := imagick.INTERPOLATE_PIXEL_BILINEAR
	if interp == geometry.InterpolationNearest {
		method = imagick.INTERPOLATE_PIXEL_INTEGER
	}
	if err := mw.SetImageInterpolateMethod(method); err != nil {
		return nil, fmt.Errorf("set interpolation: %w", err)
	}
	mw.SetImageVirtualPixelMethod(imagick.VIRTUAL_PIXEL_TRANSPARENT)
	if err := mw.SetImageArtifact("distort:viewport", Viewport(size.X, size.Y)); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	if err := mw.DistortImage(imagick.DISTORTION_PERSPECTIVE_PROJECTION, args, false); err != nil {
		return nil, fmt.Errorf("distort: %w", err)
	}
	if err := mw.ResetImagePage(""); err != nil {
		return nil, fmt.Errorf("reset page: %w", err)
	}
	return imageFromWand(mw)
}

// Codec reads and writes every format the ImageMagick build supports.
type Codec struct {
	Quality uint
}

// NewCodec returns a codec writing lossy formats at quality 95.
func NewCodec() *Codec { return &Codec{Quality: 95} }

func (c *Codec) Name() string { return EngineName }

// Decode implements imageio.Codec.
func (c *Codec) Decode(path string) (image.Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return imageFromWand(mw)
}

// Encode implements imageio.Codec.
func (c *Codec) Encode(path string, img image.Image) error {
	imagick.Initialize()
	defer imagick.Terminate()

	mw, err := wandFromImage(img)
	if err != nil {
		return err
	}
	defer mw.Destroy()

	format := strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), "."))
	if format == "" {
		return fmt.Errorf("%w: no extension on %s", imageio.ErrUnsupportedFormat, path)
	}
	if err := mw.SetImageFormat(format); err != nil {
		return fmt.Errorf("%w: %s: %v", imageio.ErrUnsupportedFormat, format, err)
	}
	if err := mw.SetImageCompressionQuality(c.Quality); err != nil {
		return err
	}
	blob, err := mw.GetImageBlob()
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return imageio.WriteAtomic(path, func(f *os.File) error {
		_, err := f.Write(blob)
		return err
	})
}

func wandFromImage(src image.Image) (*imagick.MagickWand, error) {
	b := src.Bounds()
	nrgba, ok := src.(*image.NRGBA)
	if !ok || b.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(nrgba, nrgba.Rect, src, b.Min, draw.Src)
	}
	mw := imagick.NewMagickWand()
	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGBA", imagick.PIXEL_CHAR, nrgba.Pix); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("constitute image: %w", err)
	}
	return mw, nil
}

func imageFromWand(mw *imagick.MagickWand) (image.Image, error) {
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	px, err := mw.ExportImagePixels(0, 0, w, h, "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels: %w", err)
	}
	data, ok := px.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel buffer %T", px)
	}
	out := image.NewNRGBA(image.Rect(0, 0, int(w), int(h)))
	copy(out.Pix, data)
	return out, nil
}
