// Package imageio loads and saves frames.
package imageio

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned for extensions a codec cannot write.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Codec reads and writes image files. The format follows the extension.
type Codec interface {
	Name() string
	Decode(path string) (image.Image, error)
	Encode(path string, img image.Image) error
}

// NativeCodec uses the Go image packages: PNG, JPEG, TIFF and BMP both
// ways, WebP for reading only.
type NativeCodec struct {
	JPEGQuality int
}

// NewNativeCodec returns a codec writing JPEG at quality 95.
func NewNativeCodec() *NativeCodec {
	return &NativeCodec{JPEGQuality: 95}
}

func (c *NativeCodec) Name() string { return "native" }

// Decode reads the image at path.
func (c *NativeCodec) Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Encode writes img to path, replacing any existing file only once the new
// one is complete.
func (c *NativeCodec) Encode(path string, img image.Image) error {
	format := Format(path)
	switch format {
	case "png", "jpeg", "tiff", "bmp":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}

	return WriteAtomic(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		var err error
		switch format {
		case "png":
			err = png.Encode(w, img)
		case "jpeg":
			err = jpeg.Encode(w, img, &jpeg.Options{Quality: c.JPEGQuality})
		case "tiff":
			err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
		case "bmp":
			err = bmp.Encode(w, img)
		}
		if err != nil {
			return err
		}
		return w.Flush()
	})
}

// Format maps a file extension to a format name.
func Format(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "png":
		return "png"
	case "jpg", "jpeg":
		return "jpeg"
	case "tif", "tiff":
		return "tiff"
	case "bmp":
		return "bmp"
	case "webp":
		return "webp"
	default:
		return ""
	}
}

// WriteAtomic writes through a temporary file in the target directory and
// renames it over path.
func WriteAtomic(path string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
