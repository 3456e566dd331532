// Package artifact reads and writes the calibration files that let a run
// skip recomputation. Files are YAML with the "%YAML:1.0" header OpenCV's
// FileStorage writes, so artifacts produced by OpenCV tooling load too.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stereostitch/internal/geometry"
)

// ErrMalformed marks an artifact that exists but cannot be decoded. Callers
// treat it the same as a missing file.
var ErrMalformed = errors.New("malformed artifact")

const (
	header        = "%YAML:1.0\n"
	homographyKey = "homography"
)

// Exists reports whether a regular file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// WriteYAML marshals v and atomically replaces path with it.
func WriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(header); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadYAML decodes path into v. A missing file returns an error matching
// os.ErrNotExist; anything unreadable returns one matching ErrMalformed.
func ReadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	data = sanitize(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrMalformed, path)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}

// sanitize drops the OpenCV directive line and type tags that plain YAML
// parsers reject.
func sanitize(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "%YAML") {
			continue
		}
		line = strings.ReplaceAll(line, "!!opencv-matrix", "")
		out = append(out, line)
	}
	return []byte(strings.Join(out, "\n"))
}

// Matrix is the FileStorage layout of a dense matrix.
type Matrix struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Type string    `yaml:"dt"`
	Data []float64 `yaml:"data,flow"`
}

type homographyFile struct {
	Homography *Matrix `yaml:"homography"`
}

// SaveHomography writes h under the "homography" key.
func SaveHomography(path string, h geometry.Homography) error {
	return WriteYAML(path, homographyFile{Homography: &Matrix{
		Rows: 3,
		Cols: 3,
		Type: "d",
		Data: h.Flatten(),
	}})
}

// LoadHomography reads a transform saved by SaveHomography (or OpenCV).
func LoadHomography(path string) (geometry.Homography, error) {
	var doc homographyFile
	if err := ReadYAML(path, &doc); err != nil {
		return geometry.Homography{}, err
	}
	if doc.Homography == nil {
		return geometry.Homography{}, fmt.Errorf("%w: %s has no %q key", ErrMalformed, path, homographyKey)
	}
	m := doc.Homography
	if m.Rows != 3 || m.Cols != 3 {
		return geometry.Homography{}, fmt.Errorf("%w: %s: expected 3x3 matrix, got %dx%d", ErrMalformed, path, m.Rows, m.Cols)
	}
	h, err := geometry.FromSlice(m.Data)
	if err != nil {
		return geometry.Homography{}, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	if h.Det() == 0 {
		return geometry.Homography{}, fmt.Errorf("%w: %s: singular matrix", ErrMalformed, path)
	}
	return h, nil
}
