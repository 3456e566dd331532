// Package opencv adapts gocv to the detector, camera solver, homography
// solver and warper interfaces. Builds without cgo, or with the noopencv
// tag, get stubs that report ErrUnavailable.
package opencv

import "errors"

// ErrUnavailable is returned by every collaborator when the binary was built
// without OpenCV.
var ErrUnavailable = errors.New("opencv support not compiled in; rebuild with CGO_ENABLED=1 and without the noopencv tag")

// EngineName is the tool name used in configuration.
const EngineName = "opencv"
