package vips

import (
	"strings"

	apperrors "github.com/Skryldev/imaged/errors"
)

// libvips reports resource exhaustion only through the text of its error
// buffer. These failures depend on load, not on the image, so they may
// succeed when retried.
var transientMarkers = []string{
	"out of memory",
	"cannot allocate memory",
	"unable to allocate",
	"too many open files",
	"resource temporarily unavailable",
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classify wraps a libvips failure in category unless it is transient.
func classify(category apperrors.Category, op string, err error) error {
	if isTransient(err) {
		return apperrors.Transient(op, err)
	}
	return apperrors.New(category, op, err)
}
