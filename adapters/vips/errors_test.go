package vips

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/Skryldev/imaged/errors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		in        apperrors.Category
		want      apperrors.Category
		retryable bool
		status    int
	}{
		{"allocation", errors.New("vips_tracked_malloc: out of memory --- size == 512MB"),
			apperrors.CategoryDecode, apperrors.CategoryTransient, true, http.StatusBadGateway},
		{"descriptors", errors.New("tempfile: Too many open files"),
			apperrors.CategoryInternal, apperrors.CategoryTransient, true, http.StatusBadGateway},
		{"wrapped", fmt.Errorf("failed to encode webp image: %w", errors.New("VipsImage: Cannot allocate memory")),
			apperrors.CategoryEncode, apperrors.CategoryTransient, true, http.StatusBadGateway},
		{"corrupt input", errors.New("VipsJpeg: Premature end of JPEG file"),
			apperrors.CategoryDecode, apperrors.CategoryDecode, false, http.StatusBadRequest},
		{"bad geometry", errors.New("extract_area: bad extract area"),
			apperrors.CategoryInternal, apperrors.CategoryInternal, false, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.in, "vips.test", tc.err)
			if !apperrors.IsCategory(err, tc.want) {
				t.Errorf("category: got %v, want %s", err, tc.want)
			}
			if got := apperrors.IsRetryable(err); got != tc.retryable {
				t.Errorf("retryable: got %v, want %v", got, tc.retryable)
			}
			if got := apperrors.StatusCode(err); got != tc.status {
				t.Errorf("status: got %d, want %d", got, tc.status)
			}
			if !errors.Is(err, tc.err) {
				t.Error("cause is not preserved")
			}
		})
	}
}
