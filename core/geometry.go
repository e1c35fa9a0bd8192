package core

import (
	"fmt"
	"math"

	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/utils"
)

// ResizePlan is the codec-independent geometry of a resize.
type ResizePlan struct {
	Noop bool

	// Dimensions after scaling.
	ScaledWidth  int
	ScaledHeight int

	// Final canvas. Larger than the scaled size when padding, smaller when
	// cropping.
	Width  int
	Height int

	Crop bool
	Pad  bool
}

// PlanResize computes the geometry for resizing a srcW x srcH image.
func PlanResize(srcW, srcH int, opts ResizeOptions) (ResizePlan, error) {
	if srcW <= 0 || srcH <= 0 {
		return ResizePlan{}, apperrors.New(apperrors.CategoryDecode, "plan_resize", apperrors.ErrInvalidDimensions)
	}
	w, h := opts.Width, opts.Height
	if w == 0 && h == 0 {
		return ResizePlan{Noop: true, ScaledWidth: srcW, ScaledHeight: srcH, Width: srcW, Height: srcH}, nil
	}
	if w == 0 || h == 0 {
		sw, sh := utils.ScaleDimensions(srcW, srcH, w, h)
		return ResizePlan{ScaledWidth: sw, ScaledHeight: sh, Width: sw, Height: sh}, nil
	}
	if w == srcW && h == srcH {
		return ResizePlan{Noop: true, ScaledWidth: srcW, ScaledHeight: srcH, Width: srcW, Height: srcH}, nil
	}

	sx := float64(w) / float64(srcW)
	sy := float64(h) / float64(srcH)

	fit := opts.Fit
	if fit == "" {
		fit = FitCover
	}
	switch fit {
	case FitFill:
		return ResizePlan{ScaledWidth: w, ScaledHeight: h, Width: w, Height: h}, nil
	case FitCover:
		sw, sh := scaleAt(srcW, srcH, math.Max(sx, sy))
		return ResizePlan{ScaledWidth: max(sw, w), ScaledHeight: max(sh, h), Width: w, Height: h, Crop: true}, nil
	case FitContain:
		sw, sh := scaleAt(srcW, srcH, math.Min(sx, sy))
		return ResizePlan{ScaledWidth: min(sw, w), ScaledHeight: min(sh, h), Width: w, Height: h, Pad: true}, nil
	case FitInside:
		sw, sh := scaleAt(srcW, srcH, math.Min(sx, sy))
		sw, sh = min(sw, w), min(sh, h)
		return ResizePlan{ScaledWidth: sw, ScaledHeight: sh, Width: sw, Height: sh}, nil
	case FitOutside:
		sw, sh := scaleAt(srcW, srcH, math.Max(sx, sy))
		sw, sh = max(sw, w), max(sh, h)
		return ResizePlan{ScaledWidth: sw, ScaledHeight: sh, Width: sw, Height: sh}, nil
	}
	return ResizePlan{}, apperrors.New(apperrors.CategoryValidation, "plan_resize", fmt.Errorf("unknown fit %q", fit))
}

func scaleAt(w, h int, s float64) (int, int) {
	return max(int(math.Round(float64(w)*s)), 1), max(int(math.Round(float64(h)*s)), 1)
}

// CropOffset returns the top-left corner of a cropW x cropH window inside a
// w x h image for the given anchor. Content-aware anchors fall back to centre.
func CropOffset(w, h, cropW, cropH int, pos Position) (left, top int) {
	dx, dy := max(w-cropW, 0), max(h-cropH, 0)
	left, top = dx/2, dy/2
	switch pos {
	case PositionTop:
		top = 0
	case PositionBottom:
		top = dy
	case PositionLeft:
		left = 0
	case PositionRight:
		left = dx
	case PositionTopLeft:
		left, top = 0, 0
	case PositionTopRight:
		left, top = dx, 0
	case PositionBottomLeft:
		left, top = 0, dy
	case PositionBottomRight:
		left, top = dx, dy
	}
	return left, top
}
