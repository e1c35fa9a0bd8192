package core

import "testing"

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"jpeg": FormatJPEG,
		"JPG":  FormatJPEG,
		"tif":  FormatTIFF,
		"heif": FormatHEIC,
		"webp": FormatWebP,
		"svg":  FormatSVG,
	}
	for in, want := range cases {
		got, ok := ParseFormat(in)
		if !ok || got != want {
			t.Errorf("ParseFormat(%q): got (%s, %v), want %s", in, got, ok, want)
		}
	}
	if _, ok := ParseFormat("bmp"); ok {
		t.Error("ParseFormat(bmp): expected failure")
	}
	if FormatSVG.IsOutput() {
		t.Error("svg must not be an output format")
	}
	if FormatAVIF.DefaultQuality() != 50 || FormatJPEG.DefaultQuality() != 75 {
		t.Error("unexpected default quality")
	}
}

func TestPlanResize(t *testing.T) {
	cases := []struct {
		name       string
		srcW, srcH int
		opts       ResizeOptions
		want       ResizePlan
	}{
		{"none", 800, 600, ResizeOptions{}, ResizePlan{Noop: true, ScaledWidth: 800, ScaledHeight: 600, Width: 800, Height: 600}},
		{"width only", 800, 600, ResizeOptions{Width: 400}, ResizePlan{ScaledWidth: 400, ScaledHeight: 300, Width: 400, Height: 300}},
		{"same size", 800, 600, ResizeOptions{Width: 800, Height: 600}, ResizePlan{Noop: true, ScaledWidth: 800, ScaledHeight: 600, Width: 800, Height: 600}},
		{"cover default", 800, 600, ResizeOptions{Width: 300, Height: 300}, ResizePlan{ScaledWidth: 400, ScaledHeight: 300, Width: 300, Height: 300, Crop: true}},
		{"contain", 800, 600, ResizeOptions{Width: 300, Height: 300, Fit: FitContain}, ResizePlan{ScaledWidth: 300, ScaledHeight: 225, Width: 300, Height: 300, Pad: true}},
		{"inside", 800, 600, ResizeOptions{Width: 300, Height: 300, Fit: FitInside}, ResizePlan{ScaledWidth: 300, ScaledHeight: 225, Width: 300, Height: 225}},
		{"outside", 800, 600, ResizeOptions{Width: 300, Height: 300, Fit: FitOutside}, ResizePlan{ScaledWidth: 400, ScaledHeight: 300, Width: 400, Height: 300}},
		{"fill", 800, 600, ResizeOptions{Width: 100, Height: 50, Fit: FitFill}, ResizePlan{ScaledWidth: 100, ScaledHeight: 50, Width: 100, Height: 50}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PlanResize(tc.srcW, tc.srcH, tc.opts)
			if err != nil {
				t.Fatalf("PlanResize: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestCropOffset(t *testing.T) {
	cases := []struct {
		pos       Position
		left, top int
	}{
		{PositionCenter, 50, 0},
		{PositionLeft, 0, 0},
		{PositionRight, 100, 0},
		{PositionEntropy, 50, 0},
	}
	for _, tc := range cases {
		l, tp := CropOffset(400, 300, 300, 300, tc.pos)
		if l != tc.left || tp != tc.top {
			t.Errorf("CropOffset(%s): got (%d,%d), want (%d,%d)", tc.pos, l, tp, tc.left, tc.top)
		}
	}
}
