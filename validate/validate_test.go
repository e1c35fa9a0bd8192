package validate

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
)

func query(t *testing.T, raw string) QueryParams {
	t.Helper()
	v, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("ParseQuery(%q): %v", raw, err)
	}
	return QueryParams(v)
}

func TestPrimitives(t *testing.T) {
	cases := []struct {
		name string
		got  any
		want any
	}{
		{"quality ok", Quality("80", true), Ok[int]{Value: 80}},
		{"quality high", Quality("200", true), Clamped[int]{Value: 100, Reason: "must be at most 100"}},
		{"quality low", Quality(0.0, false), Clamped[int]{Value: 1, Reason: "must be at least 1"}},
		{"quality text", Quality("abc", true), Invalid[int]{Reason: "must be an integer"}},
		{"quality typed rejects string", Quality("80", false), Invalid[int]{Reason: "must be an integer"}},
		{"quality fractional", Quality(80.5, false), Invalid[int]{Reason: "must be an integer"}},
		{"dimension clamp", Dimension("99999", true, 16384), Clamped[int]{Value: 16384, Reason: "must be at most 16384"}},
		{"dimension zero", Dimension(0.0, false, 16384), Invalid[int]{Reason: "must be a positive integer"}},
		{"bool empty flag", Bool("", true), Ok[bool]{Value: true}},
		{"bool no", Bool("no", true), Ok[bool]{Value: false}},
		{"bool typed string", Bool("true", false), Invalid[bool]{Reason: "must be a boolean"}},
		{"blur true", Blur(true, false), Ok[float64]{Value: core.DefaultBlurSigma}},
		{"blur sigma", Blur("2.5", true), Ok[float64]{Value: 2.5}},
		{"blur small", Blur(0.1, false), Clamped[float64]{Value: MinBlurSigma, Reason: "must be at least 0.3"}},
		{"blur large", Blur("5000", true), Clamped[float64]{Value: MaxBlurSigma, Reason: "must be at most 1000"}},
		{"blur negative", Blur(-1.0, false), Invalid[float64]{Reason: "must not be negative"}},
		{"format alias", Format("JPG", true), Ok[core.Format]{Value: core.FormatJPEG}},
		{"format tif", Format("tif", false), Ok[core.Format]{Value: core.FormatTIFF}},
		{"enum", Enum("Cover", true, fitNames), Ok[string]{Value: "cover"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %#v, want %#v", tc.got, tc.want)
			}
		})
	}

	if _, ok := Format("svg", true).(Invalid[core.Format]); !ok {
		t.Error("svg must not be accepted as an output format")
	}
	if _, ok := Enum("diagonal", true, fitNames).(Invalid[string]); !ok {
		t.Error("unknown enum token must be invalid")
	}
}

func TestEffort(t *testing.T) {
	cases := []struct {
		format     core.Format
		raw        any
		want       Result[int]
		applicable bool
	}{
		{core.FormatAVIF, 9.0, Ok[int]{Value: 9}, true},
		{core.FormatHEIC, 12.0, Clamped[int]{Value: 9, Reason: "must be at most 9"}, true},
		{core.FormatPNG, 0.0, Clamped[int]{Value: 1, Reason: "must be at least 1"}, true},
		{core.FormatGIF, 10.0, Ok[int]{Value: 10}, true},
		{core.FormatJXL, 10.0, Clamped[int]{Value: 9, Reason: "must be at most 9"}, true},
		{core.FormatWebP, 6.0, Ok[int]{Value: 6}, true},
		{core.FormatJPEG, 50.0, Ok[int]{}, false},
		{core.FormatTIFF, "junk", Ok[int]{}, false},
	}
	for _, tc := range cases {
		got, applicable := Effort(tc.raw, false, tc.format)
		if got != tc.want || applicable != tc.applicable {
			t.Errorf("Effort(%v, %s): got (%#v, %v), want (%#v, %v)",
				tc.raw, tc.format, got, applicable, tc.want, tc.applicable)
		}
	}
}

func TestLenientClampsWithWarning(t *testing.T) {
	pc := NewQueryContext(false)
	opts, err := ParseTransform(query(t, "quality=200&width=99999&fit=bogus&colour=red"), "", pc, core.FormatPNG)
	if err != nil {
		t.Fatalf("ParseTransform: %v", err)
	}
	if opts.Encode.Quality != 100 || opts.Resize.Width != 16384 {
		t.Errorf("got quality=%d width=%d, want 100 and 16384", opts.Encode.Quality, opts.Resize.Width)
	}
	if opts.Resize.Fit != "" {
		t.Errorf("invalid fit must be dropped, got %q", opts.Resize.Fit)
	}
	if opts.Format != core.FormatPNG {
		t.Errorf("format: got %s, want fallback png", opts.Format)
	}
	if len(pc.Warnings) != 4 {
		t.Fatalf("want 4 warnings, got %+v", pc.Warnings)
	}
	// Keys are visited in sorted order.
	if pc.Warnings[0].Param != "colour" || pc.Warnings[0].Reason != "unknown parameter" {
		t.Errorf("unexpected first warning %+v", pc.Warnings[0])
	}
	if !strings.Contains(pc.Warnings[2].Reason, "at most 100") {
		t.Errorf("quality warning: %+v", pc.Warnings[2])
	}
	if err := pc.Finish(); err != nil {
		t.Errorf("lenient Finish: %v", err)
	}
	if h := pc.WarningHeader(); !strings.Contains(h, "quality=200: must be at most 100") {
		t.Errorf("header %q", h)
	}
}

func TestStrictAggregates(t *testing.T) {
	pc := NewQueryContext(true)
	if _, err := ParseTransform(query(t, "quality=200&blur=abc&url=http://x&strict=true"), "", pc, ""); err != nil {
		t.Fatalf("ParseTransform: %v", err)
	}
	err := pc.Finish()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want *ValidationError, got %v", err)
	}
	if len(ve.Problems) != 2 {
		t.Errorf("want 2 problems, got %+v", ve.Problems)
	}
	if apperrors.StatusCode(err) != http.StatusBadRequest {
		t.Errorf("status: got %d", apperrors.StatusCode(err))
	}
}

func TestStrictWithoutWarningsPasses(t *testing.T) {
	pc := NewQueryContext(true)
	opts, err := ParseTransform(query(t, "width=300&height=200&fit=contain&greyscale"), "", pc, core.FormatJPEG)
	if err != nil {
		t.Fatalf("ParseTransform: %v", err)
	}
	if err := pc.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	want := core.ResizeOptions{Width: 300, Height: 200, Fit: core.FitContain}
	if opts.Resize != want || !opts.Filter.Greyscale {
		t.Errorf("got %+v", opts)
	}
}

func TestFailFastPath(t *testing.T) {
	pc := NewTaskContext("task[2].transform.")
	_, err := ParseTransform(MapParams{"format": "webp", "width": 20000.0}, "", pc, "")
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("want *FieldError, got %v", err)
	}
	if got := err.Error(); got != "task[2].transform.width: must be at most 16384" {
		t.Errorf("message %q", got)
	}

	pc = NewTaskContext("task[0].transform.")
	_, err = ParseTransform(MapParams{"format": "jpeg", "quality": 200.0}, "", pc, "")
	if err == nil || err.Error() != "task[0].transform.quality: must be at most 100" {
		t.Errorf("quality: got %v", err)
	}

	pc = NewTaskContext("task[1].transform.")
	_, err = ParseTransform(MapParams{"format": "jpeg", "rotate": 90.0}, "", pc, "")
	if err == nil || err.Error() != "task[1].transform.rotate: unknown parameter" {
		t.Errorf("unknown: got %v", err)
	}
}

func TestFailFastIgnoresInapplicableEffort(t *testing.T) {
	pc := NewTaskContext("task[0].transform.")
	opts, err := ParseTransform(MapParams{"format": "jpeg", "effort": 99.0}, "", pc, "")
	if err != nil {
		t.Fatalf("ParseTransform: %v", err)
	}
	if opts.Encode.Effort != nil {
		t.Errorf("effort must be ignored for jpeg, got %d", *opts.Encode.Effort)
	}
}

func TestTypedValues(t *testing.T) {
	pc := NewTaskContext("")
	opts, err := ParseTransform(MapParams{
		"format": "avif", "width": 640.0, "blur": true, "lossless": true, "effort": 4.0,
		"kernel": "lanczos3", "position": "entropy",
	}, "", pc, "")
	if err != nil {
		t.Fatalf("ParseTransform: %v", err)
	}
	if opts.Format != core.FormatAVIF || opts.Resize.Width != 640 || !opts.Encode.Lossless {
		t.Errorf("got %+v", opts)
	}
	if opts.Filter.BlurSigma != core.DefaultBlurSigma {
		t.Errorf("blur: got %v", opts.Filter.BlurSigma)
	}
	if opts.Encode.Effort == nil || *opts.Encode.Effort != 4 {
		t.Errorf("effort: got %v", opts.Encode.Effort)
	}
	if opts.Resize.Kernel != core.KernelLanczos3 || opts.Resize.Position != core.PositionEntropy {
		t.Errorf("resize: got %+v", opts.Resize)
	}
}

func TestPresets(t *testing.T) {
	pc := NewQueryContext(false)
	opts, err := ParseTransform(query(t, "format=webp&preset=compact"), "", pc, "")
	if err != nil {
		t.Fatalf("ParseTransform: %v", err)
	}
	if opts.Encode.Quality != 65 || opts.Encode.Effort == nil || *opts.Encode.Effort != 6 {
		t.Errorf("compact webp: got %+v", opts.Encode)
	}

	opts, _ = ParseTransform(query(t, "format=webp&preset=compact&quality=10"), "", pc, "")
	if opts.Encode.Quality != 10 {
		t.Errorf("explicit quality must win over preset, got %d", opts.Encode.Quality)
	}
	if len(pc.Warnings) != 0 {
		t.Errorf("unexpected warnings %+v", pc.Warnings)
	}
}

func TestNegotiateFormat(t *testing.T) {
	cases := []struct {
		list, accept string
		want         core.Format
		warnings     int
	}{
		{"avif,webp,jpeg", "image/webp", core.FormatWebP, 0},
		{"avif,webp,jpeg", "image/png", core.FormatJPEG, 0},
		{"avif,webp,jpeg", "image/avif,image/webp,*/*", core.FormatAVIF, 0},
		{"bogus,webp,svg", "text/html", core.FormatWebP, 2},
		{"bogus", "", DefaultFormat, 1},
		{"jpg", "image/jpeg", core.FormatJPEG, 0},
	}
	for _, tc := range cases {
		pc := NewQueryContext(false)
		opts, err := ParseTransform(query(t, "format="+tc.list), tc.accept, pc, "")
		if err != nil {
			t.Fatalf("%s: %v", tc.list, err)
		}
		if opts.Format != tc.want || len(pc.Warnings) != tc.warnings {
			t.Errorf("%s / %s: got %s with %d warnings, want %s with %d",
				tc.list, tc.accept, opts.Format, len(pc.Warnings), tc.want, tc.warnings)
		}
	}
}

func TestNegotiateFormatFailFast(t *testing.T) {
	pc := NewTaskContext("task[0].transform.")
	_, err := NegotiateFormat([]any{"webp", "bmp"}, "", pc)
	if err == nil || !strings.HasPrefix(err.Error(), "task[0].transform.format: must be one of") {
		t.Errorf("got %v", err)
	}
}

func TestParseMetadataOptions(t *testing.T) {
	pc := NewQueryContext(false)
	opts, err := ParseMetadataOptions(query(t, "url=x&exif&stats=false&thumbhash=1&pretty&size=1"), pc)
	if err != nil {
		t.Fatalf("ParseMetadataOptions: %v", err)
	}
	want := core.MetadataOptions{EXIF: true, Thumbhash: true}
	if opts != want {
		t.Errorf("got %+v, want %+v", opts, want)
	}
	if len(pc.Warnings) != 1 || pc.Warnings[0].Param != "size" {
		t.Errorf("warnings %+v", pc.Warnings)
	}

	pc = NewTaskContext("metadata.")
	if _, err := ParseMetadataOptions(MapParams{"exif": "yes"}, pc); err == nil ||
		err.Error() != "metadata.exif: must be a boolean" {
		t.Errorf("typed: got %v", err)
	}
}

func TestFlag(t *testing.T) {
	q := query(t, "debug&timing=false&pretty=0")
	if !Flag(q, "debug") || Flag(q, "timing") || !Flag(q, "pretty") || Flag(q, "strict") {
		t.Error("unexpected flag evaluation")
	}
	if !Flag(MapParams{"strict": true}, "strict") {
		t.Error("typed flag")
	}
}

func TestWarningHeaderSanitises(t *testing.T) {
	pc := NewQueryContext(false)
	_ = pc.Warn("fit", "a\nb;c", "bad")
	if h := pc.WarningHeader(); h != "fit=a?b?c: bad" {
		t.Errorf("header %q", h)
	}
}
