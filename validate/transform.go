package validate

import (
	"strings"

	"github.com/Skryldev/imaged/core"
)

// Transform parameter names.
const (
	ParamFormat      = "format"
	ParamWidth       = "width"
	ParamHeight      = "height"
	ParamQuality     = "quality"
	ParamBlur        = "blur"
	ParamGreyscale   = "greyscale"
	ParamGrayscale   = "grayscale"
	ParamLossless    = "lossless"
	ParamProgressive = "progressive"
	ParamEffort      = "effort"
	ParamFit         = "fit"
	ParamKernel      = "kernel"
	ParamPosition    = "position"
	ParamPreset      = "preset"
)

// Metadata parameter names.
const (
	ParamEXIF      = "exif"
	ParamStats     = "stats"
	ParamThumbhash = "thumbhash"
)

// DefaultFormat is used when negotiation finds no usable candidate.
const DefaultFormat = core.FormatJPEG

// Request-level flags that may share a query string with transform or
// metadata parameters.
var (
	transformReserved = set("url", "s", "strict", "debug", "timing")
	metadataReserved  = set("url", "s", "strict", "timing", "pretty")
)

var (
	fitNames = []string{
		string(core.FitCover), string(core.FitContain), string(core.FitFill),
		string(core.FitInside), string(core.FitOutside),
	}
	kernelNames = []string{
		string(core.KernelNearest), string(core.KernelLinear), string(core.KernelCubic),
		string(core.KernelMitchell), string(core.KernelLanczos2), string(core.KernelLanczos3),
	}
	positionNames = []string{
		string(core.PositionCenter), string(core.PositionTop), string(core.PositionBottom),
		string(core.PositionLeft), string(core.PositionRight), string(core.PositionTopLeft),
		string(core.PositionTopRight), string(core.PositionBottomLeft), string(core.PositionBottomRight),
		string(core.PositionEntropy), string(core.PositionAttention),
	}
)

// Flag reports whether a boolean request flag is enabled: present with any
// value other than "false".
func Flag(src Params, key string) bool {
	v, ok := src.Get(key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return !strings.EqualFold(strings.TrimSpace(b), "false")
	}
	return true
}

// ParseTransform builds transform options from src. When no format is
// requested the fallback is used, or DefaultFormat if fallback is not an
// output format. In lenient contexts the returned error is always nil until
// Finish is called.
func ParseTransform(src Params, accept string, pc *ParseContext, fallback core.Format) (core.TransformOptions, error) {
	var opts core.TransformOptions

	format, err := parseFormatParam(src, accept, pc, fallback)
	if err != nil {
		return opts, err
	}
	opts.Format = format

	var explicitQuality, explicitEffort bool
	for _, key := range src.Keys() {
		if transformReserved[key] || key == ParamFormat {
			continue
		}
		raw, ok := src.Get(key)
		if !ok {
			continue
		}
		ss := pc.StringSource
		switch key {
		case ParamWidth:
			if v, ok, err := Field(pc, key, raw, Dimension(raw, ss, pc.dimensionLimit())); err != nil {
				return opts, err
			} else if ok {
				opts.Resize.Width = v
			}
		case ParamHeight:
			if v, ok, err := Field(pc, key, raw, Dimension(raw, ss, pc.dimensionLimit())); err != nil {
				return opts, err
			} else if ok {
				opts.Resize.Height = v
			}
		case ParamQuality:
			if v, ok, err := Field(pc, key, raw, Quality(raw, ss)); err != nil {
				return opts, err
			} else if ok {
				opts.Encode.Quality = v
				explicitQuality = true
			}
		case ParamBlur:
			v, _, err := Field(pc, key, raw, Blur(raw, ss))
			if err != nil {
				return opts, err
			}
			opts.Filter.BlurSigma = v
		case ParamGreyscale, ParamGrayscale:
			if v, ok, err := Field(pc, key, raw, Bool(raw, ss)); err != nil {
				return opts, err
			} else if ok {
				opts.Filter.Greyscale = v
			}
		case ParamLossless:
			if v, ok, err := Field(pc, key, raw, Bool(raw, ss)); err != nil {
				return opts, err
			} else if ok {
				opts.Encode.Lossless = v
			}
		case ParamProgressive:
			if v, ok, err := Field(pc, key, raw, Bool(raw, ss)); err != nil {
				return opts, err
			} else if ok {
				opts.Encode.Progressive = v
			}
		case ParamEffort:
			r, applicable := Effort(raw, ss, format)
			if !applicable {
				continue
			}
			if v, ok, err := Field(pc, key, raw, r); err != nil {
				return opts, err
			} else if ok {
				opts.Encode.Effort = &v
				explicitEffort = true
			}
		case ParamFit:
			if v, ok, err := Field(pc, key, raw, Enum(raw, ss, fitNames)); err != nil {
				return opts, err
			} else if ok {
				opts.Resize.Fit = core.Fit(v)
			}
		case ParamKernel:
			if v, ok, err := Field(pc, key, raw, Enum(raw, ss, kernelNames)); err != nil {
				return opts, err
			} else if ok {
				opts.Resize.Kernel = core.Kernel(v)
			}
		case ParamPosition:
			if v, ok, err := Field(pc, key, raw, Enum(raw, ss, positionNames)); err != nil {
				return opts, err
			} else if ok {
				opts.Resize.Position = core.Position(v)
			}
		case ParamPreset:
			if v, ok, err := Field(pc, key, raw, Enum(raw, ss, PresetNames())); err != nil {
				return opts, err
			} else if ok {
				opts.Preset = v
			}
		default:
			if err := pc.Unknown(key, raw); err != nil {
				return opts, err
			}
		}
	}

	if opts.Preset != "" {
		p := LookupPreset(opts.Preset, format)
		if !explicitQuality && p.Quality > 0 {
			opts.Encode.Quality = p.Quality
		}
		if !explicitEffort && p.Effort != nil {
			e := *p.Effort
			opts.Encode.Effort = &e
		}
	}
	return opts, nil
}

func parseFormatParam(src Params, accept string, pc *ParseContext, fallback core.Format) (core.Format, error) {
	raw, ok := src.Get(ParamFormat)
	if !ok {
		if fallback.IsOutput() {
			return fallback, nil
		}
		return DefaultFormat, nil
	}
	var candidates []any
	switch v := raw.(type) {
	case string:
		if pc.StringSource && strings.Contains(v, ",") {
			for _, c := range strings.Split(v, ",") {
				candidates = append(candidates, strings.TrimSpace(c))
			}
		} else {
			candidates = []any{v}
		}
	case []any:
		candidates = v
	default:
		candidates = []any{v}
	}
	return NegotiateFormat(candidates, accept, pc)
}

// NegotiateFormat picks the first valid candidate whose media type appears in
// accept, otherwise the last valid candidate, otherwise DefaultFormat.
// Invalid candidates are reported through pc.
func NegotiateFormat(candidates []any, accept string, pc *ParseContext) (core.Format, error) {
	accept = strings.ToLower(accept)
	var last core.Format
	for _, c := range candidates {
		f, ok, err := Field(pc, ParamFormat, c, Format(c, pc.StringSource))
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if accept != "" && strings.Contains(accept, f.MimeType()) {
			return f, nil
		}
		last = f
	}
	if last != "" {
		return last, nil
	}
	return DefaultFormat, nil
}

// ParseMetadataOptions reads the optional metadata sections from src.
func ParseMetadataOptions(src Params, pc *ParseContext) (core.MetadataOptions, error) {
	var opts core.MetadataOptions
	for _, key := range src.Keys() {
		if metadataReserved[key] {
			continue
		}
		raw, ok := src.Get(key)
		if !ok {
			continue
		}
		var dst *bool
		switch key {
		case ParamEXIF:
			dst = &opts.EXIF
		case ParamStats:
			dst = &opts.Stats
		case ParamThumbhash:
			dst = &opts.Thumbhash
		default:
			if err := pc.Unknown(key, raw); err != nil {
				return opts, err
			}
			continue
		}
		v, ok, err := Field(pc, key, raw, Bool(raw, pc.StringSource))
		if err != nil {
			return opts, err
		}
		if ok {
			*dst = v
		}
	}
	return opts, nil
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
