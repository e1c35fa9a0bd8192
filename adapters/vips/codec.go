// Package vips is the libvips-backed codec.
package vips

import (
	"context"
	"fmt"
	"image"
	"runtime"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/imagemeta"
)

// Config configures the libvips runtime.
type Config struct {
	MaxCacheSize int
	Concurrency  int
	ReportLeaks  bool
	// Logger receives libvips warnings and errors. Nil discards them.
	Logger core.Logger
}

// Codec is a libvips-powered core.Codec.
// Safe for concurrent use across goroutines.
type Codec struct{}

// New initialises libvips and returns a ready Codec.
// Call Shutdown() when the process exits.
func New(cfg Config) *Codec {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}
	govips.LoggingSettings(func(domain string, level govips.LogLevel, msg string) {
		switch level {
		case govips.LogLevelError, govips.LogLevelCritical:
			logger.Error("libvips", "domain", domain, "message", msg)
		default:
			logger.Warn("libvips", "domain", domain, "message", msg)
		}
	}, govips.LogLevelWarning)
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.Concurrency,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
	})
	return &Codec{}
}

// Shutdown releases all libvips resources. Call once at process exit.
func (c *Codec) Shutdown() {
	govips.Shutdown()
}

func (c *Codec) Name() string { return "vips" }

func (c *Codec) CanDecode(f core.Format) bool {
	switch f {
	case core.FormatSVG, core.FormatPDF:
		return true
	}
	return f.IsOutput()
}

func (c *Codec) CanEncode(f core.Format) bool { return f.IsOutput() }

// ─── Image ────────────────────────────────────────────────────────────────────

// Image wraps a *govips.ImageRef.
type Image struct {
	ref *govips.ImageRef
}

func (i *Image) Width() int            { return i.ref.Width() }
func (i *Image) Height() int           { return i.ref.Height() }
func (i *Image) Ref() *govips.ImageRef { return i.ref }
func (i *Image) Close()                { i.ref.Close() }

// ─── Decode ───────────────────────────────────────────────────────────────────

func (c *Codec) Decode(ctx context.Context, data []byte, f core.Format) (core.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return nil, classify(apperrors.CategoryDecode, "vips.decode",
			fmt.Errorf("failed to decode %s image: %w", f, err))
	}
	if err := ref.AutoRotate(); err != nil {
		ref.Close()
		return nil, classify(apperrors.CategoryDecode, "vips.decode", err)
	}
	return &Image{ref: ref}, nil
}

// ─── Resize / filter ──────────────────────────────────────────────────────────

// Resize mutates the image in place and returns the same handle.
func (c *Codec) Resize(ctx context.Context, img core.Image, opts core.ResizeOptions) (core.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vi, err := unwrap(img, "vips.resize")
	if err != nil {
		return nil, err
	}
	ref := vi.ref
	plan, err := core.PlanResize(ref.Width(), ref.Height(), opts)
	if err != nil {
		return nil, err
	}
	if plan.Noop {
		return img, nil
	}

	hscale := float64(plan.ScaledWidth) / float64(ref.Width())
	vscale := float64(plan.ScaledHeight) / float64(ref.Height())
	if err := ref.ResizeWithVScale(hscale, vscale, kernel(opts.Kernel)); err != nil {
		return nil, internal("vips.resize", err)
	}

	switch {
	case plan.Crop:
		if err := crop(ref, plan.Width, plan.Height, opts.Position); err != nil {
			return nil, internal("vips.crop", err)
		}
	case plan.Pad:
		if !ref.HasAlpha() {
			if err := ref.AddAlpha(); err != nil {
				return nil, internal("vips.pad", err)
			}
		}
		left, top := core.CropOffset(plan.Width, plan.Height, ref.Width(), ref.Height(), opts.Position)
		if err := ref.Embed(left, top, plan.Width, plan.Height, govips.ExtendBlack); err != nil {
			return nil, internal("vips.pad", err)
		}
	}
	return img, nil
}

func crop(ref *govips.ImageRef, w, h int, pos core.Position) error {
	switch pos {
	case core.PositionEntropy:
		return ref.SmartCrop(w, h, govips.InterestingEntropy)
	case core.PositionAttention:
		return ref.SmartCrop(w, h, govips.InterestingAttention)
	}
	w, h = min(w, ref.Width()), min(h, ref.Height())
	left, top := core.CropOffset(ref.Width(), ref.Height(), w, h, pos)
	return ref.ExtractArea(left, top, w, h)
}

// ApplyFilter mutates the image in place and returns the same handle.
func (c *Codec) ApplyFilter(ctx context.Context, img core.Image, opts core.FilterOptions) (core.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vi, err := unwrap(img, "vips.filter")
	if err != nil {
		return nil, err
	}
	if opts.BlurSigma > 0 {
		if err := vi.ref.GaussianBlur(opts.BlurSigma); err != nil {
			return nil, internal("vips.blur", err)
		}
	}
	if opts.Greyscale {
		if err := vi.ref.ToColorSpace(govips.InterpretationBW); err != nil {
			return nil, internal("vips.greyscale", err)
		}
	}
	return img, nil
}

func kernel(k core.Kernel) govips.Kernel {
	switch k {
	case core.KernelNearest:
		return govips.KernelNearest
	case core.KernelLinear:
		return govips.KernelLinear
	case core.KernelCubic:
		return govips.KernelCubic
	case core.KernelMitchell:
		return govips.KernelMitchell
	case core.KernelLanczos2:
		return govips.KernelLanczos2
	default:
		return govips.KernelLanczos3
	}
}

// ─── Encode ───────────────────────────────────────────────────────────────────

func (c *Codec) Encode(ctx context.Context, img core.Image, f core.Format, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vi, err := unwrap(img, "vips.encode")
	if err != nil {
		return nil, err
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = f.DefaultQuality()
	}
	effort := func(def int) int {
		if opts.Effort != nil {
			return *opts.Effort
		}
		return def
	}

	var buf []byte
	ref := vi.ref
	switch f {
	case core.FormatJPEG:
		ep := govips.NewJpegExportParams()
		ep.Quality = quality
		ep.Interlace = opts.Progressive
		ep.StripMetadata = opts.StripMetadata
		buf, _, err = ref.ExportJpeg(ep)
	case core.FormatPNG:
		ep := govips.NewPngExportParams()
		ep.Interlace = opts.Progressive
		ep.Compression = effort(7) - 1
		ep.StripMetadata = opts.StripMetadata
		buf, _, err = ref.ExportPng(ep)
	case core.FormatWebP:
		ep := govips.NewWebpExportParams()
		ep.Quality = quality
		ep.Lossless = opts.Lossless
		ep.ReductionEffort = effort(4)
		ep.StripMetadata = opts.StripMetadata
		buf, _, err = ref.ExportWebp(ep)
	case core.FormatAVIF:
		ep := govips.NewAvifExportParams()
		ep.Quality = quality
		ep.Lossless = opts.Lossless
		ep.Effort = effort(4)
		ep.StripMetadata = opts.StripMetadata
		buf, _, err = ref.ExportAvif(ep)
	case core.FormatHEIC:
		ep := govips.NewHeifExportParams()
		ep.Quality = quality
		ep.Lossless = opts.Lossless
		ep.Effort = effort(4)
		buf, _, err = ref.ExportHeif(ep)
	case core.FormatGIF:
		buf, _, err = ref.ExportGIF(&govips.GifExportParams{
			Quality:       quality,
			Effort:        effort(7),
			Bitdepth:      8,
			StripMetadata: opts.StripMetadata,
		})
	case core.FormatTIFF:
		ep := govips.NewTiffExportParams()
		ep.Quality = quality
		ep.StripMetadata = opts.StripMetadata
		buf, _, err = ref.ExportTiff(ep)
	case core.FormatJXL:
		buf, _, err = ref.ExportJxl(&govips.JxlExportParams{
			Quality:  quality,
			Effort:   effort(7),
			Lossless: opts.Lossless,
			Distance: 1.0,
		})
	default:
		return nil, apperrors.New(apperrors.CategoryUnsupported, "vips.encode",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, f))
	}
	if err != nil {
		return nil, classify(apperrors.CategoryEncode, "vips.encode",
			fmt.Errorf("failed to encode %s image: %w", f, err))
	}
	return buf, nil
}

// ─── Metadata ─────────────────────────────────────────────────────────────────

func (c *Codec) ReadMetadata(ctx context.Context, data []byte, f core.Format) (*core.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return nil, classify(apperrors.CategoryDecode, "vips.metadata",
			fmt.Errorf("failed to read %s header: %w", f, err))
	}
	defer ref.Close()

	meta := &core.Metadata{
		Format:      f,
		Width:       ref.Width(),
		Height:      ref.Height(),
		Size:        int64(len(data)),
		ColorSpace:  colorSpace(ref.Interpretation()),
		Channels:    ref.Bands(),
		HasAlpha:    ref.HasAlpha(),
		Orientation: ref.Orientation(),
	}
	if meta.Orientation >= 5 {
		meta.Width, meta.Height = meta.Height, meta.Width
	}
	if x, ok := imagemeta.ReadEXIF(data); ok {
		meta.EXIF = x.Fields
		meta.Location = x.Location
	}
	return meta, nil
}

func (c *Codec) ComputeStats(ctx context.Context, img core.Image) (*core.Stats, error) {
	pixels, err := c.sample(ctx, img, 512, "vips.stats")
	if err != nil {
		return nil, err
	}
	return imagemeta.ComputeStats(pixels), nil
}

func (c *Codec) Thumbhash(ctx context.Context, img core.Image) (string, error) {
	pixels, err := c.sample(ctx, img, 100, "vips.thumbhash")
	if err != nil {
		return "", err
	}
	return imagemeta.Thumbhash(pixels), nil
}

// sample exports a copy of img, shrunk to fit side x side, as an image.Image.
func (c *Codec) sample(ctx context.Context, img core.Image, side int, op string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vi, err := unwrap(img, op)
	if err != nil {
		return nil, err
	}
	cp, err := vi.ref.Copy()
	if err != nil {
		return nil, internal(op, err)
	}
	defer cp.Close()
	if cp.Width() > side || cp.Height() > side {
		if err := cp.Thumbnail(side, side, govips.InterestingNone); err != nil {
			return nil, internal(op, err)
		}
	}
	out, err := cp.ToImage(nil)
	if err != nil {
		return nil, internal(op, err)
	}
	return out, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func colorSpace(i govips.Interpretation) string {
	switch i {
	case govips.InterpretationBW, govips.InterpretationGrey16:
		return "b-w"
	case govips.InterpretationCMYK:
		return "cmyk"
	case govips.InterpretationLAB:
		return "lab"
	case govips.InterpretationRGB16:
		return "rgb16"
	default:
		return "srgb"
	}
}

func unwrap(img core.Image, op string) (*Image, error) {
	vi, ok := img.(*Image)
	if !ok || vi == nil || vi.ref == nil {
		return nil, apperrors.New(apperrors.CategoryInternal, op,
			fmt.Errorf("image was not decoded by the vips codec"))
	}
	return vi, nil
}

func internal(op string, err error) error {
	return classify(apperrors.CategoryInternal, op, err)
}

var _ core.Codec = (*Codec)(nil)
