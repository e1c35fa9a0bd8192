// Package gocodec is a pure-Go codec built on the standard image packages,
// golang.org/x/image, disintegration/imaging and chai2010/webp. It serves as
// the fallback when libvips is not available and cannot produce AVIF, HEIC
// or JPEG XL.
package gocodec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"
	xwebp "golang.org/x/image/webp"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/imagemeta"
)

// Image wraps a decoded image.Image.
type Image struct {
	img image.Image
}

// NewImage wraps img for use with the codec.
func NewImage(img image.Image) *Image { return &Image{img: img} }

func (i *Image) Width() int          { return i.img.Bounds().Dx() }
func (i *Image) Height() int         { return i.img.Bounds().Dy() }
func (i *Image) Close()              {}
func (i *Image) Pixels() image.Image { return i.img }

// Codec implements core.Codec. Safe for concurrent use.
type Codec struct{}

// New returns a Codec.
func New() *Codec { return &Codec{} }

func (c *Codec) Name() string { return "imaging" }

func (c *Codec) CanDecode(f core.Format) bool {
	switch f {
	case core.FormatJPEG, core.FormatPNG, core.FormatGIF, core.FormatWebP, core.FormatTIFF:
		return true
	}
	return false
}

func (c *Codec) CanEncode(f core.Format) bool { return c.CanDecode(f) }

// ─── Decode ───────────────────────────────────────────────────────────────────

func (c *Codec) Decode(ctx context.Context, data []byte, f core.Format) (core.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		img image.Image
		err error
	)
	r := bytes.NewReader(data)
	switch f {
	case core.FormatJPEG:
		img, err = jpeg.Decode(r)
	case core.FormatPNG:
		img, err = png.Decode(r)
	case core.FormatGIF:
		img, err = gif.Decode(r)
	case core.FormatWebP:
		img, err = xwebp.Decode(r)
	case core.FormatTIFF:
		img, err = tiff.Decode(r)
	default:
		return nil, unsupported("decode", f)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryDecode, "imaging.decode",
			fmt.Errorf("failed to decode %s image: %w", f, err))
	}
	if f == core.FormatJPEG || f == core.FormatTIFF {
		img = imagemeta.Orient(img, imagemeta.Orientation(data))
	}
	return &Image{img: img}, nil
}

// ─── Resize / filter ──────────────────────────────────────────────────────────

func (c *Codec) Resize(ctx context.Context, img core.Image, opts core.ResizeOptions) (core.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := pixels(img, "imaging.resize")
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	plan, err := core.PlanResize(b.Dx(), b.Dy(), opts)
	if err != nil {
		return nil, err
	}
	if plan.Noop {
		return img, nil
	}

	out := imaging.Resize(src, plan.ScaledWidth, plan.ScaledHeight, filter(opts.Kernel))
	switch {
	case plan.Crop:
		left, top := core.CropOffset(plan.ScaledWidth, plan.ScaledHeight, plan.Width, plan.Height, opts.Position)
		out = imaging.Crop(out, image.Rect(left, top, left+plan.Width, top+plan.Height))
	case plan.Pad:
		left, top := core.CropOffset(plan.Width, plan.Height, plan.ScaledWidth, plan.ScaledHeight, opts.Position)
		canvas := imaging.New(plan.Width, plan.Height, color.NRGBA{})
		out = imaging.Paste(canvas, out, image.Pt(left, top))
	}
	return &Image{img: out}, nil
}

func (c *Codec) ApplyFilter(ctx context.Context, img core.Image, opts core.FilterOptions) (core.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := pixels(img, "imaging.filter")
	if err != nil {
		return nil, err
	}
	if opts.BlurSigma > 0 {
		src = imaging.Blur(src, opts.BlurSigma)
	}
	if opts.Greyscale {
		src = imaging.Grayscale(src)
	}
	return &Image{img: src}, nil
}

func filter(k core.Kernel) imaging.ResampleFilter {
	switch k {
	case core.KernelNearest:
		return imaging.NearestNeighbor
	case core.KernelLinear:
		return imaging.Linear
	case core.KernelCubic:
		return imaging.CatmullRom
	case core.KernelMitchell:
		return imaging.MitchellNetravali
	default:
		return imaging.Lanczos
	}
}

// ─── Encode ───────────────────────────────────────────────────────────────────

func (c *Codec) Encode(ctx context.Context, img core.Image, f core.Format, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := pixels(img, "imaging.encode")
	if err != nil {
		return nil, err
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = f.DefaultQuality()
	}

	var buf bytes.Buffer
	switch f {
	case core.FormatJPEG:
		err = jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality})
	case core.FormatPNG:
		err = (&png.Encoder{CompressionLevel: pngCompression(opts.Effort)}).Encode(&buf, src)
	case core.FormatGIF:
		err = gif.Encode(&buf, src, &gif.Options{NumColors: 256, Drawer: draw.FloydSteinberg})
	case core.FormatWebP:
		err = webp.Encode(&buf, src, &webp.Options{Lossless: opts.Lossless, Quality: float32(quality)})
	case core.FormatTIFF:
		err = tiff.Encode(&buf, src, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return nil, unsupported("encode", f)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryEncode, "imaging.encode",
			fmt.Errorf("failed to encode %s image: %w", f, err))
	}
	return buf.Bytes(), nil
}

func pngCompression(effort *int) png.CompressionLevel {
	switch {
	case effort == nil:
		return png.DefaultCompression
	case *effort <= 3:
		return png.BestSpeed
	case *effort >= 8:
		return png.BestCompression
	default:
		return png.DefaultCompression
	}
}

// ─── Metadata ─────────────────────────────────────────────────────────────────

func (c *Codec) ReadMetadata(ctx context.Context, data []byte, f core.Format) (*core.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		cfg image.Config
		err error
	)
	r := bytes.NewReader(data)
	switch f {
	case core.FormatJPEG:
		cfg, err = jpeg.DecodeConfig(r)
	case core.FormatPNG:
		cfg, err = png.DecodeConfig(r)
	case core.FormatGIF:
		cfg, err = gif.DecodeConfig(r)
	case core.FormatWebP:
		cfg, err = xwebp.DecodeConfig(r)
	case core.FormatTIFF:
		cfg, err = tiff.DecodeConfig(r)
	default:
		return nil, unsupported("metadata", f)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryDecode, "imaging.metadata",
			fmt.Errorf("failed to read %s header: %w", f, err))
	}

	meta := &core.Metadata{
		Format:     f,
		Width:      cfg.Width,
		Height:     cfg.Height,
		Size:       int64(len(data)),
		ColorSpace: colorSpace(cfg.ColorModel),
	}
	meta.Channels, meta.HasAlpha = channels(f, data, cfg.ColorModel)
	if x, ok := imagemeta.ReadEXIF(data); ok {
		meta.EXIF = x.Fields
		meta.Location = x.Location
		meta.Orientation = x.Orientation
		if x.Orientation >= 5 {
			meta.Width, meta.Height = meta.Height, meta.Width
		}
	}
	return meta, nil
}

func (c *Codec) ComputeStats(ctx context.Context, img core.Image) (*core.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := pixels(img, "imaging.stats")
	if err != nil {
		return nil, err
	}
	return imagemeta.ComputeStats(src), nil
}

func (c *Codec) Thumbhash(ctx context.Context, img core.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := pixels(img, "imaging.thumbhash")
	if err != nil {
		return "", err
	}
	return imagemeta.Thumbhash(src), nil
}

func colorSpace(m color.Model) string {
	switch m {
	case color.GrayModel, color.Gray16Model:
		return "b-w"
	case color.CMYKModel:
		return "cmyk"
	}
	return "srgb"
}

// channels reports the band count. PNG headers are read directly because
// the decoder reports RGBA for every truecolour image.
func channels(f core.Format, data []byte, m color.Model) (int, bool) {
	if f == core.FormatPNG && len(data) > 25 {
		switch data[25] {
		case 0:
			return 1, false
		case 2:
			return 3, false
		case 3:
			return 3, paletteHasAlpha(m)
		case 4:
			return 2, true
		case 6:
			return 4, true
		}
	}
	switch m {
	case color.GrayModel, color.Gray16Model:
		return 1, false
	case color.CMYKModel:
		return 4, false
	case color.YCbCrModel, color.NYCbCrAModel:
		return 3, m == color.NYCbCrAModel
	case color.RGBAModel, color.NRGBAModel, color.RGBA64Model, color.NRGBA64Model:
		return 4, true
	}
	if p, ok := m.(color.Palette); ok {
		return 3, paletteHasAlpha(p)
	}
	return 3, false
}

func paletteHasAlpha(m color.Model) bool {
	p, ok := m.(color.Palette)
	if !ok {
		return false
	}
	for _, c := range p {
		if _, _, _, a := c.RGBA(); a != 0xffff {
			return true
		}
	}
	return false
}

func pixels(img core.Image, op string) (image.Image, error) {
	i, ok := img.(*Image)
	if !ok || i == nil || i.img == nil {
		return nil, apperrors.New(apperrors.CategoryInternal, op,
			fmt.Errorf("image was not decoded by the imaging codec"))
	}
	return i.img, nil
}

func unsupported(op string, f core.Format) error {
	return apperrors.New(apperrors.CategoryUnsupported, "imaging."+op,
		fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, f))
}

var _ core.Codec = (*Codec)(nil)
