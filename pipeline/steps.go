package pipeline

import (
	"context"
	"fmt"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
)

// ── Decode ────────────────────────────────────────────────────────────────────

// DecodeStep decodes img.Data into a codec-owned image.
type DecodeStep struct {
	Codec core.Codec
}

func (s *DecodeStep) Name() string { return "decode" }

func (s *DecodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image != nil {
		return img, nil // already decoded
	}
	if len(img.Data) == 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, s.Name(), apperrors.ErrEmptyInput)
	}
	if !s.Codec.CanDecode(img.Format) {
		return nil, apperrors.New(apperrors.CategoryUnsupported, s.Name(),
			fmt.Errorf("%w: cannot decode %s", apperrors.ErrUnsupportedFormat, img.Format))
	}

	decoded, err := s.Codec.Decode(ctx, img.Data, img.Format)
	if err != nil {
		return nil, err
	}

	out := *img
	out.Image = decoded
	out.Meta.Width = decoded.Width()
	out.Meta.Height = decoded.Height()
	return &out, nil
}

// ── Resize ────────────────────────────────────────────────────────────────────

// ResizeStep maps the image onto the requested geometry.
type ResizeStep struct {
	Codec   core.Codec
	Options core.ResizeOptions
}

func (s *ResizeStep) Name() string { return "resize" }

func (s *ResizeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrEmptyInput)
	}
	resized, err := s.Codec.Resize(ctx, img.Image, s.Options)
	if err != nil {
		return nil, err
	}
	return replaceImage(img, resized), nil
}

// ── Filter ────────────────────────────────────────────────────────────────────

// FilterStep applies blur and greyscale.
type FilterStep struct {
	Codec   core.Codec
	Options core.FilterOptions
}

func (s *FilterStep) Name() string { return "filter" }

func (s *FilterStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrEmptyInput)
	}
	filtered, err := s.Codec.ApplyFilter(ctx, img.Image, s.Options)
	if err != nil {
		return nil, err
	}
	return replaceImage(img, filtered), nil
}

// ── Encode ────────────────────────────────────────────────────────────────────

// EncodeStep serialises the image into Format.
type EncodeStep struct {
	Codec   core.Codec
	Format  core.Format
	Options core.EncodeOptions
}

func (s *EncodeStep) Name() string { return "encode" }

func (s *EncodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrEmptyInput)
	}
	if !s.Codec.CanEncode(s.Format) {
		return nil, apperrors.New(apperrors.CategoryUnsupported, s.Name(),
			fmt.Errorf("%w: cannot encode %s", apperrors.ErrUnsupportedFormat, s.Format))
	}

	data, err := s.Codec.Encode(ctx, img.Image, s.Format, s.Options)
	if err != nil {
		return nil, err
	}

	out := *img
	out.Data = data
	out.Format = s.Format
	out.Meta.Format = s.Format
	out.Meta.Size = int64(len(data))
	return &out, nil
}

// ── Metadata ──────────────────────────────────────────────────────────────────

// MetadataStep reads header information from img.Data.
type MetadataStep struct {
	Codec core.Codec
}

func (s *MetadataStep) Name() string { return "metadata" }

func (s *MetadataStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if len(img.Data) == 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, s.Name(), apperrors.ErrEmptyInput)
	}
	meta, err := s.Codec.ReadMetadata(ctx, img.Data, img.Format)
	if err != nil {
		return nil, err
	}

	out := *img
	out.Meta = *meta
	out.Meta.Format = img.Format
	out.Meta.Size = int64(len(img.Data))
	return &out, nil
}

// StatsStep computes pixel statistics of the decoded image.
type StatsStep struct {
	Codec core.Codec
}

func (s *StatsStep) Name() string { return "stats" }

func (s *StatsStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrEmptyInput)
	}
	stats, err := s.Codec.ComputeStats(ctx, img.Image)
	if err != nil {
		return nil, err
	}
	out := *img
	out.Meta.Stats = stats
	return &out, nil
}

// ThumbhashStep computes a compact placeholder hash of the decoded image.
type ThumbhashStep struct {
	Codec core.Codec
}

func (s *ThumbhashStep) Name() string { return "thumbhash" }

func (s *ThumbhashStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrEmptyInput)
	}
	hash, err := s.Codec.Thumbhash(ctx, img.Image)
	if err != nil {
		return nil, err
	}
	out := *img
	out.Meta.Thumbhash = hash
	return &out, nil
}

// replaceImage swaps in next, closing the previous handle when the codec
// returned a new one.
func replaceImage(img *core.ImageData, next core.Image) *core.ImageData {
	if next != img.Image {
		img.Image.Close()
	}
	out := *img
	out.Image = next
	out.Meta.Width = next.Width()
	out.Meta.Height = next.Height()
	return &out
}
