package core

import (
	"strings"
	"time"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatAVIF    Format = "avif"
	FormatHEIC    Format = "heic"
	FormatGIF     Format = "gif"
	FormatTIFF    Format = "tiff"
	FormatJXL     Format = "jxl"
	FormatSVG     Format = "svg"
	FormatPDF     Format = "pdf"
	FormatUnknown Format = "unknown"
)

// OutputFormats lists every format the service can be asked to produce, in
// the order used for error messages.
var OutputFormats = []Format{
	FormatJPEG, FormatPNG, FormatWebP, FormatAVIF, FormatHEIC, FormatGIF, FormatTIFF, FormatJXL,
}

var formatAliases = map[string]Format{
	"jpg":  FormatJPEG,
	"tif":  FormatTIFF,
	"heif": FormatHEIC,
}

var mimeTypes = map[Format]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatWebP: "image/webp",
	FormatAVIF: "image/avif",
	FormatHEIC: "image/heic",
	FormatGIF:  "image/gif",
	FormatTIFF: "image/tiff",
	FormatJXL:  "image/jxl",
	FormatSVG:  "image/svg+xml",
	FormatPDF:  "application/pdf",
}

// ParseFormat normalises a user supplied format name, resolving aliases.
func ParseFormat(s string) (Format, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if f, ok := formatAliases[s]; ok {
		return f, true
	}
	f := Format(s)
	if _, ok := mimeTypes[f]; ok {
		return f, true
	}
	return FormatUnknown, false
}

// MimeType returns the media type for f, or application/octet-stream.
func (f Format) MimeType() string {
	if m, ok := mimeTypes[f]; ok {
		return m
	}
	return "application/octet-stream"
}

// IsOutput reports whether f can be requested as an output format.
func (f Format) IsOutput() bool {
	for _, o := range OutputFormats {
		if o == f {
			return true
		}
	}
	return false
}

// DefaultQuality is the encode quality used when none is requested.
func (f Format) DefaultQuality() int {
	switch f {
	case FormatAVIF, FormatHEIC:
		return 50
	default:
		return 75
	}
}

// Fit controls how an image is mapped onto a requested width and height.
type Fit string

const (
	FitCover   Fit = "cover"   // fill the box, crop the overflow
	FitContain Fit = "contain" // fit inside the box, pad the remainder
	FitFill    Fit = "fill"    // stretch, ignoring aspect ratio
	FitInside  Fit = "inside"  // fit inside the box, no padding
	FitOutside Fit = "outside" // cover the box, no cropping
)

// Kernel selects the resampling filter.
type Kernel string

const (
	KernelNearest  Kernel = "nearest"
	KernelLinear   Kernel = "linear"
	KernelCubic    Kernel = "cubic"
	KernelMitchell Kernel = "mitchell"
	KernelLanczos2 Kernel = "lanczos2"
	KernelLanczos3 Kernel = "lanczos3"
)

// Position selects the crop anchor for FitCover.
type Position string

const (
	PositionCenter      Position = "center"
	PositionTop         Position = "top"
	PositionBottom      Position = "bottom"
	PositionLeft        Position = "left"
	PositionRight       Position = "right"
	PositionTopLeft     Position = "top-left"
	PositionTopRight    Position = "top-right"
	PositionBottomLeft  Position = "bottom-left"
	PositionBottomRight Position = "bottom-right"
	PositionEntropy     Position = "entropy"
	PositionAttention   Position = "attention"
)

// DefaultBlurSigma is used when blur is requested without a sigma.
const DefaultBlurSigma = 3.0

// ResizeOptions describes the geometry of a transform. Zero Width or Height
// means "derive from the other axis".
type ResizeOptions struct {
	Width    int
	Height   int
	Fit      Fit
	Kernel   Kernel
	Position Position
}

// FilterOptions describes pixel filters applied after resizing.
type FilterOptions struct {
	BlurSigma float64 // 0 = no blur
	Greyscale bool
}

// EncodeOptions carries format-specific encoding parameters.
type EncodeOptions struct {
	Quality       int  // 1-100; 0 = format default
	Lossless      bool // WebP / AVIF / HEIC / JXL lossless mode
	Progressive   bool // progressive JPEG / interlaced PNG and GIF
	Effort        *int // nil = encoder default; range depends on format
	StripMetadata bool
}

// TransformOptions is the validated, typed form of a transform request.
type TransformOptions struct {
	Format Format // empty = same as input
	Resize ResizeOptions
	Filter FilterOptions
	Encode EncodeOptions
	Preset string
}

// MetadataOptions selects the optional parts of a metadata response.
type MetadataOptions struct {
	EXIF      bool `json:"exif"`
	Stats     bool `json:"stats"`
	Thumbhash bool `json:"thumbhash"`
}

// Any reports whether any optional section was requested.
func (o MetadataOptions) Any() bool { return o.EXIF || o.Stats || o.Thumbhash }

// Location is a GPS position extracted from EXIF.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// RGB is an 8-bit colour.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// ChannelStats summarises one channel of pixel data.
type ChannelStats struct {
	Min   uint8   `json:"min"`
	Max   uint8   `json:"max"`
	Mean  float64 `json:"mean"`
	Stdev float64 `json:"stdev"`
}

// Stats holds pixel statistics for an image.
type Stats struct {
	Entropy   float64        `json:"entropy"`
	Sharpness float64        `json:"sharpness"`
	Dominant  RGB            `json:"dominant"`
	Channels  []ChannelStats `json:"channels"`
}

// Metadata holds extracted image information.
type Metadata struct {
	Format      Format            `json:"format"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Size        int64             `json:"size"`
	ColorSpace  string            `json:"colorSpace,omitempty"`
	Channels    int               `json:"channels,omitempty"`
	HasAlpha    bool              `json:"hasAlpha"`
	Orientation int               `json:"orientation,omitempty"` // EXIF orientation tag (1-8)
	EXIF        map[string]string `json:"exif,omitempty"`
	Location    *Location         `json:"location,omitempty"`
	Stats       *Stats            `json:"stats,omitempty"`
	Thumbhash   string            `json:"thumbhash,omitempty"`
}

// ImageData is the in-memory representation passed through a pipeline.
type ImageData struct {
	// Encoded bytes: the raw input before decode, the output after encode.
	Data   []byte
	Format Format

	// Decoded handle owned by the codec that produced it.
	Image Image

	// Dimensions and header information of the current state.
	Meta Metadata

	// Size of the original raw input.
	OriginalSize int64
}

// StepTiming records how long a named pipeline step took.
type StepTiming struct {
	Name     string
	Duration time.Duration
}

// TransformResult is returned to the caller after a transform completes.
type TransformResult struct {
	Data   []byte
	Format Format
	Width  int
	Height int

	OriginalFormat Format
	OriginalWidth  int
	OriginalHeight int
	OriginalSize   int64

	Timings []StepTiming
}

// StorageKey uniquely identifies a stored object.
type StorageKey struct {
	Bucket string
	Path   string
}

// PutOptions carries object attributes for an upload.
type PutOptions struct {
	ContentType string
	ACL         string
}
