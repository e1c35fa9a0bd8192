// Package imagemeta extracts codec-independent image information: EXIF
// fields and GPS position, pixel statistics and thumbhash placeholders.
package imagemeta

import (
	"bytes"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/Skryldev/imaged/core"
)

const maxEXIFValueLen = 256

// skipped EXIF fields carry binary blobs or duplicate the structured output.
var skippedFields = fieldSet(
	exif.MakerNote,
	exif.UserComment,
	exif.ExifIFDPointer,
	exif.GPSInfoIFDPointer,
	exif.InteroperabilityIFDPointer,
	exif.ThumbJPEGInterchangeFormat,
	exif.ThumbJPEGInterchangeFormatLength,
)

func fieldSet(names ...exif.FieldName) map[exif.FieldName]bool {
	m := make(map[exif.FieldName]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// EXIF is the decoded subset of an EXIF block.
type EXIF struct {
	Fields      map[string]string
	Location    *core.Location
	Orientation int
}

// ReadEXIF parses the EXIF block embedded in data. Images without EXIF, or
// with a block goexif cannot parse, yield ok=false.
func ReadEXIF(data []byte) (EXIF, bool) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return EXIF{}, false
	}

	out := EXIF{Fields: make(map[string]string)}
	_ = x.Walk(walker(func(name exif.FieldName, tag *tiff.Tag) {
		if skippedFields[name] || strings.HasPrefix(string(name), "GPS") {
			return
		}
		out.Fields[string(name)] = tagValue(tag)
	}))

	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
			out.Orientation = v
		}
	}
	out.Location = location(x)
	return out, true
}

// Orientation returns the EXIF orientation tag of data, or 1.
func Orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// Orient applies an EXIF orientation (1-8) so the image displays upright.
// imaging rotates counter-clockwise.
func Orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func location(x *exif.Exif) *core.Location {
	lat, long, err := x.LatLong()
	if err != nil || math.IsNaN(lat) || math.IsNaN(long) {
		return nil
	}
	loc := &core.Location{Latitude: lat, Longitude: long}
	if tag, err := x.Get(exif.GPSAltitude); err == nil {
		if r, err := tag.Rat(0); err == nil {
			alt, _ := r.Float64()
			if ref, err := x.Get(exif.GPSAltitudeRef); err == nil {
				if v, err := ref.Int(0); err == nil && v == 1 {
					alt = -alt
				}
			}
			loc.Altitude = &alt
		}
	}
	return loc
}

func tagValue(tag *tiff.Tag) string {
	var s string
	if tag.Format() == tiff.StringVal {
		v, err := tag.StringVal()
		if err != nil {
			v = tag.String()
		}
		s = strings.TrimRight(v, "\x00 ")
	} else {
		s = tag.String()
	}
	if len(s) > maxEXIFValueLen {
		s = s[:maxEXIFValueLen]
	}
	return s
}

type walker func(name exif.FieldName, tag *tiff.Tag)

func (w walker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	w(name, tag)
	return nil
}
