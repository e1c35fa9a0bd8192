package engine

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
)

// svgWindow is how far into the decoded text the <svg tag may appear.
const svgWindow = 1024

var (
	magicJPEG   = []byte{0xFF, 0xD8, 0xFF}
	magicPNG    = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	magicGIF87  = []byte("GIF87a")
	magicGIF89  = []byte("GIF89a")
	magicTIFFLE = []byte{'I', 'I', 0x2A, 0x00}
	magicTIFFBE = []byte{'M', 'M', 0x00, 0x2A}
	magicJXL    = []byte{0xFF, 0x0A}
	magicJXLBox = []byte{0x00, 0x00, 0x00, 0x0C, 'J', 'X', 'L', ' ', 0x0D, 0x0A, 0x87, 0x0A}
	magicPDF    = []byte("%PDF-")
)

var isobmffBrands = map[string]core.Format{
	"avif": core.FormatAVIF,
	"avis": core.FormatAVIF,
	"heic": core.FormatHEIC,
	"heix": core.FormatHEIC,
	"hevc": core.FormatHEIC,
	"hevx": core.FormatHEIC,
	"heim": core.FormatHEIC,
	"heis": core.FormatHEIC,
	"mif1": core.FormatHEIC,
	"msf1": core.FormatHEIC,
}

// Sniff identifies the image format of data from its leading bytes.
func Sniff(data []byte) (core.Format, error) {
	switch {
	case bytes.HasPrefix(data, magicJPEG):
		return core.FormatJPEG, nil
	case bytes.HasPrefix(data, magicPNG):
		return core.FormatPNG, nil
	case bytes.HasPrefix(data, magicGIF87), bytes.HasPrefix(data, magicGIF89):
		return core.FormatGIF, nil
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return core.FormatWebP, nil
	case bytes.HasPrefix(data, magicTIFFLE), bytes.HasPrefix(data, magicTIFFBE):
		return core.FormatTIFF, nil
	case bytes.HasPrefix(data, magicJXLBox), bytes.HasPrefix(data, magicJXL):
		return core.FormatJXL, nil
	case bytes.HasPrefix(data, magicPDF):
		return core.FormatPDF, nil
	}
	if f, ok := sniffISOBMFF(data); ok {
		return f, nil
	}
	if sniffSVG(data) {
		return core.FormatSVG, nil
	}
	return core.FormatUnknown, apperrors.New(apperrors.CategoryUnsupported, "sniff", apperrors.ErrUnknownImageType)
}

// sniffISOBMFF reads the ftyp box: the major brand decides, otherwise any
// AVIF compatible brand wins over a HEIF one because AVIF files also list
// mif1.
func sniffISOBMFF(data []byte) (core.Format, bool) {
	if len(data) < 16 || string(data[4:8]) != "ftyp" {
		return "", false
	}
	if f, ok := isobmffBrands[string(data[8:12])]; ok {
		return f, true
	}
	size := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if size > len(data) || size < 16 {
		size = len(data)
	}
	found := core.Format("")
	// Compatible brands start after major brand and minor version.
	for off := 16; off+4 <= size; off += 4 {
		f, ok := isobmffBrands[string(data[off:off+4])]
		if !ok {
			continue
		}
		if f == core.FormatAVIF {
			return f, true
		}
		found = f
	}
	return found, found != ""
}

func sniffSVG(data []byte) bool {
	head := data
	if len(head) > 4*svgWindow {
		head = head[:4*svgWindow]
	}
	decoded, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), head)
	if err != nil {
		return false
	}
	if len(decoded) > svgWindow {
		decoded = decoded[:svgWindow]
	}
	text := strings.ToLower(strings.TrimLeft(string(decoded), " \t\r\n\ufeff"))
	if !strings.HasPrefix(text, "<") {
		return false
	}
	if strings.Contains(text, "<html") || strings.Contains(text, "<!doctype html") {
		return false
	}
	return strings.Contains(text, "<svg")
}
