package imagemeta

import (
	"encoding/base64"
	"image"

	"github.com/disintegration/imaging"
	"github.com/galdor/go-thumbhash"
)

// thumbhashSide is the largest input side the thumbhash encoder accepts.
const thumbhashSide = 100

// Thumbhash returns the base64 thumbhash of img.
func Thumbhash(img image.Image) string {
	b := img.Bounds()
	if b.Dx() > thumbhashSide || b.Dy() > thumbhashSide {
		img = imaging.Fit(img, thumbhashSide, thumbhashSide, imaging.Box)
	}
	return base64.StdEncoding.EncodeToString(thumbhash.EncodeImage(img))
}
