package imagemeta

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/Skryldev/imaged/core"
)

// statsSide bounds the working copy used for statistics.
const statsSide = 512

// ComputeStats summarises the pixels of img: Shannon entropy of the luma
// histogram in bits, sharpness as the variance of a 3x3 Laplacian over luma,
// the most common colour, and per-channel R, G, B (and A when not opaque)
// statistics. Large images are downsampled first.
func ComputeStats(img image.Image) *core.Stats {
	b := img.Bounds()
	var src *image.NRGBA
	if b.Dx() > statsSide || b.Dy() > statsSide {
		src = imaging.Fit(img, statsSide, statsSide, imaging.Box)
	} else {
		src = imaging.Clone(img)
	}
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	n := w * h
	if n == 0 {
		return &core.Stats{}
	}

	var (
		lumaHist [256]int
		buckets  = make(map[uint16]*colorBucket)
		chans    [4]channelAcc
		luma     = make([]float64, n)
		opaque   = true
	)
	for i := range chans {
		chans[i].min = 255
	}
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			for c := 0; c < 4; c++ {
				chans[c].add(p[c])
			}
			if p[3] != 255 {
				opaque = false
			}
			l := 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
			luma[y*w+x] = l
			lumaHist[int(math.Round(l))]++

			key := uint16(p[0]>>4)<<8 | uint16(p[1]>>4)<<4 | uint16(p[2]>>4)
			cb := buckets[key]
			if cb == nil {
				cb = &colorBucket{}
				buckets[key] = cb
			}
			cb.add(p)
		}
	}

	stats := &core.Stats{
		Entropy:   entropy(lumaHist[:], n),
		Sharpness: laplacianVariance(luma, w, h),
		Dominant:  dominant(buckets),
	}
	count := 3
	if !opaque {
		count = 4
	}
	for c := 0; c < count; c++ {
		stats.Channels = append(stats.Channels, chans[c].result())
	}
	return stats
}

type channelAcc struct {
	min, max  uint8
	sum, sum2 float64
	n         int
}

func (a *channelAcc) add(v uint8) {
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	f := float64(v)
	a.sum += f
	a.sum2 += f * f
	a.n++
}

func (a *channelAcc) result() core.ChannelStats {
	mean := a.sum / float64(a.n)
	variance := a.sum2/float64(a.n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return core.ChannelStats{Min: a.min, Max: a.max, Mean: round2(mean), Stdev: round2(math.Sqrt(variance))}
}

type colorBucket struct {
	r, g, b, n int
}

func (c *colorBucket) add(p []uint8) {
	c.r += int(p[0])
	c.g += int(p[1])
	c.b += int(p[2])
	c.n++
}

func dominant(buckets map[uint16]*colorBucket) core.RGB {
	var (
		best    *colorBucket
		bestKey uint16
	)
	for k, b := range buckets {
		// Ties go to the lowest key so the result is deterministic.
		if best == nil || b.n > best.n || (b.n == best.n && k < bestKey) {
			best, bestKey = b, k
		}
	}
	if best == nil {
		return core.RGB{}
	}
	return core.RGB{R: uint8(best.r / best.n), G: uint8(best.g / best.n), B: uint8(best.b / best.n)}
}

func entropy(hist []int, n int) float64 {
	var e float64
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(n)
		e -= p * math.Log2(p)
	}
	return round2(e)
}

func laplacianVariance(luma []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}
	var sum, sum2 float64
	var n int
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			v := luma[i-w] + luma[i+w] + luma[i-1] + luma[i+1] - 4*luma[i]
			sum += v
			sum2 += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return round2(sum2/float64(n) - mean*mean)
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
