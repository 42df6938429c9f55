// File: internal/recognition/gray.go
package recognition

import "image"

// grayImage is a dense float64 luminance plane with summed-area tables, so
// patch mean and variance come out in constant time during the NCC scan.
type grayImage struct {
	w, h   int
	minX   int
	minY   int
	pix    []float64
	sum    []float64 // integral of pix
	sumSq  []float64 // integral of pix^2
	stride int
}

// toGray converts any image to the luminance plane used by the matcher.
// The Rec. 601 weights keep the conversion deterministic and cheap.
func toGray(src image.Image) *grayImage {
	b := src.Bounds()
	g := &grayImage{
		w:      b.Dx(),
		h:      b.Dy(),
		minX:   b.Min.X,
		minY:   b.Min.Y,
		stride: b.Dx(),
		pix:    make([]float64, b.Dx()*b.Dy()),
	}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			r, gr, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// 16-bit channels scaled to the 0..255 range.
			g.pix[y*g.stride+x] = (0.299*float64(r) + 0.587*float64(gr) + 0.114*float64(bl)) / 257.0
		}
	}
	g.buildIntegrals()
	return g
}

func (g *grayImage) buildIntegrals() {
	// Integral tables are (w+1)x(h+1) with a zero border row/column.
	iw := g.w + 1
	g.sum = make([]float64, iw*(g.h+1))
	g.sumSq = make([]float64, iw*(g.h+1))
	for y := 1; y <= g.h; y++ {
		var rowSum, rowSq float64
		for x := 1; x <= g.w; x++ {
			v := g.pix[(y-1)*g.stride+(x-1)]
			rowSum += v
			rowSq += v * v
			g.sum[y*iw+x] = g.sum[(y-1)*iw+x] + rowSum
			g.sumSq[y*iw+x] = g.sumSq[(y-1)*iw+x] + rowSq
		}
	}
}

// bounds returns the region in source coordinates.
func (g *grayImage) bounds() image.Rectangle {
	return image.Rect(g.minX, g.minY, g.minX+g.w, g.minY+g.h)
}

// row returns the luminance row for source y coordinate, indexed by source x.
// Callers index it with source coordinates via the rowIndexed wrapper below;
// internally offsets are local.
func (g *grayImage) row(srcY int) indexedRow {
	return indexedRow{pix: g.pix[(srcY-g.minY)*g.stride:], offset: g.minX}
}

// indexedRow lets the matcher address a row by source x coordinate.
type indexedRow struct {
	pix    []float64
	offset int
}

func (r indexedRow) at(srcX int) float64 { return r.pix[srcX-r.offset] }

// stats returns the mean and variance of the patch (source coordinates) in
// constant time from the integral tables.
func (g *grayImage) stats(patch image.Rectangle) (mean, variance float64) {
	x0 := patch.Min.X - g.minX
	y0 := patch.Min.Y - g.minY
	x1 := patch.Max.X - g.minX
	y1 := patch.Max.Y - g.minY

	iw := g.w + 1
	area := float64((x1 - x0) * (y1 - y0))
	if area <= 0 {
		return 0, 0
	}
	s := g.sum[y1*iw+x1] - g.sum[y0*iw+x1] - g.sum[y1*iw+x0] + g.sum[y0*iw+x0]
	sq := g.sumSq[y1*iw+x1] - g.sumSq[y0*iw+x1] - g.sumSq[y1*iw+x0] + g.sumSq[y0*iw+x0]
	mean = s / area
	variance = sq/area - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}
