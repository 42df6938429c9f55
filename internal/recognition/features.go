// File: internal/recognition/features.go
package recognition

import (
	"context"
	"image"
	"sort"
)

// Keypoint parameters. Small values keep the fallback cheap; it only runs
// when template matching already narrowed the answer to "plausible but not
// confident".
const (
	patchRadius    = 4
	maxKeypoints   = 64
	cornerMinScore = 200.0
	matchMaxSSD    = 1800.0
)

type keypoint struct {
	x, y  int
	score float64
}

// featureMatch is the keypoint fallback: detect corner-like points in the
// template and the search region, match them by patch similarity, and score
// the match by the fraction of template keypoints that found a consistent
// partner. Everything is ordered deterministically so repeated calls agree.
func (e *Engine) featureMatch(ctx context.Context, frame, templ *grayImage, search image.Rectangle) (candidate, bool) {
	tKeys := detectCorners(templ, templ.bounds())
	if len(tKeys) == 0 {
		return candidate{}, false
	}
	if ctx.Err() != nil {
		return candidate{}, false
	}
	fKeys := detectCorners(frame, search)
	if len(fKeys) == 0 {
		return candidate{}, false
	}

	// Match each template keypoint to its best frame keypoint and collect
	// the implied template-origin translations.
	type vote struct{ dx, dy int }
	votes := make(map[vote]int)
	matched := 0
	for _, tk := range tKeys {
		bestSSD := matchMaxSSD
		var bestFK keypoint
		found := false
		for _, fk := range fKeys {
			ssd := patchSSD(templ, tk, frame, fk)
			if ssd < bestSSD {
				bestSSD = ssd
				bestFK = fk
				found = true
			}
		}
		if found {
			matched++
			votes[vote{bestFK.x - (tk.x - templ.minX), bestFK.y - (tk.y - templ.minY)}]++
		}
	}
	if matched == 0 {
		return candidate{}, false
	}

	// The translation with the most votes locates the template; ties go to
	// the top-left-most translation for determinism.
	var bestV vote
	bestCount := -1
	for v, c := range votes {
		if c > bestCount || (c == bestCount && (v.dy < bestV.dy || (v.dy == bestV.dy && v.dx < bestV.dx))) {
			bestV, bestCount = v, c
		}
	}

	// Confidence is the fraction of template keypoints whose match agrees
	// with the winning translation (within one pixel of slack).
	agreeing := 0
	for v, c := range votes {
		if abs(v.dx-bestV.dx) <= 1 && abs(v.dy-bestV.dy) <= 1 {
			agreeing += c
		}
	}
	conf := float64(agreeing) / float64(len(tKeys))
	return candidate{x: bestV.dx, y: bestV.dy, score: clamp01(conf)}, true
}

// detectCorners finds up to maxKeypoints local maxima of a cheap corner
// response (squared gradient product), sorted by response then position so
// the result order is stable.
func detectCorners(img *grayImage, region image.Rectangle) []keypoint {
	var keys []keypoint
	inner := region.Inset(patchRadius + 1)
	for y := inner.Min.Y; y < inner.Max.Y; y++ {
		row := img.row(y)
		above := img.row(y - 1)
		below := img.row(y + 1)
		for x := inner.Min.X; x < inner.Max.X; x++ {
			gx := row.at(x+1) - row.at(x-1)
			gy := below.at(x) - above.at(x)
			score := gx * gx * gy * gy
			if score >= cornerMinScore {
				keys = append(keys, keypoint{x: x, y: y, score: score})
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].score != keys[j].score {
			return keys[i].score > keys[j].score
		}
		if keys[i].y != keys[j].y {
			return keys[i].y < keys[j].y
		}
		return keys[i].x < keys[j].x
	})
	if len(keys) > maxKeypoints {
		keys = keys[:maxKeypoints]
	}
	return keys
}

// patchSSD is the mean squared difference between the patches around two
// keypoints.
func patchSSD(a *grayImage, ka keypoint, b *grayImage, kb keypoint) float64 {
	var ssd float64
	n := 0
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		ay, by := ka.y+dy, kb.y+dy
		if ay-a.minY < 0 || ay-a.minY >= a.h || by-b.minY < 0 || by-b.minY >= b.h {
			continue
		}
		aRow := a.row(ay)
		bRow := b.row(by)
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			ax, bx := ka.x+dx, kb.x+dx
			if ax-a.minX < 0 || ax-a.minX >= a.w || bx-b.minX < 0 || bx-b.minX >= b.w {
				continue
			}
			d := aRow.at(ax) - bRow.at(bx)
			ssd += d * d
			n++
		}
	}
	if n == 0 {
		return matchMaxSSD
	}
	return ssd / float64(n) * float64((2*patchRadius+1)*(2*patchRadius+1))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
