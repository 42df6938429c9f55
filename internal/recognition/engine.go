// File: internal/recognition/engine.go
// Package recognition matches template images against captured screen
// regions using normalized cross-correlation, with an optional keypoint
// fallback, and returns confidence-scored results.
package recognition

import (
	"context"
	"image"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// DefaultPartialFloor is the confidence below which a miss is Failed rather
// than Partial, when neither the params nor the engine override it.
const DefaultPartialFloor = 0.5

// Engine is the perception engine. It is stateless across calls and safe for
// concurrent use. Identical inputs always produce the identical location and
// confidence.
type Engine struct {
	logger       *zap.Logger
	partialFloor float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithPartialFloor overrides the default partial-result floor.
func WithPartialFloor(floor float64) Option {
	return func(e *Engine) { e.partialFloor = floor }
}

// NewEngine builds a recognition engine.
func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:       logger.Named("recognition"),
		partialFloor: DefaultPartialFloor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ schemas.Recognizer = (*Engine)(nil)

// Recognize implements schemas.Recognizer. The search region is scanned in
// row-major order and ties on confidence resolve to the first (top-left-most)
// candidate. Exceeding params.Timeout aborts the scan and reports Timeout
// with the best candidate found so far, confidence unmodified.
func (e *Engine) Recognize(ctx context.Context, capture image.Image, tpl *schemas.ImageTemplate, params schemas.MatchParams) (schemas.RecognitionResult, error) {
	start := time.Now()

	if capture == nil || tpl == nil || tpl.Pixels == nil {
		return schemas.RecognitionResult{}, schemas.NewCodedError(schemas.ErrCodeInvalidInput, "nil capture or template")
	}

	frame := toGray(capture)
	templ := toGray(tpl.Pixels)
	if templ.w <= 0 || templ.h <= 0 {
		return schemas.RecognitionResult{}, schemas.NewCodedError(schemas.ErrCodeInvalidInput, "zero-sized template")
	}

	search := frame.bounds()
	if !params.Region.Empty() {
		search = search.Intersect(params.Region.ToImageRect())
	}
	if search.Empty() || search.Dx() < templ.w || search.Dy() < templ.h {
		return schemas.RecognitionResult{}, schemas.NewCodedError(schemas.ErrCodeInvalidInput, "search region smaller than template")
	}

	if params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	method := params.Method
	if method == "" {
		method = schemas.MethodTemplate
	}
	floor := params.PartialFloor
	if floor <= 0 {
		floor = e.partialFloor
	}

	best, timedOut := e.scan(ctx, frame, templ, search)
	result := schemas.RecognitionResult{
		Location:   schemas.Point{X: best.x, Y: best.y},
		Confidence: best.score,
		Method:     schemas.MethodTemplate,
	}

	switch {
	case timedOut:
		result.Status = schemas.RecognitionTimeout
	case best.score >= params.Threshold:
		result.Status = schemas.RecognitionSuccess
	case method == schemas.MethodFeature && best.score >= floor:
		// Template matching landed between the partial floor and the
		// threshold: try the keypoint fallback before settling for Partial.
		if fb, ok := e.featureMatch(ctx, frame, templ, search); ok && fb.score >= params.Threshold {
			result.Location = schemas.Point{X: fb.x, Y: fb.y}
			result.Confidence = fb.score
			result.Method = schemas.MethodFeature
			result.Status = schemas.RecognitionSuccess
		} else {
			result.Status = schemas.RecognitionPartial
		}
	case best.score >= floor:
		result.Status = schemas.RecognitionPartial
	default:
		result.Status = schemas.RecognitionFailed
	}

	result.Elapsed = time.Since(start)
	e.logger.Debug("Recognition finished",
		zap.String("template", tpl.Name),
		zap.String("status", string(result.Status)),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

type candidate struct {
	x, y  int
	score float64
}

// scan slides the template over the search region, row-major, and keeps the
// strictly best score. Strict comparison is what gives equal-confidence ties
// to the top-left-most location. The deadline is checked once per row; on
// expiry the best candidate so far is returned with timedOut set.
func (e *Engine) scan(ctx context.Context, frame, templ *grayImage, search image.Rectangle) (candidate, bool) {
	tM, tVar := templ.stats(templ.bounds())

	best := candidate{x: search.Min.X, y: search.Min.Y, score: 0}
	maxY := search.Max.Y - templ.h
	maxX := search.Max.X - templ.w

	for y := search.Min.Y; y <= maxY; y++ {
		if ctx.Err() != nil {
			return best, true
		}
		for x := search.Min.X; x <= maxX; x++ {
			score := ncc(frame, templ, x, y, tM, tVar)
			if score > best.score {
				best = candidate{x: x, y: y, score: score}
			}
		}
	}
	return best, false
}

// ncc computes the normalized cross-correlation of the template against the
// frame patch at (x, y), clamped to [0, 1]. Negative correlation carries no
// useful signal for this purpose and maps to zero.
func ncc(frame, templ *grayImage, x, y int, tMean, tVar float64) float64 {
	patch := image.Rect(x, y, x+templ.w, y+templ.h)
	fMean, fVar := frame.stats(patch)

	// Flat regions have no correlation structure; compare mean levels so a
	// uniform template can still match a uniform patch.
	const eps = 1e-9
	if tVar < eps || fVar < eps {
		if tVar < eps && fVar < eps {
			diff := tMean - fMean
			if diff < 0 {
				diff = -diff
			}
			return clamp01(1 - diff/255)
		}
		return 0
	}

	var num float64
	for ty := 0; ty < templ.h; ty++ {
		fRow := frame.row(y + ty)
		tRow := templ.row(templ.minY + ty)
		for tx := 0; tx < templ.w; tx++ {
			num += (fRow.at(x+tx) - fMean) * (tRow.at(templ.minX+tx) - tMean)
		}
	}
	n := float64(templ.w * templ.h)
	denom := n * math.Sqrt(tVar) * math.Sqrt(fVar)
	if denom < eps {
		return 0
	}
	return clamp01(num / denom)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
