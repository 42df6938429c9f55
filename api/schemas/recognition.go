// File: api/schemas/recognition.go
package schemas

import (
	"image"
	"time"

	"github.com/google/uuid"
)

// MatchMethod selects the recognition algorithm.
type MatchMethod string

const (
	// MethodTemplate is plain normalized cross-correlation matching.
	MethodTemplate MatchMethod = "template"
	// MethodFeature is template matching with a keypoint fallback when the
	// correlation score lands between the partial floor and the threshold.
	MethodFeature MatchMethod = "feature"
)

// RecognitionStatus is the per-tick outcome of a recognition attempt.
type RecognitionStatus string

const (
	RecognitionSuccess RecognitionStatus = "success"
	RecognitionFailed  RecognitionStatus = "failed"
	RecognitionPartial RecognitionStatus = "partial"
	RecognitionTimeout RecognitionStatus = "timeout"
)

// Rect is a screen region. A zero-area rect means "whole capture".
type Rect struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Empty reports whether the rect has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// ToImageRect converts to the stdlib representation.
func (r Rect) ToImageRect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// MatchParams tunes a single recognition call.
type MatchParams struct {
	// Threshold is the confidence at or above which a match is a Success.
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// PartialFloor is the confidence at or above which a sub-threshold match
	// is reported as Partial rather than Failed. Zero means the engine
	// default (0.5).
	PartialFloor float64 `json:"partialFloor,omitempty" yaml:"partial_floor,omitempty"`
	// Region restricts the search inside the capture. Empty searches all.
	Region Rect `json:"region,omitempty" yaml:"region,omitempty"`
	// Method selects the matching algorithm. Empty means MethodTemplate.
	Method MatchMethod `json:"method,omitempty" yaml:"method,omitempty"`
	// Timeout bounds the search. Zero means no per-call bound beyond the
	// caller's context.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ImageTemplate is a reference image matched against live captures. The
// decoded pixel buffer is immutable; re-capturing a template produces a new
// buffer behind the shared handle and bumps Version (last-write-wins, old
// versions are not retained).
type ImageTemplate struct {
	ID      uuid.UUID   `json:"id" yaml:"id"`
	Name    string      `json:"name" yaml:"name"`
	File    string      `json:"file,omitempty" yaml:"file,omitempty"`
	Width   int         `json:"width" yaml:"-"`
	Height  int         `json:"height" yaml:"-"`
	Match   MatchParams `json:"match" yaml:"match"`
	Version int64       `json:"version" yaml:"-"`

	// Pixels is the decoded buffer. Never serialized; reloaded from File.
	Pixels image.Image `json:"-" yaml:"-"`
}

// RecognitionResult is a value produced fresh per Sense tick. It is never
// mutated and never shared across ticks.
type RecognitionResult struct {
	Status     RecognitionStatus `json:"status"`
	Location   Point             `json:"location"`
	Confidence float64           `json:"confidence"`
	Method     MatchMethod       `json:"method"`
	Elapsed    time.Duration     `json:"elapsed"`
}

// Matched reports whether the result is a full-confidence hit.
func (r RecognitionResult) Matched() bool { return r.Status == RecognitionSuccess }
