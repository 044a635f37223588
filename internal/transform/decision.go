// Package transform decides how an uploaded video is prepared for publishing
// and drives the external encoder to produce the result.
package transform

import (
	"math"
	"time"
)

const (
	MiB = 1 << 20

	// DefaultFrameRate is used when the source does not report one.
	DefaultFrameRate = 24.0
)

type Orientation int

const (
	Horizontal Orientation = iota
	Vertical
)

func (o Orientation) String() string {
	if o == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// Decision is the transform applied to one input.
type Decision int

const (
	PassThrough Decision = iota
	Recompress
	ReframeWithBlur
)

func (d Decision) String() string {
	switch d {
	case PassThrough:
		return "pass_through"
	case Recompress:
		return "recompress"
	case ReframeWithBlur:
		return "reframe_with_blur"
	default:
		return "unknown"
	}
}

// Media is what the prober learned about an input.
type Media struct {
	Width     int
	Height    int
	Duration  time.Duration
	FrameRate float64
	HasAudio  bool
}

func (m Media) Orientation() Orientation {
	return Classify(m.Width, m.Height)
}

// Limits are the size thresholds and output geometry a decision is made against.
type Limits struct {
	// PassThroughMax is the largest vertical input published unchanged.
	PassThroughMax int64
	// RecompressTarget is the approximate output size for oversized vertical input.
	RecompressTarget int64
	// ReframeTarget is the approximate output size for reframed horizontal input.
	ReframeTarget int64
	Width         int
	Height        int
}

func DefaultLimits() Limits {
	return Limits{
		PassThroughMax:   50 * MiB,
		RecompressTarget: 50 * MiB,
		ReframeTarget:    15 * MiB,
		Width:            1080,
		Height:           1920,
	}
}

// Classify treats square input as horizontal.
func Classify(width, height int) Orientation {
	if width >= height {
		return Horizontal
	}
	return Vertical
}

// Decide is a pure function of the probed geometry and the input size.
func Decide(m Media, size int64, l Limits) Decision {
	if m.Orientation() == Horizontal {
		return ReframeWithBlur
	}
	if size <= l.PassThroughMax {
		return PassThrough
	}
	return Recompress
}

// TargetBitrate returns bits per second for an output of roughly targetBytes.
// Durations under one second, including missing ones, count as one second.
func TargetBitrate(targetBytes int64, duration time.Duration) int64 {
	seconds := duration.Seconds()
	if seconds < 1 || math.IsNaN(seconds) {
		seconds = 1
	}
	return int64(float64(targetBytes) * 8 / seconds)
}

func FrameRate(m Media) float64 {
	if m.FrameRate <= 0 || math.IsNaN(m.FrameRate) || math.IsInf(m.FrameRate, 0) {
		return DefaultFrameRate
	}
	return m.FrameRate
}
