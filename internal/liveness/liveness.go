// Package liveness decides whether the face in front of the camera is live
// by watching for eye blinks.
package liveness

import (
	"math"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/types"
)

// Config holds the blink detector cut points.
type Config struct {
	// EARThreshold is the eye aspect ratio below which eyes count as closed.
	EARThreshold float64 `validate:"gt=0,lt=1"`
	// ClosedFrames is the minimum run of closed samples that makes a blink.
	ClosedFrames int `validate:"gte=1"`
	// BlinkTimeout is the window a visible face has to blink in.
	BlinkTimeout time.Duration `validate:"gt=0"`
	// MaxWarnings is the number of unanswered windows that end the session.
	MaxWarnings int `validate:"gte=1"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{EARThreshold: 0.23, ClosedFrames: 2, BlinkTimeout: 8 * time.Second, MaxWarnings: 2}
}

// State of the detector.
type State int

const (
	WatchingEyes State = iota
	BlinkConfirmed
	WarningIssued
	SessionTerminated
)

func (s State) String() string {
	switch s {
	case WatchingEyes:
		return "watching_eyes"
	case BlinkConfirmed:
		return "blink_confirmed"
	case WarningIssued:
		return "warning_issued"
	case SessionTerminated:
		return "session_terminated"
	}
	return "unknown"
}

// Event is what a single observation produced.
type Event int

const (
	EventNone Event = iota
	EventBlink
	EventWarning
	EventTerminated
)

// Status is a read-only view for rendering.
type Status struct {
	State       State
	Blinks      int
	LastBlink   time.Time
	Warnings    int
	MaxWarnings int
	// Remaining is the time left in the current blink window.
	Remaining time.Duration
}

// Detector is the blink state machine. It is driven by the capture loop only
// and is not safe for concurrent use.
type Detector struct {
	cfg Config

	state        State
	closedFrames int
	blinks       int
	lastBlink    time.Time
	warnings     int
	windowStart  time.Time
}

// New starts the first blink window at now.
func New(cfg Config, now time.Time) *Detector {
	return &Detector{cfg: cfg, windowStart: now}
}

// Observe feeds one sampled frame. ears holds one eye aspect ratio per
// detected face; an empty slice means no face was found.
func (d *Detector) Observe(now time.Time, ears []float64) Event {
	if d.state == SessionTerminated {
		return EventTerminated
	}

	blinked := false
	for _, ear := range ears {
		if ear < d.cfg.EARThreshold {
			d.closedFrames++
			continue
		}
		if d.closedFrames >= d.cfg.ClosedFrames {
			blinked = true
		}
		d.closedFrames = 0
	}

	if blinked {
		d.blinks++
		d.lastBlink = now
		d.warnings = 0
		d.windowStart = now
		d.state = BlinkConfirmed
		return EventBlink
	}

	// The window only expires while someone is in front of the camera.
	if len(ears) > 0 && now.Sub(d.windowStart) > d.cfg.BlinkTimeout {
		d.warnings++
		d.windowStart = now
		if d.warnings >= d.cfg.MaxWarnings {
			d.state = SessionTerminated
			return EventTerminated
		}
		d.state = WarningIssued
		return EventWarning
	}

	if d.state == BlinkConfirmed {
		d.state = WatchingEyes
	}
	return EventNone
}

// Status reports the detector state at now.
func (d *Detector) Status(now time.Time) Status {
	remaining := d.cfg.BlinkTimeout - now.Sub(d.windowStart)
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		State:       d.state,
		Blinks:      d.blinks,
		LastBlink:   d.lastBlink,
		Warnings:    d.warnings,
		MaxWarnings: d.cfg.MaxWarnings,
		Remaining:   remaining,
	}
}

// Landmark index ranges of the 68-point model.
const (
	rightEyeStart = 36
	leftEyeStart  = 42
	eyePoints     = 6
)

// EyeAspectRatio computes (|p2-p6| + |p3-p5|) / (2|p1-p4|) for six eye points.
func EyeAspectRatio(eye []types.Point) float64 {
	if len(eye) != eyePoints {
		return math.NaN()
	}
	a := dist(eye[1], eye[5])
	b := dist(eye[2], eye[4])
	c := dist(eye[0], eye[3])
	if c == 0 {
		return math.NaN()
	}
	return (a + b) / (2 * c)
}

// FaceEAR averages both eyes of a 68-point landmark set.
func FaceEAR(f types.FaceLandmarks) (float64, bool) {
	if len(f.Points) < 68 {
		return 0, false
	}
	left := EyeAspectRatio(f.Points[leftEyeStart : leftEyeStart+eyePoints])
	right := EyeAspectRatio(f.Points[rightEyeStart : rightEyeStart+eyePoints])
	if math.IsNaN(left) || math.IsNaN(right) {
		return 0, false
	}
	return (left + right) / 2, true
}

func dist(p, q types.Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}
