// Package spoof detects phones held up to the camera and decides whether a
// detected screen is showing a static photo.
package spoof

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/types"
)

// ObjectDetector finds labelled objects in a JPEG frame.
type ObjectDetector interface {
	Objects(ctx context.Context, img []byte) ([]types.Detection, error)
}

// ScreenClassifier returns the probability that a JPEG crop is a displayed photo.
type ScreenClassifier interface {
	Screen(ctx context.Context, crop []byte) (float64, error)
}

// FaceFinder locates faces in a JPEG image.
type FaceFinder interface {
	Faces(ctx context.Context, img []byte) ([]types.Box, error)
}

// Config holds the phone filter and voting cut points.
type Config struct {
	PhoneLabel      string  `validate:"required"`
	PhoneConfidence float64 `validate:"gte=0,lte=1"`
	MinAreaRatio    float64 `validate:"gte=0,lte=1"`
	MaxAreaRatio    float64 `validate:"gtfield=MinAreaRatio,lte=1"`
	MinAspect       float64 `validate:"gte=1"`
	MaxAspect       float64 `validate:"gtfield=MinAspect"`
	// HardStopCount consecutive qualifying frames end the session.
	HardStopCount int `validate:"gte=1"`
	VoteCapacity  int `validate:"gte=1"`
	VoteMajority  int `validate:"gte=1,ltefield=VoteCapacity"`
	// ClassifierThreshold is the learned screen probability that counts as a photo vote.
	ClassifierThreshold float64 `validate:"gte=0,lte=1"`
	Screen              ScreenConfig
}

// DefaultConfig returns the tuned phone filter.
func DefaultConfig() Config {
	return Config{
		PhoneLabel:          "cell phone",
		PhoneConfidence:     0.5,
		MinAreaRatio:        0.02,
		MaxAreaRatio:        0.25,
		MinAspect:           1.5,
		MaxAspect:           3.0,
		HardStopCount:       2,
		VoteCapacity:        3,
		VoteMajority:        2,
		ClassifierThreshold: 0.5,
		Screen:              DefaultScreenConfig(),
	}
}

// Verdict is the detector's output for one frame.
type Verdict struct {
	PhoneFound   bool
	Box          types.Box
	Confidence   float64
	Consecutive  int
	HardStop     bool
	PhotoVote    bool
	PhotoBlocked bool
	Analysis     ScreenAnalysis
}

// Blocked reports whether recognition must be suppressed for this frame.
func (v Verdict) Blocked() bool { return v.PhoneFound || v.PhotoBlocked }

// Detector carries the consecutive counter and vote buffer across frames.
// It is driven by the capture loop only and is not safe for concurrent use.
type Detector struct {
	cfg        Config
	objects    ObjectDetector
	classifier ScreenClassifier
	faces      FaceFinder

	consecutive int
	votes       *VoteBuffer
	prevCrop    *image.Gray
	log         *logger.Logger
}

// New builds a detector. classifier and faces may be nil.
func New(cfg Config, objects ObjectDetector, classifier ScreenClassifier, faces FaceFinder) *Detector {
	return &Detector{
		cfg:        cfg,
		objects:    objects,
		classifier: classifier,
		faces:      faces,
		votes:      NewVoteBuffer(cfg.VoteCapacity),
		log:        logger.Named("spoof"),
	}
}

// PhotoBlocked reports whether the vote buffer has settled on "photo".
func (d *Detector) PhotoBlocked() bool {
	return d.votes.Decided(d.cfg.VoteMajority)
}

// Observe runs the detector on one frame. A detector error leaves every
// counter untouched so the frame is simply skipped.
func (d *Detector) Observe(ctx context.Context, frame *types.Frame) (Verdict, error) {
	dets, err := d.objects.Objects(ctx, frame.Data)
	if err != nil {
		return Verdict{PhotoBlocked: d.PhotoBlocked(), Consecutive: d.consecutive}, fmt.Errorf("object detection: %w", err)
	}

	bounds := frame.Image.Bounds()
	det, ok := d.firstPhone(dets, bounds)
	if !ok {
		if d.consecutive > 0 {
			d.log.Info().Int("streak", d.consecutive).Msg("phone removed, resuming")
		}
		d.consecutive = 0
		return Verdict{PhotoBlocked: d.PhotoBlocked()}, nil
	}

	d.consecutive++
	v := Verdict{
		PhoneFound:  true,
		Box:         det.Box,
		Confidence:  det.Confidence,
		Consecutive: d.consecutive,
		HardStop:    d.consecutive >= d.cfg.HardStopCount,
	}

	v.Analysis, v.PhotoVote = d.judgeCrop(ctx, frame.Image, det.Box)
	d.votes.Push(v.PhotoVote)
	v.PhotoBlocked = d.PhotoBlocked()

	d.log.Warn().Float64("conf", det.Confidence).Int("consecutive", d.consecutive).
		Bool("photo_vote", v.PhotoVote).Bool("photo_blocked", v.PhotoBlocked).Msg("phone detected")
	return v, nil
}

// firstPhone returns the first detection that passes the label, confidence,
// area and aspect filters, clamped to the frame.
func (d *Detector) firstPhone(dets []types.Detection, frame image.Rectangle) (types.Detection, bool) {
	for _, det := range dets {
		if det.Label != d.cfg.PhoneLabel || det.Confidence < d.cfg.PhoneConfidence {
			continue
		}
		r := det.Box.Rect().Intersect(frame)
		box := types.Box{Left: r.Min.X, Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y}
		if Qualifies(d.cfg, box, frame.Dx(), frame.Dy()) {
			det.Box = box
			return det, true
		}
	}
	return types.Detection{}, false
}

// Qualifies applies the area-ratio and aspect-ratio filters to a phone box.
func Qualifies(cfg Config, box types.Box, frameW, frameH int) bool {
	area := float64(box.Area())
	if area <= 0 || frameW <= 0 || frameH <= 0 {
		return false
	}
	frameArea := float64(frameW * frameH)
	if area < cfg.MinAreaRatio*frameArea || area > cfg.MaxAreaRatio*frameArea {
		return false
	}
	w, h := float64(box.Width()), float64(box.Height())
	aspect := max(w, h) / max(1, min(w, h))
	return aspect >= cfg.MinAspect && aspect <= cfg.MaxAspect
}

func (d *Detector) judgeCrop(ctx context.Context, img image.Image, box types.Box) (ScreenAnalysis, bool) {
	crop := cropImage(img, box.Rect())

	var (
		encoded   []byte
		faceOn    bool
		classVote bool
	)
	if d.faces != nil || d.classifier != nil {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: 90}); err == nil {
			encoded = buf.Bytes()
		}
	}
	if d.faces != nil && encoded != nil {
		if boxes, err := d.faces.Faces(ctx, encoded); err == nil {
			faceOn = len(boxes) > 0
		}
	}

	analysis, gray := AnalyzeScreen(d.cfg.Screen, crop, d.prevCrop, faceOn)
	d.prevCrop = gray

	if d.classifier != nil && encoded != nil {
		p, err := d.classifier.Screen(ctx, encoded)
		if err != nil {
			d.log.Debug().Err(err).Msg("screen classifier failed")
		} else {
			classVote = p >= d.cfg.ClassifierThreshold
		}
	}
	return analysis, analysis.IsPhoto || classVote
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func cropImage(img image.Image, r image.Rectangle) image.Image {
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	rgba := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			rgba.Set(x, y, img.At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return rgba
}
