package types

import (
	"image"
	"strings"
	"time"
)

// Student is an enrolled identity parsed from the roster image layout.
type Student struct {
	RollNo    string `msgpack:"rollno" json:"roll_no"`
	Name      string `msgpack:"name" json:"name"`
	Branch    string `msgpack:"branch" json:"branch"`
	ImagePath string `msgpack:"-" json:"-"`
}

// Key identifies a student across the cache and the ledger.
func (s Student) Key() string {
	return s.RollNo + "_" + s.Name + "_" + s.Branch
}

// Label is the human readable "roll | name | branch" string used on overlays.
func (s Student) Label() string {
	return s.RollNo + " | " + s.Name + " | " + s.Branch
}

// Box is a face or object bounding box in full-frame pixel coordinates.
type Box struct {
	Left   int `msgpack:"l" json:"left"`
	Top    int `msgpack:"t" json:"top"`
	Right  int `msgpack:"r" json:"right"`
	Bottom int `msgpack:"b" json:"bottom"`
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Width of the box in pixels.
func (b Box) Width() int { return b.Right - b.Left }

// Height of the box in pixels.
func (b Box) Height() int { return b.Bottom - b.Top }

// Area of the box in pixels. Degenerate boxes have zero area.
func (b Box) Area() int {
	if b.Width() <= 0 || b.Height() <= 0 {
		return 0
	}
	return b.Width() * b.Height()
}

// Scale multiplies every coordinate by f.
func (b Box) Scale(f float64) Box {
	return Box{
		Left:   int(float64(b.Left) * f),
		Top:    int(float64(b.Top) * f),
		Right:  int(float64(b.Right) * f),
		Bottom: int(float64(b.Bottom) * f),
	}
}

// Point is a 2D landmark coordinate.
type Point struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

// Detection is a labelled object box returned by the object detector.
type Detection struct {
	Box        Box     `msgpack:"box"`
	Label      string  `msgpack:"label"`
	Confidence float64 `msgpack:"conf"`
}

// FaceLandmarks holds the 68-point landmark set for one detected face.
type FaceLandmarks struct {
	Box    Box     `msgpack:"box"`
	Points []Point `msgpack:"points"`
}

// Frame is a single decoded camera frame. Data holds the raw JPEG bytes
// and Image the decoded pixels; both are immutable once published.
type Frame struct {
	Seq        uint64
	Data       []byte
	Image      image.Image
	CapturedAt time.Time
}

// Overlay is a labelled box published by the recognition worker.
type Overlay struct {
	Box   Box       `json:"box"`
	Label string    `json:"label"`
	Kind  MatchKind `json:"kind"`
	At    time.Time `json:"at"`
}

// MatchKind classifies an overlay for rendering.
type MatchKind string

const (
	MatchNew     MatchKind = "new"
	MatchAlready MatchKind = "already_marked"
	MatchUnknown MatchKind = "unknown"
)

// Status is the value of one period cell in the ledger.
type Status string

const (
	Unset   Status = ""
	Present Status = "Present"
	Absent  Status = "Absent"
)

// ParseStatus reads a cell case-insensitively. Unknown values are Unset.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "present":
		return Present
	case "absent":
		return Absent
	default:
		return Unset
	}
}

// Outcome is the terminal state of an attendance session.
type Outcome string

const (
	OutcomeCompleted            Outcome = "Completed"
	OutcomePhoneDetected        Outcome = "PhoneDetected"
	OutcomeLivenessFailed       Outcome = "LivenessFailed"
	OutcomeUserQuit             Outcome = "UserQuit"
	OutcomeInitializationFailed Outcome = "InitializationFailed"
)

// HardStop reports whether the outcome was forced by an anti-spoofing detector.
func (o Outcome) HardStop() bool {
	return o == OutcomePhoneDetected || o == OutcomeLivenessFailed
}

// DateLayout is the dd/mm/yyyy format used by the ledger.
const DateLayout = "02/01/2006"
