package liveness

import (
	"math"
	"testing"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/types"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

func TestBlinkNeedsClosedRun(t *testing.T) {
	tests := []struct {
		name   string
		ears   []float64
		blinks int
	}{
		{"single closed sample is noise", []float64{0.3, 0.1, 0.3}, 0},
		{"two closed samples then open", []float64{0.3, 0.1, 0.15, 0.3}, 1},
		{"eyes stay closed", []float64{0.1, 0.1, 0.1, 0.1}, 0},
		{"two blinks", []float64{0.1, 0.1, 0.3, 0.3, 0.2, 0.2, 0.3}, 2},
		{"threshold is exclusive", []float64{0.23, 0.23, 0.3}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(DefaultConfig(), t0)
			got := 0
			for i, ear := range tt.ears {
				if d.Observe(t0.Add(time.Duration(i)*100*time.Millisecond), []float64{ear}) == EventBlink {
					got++
				}
			}
			if got != tt.blinks {
				t.Errorf("expected %d blinks, got %d", tt.blinks, got)
			}
		})
	}
}

func TestTimeoutAfterTwoWindows(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg, t0)

	var events []Event
	// Eyes open the whole time, one sample every 500ms for 20s.
	for ms := 0; ms <= 20000; ms += 500 {
		ev := d.Observe(t0.Add(time.Duration(ms)*time.Millisecond), []float64{0.31})
		if ev != EventNone {
			events = append(events, ev)
		}
		if ev == EventTerminated {
			break
		}
	}

	if len(events) != 2 || events[0] != EventWarning || events[1] != EventTerminated {
		t.Fatalf("expected [warning terminated], got %v", events)
	}
	if st := d.Status(t0.Add(20 * time.Second)); st.State != SessionTerminated || st.Warnings != 2 {
		t.Errorf("unexpected status %+v", st)
	}
	// Terminal state is sticky.
	if ev := d.Observe(t0.Add(time.Minute), []float64{0.1}); ev != EventTerminated {
		t.Errorf("expected terminated to stick, got %v", ev)
	}
}

func TestBlinkResetsWarnings(t *testing.T) {
	d := New(DefaultConfig(), t0)

	at := func(s float64) time.Time { return t0.Add(time.Duration(s * float64(time.Second))) }

	if ev := d.Observe(at(8.5), []float64{0.3}); ev != EventWarning {
		t.Fatalf("expected first warning, got %v", ev)
	}
	d.Observe(at(9.0), []float64{0.1})
	d.Observe(at(9.1), []float64{0.1})
	if ev := d.Observe(at(9.2), []float64{0.3}); ev != EventBlink {
		t.Fatalf("expected blink, got %v", ev)
	}
	if st := d.Status(at(9.2)); st.Warnings != 0 || st.State != BlinkConfirmed {
		t.Errorf("expected warnings cleared, got %+v", st)
	}

	// A fresh window started at the blink.
	if ev := d.Observe(at(17.0), []float64{0.3}); ev != EventNone {
		t.Errorf("window should not have expired yet, got %v", ev)
	}
	if ev := d.Observe(at(17.3), []float64{0.3}); ev != EventWarning {
		t.Errorf("expected a single warning, got %v", ev)
	}
}

func TestNoFaceDoesNotWarn(t *testing.T) {
	d := New(DefaultConfig(), t0)
	for s := 0; s < 60; s++ {
		if ev := d.Observe(t0.Add(time.Duration(s)*time.Second), nil); ev != EventNone {
			t.Fatalf("unexpected event %v without a face", ev)
		}
	}
}

func TestEyeAspectRatio(t *testing.T) {
	open := []types.Point{{X: 0, Y: 0}, {X: 1, Y: -1}, {X: 2, Y: -1}, {X: 3, Y: 0}, {X: 2, Y: 1}, {X: 1, Y: 1}}
	closed := []types.Point{{X: 0, Y: 0}, {X: 1, Y: -0.1}, {X: 2, Y: -0.1}, {X: 3, Y: 0}, {X: 2, Y: 0.1}, {X: 1, Y: 0.1}}

	if got := EyeAspectRatio(open); math.Abs(got-2.0/3.0) > 1e-9 {
		t.Errorf("open EAR = %f", got)
	}
	if got := EyeAspectRatio(closed); got >= DefaultConfig().EARThreshold {
		t.Errorf("closed EAR %f should be below threshold", got)
	}
	if !math.IsNaN(EyeAspectRatio(open[:4])) {
		t.Error("expected NaN for short eye")
	}

	pts := make([]types.Point, 68)
	copy(pts[36:42], open)
	copy(pts[42:48], open)
	if ear, ok := FaceEAR(types.FaceLandmarks{Points: pts}); !ok || math.Abs(ear-2.0/3.0) > 1e-9 {
		t.Errorf("FaceEAR = %f, %v", ear, ok)
	}
	if _, ok := FaceEAR(types.FaceLandmarks{Points: pts[:20]}); ok {
		t.Error("expected failure for partial landmarks")
	}
}
