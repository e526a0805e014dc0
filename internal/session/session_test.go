package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/camera"
	"github.com/sankurisyam/face-reco-student/internal/gate"
	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/liveness"
	"github.com/sankurisyam/face-reco-student/internal/notify"
	"github.com/sankurisyam/face-reco-student/internal/recognition"
	"github.com/sankurisyam/face-reco-student/internal/roster"
	"github.com/sankurisyam/face-reco-student/internal/spoof"
	"github.com/sankurisyam/face-reco-student/internal/state"
	"github.com/sankurisyam/face-reco-student/internal/types"
)

var (
	asha   = types.Student{RollNo: "22FE1A0501", Name: "ASHA", Branch: "CSE"}
	bala   = types.Student{RollNo: "22FE1A0502", Name: "BALA", Branch: "CSE"}
	chitra = types.Student{RollNo: "22FE1A0503", Name: "CHITRA", Branch: "CSE"}
	day    = time.Date(2025, 1, 6, 0, 0, 0, 0, time.Local)
)

const (
	open   = 0.30
	closed = 0.10
)

// fakeSource yields n frames then reports the stream ended. With hold set it
// blocks after the frames until the context is cancelled.
type fakeSource struct {
	mu     sync.Mutex
	frames []*types.Frame
	next   int
	hold   bool
	closes atomic.Int32
}

func newSource(t *testing.T, n int) *fakeSource {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	s := &fakeSource{}
	for i := 0; i < n; i++ {
		s.frames = append(s.frames, &types.Frame{Seq: uint64(i + 1), Data: buf.Bytes(), Image: img, CapturedAt: time.Now()})
	}
	return s
}

func (s *fakeSource) Next(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	if s.next < len(s.frames) {
		f := s.frames[s.next]
		s.next++
		s.mu.Unlock()
		return f, ctx.Err()
	}
	s.mu.Unlock()
	if s.hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, io.EOF
}

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	return nil
}

// scriptedEyes returns one face per call with the next scripted EAR; past the
// end of the script the eyes stay open.
type scriptedEyes struct {
	mu   sync.Mutex
	ears []float64
	i    int
}

func (e *scriptedEyes) Landmarks(context.Context, []byte) ([]types.FaceLandmarks, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ear := open
	if e.i < len(e.ears) {
		ear = e.ears[e.i]
	}
	e.i++
	return []types.FaceLandmarks{faceWithEAR(ear)}, nil
}

func faceWithEAR(ear float64) types.FaceLandmarks {
	pts := make([]types.Point, 68)
	eye := []types.Point{{X: 0, Y: 0}, {X: 0.3, Y: ear / 2}, {X: 0.7, Y: ear / 2}, {X: 1, Y: 0}, {X: 0.7, Y: -ear / 2}, {X: 0.3, Y: -ear / 2}}
	copy(pts[36:42], eye)
	copy(pts[42:48], eye)
	return types.FaceLandmarks{Points: pts}
}

type scriptedSpoof struct {
	verdicts map[int]spoof.Verdict
	n        int
}

func (s *scriptedSpoof) Observe(context.Context, *types.Frame) (spoof.Verdict, error) {
	s.n++
	return s.verdicts[s.n], nil
}

// faceEngine finds one face whose embedding is 0.3 away from asha.
type faceEngine struct{}

func (faceEngine) Faces(context.Context, []byte) ([]types.Box, error) {
	return []types.Box{{Left: 4, Top: 4, Right: 12, Bottom: 12}}, nil
}

func (faceEngine) Encode(_ context.Context, _ []byte, boxes []types.Box) ([][]float64, error) {
	out := make([][]float64, len(boxes))
	for i := range out {
		out[i] = []float64{1, 0.3, 0}
	}
	return out, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Name() string { return "recorder" }

func (n *recordingNotifier) Notify(_ context.Context, events []notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	return nil
}

type harness struct {
	cfg      Config
	deps     Deps
	src      *fakeSource
	ledger   *ledger.CSV
	notifier *recordingNotifier
	opened   atomic.Bool
}

func newHarness(t *testing.T, frames int, ears []float64) *harness {
	t.Helper()
	l, err := ledger.NewCSV(t.TempDir(), ledger.DefaultPeriods)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{src: newSource(t, frames), ledger: l, notifier: &recordingNotifier{}}
	h.cfg = Config{Period: 2, Date: day, Decimation: 1, LowAttendance: 0, Liveness: liveness.DefaultConfig()}

	r := roster.New([]roster.Entry{
		{Student: asha, Embedding: []float64{1, 0, 0}},
		{Student: bala, Embedding: []float64{0, 1, 0}},
		{Student: chitra, Embedding: []float64{0, 0, 1}},
	})
	h.deps = Deps{
		LoadRoster: func(context.Context) (*roster.Roster, error) { return r, nil },
		NewWorker: func(r *roster.Roster, st *state.SessionState) Recognizer {
			rc := recognition.DefaultConfig()
			return recognition.NewWorker(rc, faceEngine{}, recognition.NewChain(r, nil, nil, rc), st, nil)
		},
		OpenCamera: func(context.Context) (camera.Source, error) {
			h.opened.Store(true)
			return h.src, nil
		},
		Landmarks: &scriptedEyes{ears: ears},
		Spoof:     &scriptedSpoof{},
		Ledger:    l,
		Notifier:  h.notifier,
	}
	return h
}

func rowsByRoll(t *testing.T, l ledger.Ledger) map[string]ledger.Row {
	t.Helper()
	rows, err := l.Rows(context.Background(), "CSE")
	if err != nil {
		t.Fatal(err)
	}
	m := map[string]ledger.Row{}
	for _, r := range rows {
		m[r.RollNo] = r
	}
	return m
}

func TestBlinkRecognizesAndCommits(t *testing.T) {
	h := newHarness(t, 12, []float64{open, closed, closed, open})
	res := New(h.cfg, h.deps).Run(context.Background())

	if res.Outcome != types.OutcomeCompleted {
		t.Fatalf("expected Completed, got %s (%v)", res.Outcome, res.Reason)
	}
	if res.LedgerErr != nil || res.NotifyErr != nil {
		t.Fatalf("unexpected errors: %v / %v", res.LedgerErr, res.NotifyErr)
	}
	if len(res.Recognized) != 1 || res.Recognized[0].RollNo != asha.RollNo || len(res.Absent) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	rows := rowsByRoll(t, h.ledger)
	if rows[asha.RollNo].Status(2) != types.Present {
		t.Errorf("asha should be present: %+v", rows[asha.RollNo])
	}
	for _, r := range []string{bala.RollNo, chitra.RollNo} {
		if rows[r].Status(2) != types.Absent {
			t.Errorf("%s should be absent: %+v", r, rows[r])
		}
	}
	if h.src.closes.Load() == 0 {
		t.Error("camera was not released")
	}
}

func TestTwoBlinksMarkOnce(t *testing.T) {
	h := newHarness(t, 20, []float64{open, closed, closed, open, open, open, closed, closed, open})
	res := New(h.cfg, h.deps).Run(context.Background())

	if res.Outcome != types.OutcomeCompleted || len(res.Recognized) != 1 {
		t.Fatalf("expected one recognized student, got %s %+v", res.Outcome, res.Recognized)
	}
	marked := 0
	for _, e := range h.notifier.events {
		if e.Kind == notify.KindMarked {
			marked++
		}
	}
	if marked != 1 || len(h.notifier.events) != 3 {
		t.Errorf("expected one marked and two absence notices, got %+v", h.notifier.events)
	}
}

func TestNoBlinkNoRecognition(t *testing.T) {
	h := newHarness(t, 6, nil)
	res := New(h.cfg, h.deps).Run(context.Background())

	if res.Outcome != types.OutcomeCompleted || len(res.Recognized) != 0 || len(res.Absent) != 3 {
		t.Fatalf("unexpected result %s %+v", res.Outcome, res)
	}
}

func TestPhoneHardStop(t *testing.T) {
	h := newHarness(t, 10, []float64{open, closed, closed, open})
	h.deps.Spoof = &scriptedSpoof{verdicts: map[int]spoof.Verdict{
		1: {PhoneFound: true, Consecutive: 1},
		2: {PhoneFound: true, Consecutive: 2, HardStop: true},
	}}
	res := New(h.cfg, h.deps).Run(context.Background())

	if res.Outcome != types.OutcomePhoneDetected {
		t.Fatalf("expected PhoneDetected, got %s", res.Outcome)
	}
	if res.Frames != 2 {
		t.Errorf("session should stop on the second frame, ran %d", res.Frames)
	}
	if _, err := os.Stat(h.ledger.Path("CSE")); !os.IsNotExist(err) {
		t.Error("hard stop must not write the ledger")
	}
	if h.src.closes.Load() == 0 {
		t.Error("camera was not released")
	}
}

// stuckWorker stands in for a recognition job blocked inside the engine. Wait
// records whether the camera was already closed when it was entered.
type stuckWorker struct {
	src          *fakeSource
	delay        time.Duration
	closedOnWait atomic.Bool
}

func (w *stuckWorker) Trigger(context.Context, *types.Frame) bool { return true }

func (w *stuckWorker) Wait() {
	w.closedOnWait.Store(w.src.closes.Load() > 0)
	time.Sleep(w.delay)
}

func TestHardStopReleasesCameraBeforeRecognitionDrains(t *testing.T) {
	tests := []struct {
		name string
		set  func(h *harness)
		want types.Outcome
	}{
		{"Phone", func(h *harness) {
			h.deps.Spoof = &scriptedSpoof{verdicts: map[int]spoof.Verdict{1: {PhoneFound: true, Consecutive: 1, HardStop: true}}}
		}, types.OutcomePhoneDetected},
		{"Quit", func(h *harness) {
			h.src.hold = true
			quit := make(chan struct{})
			close(quit)
			h.deps.Quit = quit
		}, types.OutcomeUserQuit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, nil)
			tt.set(h)
			w := &stuckWorker{src: h.src, delay: 100 * time.Millisecond}
			h.deps.NewWorker = func(*roster.Roster, *state.SessionState) Recognizer { return w }

			res := New(h.cfg, h.deps).Run(context.Background())

			if res.Outcome != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, res.Outcome)
			}
			if !w.closedOnWait.Load() {
				t.Error("camera must be closed before waiting on recognition")
			}
		})
	}
}

func TestBlinkIgnoredWhilePhoneInView(t *testing.T) {
	h := newHarness(t, 8, []float64{open, closed, closed, open})
	h.deps.Spoof = &scriptedSpoof{verdicts: map[int]spoof.Verdict{
		4: {PhotoBlocked: true},
	}}
	res := New(h.cfg, h.deps).Run(context.Background())

	if res.Outcome != types.OutcomeCompleted || len(res.Recognized) != 0 {
		t.Fatalf("blocked blink must not recognize, got %s %+v", res.Outcome, res.Recognized)
	}
}

func TestLivenessHardStop(t *testing.T) {
	h := newHarness(t, 100, nil)
	var now atomic.Int64
	start := time.Date(2025, 1, 6, 10, 0, 0, 0, time.Local)
	h.deps.Clock = func() time.Time {
		return start.Add(time.Duration(now.Add(1)) * time.Second)
	}
	res := New(h.cfg, h.deps).Run(context.Background())

	if res.Outcome != types.OutcomeLivenessFailed {
		t.Fatalf("expected LivenessFailed, got %s", res.Outcome)
	}
	if res.Frames >= 100 {
		t.Error("liveness failure should stop the loop early")
	}
	if _, err := os.Stat(h.ledger.Path("CSE")); !os.IsNotExist(err) {
		t.Error("hard stop must not write the ledger")
	}
}

func TestInitializationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness)
		want   error
	}{
		{"gate denies", func(h *harness) {
			h.deps.Gate = gate.TimeWindows{Windows: map[int]gate.Window{1: {Start: 0, End: time.Hour}}}
		}, gate.ErrDenied},
		{"empty roster", func(h *harness) {
			h.deps.LoadRoster = func(context.Context) (*roster.Roster, error) { return roster.New(nil), nil }
		}, roster.ErrNoEncodings},
		{"camera fails", func(h *harness) {
			h.deps.OpenCamera = func(context.Context) (camera.Source, error) { return nil, camera.ErrOpen }
		}, camera.ErrOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 5, nil)
			tt.mutate(h)
			res := New(h.cfg, h.deps).Run(context.Background())

			if res.Outcome != types.OutcomeInitializationFailed || !errors.Is(res.Reason, tt.want) {
				t.Fatalf("got %s %v", res.Outcome, res.Reason)
			}
			if tt.want != camera.ErrOpen && h.opened.Load() {
				t.Error("camera must not be opened")
			}
		})
	}
}

func TestQuitAndFinish(t *testing.T) {
	for _, tt := range []struct {
		name string
		quit bool
		want types.Outcome
	}{
		{"quit discards", true, types.OutcomeUserQuit},
		{"finish saves", false, types.OutcomeCompleted},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3, nil)
			h.src.hold = true
			ch := make(chan struct{})
			if tt.quit {
				h.deps.Quit = ch
			} else {
				h.deps.Finish = ch
			}
			time.AfterFunc(20*time.Millisecond, func() { close(ch) })

			res := New(h.cfg, h.deps).Run(context.Background())
			if res.Outcome != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, res.Outcome)
			}
			_, err := os.Stat(h.ledger.Path("CSE"))
			if tt.quit != os.IsNotExist(err) {
				t.Errorf("ledger written = %v, want %v", err == nil, !tt.quit)
			}
		})
	}
}

func TestStatusEndpointAndDebugFrames(t *testing.T) {
	h := newHarness(t, 6, []float64{open, closed, closed, open})
	h.cfg.DebugFrames = filepath.Join(t.TempDir(), "frames")
	s := New(h.cfg, h.deps)

	srv := httptest.NewServer(Handler(s))
	defer srv.Close()

	res := s.Run(context.Background())
	if res.Outcome != types.OutcomeCompleted {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Phase != PhaseTerminated || st.Outcome != types.OutcomeCompleted || st.SessionID != s.ID() {
		t.Errorf("unexpected status %+v", st)
	}

	health, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz returned %d", health.StatusCode)
	}

	written, _ := filepath.Glob(filepath.Join(h.cfg.DebugFrames, "frame_*.jpg"))
	if len(written) == 0 {
		t.Error("expected annotated debug frames")
	}
}
