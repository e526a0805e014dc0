// Package session runs one attendance session from gate check to ledger commit.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sankurisyam/face-reco-student/internal/camera"
	"github.com/sankurisyam/face-reco-student/internal/gate"
	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/liveness"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/notify"
	"github.com/sankurisyam/face-reco-student/internal/roster"
	"github.com/sankurisyam/face-reco-student/internal/spoof"
	"github.com/sankurisyam/face-reco-student/internal/state"
	"github.com/sankurisyam/face-reco-student/internal/types"
)

// Config holds the per-session settings.
type Config struct {
	Period int       `validate:"gte=1"`
	Date   time.Time `validate:"required"`
	// Decimation runs liveness on every Nth frame.
	Decimation int `validate:"gte=1"`
	// Duration ends the session as Completed once elapsed; zero runs until told to finish.
	Duration time.Duration `validate:"gte=0"`
	// LowAttendance is the day percentage under which a low attendance notice is sent.
	LowAttendance float64 `validate:"gte=0,lte=100"`
	DebugFrames   string
	Liveness      liveness.Config
}

// DefaultConfig returns a config for period 1 today.
func DefaultConfig() Config {
	return Config{Period: 1, Date: time.Now(), Decimation: 3, LowAttendance: 75, Liveness: liveness.DefaultConfig()}
}

// Landmarker returns 68-point landmarks for every face in a JPEG.
type Landmarker interface {
	Landmarks(ctx context.Context, img []byte) ([]types.FaceLandmarks, error)
}

// SpoofDetector judges each frame for phones and displayed photos.
type SpoofDetector interface {
	Observe(ctx context.Context, frame *types.Frame) (spoof.Verdict, error)
}

// Recognizer is the single-flight recognition worker.
type Recognizer interface {
	Trigger(ctx context.Context, frame *types.Frame) bool
	Wait()
}

// Deps are the collaborators of a session. Gate, Notifier, Quit, Finish and
// Clock are optional.
type Deps struct {
	Gate       gate.Gate
	LoadRoster func(ctx context.Context) (*roster.Roster, error)
	NewWorker  func(r *roster.Roster, st *state.SessionState) Recognizer
	OpenCamera func(ctx context.Context) (camera.Source, error)
	Landmarks  Landmarker
	Spoof      SpoofDetector
	Ledger     ledger.Ledger
	Notifier   notify.Notifier
	// Quit ends the session without saving; Finish ends it and saves.
	Quit   <-chan struct{}
	Finish <-chan struct{}
	Clock  func() time.Time
}

// Result is the terminal report of a session.
type Result struct {
	SessionID  string
	Outcome    types.Outcome
	Reason     error
	Period     int
	Date       string
	Recognized []types.Student
	Absent     []types.Student
	// Rows holds each committed branch's rows for the date.
	Rows      map[string][]ledger.Row
	LedgerErr error
	NotifyErr error
	Frames    uint64
	Started   time.Time
	Ended     time.Time
}

// Message is the user-facing line for the outcome.
func (r Result) Message() string {
	switch r.Outcome {
	case types.OutcomeCompleted:
		return fmt.Sprintf("✅ Attendance recorded for period %d: %d present, %d absent", r.Period, len(r.Recognized), len(r.Absent))
	case types.OutcomePhoneDetected:
		return "📵 Device detected: a phone was held up to the camera. Webcam closed."
	case types.OutcomeLivenessFailed:
		return "👁️  Liveness failed: no blink detected after multiple warnings. Please use a live face."
	case types.OutcomeUserQuit:
		return "🛑 Session cancelled. Attendance was not saved."
	default:
		return fmt.Sprintf("🚨 Session could not start: %v", r.Reason)
	}
}

var (
	errQuit   = errors.New("quit requested")
	errFinish = errors.New("finish requested")
)

// Session owns the camera and the session state for one run.
type Session struct {
	cfg   Config
	deps  Deps
	id    string
	state *state.SessionState
	now   func() time.Time

	status   atomic.Pointer[Status]
	frames   atomic.Uint64
	renderer *Renderer
	log      *logger.Logger
}

// New prepares a session; nothing is opened until Run.
func New(cfg Config, deps Deps) *Session {
	if cfg.Decimation < 1 {
		cfg.Decimation = 1
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	id := uuid.NewString()
	l := logger.Named("session").With().Str("session_id", id).Logger()
	s := &Session{cfg: cfg, deps: deps, id: id, state: state.New(), now: now, log: &l}
	if cfg.DebugFrames != "" {
		s.renderer = NewRenderer(cfg.DebugFrames)
	}
	s.status.Store(&Status{SessionID: id, Phase: PhaseInitializing, Period: cfg.Period, Date: ledger.FormatDate(cfg.Date)})
	return s
}

// ID is the session's uuid.
func (s *Session) ID() string { return s.id }

// State exposes the shared state to readers such as the status endpoint.
func (s *Session) State() *state.SessionState { return s.state }

// Run drives the session to a terminal outcome. It never panics across its
// boundary for collaborator failures; every failure becomes part of Result.
func (s *Session) Run(ctx context.Context) (res Result) {
	res = Result{SessionID: s.id, Period: s.cfg.Period, Date: ledger.FormatDate(s.cfg.Date), Started: s.now()}
	defer func() {
		res.Ended = s.now()
		s.finish(res)
	}()

	if s.deps.Gate != nil {
		if err := s.deps.Gate.Check(ctx, gate.Request{Period: s.cfg.Period, At: s.now()}); err != nil {
			return s.failed(res, fmt.Errorf("gate: %w", err))
		}
	}

	r, err := s.deps.LoadRoster(ctx)
	if err != nil {
		return s.failed(res, fmt.Errorf("load roster: %w", err))
	}
	if r == nil || r.Len() == 0 {
		return s.failed(res, roster.ErrNoEncodings)
	}
	worker := s.deps.NewWorker(r, s.state)

	cam, err := s.deps.OpenCamera(ctx)
	if err != nil {
		return s.failed(res, fmt.Errorf("open camera: %w", err))
	}
	defer cam.Close()

	s.setPhase(PhaseRunning)
	s.log.Info().Int("period", s.cfg.Period).Str("date", res.Date).Int("roster", r.Len()).
		Strs("branches", r.Branches()).Msg("session running")

	jobCtx, cancelJobs := context.WithCancel(ctx)
	res.Outcome = s.loop(ctx, jobCtx, cam, worker)
	// The camera is released before waiting on recognition, which may be stuck
	// in the engine.
	cam.Close()
	if res.Outcome != types.OutcomeCompleted {
		cancelJobs()
	}
	// An in-flight job may still add a student before the snapshot.
	worker.Wait()
	cancelJobs()
	res.Frames = s.frames.Load()

	snap := s.state.Snapshot()
	res.Recognized = snap.Recognized
	res.Absent = absent(r, snap.Present)

	if res.Outcome == types.OutcomeCompleted {
		// Persist even when the caller's context is already winding down.
		saveCtx := context.WithoutCancel(ctx)
		res.Rows, res.LedgerErr = s.commit(saveCtx, r, snap)
		res.NotifyErr = s.notify(saveCtx, r, snap, res.Rows)
	}

	s.log.Info().Str("outcome", string(res.Outcome)).Int("present", len(res.Recognized)).
		Int("absent", len(res.Absent)).Uint64("frames", res.Frames).Msg("session finished")
	s.state.Reset()
	return res
}

func (s *Session) failed(res Result, err error) Result {
	res.Outcome = types.OutcomeInitializationFailed
	res.Reason = err
	s.log.Error().Err(err).Msg("session initialization failed")
	return res
}

func (s *Session) loop(ctx, jobCtx context.Context, cam camera.Source, worker Recognizer) types.Outcome {
	loopCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	var deadline <-chan time.Time
	if s.cfg.Duration > 0 {
		t := time.NewTimer(s.cfg.Duration)
		defer t.Stop()
		deadline = t.C
	}
	go func() {
		select {
		case <-s.deps.Quit:
			stop(errQuit)
		case <-s.deps.Finish:
			stop(errFinish)
		case <-deadline:
			stop(errFinish)
		case <-loopCtx.Done():
		}
	}()

	live := liveness.New(s.cfg.Liveness, s.now())
	var phoneStreak int

	for {
		if loopCtx.Err() != nil {
			return stopped(loopCtx)
		}
		frame, err := cam.Next(loopCtx)
		if err != nil {
			if loopCtx.Err() != nil {
				return stopped(loopCtx)
			}
			s.log.Warn().Err(err).Msg("camera stream ended")
			return types.OutcomeCompleted
		}
		n := s.frames.Add(1)

		verdict, err := s.deps.Spoof.Observe(loopCtx, frame)
		if err != nil {
			s.log.Debug().Err(err).Uint64("frame", n).Msg("spoof check skipped")
		}
		if verdict.HardStop {
			s.log.Warn().Int("consecutive", verdict.Consecutive).Msg("phone hard stop")
			return types.OutcomePhoneDetected
		}
		var banners []string
		switch {
		case verdict.PhoneFound:
			banners = append(banners, fmt.Sprintf("PHONE WARNING! (%d)", verdict.Consecutive))
		case phoneStreak > 0:
			banners = append(banners, "PHONE REMOVED - CONTINUING ATTENDANCE")
		}
		if verdict.PhotoBlocked {
			banners = append(banners, "PHOTO ON SCREEN - RECOGNITION PAUSED")
		}
		phoneStreak = verdict.Consecutive

		if n%uint64(s.cfg.Decimation) != 0 {
			s.publish(n, verdict, live.Status(s.now()), banners)
			continue
		}

		ears, err := s.ears(loopCtx, frame)
		if err != nil {
			s.log.Debug().Err(err).Uint64("frame", n).Msg("landmarks skipped")
			s.publish(n, verdict, live.Status(s.now()), banners)
			continue
		}
		now := s.now()
		switch live.Observe(now, ears) {
		case liveness.EventTerminated:
			s.log.Warn().Msg("liveness hard stop")
			return types.OutcomeLivenessFailed
		case liveness.EventWarning:
			st := live.Status(now)
			s.log.Warn().Int("warning", st.Warnings).Int("max", st.MaxWarnings).Msg("no blink in window")
		case liveness.EventBlink:
			if verdict.Blocked() {
				s.log.Info().Msg("blink ignored while a phone is in view")
				break
			}
			if worker.Trigger(jobCtx, frame) {
				s.log.Debug().Uint64("frame", n).Msg("recognition triggered")
			}
		}
		st := live.Status(now)
		if st.State == liveness.WarningIssued {
			banners = append(banners, blinkBanner(st))
		}
		s.publish(n, verdict, st, banners)
		if s.renderer != nil {
			if err := s.renderer.Render(frame, s.state.Overlays(), verdict, banners); err != nil {
				s.log.Debug().Err(err).Msg("debug frame not written")
			}
		}
	}
}

// stopped maps the reason the loop context ended to an outcome.
func stopped(ctx context.Context) types.Outcome {
	if errors.Is(context.Cause(ctx), errFinish) {
		return types.OutcomeCompleted
	}
	return types.OutcomeUserQuit
}

func blinkBanner(st liveness.Status) string {
	if st.Warnings >= st.MaxWarnings-1 {
		return fmt.Sprintf("BLINK NOW OR WEBCAM WILL CLOSE! (Final Warning %d/%d)", st.Warnings, st.MaxWarnings)
	}
	return fmt.Sprintf("PLEASE BLINK YOUR EYES! (Warning %d/%d)", st.Warnings, st.MaxWarnings)
}

func (s *Session) ears(ctx context.Context, frame *types.Frame) ([]float64, error) {
	faces, err := s.deps.Landmarks.Landmarks(ctx, frame.Data)
	if err != nil {
		return nil, err
	}
	ears := make([]float64, 0, len(faces))
	for _, f := range faces {
		if ear, ok := liveness.FaceEAR(f); ok {
			ears = append(ears, ear)
		}
	}
	return ears, nil
}

// commit writes every roster branch. Failures are collected per branch.
func (s *Session) commit(ctx context.Context, r *roster.Roster, snap state.Snapshot) (map[string][]ledger.Row, error) {
	out := map[string][]ledger.Row{}
	var errs []error
	for _, b := range r.Branches() {
		var present []types.Student
		for _, st := range snap.Recognized {
			if st.Branch == b {
				present = append(present, st)
			}
		}
		rows, err := s.deps.Ledger.Commit(ctx, ledger.Commit{
			Branch:  b,
			Date:    s.cfg.Date,
			Period:  s.cfg.Period,
			Roster:  r.ByBranch(b),
			Present: present,
		})
		if err != nil {
			s.log.Error().Err(err).Str("branch", b).Msg("ledger commit failed")
			errs = append(errs, fmt.Errorf("branch %s: %w", b, err))
			continue
		}
		out[b] = rows
	}
	return out, errors.Join(errs...)
}

func (s *Session) notify(ctx context.Context, r *roster.Roster, snap state.Snapshot, rows map[string][]ledger.Row) error {
	if s.deps.Notifier == nil {
		return nil
	}
	date := ledger.FormatDate(s.cfg.Date)
	var events []notify.Event
	for _, b := range r.Branches() {
		events = append(events, notify.Events(date, s.cfg.Period, r.ByBranch(b), snap.Present, rows[b], s.cfg.LowAttendance)...)
	}
	if err := s.deps.Notifier.Notify(ctx, events); err != nil {
		s.log.Warn().Err(err).Msg("notification delivery failed")
		return err
	}
	return nil
}

func absent(r *roster.Roster, present map[string]bool) []types.Student {
	var out []types.Student
	for _, st := range r.Students() {
		if !present[st.RollNo] {
			out = append(out, st)
		}
	}
	return out
}
