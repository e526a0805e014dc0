package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sankurisyam/face-reco-student/internal/liveness"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/spoof"
	"github.com/sankurisyam/face-reco-student/internal/types"
)

// Phases of a session.
const (
	PhaseInitializing = "initializing"
	PhaseRunning      = "running"
	PhaseTerminated   = "terminated"
)

// Status is the read-only view served by the status endpoint.
type Status struct {
	SessionID  string          `json:"session_id"`
	Phase      string          `json:"phase"`
	Outcome    types.Outcome   `json:"outcome,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Period     int             `json:"period"`
	Date       string          `json:"date"`
	Frames     uint64          `json:"frames"`
	Recognized []types.Student `json:"recognized"`
	Overlays   []types.Overlay `json:"overlays"`
	Banners    []string        `json:"banners,omitempty"`
	Liveness   LivenessView    `json:"liveness"`
	Phone      PhoneView       `json:"phone"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// LivenessView summarizes the blink detector.
type LivenessView struct {
	State     string  `json:"state"`
	Blinks    int     `json:"blinks"`
	Warnings  int     `json:"warnings"`
	Remaining float64 `json:"remaining_seconds"`
}

// PhoneView summarizes the phone detector.
type PhoneView struct {
	Consecutive  int  `json:"consecutive"`
	PhotoBlocked bool `json:"photo_blocked"`
}

// Status returns the latest published status.
func (s *Session) Status() Status {
	return *s.status.Load()
}

func (s *Session) update(f func(st *Status)) {
	next := *s.status.Load()
	f(&next)
	next.UpdatedAt = s.now()
	s.status.Store(&next)
}

func (s *Session) setPhase(phase string) {
	s.update(func(st *Status) { st.Phase = phase })
}

func (s *Session) publish(frame uint64, v spoof.Verdict, ls liveness.Status, banners []string) {
	snap := s.state.Snapshot()
	s.update(func(st *Status) {
		st.Frames = frame
		st.Recognized = snap.Recognized
		st.Overlays = snap.Overlays
		st.Banners = banners
		st.Liveness = LivenessView{State: ls.State.String(), Blinks: ls.Blinks, Warnings: ls.Warnings, Remaining: ls.Remaining.Seconds()}
		st.Phone = PhoneView{Consecutive: v.Consecutive, PhotoBlocked: v.PhotoBlocked}
	})
}

func (s *Session) finish(res Result) {
	s.update(func(st *Status) {
		st.Phase = PhaseTerminated
		st.Outcome = res.Outcome
		st.Recognized = res.Recognized
		st.Overlays = nil
		st.Banners = nil
		if res.Reason != nil {
			st.Reason = res.Reason.Error()
		}
	})
}

// Handler serves GET /status and GET /healthz.
func Handler(s *Session) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Status())
	})
	return r
}

// StatusServer is a thin wrapper over chi + stdlib http.Server.
type StatusServer struct {
	srv *http.Server
	log *logger.Logger
}

// NewStatusServer binds the session's status routes to addr.
func NewStatusServer(addr string, s *Session) *StatusServer {
	return &StatusServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           Handler(s),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger.Named("http"),
	}
}

// Run serves until ctx is done.
func (h *StatusServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = h.srv.Shutdown(shutdownCtx)
	}()
	h.log.Info().Str("addr", h.srv.Addr).Msg("status endpoint listening")
	err := h.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
