// Package notify hands end-of-session attendance events to the notification
// collaborators. Delivery itself (SMS, mail) happens elsewhere.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/types"
)

// Kind of notification.
type Kind string

const (
	KindMarked        Kind = "attendance_marked"
	KindAbsent        Kind = "absence"
	KindLowAttendance Kind = "low_attendance"
)

// Event is one (identity, date, period, status) notification.
type Event struct {
	Kind    Kind          `json:"kind"`
	Student types.Student `json:"student"`
	Date    string        `json:"date"`
	Period  int           `json:"period"`
	Status  types.Status  `json:"status"`
	// Percent is the day's attendance, set for KindLowAttendance.
	Percent float64 `json:"percent,omitempty"`
}

// Notifier delivers events to one target.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, events []Event) error
}

// Multi fans events out to every target. A failing target does not stop the
// others; the failures are joined into the returned error.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	var errs []error
	for _, n := range m {
		if err := safeNotify(ctx, n, events); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func safeNotify(ctx context.Context, n Notifier, events []Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panicked: %v", r)
		}
	}()
	return n.Notify(ctx, events)
}

// Log writes each event to the structured log.
type Log struct {
	log *logger.Logger
}

// NewLog returns a notifier that only logs.
func NewLog() *Log {
	return &Log{log: logger.Named("notify")}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Notify(_ context.Context, events []Event) error {
	for _, e := range events {
		ev := l.log.Info().Str("kind", string(e.Kind)).Str("roll_no", e.Student.RollNo).
			Str("branch", e.Student.Branch).Str("date", e.Date).Int("period", e.Period).Str("status", string(e.Status))
		if e.Kind == KindLowAttendance {
			ev = ev.Float64("percent", e.Percent)
		}
		ev.Msg("notification")
	}
	return nil
}

// Events builds the notifications for one branch after its commit: every
// roster student is either marked or absent, and students whose day
// percentage in rows falls below lowPercent also get a low attendance event.
// A committed row decides the status, so a period already marked Present
// stays Present even when the student was not seen this session.
func Events(date string, period int, roster []types.Student, present map[string]bool, rows []ledger.Row, lowPercent float64) []Event {
	committed := make(map[string]types.Status, len(rows))
	for _, r := range rows {
		if st := r.Status(period); st != types.Unset {
			committed[r.RollNo] = st
		}
	}

	var out []Event
	for _, s := range roster {
		st, ok := committed[s.RollNo]
		if !ok {
			st = types.Absent
			if present[s.RollNo] {
				st = types.Present
			}
		}
		e := Event{Kind: KindAbsent, Student: s, Date: date, Period: period, Status: st}
		if st == types.Present {
			e.Kind = KindMarked
		}
		out = append(out, e)
	}

	if lowPercent <= 0 {
		return out
	}
	byRoll := make(map[string]types.Student, len(roster))
	for _, s := range roster {
		byRoll[s.RollNo] = s
	}
	for _, r := range rows {
		s, ok := byRoll[r.RollNo]
		if !ok {
			continue
		}
		pct, ok := ledger.DayPercent(r)
		if ok && pct < lowPercent {
			out = append(out, Event{Kind: KindLowAttendance, Student: s, Date: date, Period: period, Status: r.Status(period), Percent: pct})
		}
	}
	return out
}
