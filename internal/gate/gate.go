// Package gate decides whether a session may start at all.
package gate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrDenied is wrapped by every negative verdict.
var ErrDenied = errors.New("session not permitted")

// Request describes the session asking to start.
type Request struct {
	Period int
	At     time.Time
}

// Gate is consulted once before the camera is opened.
type Gate interface {
	Check(ctx context.Context, req Request) error
}

// Func adapts a function to Gate.
type Func func(ctx context.Context, req Request) error

func (f Func) Check(ctx context.Context, req Request) error { return f(ctx, req) }

// All requires every gate to allow the request.
type All []Gate

func (a All) Check(ctx context.Context, req Request) error {
	for _, g := range a {
		if err := g.Check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Window is a daily time range, [Start, End), as offsets from midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

func (w Window) contains(d time.Duration) bool {
	return d >= w.Start && d < w.End
}

func (w Window) String() string {
	return clock(w.Start) + "-" + clock(w.End)
}

// TimeWindows allows period N only inside its window. With no windows
// configured everything is allowed; a period with no window is denied once
// any window exists.
type TimeWindows struct {
	Windows map[int]Window
}

func (t TimeWindows) Check(_ context.Context, req Request) error {
	if len(t.Windows) == 0 {
		return nil
	}
	w, ok := t.Windows[req.Period]
	if !ok {
		return fmt.Errorf("%w: no time window for period %d", ErrDenied, req.Period)
	}
	at := req.At
	midnight := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	if !w.contains(at.Sub(midnight)) {
		return fmt.Errorf("%w: period %d runs %s, now %s", ErrDenied, req.Period, w, at.Format("15:04"))
	}
	return nil
}

// ParseWindows reads "1=09:00-10:00,2=10:00-11:00".
func ParseWindows(s string) (map[int]Window, error) {
	out := map[int]Window{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		p, rng, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("window %q: want period=HH:MM-HH:MM", part)
		}
		period, err := strconv.Atoi(p)
		if err != nil || period < 1 {
			return nil, fmt.Errorf("window %q: bad period", part)
		}
		from, to, ok := strings.Cut(rng, "-")
		if !ok {
			return nil, fmt.Errorf("window %q: want period=HH:MM-HH:MM", part)
		}
		start, err := parseClock(from)
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", part, err)
		}
		end, err := parseClock(to)
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", part, err)
		}
		if end <= start {
			return nil, fmt.Errorf("window %q: end before start", part)
		}
		out[period] = Window{Start: start, End: end}
	}
	return out, nil
}

// PeriodTime is the clock time a period's session runs at.
type PeriodTime struct {
	Period int
	At     time.Duration
}

// Spec returns the cron spec for the time of day, "M H * * *".
func (p PeriodTime) Spec() string {
	return fmt.Sprintf("%d %d * * *", int(p.At/time.Minute)%60, int(p.At/time.Hour))
}

// ParsePeriodTimes reads "1=10:00,2=11:00" sorted by period.
func ParsePeriodTimes(s string) ([]PeriodTime, error) {
	var out []PeriodTime
	seen := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, at, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("period time %q: want period=HH:MM", part)
		}
		period, err := strconv.Atoi(p)
		if err != nil || period < 1 {
			return nil, fmt.Errorf("period time %q: bad period", part)
		}
		if seen[period] {
			return nil, fmt.Errorf("period %d listed twice", period)
		}
		seen[period] = true
		d, err := parseClock(at)
		if err != nil {
			return nil, fmt.Errorf("period time %q: %w", part, err)
		}
		out = append(out, PeriodTime{Period: period, At: d})
	}
	slices.SortFunc(out, func(a, b PeriodTime) int { return a.Period - b.Period })
	return out, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad clock time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d/time.Minute)%60)
}
