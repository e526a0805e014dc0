// Package ledger persists per-branch attendance tables.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/types"
)

// ErrInvalidPeriod is returned for a period outside 1..Periods.
var ErrInvalidPeriod = errors.New("invalid period")

// DefaultPeriods is the number of periods in a college day.
const DefaultPeriods = 6

// Row is one student's attendance for one date.
type Row struct {
	RollNo  string         `json:"roll_no"`
	Name    string         `json:"name"`
	Branch  string         `json:"branch"`
	Periods []types.Status `json:"periods"`
	Date    string         `json:"date"`
}

// Status returns the cell for a 1-based period, Unset when out of range.
func (r Row) Status(period int) types.Status {
	if period < 1 || period > len(r.Periods) {
		return types.Unset
	}
	return r.Periods[period-1]
}

// Day counts the marked and present periods of the row.
func (r Row) Day() (present, marked int) {
	for _, s := range r.Periods {
		switch s {
		case types.Present:
			present++
			marked++
		case types.Absent:
			marked++
		}
	}
	return present, marked
}

// Commit describes one end-of-session write for one branch.
type Commit struct {
	Branch string
	Date   time.Time
	Period int
	// Roster lists every enrolled student of the branch; each gets a row for the date.
	Roster []types.Student
	// Present lists the students recognized during the session.
	Present []types.Student
}

// Ledger is the attendance store. Implementations serialize commits per branch.
type Ledger interface {
	// Commit marks Present for c.Present at c.Period, creating missing rows for
	// c.Date with every period Absent. A Present cell is never reverted.
	// It returns the branch's rows for c.Date after the write.
	Commit(ctx context.Context, c Commit) ([]Row, error)
	// Rows returns every row of a branch table.
	Rows(ctx context.Context, branch string) ([]Row, error)
	// Periods is the number of period columns.
	Periods() int
}

// Validate checks a commit against the period count.
func (c Commit) Validate(periods int) error {
	if c.Period < 1 || c.Period > periods {
		return fmt.Errorf("%w: %d (have %d periods)", ErrInvalidPeriod, c.Period, periods)
	}
	if c.Branch == "" {
		return errors.New("commit without branch")
	}
	for _, s := range c.Present {
		if s.Branch != c.Branch {
			return fmt.Errorf("student %s belongs to %s, not %s", s.RollNo, s.Branch, c.Branch)
		}
	}
	return nil
}

// FormatDate renders a date the way the ledger stores it.
func FormatDate(t time.Time) string {
	return t.Format(types.DateLayout)
}

// ParseDate reads a dd/mm/yyyy date in the local zone.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(types.DateLayout, s, time.Local)
}

// PresentFor returns the roll numbers already marked Present for a period.
func PresentFor(ctx context.Context, l Ledger, branch string, date time.Time, period int) (map[string]bool, error) {
	rows, err := l.Rows(ctx, branch)
	if err != nil {
		return nil, err
	}
	day := FormatDate(date)
	out := map[string]bool{}
	for _, r := range rows {
		if r.Date == day && r.Status(period) == types.Present {
			out[r.RollNo] = true
		}
	}
	return out, nil
}

// OnDate filters rows to a single date.
func OnDate(rows []Row, date time.Time) []Row {
	day := FormatDate(date)
	var out []Row
	for _, r := range rows {
		if r.Date == day {
			out = append(out, r)
		}
	}
	return out
}

// apply performs the commit on an in-memory table and returns the new table.
// Both backends share these rules.
func apply(rows []Row, c Commit, periods int) []Row {
	day := FormatDate(c.Date)

	// De-duplicate by (RollNo, Date), keeping the first occurrence.
	seen := map[string]int{}
	out := make([]Row, 0, len(rows)+len(c.Roster))
	for _, r := range rows {
		k := r.RollNo + "|" + r.Date
		if _, dup := seen[k]; dup {
			continue
		}
		r.Periods = resize(r.Periods, periods)
		seen[k] = len(out)
		out = append(out, r)
	}

	ensure := func(s types.Student) int {
		k := s.RollNo + "|" + day
		if i, ok := seen[k]; ok {
			return i
		}
		r := Row{RollNo: s.RollNo, Name: s.Name, Branch: s.Branch, Date: day, Periods: make([]types.Status, periods)}
		for i := range r.Periods {
			r.Periods[i] = types.Absent
		}
		seen[k] = len(out)
		out = append(out, r)
		return len(out) - 1
	}

	for _, s := range c.Roster {
		if s.Branch != c.Branch {
			continue
		}
		i := ensure(s)
		if out[i].Periods[c.Period-1] == types.Unset {
			out[i].Periods[c.Period-1] = types.Absent
		}
	}
	for _, s := range c.Present {
		i := ensure(s)
		out[i].Periods[c.Period-1] = types.Present
	}
	return out
}

func resize(p []types.Status, n int) []types.Status {
	if len(p) >= n {
		return p
	}
	out := make([]types.Status, n)
	copy(out, p)
	return out
}
