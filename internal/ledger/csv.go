package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/sankurisyam/face-reco-student/internal/logger"
	"github.com/sankurisyam/face-reco-student/internal/types"
)

// CSV stores one Attendance_<Branch>.csv file per branch in a directory.
// Writers to the same file serialize on an in-process mutex and a lock file,
// so concurrent sessions in other processes are excluded too.
type CSV struct {
	dir     string
	periods int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	log   *logger.Logger
}

// NewCSV creates the ledger directory if needed.
func NewCSV(dir string, periods int) (*CSV, error) {
	if periods < 1 {
		periods = DefaultPeriods
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &CSV{dir: dir, periods: periods, locks: map[string]*sync.Mutex{}, log: logger.Named("ledger")}, nil
}

// Periods returns the configured period count.
func (l *CSV) Periods() int { return l.periods }

// Path returns the table file of a branch.
func (l *CSV) Path(branch string) string {
	return filepath.Join(l.dir, "Attendance_"+branch+".csv")
}

func (l *CSV) branchLock(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	return m
}

// Commit applies c under the branch lock and replaces the file atomically.
// The lock is waited on without a timeout.
func (l *CSV) Commit(ctx context.Context, c Commit) ([]Row, error) {
	if err := c.Validate(l.periods); err != nil {
		return nil, err
	}
	path := l.Path(c.Branch)

	m := l.branchLock(path)
	m.Lock()
	defer m.Unlock()

	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", filepath.Base(path), err)
	}
	defer fl.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, periods, err := readFile(path, l.periods)
	if err != nil {
		// An unreadable table is left alone rather than overwritten.
		return nil, err
	}

	rows = apply(rows, c, periods)
	if err := writeFile(path, rows, periods); err != nil {
		return nil, err
	}

	l.log.Info().Str("branch", c.Branch).Str("date", FormatDate(c.Date)).Int("period", c.Period).
		Int("present", len(c.Present)).Msg("attendance committed")
	return OnDate(rows, c.Date), nil
}

// Rows reads a branch table. A missing file is an empty table.
func (l *CSV) Rows(_ context.Context, branch string) ([]Row, error) {
	rows, _, err := readFile(l.Path(branch), l.periods)
	return rows, err
}

// Branches lists the branches that have a table on disk.
func (l *CSV) Branches() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "Attendance_*.csv"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		b := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "Attendance_"), ".csv")
		out = append(out, b)
	}
	return out, nil
}

// readFile parses a table. Columns are located by header name, so files with
// missing or extra period columns still load. The returned period count is
// the larger of minPeriods and the highest PeriodN column present.
func readFile(path string, minPeriods int) ([]Row, int, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, minPeriods, nil
	}
	if err != nil {
		return nil, minPeriods, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, minPeriods, nil
	}
	if err != nil {
		return nil, minPeriods, fmt.Errorf("parse %s header: %w", filepath.Base(path), err)
	}

	col := map[string]int{}
	periods := minPeriods
	periodCol := map[int]int{}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		col[h] = i
		if n, ok := strings.CutPrefix(h, "Period"); ok {
			if p, err := strconv.Atoi(n); err == nil && p > 0 {
				periodCol[p] = i
				periods = max(periods, p)
			}
		}
	}
	for _, need := range []string{"RollNo", "Date"} {
		if _, ok := col[need]; !ok {
			return nil, minPeriods, fmt.Errorf("%s: missing %s column", filepath.Base(path), need)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, minPeriods, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		row := Row{
			RollNo:  field(rec, "RollNo"),
			Name:    field(rec, "Name"),
			Branch:  field(rec, "Branch"),
			Date:    field(rec, "Date"),
			Periods: make([]types.Status, periods),
		}
		if row.RollNo == "" {
			continue
		}
		for p, i := range periodCol {
			if i < len(rec) {
				row.Periods[p-1] = types.ParseStatus(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, periods, nil
}

func writeFile(path string, rows []Row, periods int) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"RollNo", "Name", "Branch"}
	for p := 1; p <= periods; p++ {
		header = append(header, "Period"+strconv.Itoa(p))
	}
	header = append(header, "Date")
	if err := w.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		rec := []string{r.RollNo, r.Name, r.Branch}
		for p := 1; p <= periods; p++ {
			rec = append(rec, string(r.Status(p)))
		}
		rec = append(rec, r.Date)
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
