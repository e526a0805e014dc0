package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/config"
	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/store"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	asha  = types.Student{RollNo: "22FE1A0501", Name: "ASHA", Branch: "CSE"}
	bala  = types.Student{RollNo: "22FE1A0502", Name: "BALA", Branch: "CSE"}
	kiran = types.Student{RollNo: "23FE5A6101", Name: "KIRAN", Branch: "AIML"}
)

func TestPickModels(t *testing.T) {
	tests := []struct {
		name   string
		loaded []string
		want   []string
	}{
		{"Both in priority order", []string{"svm", "knn"}, []string{"knn", "svm"}},
		{"Only svm", []string{"svm"}, []string{"svm"}},
		{"Unknown models ignored", []string{"mlp", "knn"}, []string{"knn"}},
		{"None loaded", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickModels(tt.loaded); !slices.Equal(got, tt.want) {
				t.Errorf("pickModels(%v) = %v, want %v", tt.loaded, got, tt.want)
			}
		})
	}
}

func TestReadControls(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantQuit bool
	}{
		{"Enter finishes", "\n", false},
		{"q quits", "q\n", true},
		{"Noise is ignored", "hello\nQUIT\n", true},
		{"Finish after noise", "x\n  \n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quit, finish := readControls(strings.NewReader(tt.input))
			select {
			case <-quit:
				if !tt.wantQuit {
					t.Error("got quit, want finish")
				}
			case <-finish:
				if tt.wantQuit {
					t.Error("got finish, want quit")
				}
			case <-time.After(time.Second):
				t.Fatal("no control signalled")
			}
		})
	}
}

func TestReadControlsEOF(t *testing.T) {
	quit, finish := readControls(strings.NewReader("nothing useful"))
	select {
	case <-quit:
		t.Error("EOF must not quit")
	case <-finish:
		t.Error("EOF must not finish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMarkCommits(t *testing.T) {
	day := time.Date(2026, 10, 19, 0, 0, 0, 0, time.Local)
	enrolled := []types.Student{asha, bala, kiran, {RollNo: asha.RollNo, Name: "DUPLICATE", Branch: "CSE"}}

	commits, err := markCommits(enrolled, []string{"23fe5a6101", asha.RollNo}, day, 3)
	if err != nil {
		t.Fatalf("markCommits: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("got %d commits, want one per branch", len(commits))
	}
	if commits[0].Branch != "AIML" || commits[1].Branch != "CSE" {
		t.Errorf("commits not sorted by branch: %s, %s", commits[0].Branch, commits[1].Branch)
	}
	cse := commits[1]
	if len(cse.Roster) != 2 || cse.Roster[0].Name != "ASHA" {
		t.Errorf("CSE roster = %v, want ASHA and BALA with the first image kept", cse.Roster)
	}
	if len(cse.Present) != 1 || cse.Present[0] != asha || cse.Period != 3 {
		t.Errorf("CSE commit = %+v", cse)
	}

	if _, err := markCommits(enrolled, []string{"22FE1A0599"}, day, 1); err == nil {
		t.Error("expected an error for an unknown roll number")
	}
}

func TestPrintRows(t *testing.T) {
	rows := []ledger.Row{{
		RollNo:  asha.RollNo,
		Name:    asha.Name,
		Branch:  "CSE",
		Periods: []types.Status{types.Present, types.Absent, types.Unset},
		Date:    "19/10/2026",
	}}
	var buf bytes.Buffer
	if err := printRows(&buf, rows, 3); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"P1", "P3", "DATE", "✔", "✘", "-", "19/10/2026"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintSummaryFlagsLowAttendance(t *testing.T) {
	all := []ledger.StudentSummary{
		{RollNo: asha.RollNo, Name: "ASHA", Branch: "CSE", Days: 1, Present: 1, Marked: 4, Percent: 25},
		{RollNo: bala.RollNo, Name: "BALA", Branch: "CSE", Days: 1, Present: 4, Marked: 4, Percent: 100},
	}
	var buf bytes.Buffer
	if err := printSummary(&buf, all, 75); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus two", len(lines))
	}
	if !strings.Contains(lines[1], "low") || strings.Contains(lines[2], "low") {
		t.Errorf("only ASHA should be flagged:\n%s", buf.String())
	}
}

// enroll writes empty enrollment images; only the file names matter to a scan.
func enroll(t *testing.T, students ...types.Student) string {
	t.Helper()
	dir := t.TempDir()
	for _, s := range students {
		name := fmt.Sprintf("%s_%s_%s.jpg", s.RollNo, strings.ToLower(s.Name), s.Branch)
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// withOptions swaps the package options for the duration of a test.
func withOptions(t *testing.T, o config.Options) {
	t.Helper()
	saved := opts
	opts = o
	t.Cleanup(func() { opts = saved })
}

// quiet discards stdout while f runs.
func quiet(t *testing.T, f func()) {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, r)
		close(done)
	}()
	defer func() {
		w.Close()
		<-done
		r.Close()
		os.Stdout = old
	}()
	f()
}

func TestRunMarkCSV(t *testing.T) {
	o := config.Defaults()
	o.Roster.ImagesRoot = enroll(t, asha, bala, kiran)
	o.Period = 2
	o.Date = "19/10/2026"
	withOptions(t, o)

	l, err := ledger.NewCSV(t.TempDir(), o.Periods)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	quiet(t, func() { err = runMark(ctx, l, []string{bala.RollNo}) })
	if err != nil {
		t.Fatalf("runMark: %v", err)
	}

	rows, err := l.Rows(ctx, "CSE")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d CSE rows, want the whole branch", len(rows))
	}
	for _, r := range rows {
		want := types.Absent
		if r.RollNo == bala.RollNo {
			want = types.Present
		}
		if got := r.Status(2); got != want {
			t.Errorf("%s period 2 = %q, want %q", r.RollNo, got, want)
		}
	}

	aiml, err := l.Rows(ctx, "AIML")
	if err != nil {
		t.Fatal(err)
	}
	if len(aiml) != 0 {
		t.Errorf("AIML was not part of the mark, got %d rows", len(aiml))
	}

	branches, err := ledgerBranches(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(branches, []string{"CSE"}) {
		t.Errorf("ledgerBranches = %v, want [CSE]", branches)
	}
}

// TestRunMarkPostgres runs the manual mark against the postgres backend.
func TestRunMarkPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the docker socket is missing
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("rollcall_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, _ := pgContainer.ConnectionString(ctx, "sslmode=disable")
	db, err := store.New(ctx, connStr, ledger.DefaultPeriods)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	o := config.Defaults()
	o.Roster.ImagesRoot = enroll(t, asha, bala, kiran)
	o.Period = 4
	o.Date = "19/10/2026"
	withOptions(t, o)

	quiet(t, func() { err = runMark(ctx, db, []string{asha.RollNo, kiran.RollNo}) })
	if err != nil {
		t.Fatalf("runMark: %v", err)
	}

	date, _ := ledger.ParseDate(o.Date)
	for branch, want := range map[string][]string{"CSE": {asha.RollNo}, "AIML": {kiran.RollNo}} {
		present, err := ledger.PresentFor(ctx, db, branch, date, 4)
		if err != nil {
			t.Fatal(err)
		}
		if len(present) != len(want) {
			t.Errorf("%s present = %v, want %v", branch, present, want)
		}
		for _, r := range want {
			if !present[r] {
				t.Errorf("%s: %s not marked present", branch, r)
			}
		}
	}

	branches, err := ledgerBranches(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(branches, []string{"AIML", "CSE"}) {
		t.Errorf("ledgerBranches = %v, want [AIML CSE]", branches)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
